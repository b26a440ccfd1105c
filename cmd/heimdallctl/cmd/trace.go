package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/heimdall/internal/ingest"
)

// traceCmd represents the trace command
var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Read stored traces",
}

// traceGetCmd represents the trace get command
var traceGetCmd = &cobra.Command{
	Use:   "get [trace-id]",
	Short: "Show the stored events of one trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := "/api/telemetry/traces/" + url.PathEscape(args[0])
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}

		resp, err := makeHTTPRequest(http.MethodGet, path, nil)
		if err != nil {
			return fmt.Errorf("failed to get trace: %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusNotFound:
			return fmt.Errorf("trace %s not found", args[0])
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, body)
		}

		var view ingest.TraceView
		if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
			return fmt.Errorf("failed to decode trace: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), view)
			return nil
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Trace: %s\n", view.TraceID)
		fmt.Fprintf(out, "  Name: %s\n", view.EventName)
		fmt.Fprintf(out, "  Status: %s\n", view.Status)
		if view.DurationMS != nil {
			fmt.Fprintf(out, "  Duration: %.1fms\n", *view.DurationMS)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nTIMESTAMP\tNAME\tSTATUS\tRUNTIME\tPATH")
		for _, ev := range view.Events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				ev.Timestamp.Format(time.RFC3339Nano), ev.EventName, ev.Status, ev.Context.Runtime, ev.Context.Path)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceGetCmd)

	traceGetCmd.Flags().Int("limit", 0, "maximum number of events (server default when 0)")
}
