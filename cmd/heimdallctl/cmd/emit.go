package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/heimdall/internal/emitter"
	"github.com/austindbirch/heimdall/internal/event"
	"github.com/austindbirch/heimdall/internal/heimdall"
)

// emitCmd represents the emit command
var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit telemetry through the durable client queue",
	Long: `Emit traces and events the way an edge process would: events are
appended to the local queue file and flushed to the ingestion service when
the command exits. Events that cannot be delivered stay queued.`,
}

// emitTraceCmd represents the emit trace command
var emitTraceCmd = &cobra.Command{
	Use:   "trace [name]",
	Short: "Emit a complete trace",
	Long: `Start a trace, emit one IN_PROGRESS event per --step and end it.

Example:
  heimdallctl emit trace save-campaign --step validate --step persist --payload '{"campaignId":"c_42"}'
  heimdallctl emit trace import-list --fail "timeout talking to CRM"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetStringSlice("step")
		failure, _ := cmd.Flags().GetString("fail")
		hold, _ := cmd.Flags().GetDuration("hold")
		payload, err := payloadFlag(cmd)
		if err != nil {
			return err
		}

		return withClient(cmd, func(c *heimdall.Client) error {
			traceID := c.StartTrace(args[0])
			for _, step := range steps {
				c.TraceEvent(traceID, step, payload)
			}
			if hold > 0 {
				time.Sleep(hold)
			}

			fields := copyPayload(payload)
			if failure != "" {
				fields["error"] = failure
			}
			c.EndTrace(traceID, fields)

			if outputJSON {
				printOutput(cmd.OutOrStdout(), map[string]any{"traceId": traceID, "events": len(steps) + 2})
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Emitted trace: %s\n", traceID)
				fmt.Fprintf(cmd.OutOrStdout(), "  Events: %d\n", len(steps)+2)
			}
			return nil
		})
	},
}

// emitEventCmd represents the emit event command
var emitEventCmd = &cobra.Command{
	Use:   "event [name]",
	Short: "Emit a single event",
	Long: `Emit one event with an explicit status.

Example:
  heimdallctl emit event page-view --payload '{"path":"/campaigns"}'
  heimdallctl emit event export --status SUCCESS --trace-id 0190... --duration 1.5s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		traceID, _ := cmd.Flags().GetString("trace-id")
		duration, _ := cmd.Flags().GetDuration("duration")
		payload, err := payloadFlag(cmd)
		if err != nil {
			return err
		}

		st := event.Status(status)
		if !st.Valid() {
			return fmt.Errorf("invalid status %q: use IN_PROGRESS, SUCCESS or FAILURE", status)
		}
		opts := emitter.TrackOptions{Status: st, TraceID: traceID, Payload: payload}
		if cmd.Flags().Changed("duration") {
			if !st.Terminal() {
				return fmt.Errorf("--duration requires a terminal status (SUCCESS or FAILURE), got %s", st)
			}
			opts.Duration = &duration
		}

		return withClient(cmd, func(c *heimdall.Client) error {
			c.Track(args[0], opts)
			fmt.Fprintf(cmd.OutOrStdout(), "Emitted event: %s (%s)\n", args[0], st)
			return nil
		})
	},
}

// emitLogCmd represents the emit log command
var emitLogCmd = &cobra.Command{
	Use:       "log [success|info|warn|error|trace] [message]",
	Short:     "Emit a level event",
	ValidArgs: []string{"success", "info", "warn", "error", "trace"},
	Args:      cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		traceID, _ := cmd.Flags().GetString("trace-id")
		payload, err := payloadFlag(cmd)
		if err != nil {
			return err
		}
		fields := copyPayload(payload)
		if traceID != "" {
			fields["traceId"] = traceID
		}

		return withClient(cmd, func(c *heimdall.Client) error {
			switch args[0] {
			case "success":
				c.Success(args[1], fields)
			case "info":
				c.Info(args[1], fields)
			case "warn":
				c.Warn(args[1], fields)
			case "error":
				c.Error(args[1], fields)
			case "trace":
				c.Trace(args[1], fields)
			default:
				return fmt.Errorf("unknown level %q", args[0])
			}
			return nil
		})
	},
}

// withClient runs fn against a fresh client and drains it afterwards
func withClient(cmd *cobra.Command, fn func(c *heimdall.Client) error) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	fnErr := fn(c)
	if err := c.Close(cmd.Context()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: flush failed, %d event(s) remain queued: %v\n", c.Queue().Len(), err)
	}
	return fnErr
}

func payloadFlag(cmd *cobra.Command) (map[string]any, error) {
	raw, _ := cmd.Flags().GetString("payload")
	payload, err := parsePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	return payload, nil
}

func copyPayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func init() {
	rootCmd.AddCommand(emitCmd)
	emitCmd.AddCommand(emitTraceCmd)
	emitCmd.AddCommand(emitEventCmd)
	emitCmd.AddCommand(emitLogCmd)

	for _, c := range []*cobra.Command{emitTraceCmd, emitEventCmd, emitLogCmd} {
		c.Flags().String("payload", "", "JSON object attached to the event(s)")
	}
	emitTraceCmd.Flags().StringSlice("step", nil, "intermediate event name, repeatable")
	emitTraceCmd.Flags().String("fail", "", "end the trace as FAILURE with this error message")
	emitTraceCmd.Flags().Duration("hold", 0, "wait before ending the trace")

	emitEventCmd.Flags().String("status", string(event.StatusInProgress), "event status")
	emitEventCmd.Flags().String("trace-id", "", "trace id (generated when empty)")
	emitEventCmd.Flags().Duration("duration", 0, "duration for terminal events")

	emitLogCmd.Flags().String("trace-id", "", "attach the event to this trace")
}
