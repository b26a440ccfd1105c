package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/heimdall/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the ingestion service",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, code, err := checkHealth()
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}

		out := cmd.OutOrStdout()
		if code == http.StatusOK {
			fmt.Fprintln(out, "✓ Service is healthy")
		} else {
			fmt.Fprintf(out, "✗ Service is unhealthy (HTTP %d): %s\n", code, st.Message)
		}
		if st.Stream != nil {
			fmt.Fprintf(out, "  Stream: %v\n", *st.Stream)
		}
		return nil
	},
}

func checkHealth() (health.Status, int, error) {
	resp, err := makeHTTPRequest(http.MethodGet, "/healthz", nil)
	if err != nil {
		return health.Status{}, 0, err
	}
	defer resp.Body.Close()

	var st health.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return health.Status{}, resp.StatusCode, fmt.Errorf("decode health: %w", err)
	}
	return st, resp.StatusCode, nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
