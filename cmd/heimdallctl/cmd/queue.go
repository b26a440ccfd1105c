package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// queueCmd represents the queue command
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the durable client queue",
}

// queueInspectCmd represents the queue inspect command
var queueInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List queued events",
	RunE: func(cmd *cobra.Command, args []string) error {
		entries := openQueue(cmd).Entries()
		if outputJSON {
			printOutput(cmd.OutOrStdout(), entries)
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Queue: %s (%d events)\n", queuePath, len(entries))
		if len(entries) == 0 {
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "EVENT ID\tTRACE ID\tNAME\tSTATUS\tTIMESTAMP\tATTEMPTS")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n",
				e.Event.EventID, e.Event.TraceID, e.Event.EventName, e.Event.Status,
				e.Event.Timestamp.Format(time.RFC3339), e.Attempts)
		}
		return tw.Flush()
	},
}

// queueFlushCmd represents the queue flush command
var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send queued events to the ingestion service",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := openQueue(cmd)
		before := q.Len()
		if err := q.Flush(cmd.Context()); err != nil {
			return fmt.Errorf("flush failed, %d event(s) remain queued: %w", q.Len(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Flushed %d event(s) to %s\n", before, clientConfig().Endpoint)
		return nil
	},
}

// queuePurgeCmd represents the queue purge command
var queuePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Discard every queued event",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		q := openQueue(cmd)
		if !force && q.Len() > 0 {
			return fmt.Errorf("refusing to discard %d queued event(s) without --force", q.Len())
		}
		n := q.Purge()
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d event(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueInspectCmd)
	queueCmd.AddCommand(queueFlushCmd)
	queueCmd.AddCommand(queuePurgeCmd)

	queuePurgeCmd.Flags().Bool("force", false, "discard events without confirmation")
}
