package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Manage the dispatch Dead Letter Queue (DLQ)",
	Long: `Inspect and requeue dispatch messages that could not be delivered: unknown tenants,
malformed messages, or messages that kept failing on infrastructure errors.
These commands authenticate with the controller's internal secret.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := adminClient()
		if err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		tenantID, _ := cmd.Flags().GetString("tenant")

		// Fetch DLQ items with pagination
		entries, err := client.ListDLQ(tenantID, limit, offset)
		if err != nil {
			return fmt.Errorf("error fetching DLQ: %w", err)
		}

		if len(entries) == 0 {
			if offset > 0 {
				cmd.Println("No more messages found in DLQ.")
			} else {
				cmd.Println("No messages found in DLQ.")
			}
			return nil
		}

		// Print table
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tTENANT\tJOB\tATTEMPTS\tFAILED AT\tREASON")
		for _, e := range entries {
			reason := e.Reason
			// Truncate long reasons for the table view
			if len(reason) > 50 {
				reason = reason[:47] + "..."
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
				e.ID,
				e.TenantID,
				e.JobID,
				e.Attempts,
				e.FailedAt.Format(time.RFC3339),
				reason,
			)
		}
		return w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [dlq_id]",
	Short: "Requeue a dead-lettered message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DLQ id %q", args[0])
		}
		client, err := adminClient()
		if err != nil {
			return err
		}

		entry, err := client.RetryDLQ(id)
		if err != nil {
			return fmt.Errorf("error retrying message: %w", err)
		}

		cmd.Printf("%s✓%s Message %d requeued.\n", colorGreen, colorReset, entry.ID)
		cmd.Printf("   Job: %s (tenant %s)\n", entry.JobID, entry.TenantID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)

	dlqListCmd.Flags().IntP("limit", "l", 20, "Number of messages to list")
	dlqListCmd.Flags().IntP("offset", "o", 0, "Offset for pagination")
	dlqListCmd.Flags().String("tenant", "", "Only list messages of this tenant")
}
