package cmd

import (
	"docflow/pkg/api"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [job_id]",
	Short: "Cancel a job",
	Long:  `Cancel a pending, queued or running job. A stage already running finishes, but its result is not applied.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, args[0], "cancelled", (*Client).CancelJob)
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [job_id]",
	Short: "Retry a failed job",
	Long:  `Requeue a failed job. It resumes at the stage that failed; completed stages are not run again.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, args[0], "requeued", (*Client).RetryJob)
	},
}

func jobAction(cmd *cobra.Command, jobID, verb string, call func(*Client, string) (*api.JobResponse, error)) error {
	client, err := tenantClient()
	if err != nil {
		return err
	}
	job, err := call(client, jobID)
	if err != nil {
		return err
	}
	cmd.Printf("Job %s %s: %s at stage %d/%d\n", job.ID, verb, colorizeState(job.State), job.Cursor, job.TotalStages)
	return nil
}

func init() {
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(retryCmd)
}
