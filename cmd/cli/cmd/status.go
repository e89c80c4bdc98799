package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"docflow/pkg/api"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [job_id]",
	Short: "Get status of a job",
	Long: `Retrieve detailed status information for a job: its state (pending, queued, running,
completed, failed, cancelled), progress through the pipeline, recorded errors and every
stage attempt. With --watch the command polls until the job finishes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := tenantClient()
		if err != nil {
			return err
		}
		watch, _ := cmd.Flags().GetBool("watch")
		interval, _ := cmd.Flags().GetDuration("interval")
		if interval <= 0 {
			interval = 2 * time.Second
		}

		lastLine := ""
		for {
			job, err := client.GetJob(args[0])
			if err != nil {
				return err
			}
			if !watch || terminalState(job.State) {
				printStatus(cmd, *job)
				return nil
			}

			line := progressLine(*job)
			if line != lastLine {
				cmd.Println(line)
				lastLine = line
			}

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(interval):
			}
		}
	},
}

func terminalState(state string) bool {
	switch state {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func progressLine(job api.JobResponse) string {
	stage := "-"
	if job.Cursor < job.TotalStages {
		stage = fmt.Sprintf("stage %d/%d", job.Cursor+1, job.TotalStages)
	}
	return fmt.Sprintf("%s %s  %s  attempts %d/%d", statusIcon(job.State), job.State, stage, job.Attempts, job.MaxAttempts)
}

func printStatus(cmd *cobra.Command, job api.JobResponse) {
	cmd.Printf("%s %sJob %s%s\n", statusIcon(job.State), colorBold, job.ID, colorReset)
	cmd.Println(strings.Repeat("─", 44))

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, job.ID)
	cmd.Printf("%sDocument:%s    %s\n", colorDim, colorReset, job.DocumentID)
	cmd.Printf("%sPipeline:%s    %s (v%d)\n", colorDim, colorReset, job.PipelineName, job.PipelineVersion)
	cmd.Printf("%sState:%s       %s\n", colorDim, colorReset, colorizeState(job.State))
	cmd.Printf("%sProgress:%s    %d/%d stages (%d%%)\n", colorDim, colorReset, job.Cursor, job.TotalStages, percent(job.Cursor, job.TotalStages))
	cmd.Printf("%sAttempts:%s    %d/%d\n", colorDim, colorReset, job.Attempts, job.MaxAttempts)
	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.CreatedAt))
	cmd.Printf("%sUpdated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&job.UpdatedAt))

	if n := len(job.Errors); n > 0 {
		last := job.Errors[n-1]
		cmd.Printf("%sLast Error:%s  %s%s%s (stage %d, attempt %d)\n", colorDim, colorReset, colorRed, last.Message, colorReset, last.Cursor+1, last.Attempt)
	}

	if len(job.Stages) == 0 {
		return
	}
	cmd.Println()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "#\tSTAGE\tSTATE\tATTEMPT\tDURATION\tERROR")
	for _, s := range job.Stages {
		duration := "-"
		if s.FinishedAt != nil {
			duration = formatDuration(time.Duration(s.DurationMS) * time.Millisecond)
		}
		errMsg := ""
		if s.Error != nil {
			errMsg = *s.Error
			if len(errMsg) > 50 {
				errMsg = errMsg[:47] + "..."
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", s.Cursor+1, s.StageType, s.State, s.Attempt, duration, errMsg)
	}
	w.Flush()
}

func percent(cursor, total int) int {
	if total == 0 {
		return 100
	}
	return cursor * 100 / total
}

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

type stateStyle struct {
	color, icon string
}

var stateStyles = map[string]stateStyle{
	"pending":   {colorCyan, "◯"},
	"queued":    {colorCyan, "◯"},
	"running":   {colorYellow, "▶"},
	"completed": {colorGreen, "✓"},
	"failed":    {colorRed, "✗"},
	"cancelled": {colorDim, "⊘"},
}

func statusIcon(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return "•"
	}
	return style.color + style.icon + colorReset
}

// colorizeState leaves unknown states untouched.
func colorizeState(state string) string {
	style, ok := stateStyles[state]
	if !ok {
		return state
	}
	return statusIcon(state) + " " + style.color + state + colorReset
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC1123) + " " + colorDim + "(" + sinceString(time.Since(*t)) + ")" + colorReset
}

func sinceString(d time.Duration) string {
	switch {
	case d < 5*time.Second:
		return "just now"
	case d < time.Hour:
		return d.Truncate(time.Second).String() + " ago"
	case d < 48*time.Hour:
		return d.Truncate(time.Minute).String() + " ago"
	}
	return strconv.Itoa(int(d/(24*time.Hour))) + " days ago"
}

// formatDuration renders stage run times with two significant units at most.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
	if d < time.Minute {
		return strconv.FormatFloat(d.Seconds(), 'f', 1, 64) + "s"
	}
	hours, rest := d/time.Hour, d%time.Hour
	minutes, seconds := rest/time.Minute, (rest%time.Minute)/time.Second
	if hours == 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolP("watch", "w", false, "Poll until the job finishes")
	statusCmd.Flags().Duration("interval", 2*time.Second, "Polling interval for --watch")
}
