package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/imagine-orchestrator/internal/imagine"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect or clear persisted job history",
	}
	cmd.PersistentFlags().String("kind", string(imagine.JobKindVideo), "job kind: video or image")
	cmd.AddCommand(newJobsListCmd(), newJobsClearCmd())
	return cmd
}

func kindFlag(cmd *cobra.Command) (imagine.JobKind, error) {
	raw, err := cmd.Flags().GetString("kind")
	if err != nil {
		return "", err
	}
	kind := imagine.JobKind(raw)
	if !kind.Valid() {
		return "", fmt.Errorf("invalid --kind %q: want video or image", raw)
	}
	return kind, nil
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := kindFlag(cmd)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return printJobs(cmd.OutOrStdout(), appInstance.Studio().Jobs(kind))
		},
	}
}

func newJobsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the history of one job kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, err := kindFlag(cmd)
			if err != nil {
				return err
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Studio().ClearJobs(kind); err != nil {
				return fmt.Errorf("clear %s jobs: %w", kind, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s history\n", kind)
			return nil
		},
	}
}

func printJobs(out io.Writer, jobs []imagine.Job) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(out, "No jobs found.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSTATUS\tCREATED\tRESULT")
	for _, j := range jobs {
		result := j.Error
		if urls := j.Results(); len(urls) > 0 {
			result = fmt.Sprintf("%d url(s)", len(urls))
			if len(urls) == 1 && len(urls[0]) < 120 {
				result = urls[0]
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Mode, j.Status, j.CreatedAt.Format(time.RFC3339), result)
	}
	return tw.Flush()
}
