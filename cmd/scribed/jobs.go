package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/manthysbr/scribed/internal/config"
	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/services"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List persisted job snapshots",
	Args:  cobra.NoArgs,
	RunE:  runJobs,
}

var logsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Print the log of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

var logsTail int

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "Number of trailing lines to print (0 prints everything)")

	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(logsCmd)
}

func runJobs(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := config.NewLogger(os.Stderr, config.LogConfig{Level: "warn", Format: "text"})

	store, closeStore, err := openSnapshotStore(logger, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	snaps, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	return writeJobs(cmd.OutOrStdout(), snaps)
}

func writeJobs(w io.Writer, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		_, err := fmt.Fprintln(w, "no persisted jobs")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tPROGRESS\tSTARTED\tTITLE")
	for _, s := range snaps {
		state := string(s.State)
		if s.InterruptReason != "" {
			state += " (" + string(s.InterruptReason) + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
			s.ID, s.Kind, state, s.Progress,
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			strings.TrimSpace(s.Title))
	}
	return tw.Flush()
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	id := domain.JobID(args[0])
	lines := services.ReadJobLogs(cfg.Storage.LogDir(), id, logsTail)
	if len(lines) == 0 {
		return fmt.Errorf("no logs found for job %s", id)
	}
	out := cmd.OutOrStdout()
	for _, l := range lines {
		fmt.Fprintln(out, l)
	}
	return nil
}
