package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/hdfsrelay/config"
	"github.com/franksops/hdfsrelay/store"
)

func newHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show the jobs of a past run (the latest by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			path := filepath.Join(cfg.StateDir, "state.db")
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no run history in %s: %w", cfg.StateDir, err)
			}
			s, err := store.NewBoltStore(path)
			if err != nil {
				return err
			}
			defer s.Close()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return printHistory(cmd.OutOrStdout(), s, id)
		},
	}
}

func printHistory(w io.Writer, s store.Store, runID string) error {
	var (
		run *store.RunRecord
		err error
	)
	if runID == "" {
		run, err = s.LatestRun()
	} else {
		run, err = s.GetRun(runID)
	}
	if errors.Is(err, store.ErrRunNotFound) && runID == "" {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	if err != nil {
		return err
	}

	jobs, err := s.ListJobs(run.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  param file: %s\n", run.ParamFile)
	fmt.Fprintf(w, "  started:    %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt.IsZero() {
		fmt.Fprintln(w, "  finished:   (did not finish)")
	} else {
		fmt.Fprintf(w, "  finished:   %s (%s)\n", run.FinishedAt.Format(time.RFC3339), run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
		fmt.Fprintf(w, "  succeeded:  %d, failed: %d\n", run.Succeeded, run.Failed)
	}
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LINE\tSTATE\tCHUNKS\tBYTES\tSOURCE\tDESTINATION\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%s/%s\t%s\t%s\t%s\n",
			j.Line, j.State, j.BatchesDone, j.BatchesTotal,
			humanize.IBytes(j.BytesTransferred), humanize.IBytes(j.TotalBytes),
			j.SourcePath, j.DestinationPath, j.Error)
	}
	return tw.Flush()
}
