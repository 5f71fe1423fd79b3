package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/franksops/hdfsrelay/config"
	"github.com/franksops/hdfsrelay/engine"
	"github.com/franksops/hdfsrelay/logger"
	"github.com/franksops/hdfsrelay/report"
	"github.com/franksops/hdfsrelay/store"
	"github.com/franksops/hdfsrelay/ui"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hdfsrelay [flags] <param-file>",
		Short: "Copy HDFS directories to another cluster through a relay host",
		Long: `hdfsrelay reads a parameter file of "<source> <destination>" lines and
copies each source directory to the destination cluster in size-capped
chunks, staging every chunk locally and on the relay host.`,
		Example: `  hdfsrelay params.txt
  hdfsrelay --workers 4 --max-chunk-size 200GiB params.txt
  hdfsrelay --relay-mode local --dest-kind local --source-kind local params.txt`,
		Args:          cobra.ExactArgs(1),
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Past argument checks, errors are about the environment.
			cmd.SilenceUsage = true
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, args[0], cmd.OutOrStdout())
		},
	}

	f := cmd.PersistentFlags()
	f.StringVar(&configFile, "config", "", "YAML config file")
	f.String("state-dir", ".hdfsrelay-state", "Directory holding the run history database")

	f = cmd.Flags()
	f.String("max-chunk-size", "500GiB", "Upper bound on the size of one chunk")
	f.String("min-free-space", "0", "Free space to keep on the stage volume after staging a chunk")
	f.String("stage-dir", "/tmp/hdfs_transfer_chunk", "Local directory chunks are staged in")
	f.Int("workers", 1, "Number of jobs transferred at once")
	f.String("on-collision", "error", "What to do when two entries of a chunk share a name (error|overwrite)")
	f.Bool("verify-checksum", false, "Verify CRC64 checksums of local copies")
	f.Bool("tui", false, "Show an interactive progress view")
	f.String("relay-mode", "ssh", "How the relay host is reached (ssh|local)")
	f.String("relay-host", "uat-edge.example.com", "Relay host name or ssh_config alias")
	f.String("relay-user", "uatuser", "User on the relay host")
	f.String("relay-scratch", "/tmp/hdfs_transfer_chunk", "Scratch directory on the relay host")
	f.String("source-kind", "hdfs", "Source filesystem (hdfs|local|s3)")
	f.String("dest-kind", "hdfs", "Destination filesystem (hdfs|local|s3)")
	f.String("log-file", "hdfsrelay.log", "Log file")
	f.String("log-level", "info", "Log level (debug|info|warn|error)")

	cmd.AddCommand(newHistoryCmd())
	return cmd
}

// run executes one transfer run. The summary and console logs go to out.
func run(ctx context.Context, cfg *config.Config, paramFile string, out io.Writer) error {
	console := out
	if cfg.TUI {
		console = nil
	}
	log, closer, err := logger.New(logger.Options{File: cfg.Log.File, Level: cfg.Log.Level, Console: console})
	if err != nil {
		return err
	}
	defer closer.Close()

	params, err := os.ReadFile(paramFile)
	if err != nil {
		log.Error("Failed to read param file", "path", paramFile, "err", err)
		return fmt.Errorf("failed to read param file: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	stateStore, err := store.NewBoltStore(filepath.Join(cfg.StateDir, "state.db"))
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	defer stateStore.Close()

	runID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to generate run id: %w", err)
	}
	tracker := engine.NewJobTracker(stateStore, runID.String())
	if err := tracker.StartRun(paramFile); err != nil {
		log.Warn("Failed to record run start", "err", err)
	}
	log = log.With("run", runID.String())

	env, err := connect(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to set up transfer", "err", err)
		return err
	}
	defer env.Close()

	opts, err := runnerOptions(cfg, env, tracker, log)
	if err != nil {
		return err
	}

	var state *ui.UIState
	if cfg.TUI {
		state = ui.NewUIState(countJobs(params), cfg.Workers)
		opts.Observer = state.Apply
	}
	runner := engine.NewRunner(opts)
	var view *progressView
	if state != nil {
		view = startProgressView(ctx, state, runner.Resize)
	}

	log.Info("Starting transfer run", "param_file", paramFile, "relay", env.relay.Host(), "workers", cfg.Workers)
	outcomes, err := runner.RunAll(ctx, bytes.NewReader(params))
	view.stop()
	if err != nil {
		log.Error("Failed to read jobs", "err", err)
		return err
	}
	if err := tracker.FinishRun(outcomes); err != nil {
		log.Warn("Failed to record run end", "err", err)
	}

	report.Print(out, outcomes)

	// Delivery must outlive an interrupted run.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	reporter := report.NewReporter(newNotifier(cfg, log), log)
	reporter.Deliver(sendCtx, report.Subject(cfg.Notify.SubjectPrefix, outcomes), report.Summarize(outcomes))

	if errors.Is(ctx.Err(), context.Canceled) {
		log.Warn("Run interrupted")
	}
	return nil
}

// progressView drives the TUI while a run is in progress.
type progressView struct {
	state   *ui.UIState
	program *tea.Program
	cancel  context.CancelFunc
	done    chan struct{}
}

func countJobs(params []byte) int {
	lines, err := engine.ParseJobs(bytes.NewReader(params))
	if err != nil {
		return 0
	}
	return len(lines)
}

func startProgressView(ctx context.Context, state *ui.UIState, resize func(int) int) *progressView {
	ctx, cancel := context.WithCancel(ctx)
	v := &progressView{
		state:  state,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	v.program = tea.NewProgram(ui.NewTUIModel(state, resize), tea.WithAltScreen())

	go func() {
		defer close(v.done)
		if _, err := v.program.Run(); err != nil {
			slog.Warn("Progress view stopped", "err", err)
		}
	}()
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.program.Send(ui.TUIUpdateMsg{})
			}
		}
	}()
	return v
}

func (v *progressView) stop() {
	if v == nil {
		return
	}
	v.cancel()
	v.state.Finish()
	v.program.Send(ui.TUIUpdateMsg{})
	select {
	case <-v.done:
	case <-time.After(2 * time.Second):
		v.program.Kill()
		<-v.done
	}
}
