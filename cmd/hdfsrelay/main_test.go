package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/franksops/hdfsrelay/config"
	"github.com/franksops/hdfsrelay/engine"
	"github.com/franksops/hdfsrelay/notify"
	"github.com/franksops/hdfsrelay/store"
)

func TestRootCmd_RequiresParamFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("Expected error without a param file")
	}
}

func TestPrintHistory(t *testing.T) {
	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var buf bytes.Buffer
	if err := printHistory(&buf, s, ""); err != nil {
		t.Fatalf("printHistory failed: %v", err)
	}
	if !strings.Contains(buf.String(), "No runs recorded.") {
		t.Errorf("Unexpected output for empty store: %q", buf.String())
	}
	if err := printHistory(&buf, s, "missing"); err == nil {
		t.Error("Expected error for unknown run id")
	}

	tracker := engine.NewJobTracker(s, "0190b000")
	if err := tracker.StartRun("params.txt"); err != nil {
		t.Fatal(err)
	}
	job := engine.TransferJob{ID: "line-1", Line: 1, SourcePath: "/prod/a", DestPath: "/uat/a"}
	if err := tracker.InitJob(job); err != nil {
		t.Fatal(err)
	}
	if err := tracker.MarkFailed("line-1", "chunk 1/1: boom"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.FinishRun([]engine.JobOutcome{{Job: job, Status: engine.StatusFailure, Reason: "boom"}}); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	if err := printHistory(&buf, s, ""); err != nil {
		t.Fatalf("printHistory failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Run 0190b000", "params.txt", "succeeded:  0, failed: 1", "/prod/a", "chunk 1/1: boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

func TestNewNotifier(t *testing.T) {
	cfg := &config.Config{}
	if _, ok := newNotifier(cfg, nil).(*notify.Log); !ok {
		t.Error("Expected log notifier without smtp addr")
	}

	cfg.Notify.SMTP.Addr = "mail:25"
	cfg.Notify.Retries = 3
	n, ok := newNotifier(cfg, nil).(*notify.SMTP)
	if !ok {
		t.Fatal("Expected smtp notifier")
	}
	if n.Retries != 3 || n.RetryInterval != 2*time.Second {
		t.Errorf("Unexpected smtp notifier: %+v", n)
	}
}

func TestRunnerOptions(t *testing.T) {
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg.MaxChunkSize = "1GiB"
	cfg.MinFreeSpace = "10MiB"

	opts, err := runnerOptions(cfg, &environment{}, nil, nil)
	if err != nil {
		t.Fatalf("runnerOptions failed: %v", err)
	}
	if opts.MaxChunkSize != 1<<30 || opts.MinFreeSpace != 10<<20 {
		t.Errorf("Unexpected sizes: %d %d", opts.MaxChunkSize, opts.MinFreeSpace)
	}
	if opts.OnCollision != engine.CollisionError || opts.RemoteDir != "/tmp/hdfs_transfer_chunk" {
		t.Errorf("Unexpected options: %+v", opts)
	}
}

// newRunConfig returns a config whose directories all live under a temp dir,
// with local source and destination trees.
func newRunConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	cfg, err := config.Load("", nil)
	if err != nil {
		t.Fatal(err)
	}
	root := t.TempDir()
	cfg.Source.Kind = "local"
	cfg.Source.Root = filepath.Join(root, "prod")
	cfg.Dest.Kind = "local"
	cfg.Dest.Root = filepath.Join(root, "uat")
	cfg.Relay.Mode = "local"
	cfg.Relay.ScratchDir = filepath.Join(root, "relay")
	cfg.StageDir = filepath.Join(root, "stage")
	cfg.StateDir = filepath.Join(root, "state")
	cfg.Log.File = filepath.Join(root, "hdfsrelay.log")
	cfg.MaxChunkSize = "1KiB"

	for _, name := range []string{"a/part-0", "b/part-0"} {
		p := filepath.Join(cfg.Source.Root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(name), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg, root
}

func writeParams(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "params.txt")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func latestRun(t *testing.T, stateDir string) *store.RunRecord {
	t.Helper()
	s, err := store.NewBoltStore(filepath.Join(stateDir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	run, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	return run
}

func TestRun_FailedJobsStillReport(t *testing.T) {
	cfg, root := newRunConfig(t)
	params := writeParams(t, root, "/a /a\n/missing /m\nbad-line\n")

	var out bytes.Buffer
	if err := run(context.Background(), cfg, params, &out); err != nil {
		t.Fatalf("Expected run to succeed with failed jobs, got %v", err)
	}

	summary := out.String()
	for _, want := range []string{"Successful transfers (1)", "Failed transfers (2)", "invalid format", "/missing"} {
		if !strings.Contains(summary, want) {
			t.Errorf("Expected %q in output:\n%s", want, summary)
		}
	}
	if _, err := os.Stat(filepath.Join(cfg.Dest.Root, "a", "part-0")); err != nil {
		t.Errorf("Expected successful job to be copied: %v", err)
	}

	logData, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "Transfer report") {
		t.Error("Expected the report to be delivered through the log notifier")
	}

	rec := latestRun(t, cfg.StateDir)
	if rec.FinishedAt.IsZero() || rec.Succeeded != 1 || rec.Failed != 2 {
		t.Errorf("Unexpected run record: %+v", rec)
	}
}

func TestRun_UnreachableRelayFailsEveryJob(t *testing.T) {
	cfg, root := newRunConfig(t)
	cfg.Relay.Mode = "ssh"
	cfg.Relay.Host = "127.0.0.1"
	cfg.Relay.IdentityFile = filepath.Join(root, "no-such-key")
	cfg.Dest.Kind = "hdfs"
	params := writeParams(t, root, "/a /uat/a\n/b /uat/b\n")

	var out bytes.Buffer
	if err := run(context.Background(), cfg, params, &out); err != nil {
		t.Fatalf("Expected run to finish, got %v", err)
	}

	summary := out.String()
	if !strings.Contains(summary, "Failed transfers (2)") {
		t.Errorf("Expected both jobs to fail:\n%s", summary)
	}
	if !strings.Contains(summary, "relay 127.0.0.1 unreachable") {
		t.Errorf("Expected the connection error as reason:\n%s", summary)
	}

	rec := latestRun(t, cfg.StateDir)
	if rec.FinishedAt.IsZero() || rec.Failed != 2 {
		t.Errorf("Unexpected run record: %+v", rec)
	}
}
