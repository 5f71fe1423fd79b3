package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/franksops/hdfsrelay/provider"
	"github.com/franksops/hdfsrelay/store"
)

// writeTree creates files under root. Keys are slash separated relative paths.
func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

type localEnv struct {
	prod, uat string
	opts      Options
}

func newLocalEnv(t *testing.T) *localEnv {
	t.Helper()
	root := t.TempDir()
	env := &localEnv{
		prod: filepath.Join(root, "prod"),
		uat:  filepath.Join(root, "uat"),
	}
	env.opts = Options{
		Source:       provider.NewLocalFS(env.prod).WithChecksum(true),
		Dest:         provider.NewLocalFS(env.uat).WithChecksum(true),
		Relay:        provider.NewLocalRelay().WithChecksum(true),
		StageDir:     filepath.Join(root, "stage"),
		RemoteDir:    filepath.Join(root, "relay"),
		MaxChunkSize: 10,
		Workers:      1,
	}
	return env
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("Expected %s to exist: %v", p, err)
	}
	return string(b)
}

func TestRunner_EndToEnd(t *testing.T) {
	env := newLocalEnv(t)
	writeTree(t, env.prod, map[string]string{
		"sales/2024/part-0":        "0123456789",
		"sales/2024/part-1":        "abcde",
		"sales/2024/part-2":        "fghij",
		"sales/2024/nested/part-3": "xyz",
		"logs/app.log":             "hello",
	})

	var mu sync.Mutex
	var events []EventKind
	env.opts.Observer = func(e Event) {
		mu.Lock()
		events = append(events, e.Kind)
		mu.Unlock()
	}

	params := "# jobs\n/sales/2024 /sales/2024\n/logs /archive/logs\n"
	outcomes, err := NewRunner(env.opts).RunAll(context.Background(), strings.NewReader(params))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != StatusSuccess {
			t.Errorf("Job %s failed: %s", o.Job, o.Reason)
		}
	}

	if got := readFile(t, filepath.Join(env.uat, "sales/2024/part-0")); got != "0123456789" {
		t.Errorf("Unexpected part-0 content %q", got)
	}
	readFile(t, filepath.Join(env.uat, "sales/2024/part-1"))
	readFile(t, filepath.Join(env.uat, "sales/2024/part-2"))
	if got := readFile(t, filepath.Join(env.uat, "sales/2024/nested/part-3")); got != "xyz" {
		t.Errorf("Unexpected nested content %q", got)
	}
	readFile(t, filepath.Join(env.uat, "archive/logs/app.log"))

	assertEmpty(t, env.opts.StageDir)
	assertEmpty(t, env.opts.RemoteDir)

	if len(events) == 0 || events[0] != EventJobStarted || events[len(events)-1] != EventJobFinished {
		t.Errorf("Unexpected event sequence: %v", events)
	}
}

func TestRunner_OnlyComments(t *testing.T) {
	env := newLocalEnv(t)
	outcomes, err := NewRunner(env.opts).RunAll(context.Background(), strings.NewReader("# a\n\n# b\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 0 {
		t.Errorf("Expected no outcomes, got %d", len(outcomes))
	}
}

func TestRunner_InvalidLineDoesNotStopRun(t *testing.T) {
	env := newLocalEnv(t)
	writeTree(t, env.prod, map[string]string{"d/f": "data"})

	params := "onlyonetoken\n/d /d\n"
	outcomes, err := NewRunner(env.opts).RunAll(context.Background(), strings.NewReader(params))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Status != StatusFailure || outcomes[0].Reason != "invalid format" {
		t.Errorf("Expected invalid format failure, got %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusSuccess {
		t.Errorf("Expected later job to succeed, got %+v", outcomes[1])
	}
	readFile(t, filepath.Join(env.uat, "d/f"))
}

func TestRunner_FailureIsolation(t *testing.T) {
	src, dst := newFakeFS(), newFakeFS()
	src.listing["/a"] = []provider.FileEntry{{Path: "/a/x", SizeBytes: 1}}
	src.listing["/b"] = []provider.FileEntry{{Path: "/b/y", SizeBytes: 1}, {Path: "/b/z", SizeBytes: 1}}
	src.listing["/c"] = []provider.FileEntry{{Path: "/c/w", SizeBytes: 1}}
	src.failCopy = "/b/y"

	root := t.TempDir()
	opts := Options{
		Source:       src,
		Dest:         dst,
		Relay:        provider.NewLocalRelay(),
		StageDir:     filepath.Join(root, "stage"),
		RemoteDir:    filepath.Join(root, "relay"),
		MaxChunkSize: 100,
	}

	params := "/a /ua\n/b /ub\n/missing /um\n/c /uc\n"
	outcomes, err := NewRunner(opts).RunAll(context.Background(), strings.NewReader(params))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	want := []Status{StatusSuccess, StatusFailure, StatusFailure, StatusSuccess}
	for i, o := range outcomes {
		if o.Status != want[i] {
			t.Errorf("Job %d: expected %s, got %s (%s)", i, want[i], o.Status, o.Reason)
		}
	}
	if !strings.Contains(outcomes[1].Reason, "permission denied") {
		t.Errorf("Expected copy failure reason, got %q", outcomes[1].Reason)
	}
	if !strings.Contains(outcomes[2].Reason, "inventory") {
		t.Errorf("Expected inventory failure reason, got %q", outcomes[2].Reason)
	}
	if _, ok := dst.committed["/ub"]; ok {
		t.Errorf("Failed job should not have committed anything")
	}
	if len(dst.committed["/uc"]) != 1 {
		t.Errorf("Expected job after failure to commit, got %v", dst.committed)
	}
	assertEmpty(t, opts.StageDir)
}

func TestRunner_StopsJobAtFirstFailedChunk(t *testing.T) {
	src, dst := newFakeFS(), newFakeFS()
	src.listing["/big"] = []provider.FileEntry{
		{Path: "/big/p0", SizeBytes: 5},
		{Path: "/big/p1", SizeBytes: 5},
		{Path: "/big/p2", SizeBytes: 5},
	}
	src.listing["/next"] = []provider.FileEntry{{Path: "/next/q", SizeBytes: 1}}
	src.failCopy = "/big/p1"

	root := t.TempDir()
	opts := Options{
		Source:       src,
		Dest:         dst,
		Relay:        provider.NewLocalRelay(),
		StageDir:     filepath.Join(root, "stage"),
		RemoteDir:    filepath.Join(root, "relay"),
		MaxChunkSize: 5,
	}

	outcomes, err := NewRunner(opts).RunAll(context.Background(), strings.NewReader("/big /ubig\n/next /unext\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if outcomes[0].Status != StatusFailure || !strings.Contains(outcomes[0].Reason, "chunk 2/3") {
		t.Errorf("Expected failure in chunk 2/3, got %+v", outcomes[0])
	}
	if outcomes[1].Status != StatusSuccess {
		t.Errorf("Expected next job to succeed, got %+v", outcomes[1])
	}
	for _, c := range src.calls {
		if c == "copyToLocal /big/p2" {
			t.Error("Chunk 3 was attempted after chunk 2 failed")
		}
	}
	if got := dst.committed["/ubig"]; len(got) != 1 || got[0] != "p0" {
		t.Errorf("Expected only chunk 1 committed, got %v", got)
	}
}

func TestRunner_StageCleanupFailureAbortsJob(t *testing.T) {
	src, dst := newFakeFS(), newFakeFS()
	src.listing["/d"] = []provider.FileEntry{
		{Path: "/d/a", SizeBytes: 5},
		{Path: "/d/b", SizeBytes: 5},
	}

	root := t.TempDir()
	stageDir := filepath.Join(root, "stage")
	relay := &countingRelay{LocalRelay: provider.NewLocalRelay()}
	relay.onRemove = func(n int) error {
		if n == 2 {
			return breakStage(stageDir)
		}
		return nil
	}
	opts := Options{
		Source:       src,
		Dest:         dst,
		Relay:        relay,
		StageDir:     stageDir,
		RemoteDir:    filepath.Join(root, "relay"),
		MaxChunkSize: 5,
	}

	outcomes, err := NewRunner(opts).RunAll(context.Background(), strings.NewReader("/d /ud\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusFailure {
		t.Fatalf("Expected job to fail, got %+v", outcomes)
	}
	if !strings.Contains(outcomes[0].Reason, "chunk 1/2: stage clear") {
		t.Errorf("Unexpected reason %q", outcomes[0].Reason)
	}
	for _, c := range src.calls {
		if c == "copyToLocal /d/b" {
			t.Error("Chunk 2 was attempted after the stage could not be cleared")
		}
	}
}

func TestRunner_EmptyInventorySucceeds(t *testing.T) {
	src, dst := newFakeFS(), newFakeFS()
	src.listing["/empty"] = nil

	opts := Options{Source: src, Dest: dst, Relay: provider.NewLocalRelay(), StageDir: t.TempDir(), RemoteDir: t.TempDir(), MaxChunkSize: 1}
	outcomes, err := NewRunner(opts).RunAll(context.Background(), strings.NewReader("/empty /u\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusSuccess {
		t.Errorf("Expected empty job to succeed, got %+v", outcomes)
	}
	if len(dst.calls) != 0 {
		t.Errorf("Expected no destination calls, got %v", dst.calls)
	}
}

func TestRunner_Parallel(t *testing.T) {
	env := newLocalEnv(t)
	env.opts.Workers = 3

	files := make(map[string]string)
	var params strings.Builder
	for i := 0; i < 6; i++ {
		files[fmt.Sprintf("job%d/a", i)] = fmt.Sprintf("a%d", i)
		files[fmt.Sprintf("job%d/b", i)] = fmt.Sprintf("b%d", i)
		fmt.Fprintf(&params, "/job%d /out%d\n", i, i)
	}
	writeTree(t, env.prod, files)

	outcomes, err := NewRunner(env.opts).RunAll(context.Background(), strings.NewReader(params.String()))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 6 {
		t.Fatalf("Expected 6 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Status != StatusSuccess {
			t.Errorf("Job %d failed: %s", i, o.Reason)
		}
		if o.Job.Line != i+1 {
			t.Errorf("Outcome %d out of order: line %d", i, o.Job.Line)
		}
		if got := readFile(t, filepath.Join(env.uat, fmt.Sprintf("out%d/b", i))); got != fmt.Sprintf("b%d", i) {
			t.Errorf("Job %d: wrong content %q", i, got)
		}
	}
}

type blockingFS struct {
	*fakeFS
	entered chan string
	release chan struct{}
}

func (f *blockingFS) List(ctx context.Context, path string) ([]provider.FileEntry, error) {
	f.entered <- path
	<-f.release
	return f.fakeFS.List(ctx, path)
}

func TestRunner_Resize(t *testing.T) {
	src := &blockingFS{fakeFS: newFakeFS(), entered: make(chan string, 4), release: make(chan struct{})}
	var params strings.Builder
	for i := 0; i < 4; i++ {
		p := fmt.Sprintf("/j%d", i)
		src.listing[p] = []provider.FileEntry{{Path: p + "/f", SizeBytes: 1}}
		fmt.Fprintf(&params, "%s /u%d\n", p, i)
	}

	root := t.TempDir()
	r := NewRunner(Options{
		Source:       src,
		Dest:         newFakeFS(),
		Relay:        provider.NewLocalRelay(),
		StageDir:     filepath.Join(root, "stage"),
		RemoteDir:    filepath.Join(root, "relay"),
		MaxChunkSize: 10,
		Workers:      2,
	})
	if n := r.Resize(5); n != 0 {
		t.Errorf("Expected Resize before the run to do nothing, got %d", n)
	}

	type result struct {
		outcomes []JobOutcome
		err      error
	}
	done := make(chan result, 1)
	go func() {
		outcomes, err := r.RunAll(context.Background(), strings.NewReader(params.String()))
		done <- result{outcomes, err}
	}()

	<-src.entered
	<-src.entered
	if n := r.Resize(3); n != 3 {
		t.Errorf("Expected 3 workers, got %d", n)
	}
	<-src.entered
	close(src.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("RunAll failed: %v", res.err)
	}
	for i, o := range res.outcomes {
		if o.Status != StatusSuccess {
			t.Errorf("Job %d failed: %s", i, o.Reason)
		}
	}
	if _, ok := r.pipelines[2]; !ok {
		t.Error("Expected the added worker to run a job in its own pipeline")
	}
	if p := r.pipelines[2]; p != nil && filepath.Base(p.Stage.Dir()) != "w2" {
		t.Errorf("Unexpected stage dir for added worker: %s", p.Stage.Dir())
	}
	if n := r.Resize(1); n != 0 {
		t.Errorf("Expected Resize after the run to do nothing, got %d", n)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	env := newLocalEnv(t)
	writeTree(t, env.prod, map[string]string{"d/f": "data"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes, err := NewRunner(env.opts).RunAll(ctx, strings.NewReader("/d /d\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Status != StatusFailure {
		t.Fatalf("Expected cancelled job to fail, got %+v", outcomes)
	}
	if !strings.Contains(outcomes[0].Reason, "run cancelled") {
		t.Errorf("Unexpected reason %q", outcomes[0].Reason)
	}
}

func TestRunner_Tracking(t *testing.T) {
	env := newLocalEnv(t)
	writeTree(t, env.prod, map[string]string{"d/f1": "12345678", "d/f2": "12345678"})

	ms := newMockStore()
	tracker := NewJobTracker(ms, "run-1")
	env.opts.Tracker = tracker

	outcomes, err := NewRunner(env.opts).RunAll(context.Background(), strings.NewReader("/d /d\nbad\n"))
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("Expected 2 outcomes, got %d", len(outcomes))
	}

	rec, err := ms.GetJob("run-1", "line-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if rec.State != store.StateCompleted {
		t.Errorf("Expected completed, got %s", rec.State)
	}
	if rec.BatchesTotal != 2 || rec.BatchesDone != 2 || rec.BytesTransferred != 16 {
		t.Errorf("Unexpected progress: %+v", rec)
	}

	bad, err := ms.GetJob("run-1", "line-2")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if bad.State != store.StateFailed || bad.Error != "invalid format" {
		t.Errorf("Expected failed invalid line, got %+v", bad)
	}
}

func TestRunner_ReadError(t *testing.T) {
	env := newLocalEnv(t)
	_, err := NewRunner(env.opts).RunAll(context.Background(), errReader{})
	if err == nil {
		t.Fatal("Expected read error")
	}
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }
