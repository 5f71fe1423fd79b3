package engine

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/franksops/hdfsrelay/provider"
)

// fakeFS is an in-memory Filesystem. Copies to local disk write the entry's
// name with a small body so the rest of the pipeline has real files to move.
type fakeFS struct {
	mu sync.Mutex

	listing map[string][]provider.FileEntry
	listErr error

	// failCopy fails CopyToLocal for this path.
	failCopy   string
	failMkdir  error
	failCommit error

	dirs      []string
	committed map[string][]string
	calls     []string
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		listing:   make(map[string][]provider.FileEntry),
		committed: make(map[string][]string),
	}
}

func (f *fakeFS) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeFS) List(ctx context.Context, path string) ([]provider.FileEntry, error) {
	f.record("list " + path)
	if f.listErr != nil {
		return nil, f.listErr
	}
	entries, ok := f.listing[path]
	if !ok {
		return nil, fmt.Errorf("%s: no such file or directory", path)
	}
	return entries, nil
}

func (f *fakeFS) CopyToLocal(ctx context.Context, remotePath, localDir string) error {
	f.record("copyToLocal " + remotePath)
	if remotePath == f.failCopy {
		return fmt.Errorf("copyToLocal %s: permission denied", remotePath)
	}
	return os.WriteFile(filepath.Join(localDir, filepath.Base(remotePath)), []byte(remotePath), 0644)
}

func (f *fakeFS) CopyFromLocal(ctx context.Context, localPaths []string, remoteDir string) error {
	f.record("copyFromLocal " + remoteDir)
	if f.failCommit != nil {
		return f.failCommit
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range localPaths {
		if _, err := os.Stat(p); err != nil {
			return err
		}
		f.committed[remoteDir] = append(f.committed[remoteDir], filepath.Base(p))
	}
	return nil
}

func (f *fakeFS) MakeDirRecursive(ctx context.Context, path string) error {
	f.record("mkdir " + path)
	if f.failMkdir != nil {
		return f.failMkdir
	}
	f.mu.Lock()
	f.dirs = append(f.dirs, path)
	f.mu.Unlock()
	return nil
}

// countingRelay wraps a LocalRelay and counts bulk copies and cleanups.
type countingRelay struct {
	*provider.LocalRelay
	mu      sync.Mutex
	copies  int
	removes int
	failErr error

	// onRemove runs before the n-th RemoveContents call; an error fails it.
	onRemove func(n int) error
}

func (r *countingRelay) BulkCopy(ctx context.Context, localDir, remoteDir string) error {
	r.mu.Lock()
	r.copies++
	r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	return r.LocalRelay.BulkCopy(ctx, localDir, remoteDir)
}

func (r *countingRelay) RemoveContents(ctx context.Context, dir string) error {
	r.mu.Lock()
	r.removes++
	n, hook := r.removes, r.onRemove
	r.mu.Unlock()
	if hook != nil {
		if err := hook(n); err != nil {
			return err
		}
	}
	return r.LocalRelay.RemoveContents(ctx, dir)
}

// fakeHDFSRunner answers `hdfs dfs` commands on local disk. Like the real
// client, -copyToLocal refuses to replace an existing file.
type fakeHDFSRunner struct {
	mu       sync.Mutex
	commands []string
}

func (r *fakeHDFSRunner) Run(ctx context.Context, name string, args ...string) (*provider.Result, error) {
	cmd := name + " " + strings.Join(args, " ")
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()

	if len(args) < 2 || args[0] != "dfs" {
		return nil, fmt.Errorf("unexpected command %q", cmd)
	}
	if args[1] != "-copyToLocal" {
		return &provider.Result{}, nil
	}
	src, dir := args[2], args[3]
	target := filepath.Join(dir, path.Base(src))
	if _, err := os.Stat(target); err == nil {
		return nil, &provider.CommandError{Command: cmd, ExitCode: 1, Stderr: "copyToLocal: `" + target + "': File exists"}
	}
	if err := os.WriteFile(target, []byte(src), 0644); err != nil {
		return nil, err
	}
	return &provider.Result{}, nil
}

// copies returns the sources of every -copyToLocal command, in order.
func (r *fakeHDFSRunner) copies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.commands {
		if f := strings.Fields(c); len(f) >= 4 && f[2] == "-copyToLocal" {
			out = append(out, f[3])
		}
	}
	return out
}

// breakStage replaces dir with a regular file so clearing it fails.
func breakStage(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.WriteFile(dir, nil, 0644)
}
