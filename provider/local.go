package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// ensure interfaces are implemented
var (
	_ Filesystem = (*LocalFS)(nil)
	_ Relay      = (*LocalRelay)(nil)
)

// LocalFS implements Filesystem on a posix-compliant local filesystem. It
// stands in for a cluster filesystem that is mounted on this host (or on the
// relay host, when paired with a LocalRelay).
type LocalFS struct {
	basePath string
	copier   *copier
}

// NewLocalFS creates a new LocalFS rooted at basePath.
// If basePath is empty, it acts upon absolute or relative paths directly.
func NewLocalFS(basePath string) *LocalFS {
	return &LocalFS{
		basePath: basePath,
		copier:   newCopier(false),
	}
}

// WithChecksum makes every copy read its output back and compare CRC64 sums.
func (l *LocalFS) WithChecksum(verify bool) *LocalFS {
	l.copier.verify = verify
	return l
}

func (l *LocalFS) resolve(path string) string {
	if l.basePath == "" {
		return path
	}
	return filepath.Join(l.basePath, filepath.Clean(path))
}

// List returns the direct children of path. A directory's size is the total
// size of the files beneath it, matching `hdfs dfs -du`.
func (l *LocalFS) List(ctx context.Context, path string) ([]FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	full := l.resolve(path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	var out []FileEntry
	for _, entry := range entries {
		child := filepath.Join(full, entry.Name())
		var size uint64
		if entry.IsDir() {
			size, err = dirSize(ctx, child)
			if err != nil {
				return nil, fmt.Errorf("failed to size %s: %w", child, err)
			}
		} else {
			info, err := entry.Info()
			if err != nil {
				continue // skip files that disappeared between ReadDir and Info
			}
			size = uint64(info.Size())
		}
		out = append(out, FileEntry{Path: filepath.Join(path, entry.Name()), SizeBytes: size})
	}
	return out, nil
}

// dirSize sums file sizes under root with an iterative walk so very deep
// trees cannot overflow the stack.
func dirSize(ctx context.Context, root string) (uint64, error) {
	var total uint64
	stack := []string{root}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(curr)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			p := filepath.Join(curr, entry.Name())
			if entry.IsDir() {
				stack = append(stack, p)
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			total += uint64(info.Size())
		}
	}
	return total, nil
}

// CopyToLocal copies remotePath (relative to the base path) into localDir.
func (l *LocalFS) CopyToLocal(ctx context.Context, remotePath, localDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.copier.copyInto(l.resolve(remotePath), localDir); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", remotePath, localDir, err)
	}
	return nil
}

// CopyFromLocal copies each local path into remoteDir (relative to the base path).
func (l *LocalFS) CopyFromLocal(ctx context.Context, localPaths []string, remoteDir string) error {
	target := l.resolve(remoteDir)
	for _, p := range localPaths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.copier.copyInto(p, target); err != nil {
			return fmt.Errorf("failed to copy %s into %s: %w", p, remoteDir, err)
		}
	}
	return nil
}

// MakeDirRecursive creates path and any missing parents.
func (l *LocalFS) MakeDirRecursive(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.resolve(path), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	return nil
}

// LocalRelay is a Relay whose "remote" side is this host. It is used when the
// tool runs on a machine that can reach both clusters, and in tests.
type LocalRelay struct {
	*LocalRunner
	copier *copier
}

// NewLocalRelay creates a LocalRelay.
func NewLocalRelay() *LocalRelay {
	return &LocalRelay{
		LocalRunner: NewLocalRunner(),
		copier:      newCopier(false),
	}
}

// WithChecksum makes every copy read its output back and compare CRC64 sums.
func (r *LocalRelay) WithChecksum(verify bool) *LocalRelay {
	r.copier.verify = verify
	return r
}

// Host returns "localhost".
func (r *LocalRelay) Host() string { return "localhost" }

// BulkCopy copies the contents of localDir into remoteDir.
func (r *LocalRelay) BulkCopy(ctx context.Context, localDir, remoteDir string) error {
	if err := os.MkdirAll(remoteDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", remoteDir, err)
	}
	names, err := readNames(localDir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localDir, err)
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.copier.copyInto(filepath.Join(localDir, name), remoteDir); err != nil {
			return fmt.Errorf("failed to relay %s: %w", name, err)
		}
	}
	return nil
}

// RemoveContents deletes everything inside dir.
func (r *LocalRelay) RemoveContents(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return RemoveContents(dir)
}

// RemoveContents deletes everything inside dir on the local disk while keeping
// dir itself. A missing dir is not an error.
func RemoveContents(dir string) error {
	names, err := readNames(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

func readNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
