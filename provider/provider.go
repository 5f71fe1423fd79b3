package provider

import (
	"context"
	"path"
)

// FileEntry is a single inventory record: a path on a remote filesystem and
// its size in bytes.
type FileEntry struct {
	Path      string
	SizeBytes uint64
}

// Name returns the final element of the entry's path. This is the name the
// entry takes once it lands in a flat stage directory.
func (e FileEntry) Name() string {
	return path.Base(e.Path)
}

// Filesystem represents a distributed filesystem the engine can list and move
// files in and out of. A typical Filesystem is HDFS, reached either directly
// or through a relay host.
type Filesystem interface {
	// List returns every entry directly under path, with its size.
	List(ctx context.Context, path string) ([]FileEntry, error)

	// CopyToLocal copies remotePath into localDir, keeping its name.
	CopyToLocal(ctx context.Context, remotePath, localDir string) error

	// CopyFromLocal copies the given local files into remoteDir.
	CopyFromLocal(ctx context.Context, localPaths []string, remoteDir string) error

	// MakeDirRecursive creates path and any missing parents. It is a no-op
	// when path already exists.
	MakeDirRecursive(ctx context.Context, path string) error
}

// Relay is an intermediate host reachable from both clusters. Commands run
// through Run execute on the relay host, so a Relay can back a Filesystem
// that only the relay can reach.
type Relay interface {
	Runner

	// BulkCopy copies the contents of the local directory localDir into
	// remoteDir on the relay host, creating remoteDir if needed.
	BulkCopy(ctx context.Context, localDir, remoteDir string) error

	// RemoveContents deletes everything inside dir on the relay host while
	// keeping dir itself. A missing dir is not an error.
	RemoveContents(ctx context.Context, dir string) error

	// Host names the relay for logs and reports.
	Host() string
}
