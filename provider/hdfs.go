package provider

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// ensure interface is implemented
var _ Filesystem = (*HDFS)(nil)

// DefaultHDFSBinary is the hadoop client used when none is configured.
const DefaultHDFSBinary = "hdfs"

// HDFS drives the `hdfs dfs` command line client through a Runner. With a
// LocalRunner it talks to the cluster this host belongs to; with a Relay it
// talks to the cluster behind the relay host.
type HDFS struct {
	runner Runner
	binary string
}

// NewHDFS creates an HDFS filesystem that runs binary through runner.
// If binary is empty, DefaultHDFSBinary is used.
func NewHDFS(runner Runner, binary string) *HDFS {
	if binary == "" {
		binary = DefaultHDFSBinary
	}
	return &HDFS{runner: runner, binary: binary}
}

func (h *HDFS) dfs(ctx context.Context, args ...string) (*Result, error) {
	return h.runner.Run(ctx, h.binary, append([]string{"dfs"}, args...)...)
}

// List runs `hdfs dfs -du path` and parses one entry per output record.
func (h *HDFS) List(ctx context.Context, pth string) ([]FileEntry, error) {
	res, err := h.dfs(ctx, "-du", pth)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", pth, err)
	}
	return ParseDU(res.Stdout)
}

// ParseDU parses `hdfs dfs -du` output. Each record is whitespace separated:
// the first field is the size in bytes and the last field is the path.
// Records with fewer than three fields are skipped.
func ParseDU(output string) ([]FileEntry, error) {
	var entries []FileEntry
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		size, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q for %s: %w", fields[0], fields[len(fields)-1], err)
		}
		entries = append(entries, FileEntry{
			Path:      fields[len(fields)-1],
			SizeBytes: size,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read du output: %w", err)
	}
	return entries, nil
}

// CopyToLocal runs `hdfs dfs -copyToLocal remotePath localDir/`.
func (h *HDFS) CopyToLocal(ctx context.Context, remotePath, localDir string) error {
	if _, err := h.dfs(ctx, "-copyToLocal", remotePath, dirArg(localDir)); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", remotePath, localDir, err)
	}
	return nil
}

// CopyFromLocal runs `hdfs dfs -copyFromLocal <files...> remoteDir/`.
func (h *HDFS) CopyFromLocal(ctx context.Context, localPaths []string, remoteDir string) error {
	if len(localPaths) == 0 {
		return nil
	}
	args := append([]string{"-copyFromLocal"}, localPaths...)
	args = append(args, dirArg(remoteDir))
	if _, err := h.dfs(ctx, args...); err != nil {
		return fmt.Errorf("failed to copy %d file(s) into %s: %w", len(localPaths), remoteDir, err)
	}
	return nil
}

// MakeDirRecursive runs `hdfs dfs -mkdir -p path`.
func (h *HDFS) MakeDirRecursive(ctx context.Context, pth string) error {
	if _, err := h.dfs(ctx, "-mkdir", "-p", pth); err != nil {
		return fmt.Errorf("failed to create %s: %w", pth, err)
	}
	return nil
}

// dirArg adds a trailing slash so the client treats the target as a directory.
func dirArg(dir string) string {
	if strings.HasSuffix(dir, "/") {
		return dir
	}
	return path.Clean(dir) + "/"
}
