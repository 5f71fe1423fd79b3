package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/dustin/go-humanize"

	"github.com/franksops/hdfsrelay/provider"
)

// CollisionPolicy decides what happens when two entries of one batch share a
// basename and would overwrite each other in the flat stage directory.
type CollisionPolicy string

const (
	// CollisionError fails the batch before anything is copied.
	CollisionError CollisionPolicy = "error"
	// CollisionOverwrite lets the later entry replace the earlier one.
	CollisionOverwrite CollisionPolicy = "overwrite"
)

// Pipeline moves one batch from the source filesystem to the destination
// filesystem: source -> local stage -> relay scratch -> destination.
type Pipeline struct {
	Source provider.Filesystem
	Dest   provider.Filesystem
	Relay  provider.Relay
	Stage  *Stage

	// RemoteDir is the scratch directory on the relay host. It mirrors the
	// local stage and is empty at the start and end of every batch.
	RemoteDir string

	OnCollision CollisionPolicy
	Logger      *slog.Logger
}

// Run executes every step for batch in order. The first failing step aborts
// the rest and is returned as a stage or pipeline *Error.
func (p *Pipeline) Run(ctx context.Context, batch Batch, destPath string) error {
	log := p.logger().With("dest", destPath)

	staged, err := p.staged(batch)
	if err != nil {
		return err
	}

	// 1. prepare both scratch areas
	if err := p.Stage.Ensure(); err != nil {
		return err
	}
	if err := p.Stage.Clear(); err != nil {
		return err
	}
	if err := p.Stage.Reserve(staged.Size()); err != nil {
		return err
	}
	if err := p.Relay.RemoveContents(ctx, p.RemoteDir); err != nil {
		return pipelineError("clear-relay", err)
	}

	// 2. source -> local stage
	for _, e := range staged {
		log.Info("Copying to stage", "path", e.Path, "size", humanize.IBytes(e.SizeBytes))
		if err := p.Source.CopyToLocal(ctx, e.Path, p.Stage.Dir()); err != nil {
			return pipelineError("copy-to-stage", err)
		}
	}

	// 3. local stage -> relay scratch
	log.Info("Relaying stage", "host", p.Relay.Host(), "remote_dir", p.RemoteDir, "files", len(staged))
	if err := p.Relay.BulkCopy(ctx, p.Stage.Dir(), p.RemoteDir); err != nil {
		return pipelineError("relay", err)
	}

	// 4. relay scratch -> destination
	if err := p.Dest.MakeDirRecursive(ctx, destPath); err != nil {
		return pipelineError("mkdir-dest", err)
	}
	remotePaths := make([]string, len(staged))
	for i, e := range staged {
		remotePaths[i] = path.Join(p.RemoteDir, e.Name())
	}
	log.Info("Committing to destination", "files", len(remotePaths))
	if err := p.Dest.CopyFromLocal(ctx, remotePaths, destPath); err != nil {
		return pipelineError("commit", err)
	}

	// 5. relay cleanup
	if err := p.Relay.RemoveContents(ctx, p.RemoteDir); err != nil {
		return pipelineError("clear-relay", err)
	}

	// 6. local cleanup
	return p.Stage.Clear()
}

// staged returns the entries that land in the stage, one per name, in batch
// order. Under CollisionOverwrite the last entry with a given name replaces
// the earlier ones, so only it is copied.
func (p *Pipeline) staged(batch Batch) (Batch, error) {
	index := make(map[string]int, len(batch))
	out := make(Batch, 0, len(batch))
	for _, e := range batch {
		name := e.Name()
		i, ok := index[name]
		if !ok {
			index[name] = len(out)
			out = append(out, e)
			continue
		}
		if p.OnCollision != CollisionOverwrite {
			return nil, pipelineError("stage-names",
				fmt.Errorf("%w: %s and %s both stage as %q", ErrNameCollision, out[i].Path, e.Path, name))
		}
		p.logger().Warn("Stage name collision, later file wins", "name", name, "earlier", out[i].Path, "later", e.Path)
		out[i] = e
	}
	return out, nil
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}
