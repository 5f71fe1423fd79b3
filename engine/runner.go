package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/franksops/hdfsrelay/provider"
)

// Options configures a Runner. Everything the run depends on is passed here;
// there is no package-level state.
type Options struct {
	Source provider.Filesystem
	Dest   provider.Filesystem
	Relay  provider.Relay

	// StageDir is the local scratch directory.
	StageDir string
	// RemoteDir is the scratch directory on the relay host.
	RemoteDir string

	MaxChunkSize uint64
	// MinFreeSpace is the headroom kept free on the stage volume.
	MinFreeSpace uint64

	// Workers is the number of jobs run at once. Values below 1 mean 1.
	Workers int

	OnCollision CollisionPolicy

	// Tracker records job state. Optional.
	Tracker *JobTracker
	// Observer receives progress events. Optional.
	Observer Observer
	Logger   *slog.Logger
}

// Runner executes the jobs of a parameter source.
type Runner struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	pipelines map[int]*Pipeline
	pool      *WorkerPool
}

// NewRunner creates a Runner from opts.
func NewRunner(opts Options) *Runner {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.OnCollision == "" {
		opts.OnCollision = CollisionError
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		opts:      opts,
		log:       log,
		pipelines: make(map[int]*Pipeline),
	}
}

// pipeline returns the pipeline owned by a worker. With more than one worker,
// each gets its own subdirectory of both scratch areas.
func (r *Runner) pipeline(worker int) *Pipeline {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pipelines[worker]; ok {
		return p
	}
	stageDir, remoteDir := r.opts.StageDir, r.opts.RemoteDir
	if r.opts.Workers > 1 {
		sub := fmt.Sprintf("w%d", worker)
		stageDir = filepath.Join(stageDir, sub)
		remoteDir = remoteDir + "/" + sub
	}
	p := &Pipeline{
		Source:      r.opts.Source,
		Dest:        r.opts.Dest,
		Relay:       r.opts.Relay,
		Stage:       NewStage(stageDir, r.opts.MinFreeSpace),
		RemoteDir:   remoteDir,
		OnCollision: r.opts.OnCollision,
		Logger:      r.log.With("worker", worker),
	}
	r.pipelines[worker] = p
	return p
}

// RunAll parses jobs from src and runs every well-formed one. It returns one
// outcome per non-blank, non-comment line, in input order. A job's failure
// never stops the run; the only error is a failure to read src.
func (r *Runner) RunAll(ctx context.Context, src io.Reader) ([]JobOutcome, error) {
	lines, err := ParseJobs(src)
	if err != nil {
		return nil, err
	}

	outcomes := make([]JobOutcome, len(lines))
	index := make(map[string]int, len(lines))
	var jobs []TransferJob

	for i, line := range lines {
		r.track(func(t *JobTracker) error { return t.InitJob(line.Job) })
		if line.Err != nil {
			r.log.Warn("Invalid line format in param file", "line", line.Job.Line, "text", line.Job.Raw)
			outcomes[i] = r.finish(0, Failed(line.Job, line.Err))
			continue
		}
		index[line.Job.ID] = i
		jobs = append(jobs, line.Job)
	}

	if r.opts.Workers == 1 {
		for _, job := range jobs {
			outcomes[index[job.ID]] = r.execute(ctx, 0, job)
		}
		return outcomes, nil
	}

	ch := make(JobChannel, len(jobs))
	for _, job := range jobs {
		ch <- job
	}
	close(ch)

	pool := NewWorkerPool(ctx, ch, func(ctx context.Context, worker int, job TransferJob) {
		outcomes[index[job.ID]] = r.execute(ctx, worker, job)
	})
	pool.SetWorkerCount(min(r.opts.Workers, len(jobs)))
	r.mu.Lock()
	r.pool = pool
	r.mu.Unlock()

	pool.Wait()
	r.mu.Lock()
	r.pool = nil
	r.mu.Unlock()
	pool.Stop()

	// Jobs left in the channel after cancellation never ran.
	for _, job := range jobs {
		if i := index[job.ID]; outcomes[i].Status == "" {
			outcomes[i] = r.finish(0, Failed(job, cancelled(ctx)))
		}
	}
	return outcomes, nil
}

// Resize changes the number of workers of a running parallel run, never
// below one. New workers get their own scratch subdirectories; removed ones
// finish their current job first. It returns the new count, or 0 when no
// parallel run is in progress.
func (r *Runner) Resize(workers int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		return 0
	}
	r.pool.SetWorkerCount(max(workers, 1))
	return r.pool.WorkerCount()
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("run cancelled: %w", ctx.Err())
}

// execute runs one job and converts its error, if any, into an outcome.
func (r *Runner) execute(ctx context.Context, worker int, job TransferJob) JobOutcome {
	if ctx.Err() != nil {
		return r.finish(worker, Failed(job, cancelled(ctx)))
	}

	r.log.Info("Transferring", "job", job.ID, "from", job.SourcePath, "to", job.DestPath, "worker", worker)
	if err := r.runJob(ctx, worker, job); err != nil {
		return r.finish(worker, Failed(job, err))
	}
	return r.finish(worker, Succeeded(job))
}

func (r *Runner) runJob(ctx context.Context, worker int, job TransferJob) error {
	entries, err := r.opts.Source.List(ctx, job.SourcePath)
	if err != nil {
		return &Error{Kind: KindInventory, Op: "list", Err: err}
	}

	batches := Pack(entries, r.opts.MaxChunkSize)
	var total uint64
	for _, b := range batches {
		total += b.Size()
	}
	r.log.Info("Inventory listed", "job", job.ID, "files", len(entries),
		"size", humanize.IBytes(total), "chunks", len(batches))
	r.track(func(t *JobTracker) error { return t.MarkInProgress(job.ID, len(batches), total) })
	r.emit(Event{Kind: EventJobStarted, Worker: worker, Job: job, Batches: len(batches), Bytes: total})

	p := r.pipeline(worker)
	for i, batch := range batches {
		n := i + 1
		r.log.Info(fmt.Sprintf("Processing chunk %d/%d", n, len(batches)),
			"job", job.ID, "files", len(batch), "size", humanize.IBytes(batch.Size()))
		r.emit(Event{Kind: EventBatchStarted, Worker: worker, Job: job, Batch: n, Batches: len(batches), Bytes: batch.Size()})

		if err := p.Run(ctx, batch, job.DestPath); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", n, len(batches), err)
		}

		r.track(func(t *JobTracker) error { return t.MarkBatchDone(job.ID, batch.Size()) })
		r.emit(Event{Kind: EventBatchFinished, Worker: worker, Job: job, Batch: n, Batches: len(batches), Bytes: batch.Size()})
	}
	return nil
}

// finish logs, tracks and reports an outcome, then returns it.
func (r *Runner) finish(worker int, o JobOutcome) JobOutcome {
	if o.Status == StatusSuccess {
		r.log.Info("Job completed", "job", o.Job.ID, "from", o.Job.SourcePath, "to", o.Job.DestPath)
		r.track(func(t *JobTracker) error { return t.MarkCompleted(o.Job.ID) })
	} else {
		r.log.Error("Job failed", "job", o.Job.ID, "line", o.Job.Line, "reason", o.Reason)
		r.track(func(t *JobTracker) error { return t.MarkFailed(o.Job.ID, o.Reason) })
	}
	r.emit(Event{Kind: EventJobFinished, Worker: worker, Job: o.Job, Outcome: &o})
	return o
}

func (r *Runner) track(fn func(*JobTracker) error) {
	if r.opts.Tracker == nil {
		return
	}
	if err := fn(r.opts.Tracker); err != nil {
		r.log.Warn("Failed to record job state", "err", err)
	}
}

func (r *Runner) emit(e Event) {
	if r.opts.Observer != nil {
		r.opts.Observer(e)
	}
}
