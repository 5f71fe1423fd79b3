package engine

import (
	"sync"
	"time"

	"github.com/franksops/hdfsrelay/store"
)

// JobTracker wraps a store to record the state of every job in a run.
// Store errors are returned to the caller, which logs them; a failing store
// never fails a transfer.
type JobTracker struct {
	store store.Store
	runID string

	// bbolt serialises writers, but the read-modify-write of a record must
	// not interleave between workers.
	mu sync.Mutex
}

// NewJobTracker creates a new JobTracker for the run with the given ID.
func NewJobTracker(store store.Store, runID string) *JobTracker {
	return &JobTracker{
		store: store,
		runID: runID,
	}
}

// RunID returns the ID of the tracked run.
func (jt *JobTracker) RunID() string { return jt.runID }

// StartRun records the start of the run.
func (jt *JobTracker) StartRun(paramFile string) error {
	return jt.store.SaveRun(&store.RunRecord{
		ID:        jt.runID,
		ParamFile: paramFile,
		StartedAt: time.Now(),
	})
}

// FinishRun records the end of the run with its outcome counts.
func (jt *JobTracker) FinishRun(outcomes []JobOutcome) error {
	run, err := jt.store.GetRun(jt.runID)
	if err != nil {
		return err
	}
	run.FinishedAt = time.Now()
	run.Succeeded, run.Failed = 0, 0
	for _, o := range outcomes {
		if o.Status == StatusSuccess {
			run.Succeeded++
		} else {
			run.Failed++
		}
	}
	return jt.store.SaveRun(run)
}

// InitJob records job as pending.
func (jt *JobTracker) InitJob(job TransferJob) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	return jt.store.SaveJob(&store.JobRecord{
		ID:              job.ID,
		RunID:           jt.runID,
		Line:            job.Line,
		SourcePath:      job.SourcePath,
		DestinationPath: job.DestPath,
		State:           store.StatePending,
		UpdatedAt:       time.Now(),
	})
}

func (jt *JobTracker) update(jobID string, fn func(*store.JobRecord)) error {
	jt.mu.Lock()
	defer jt.mu.Unlock()

	record, err := jt.store.GetJob(jt.runID, jobID)
	if err != nil {
		return err
	}
	fn(record)
	record.UpdatedAt = time.Now()
	return jt.store.SaveJob(record)
}

// MarkInProgress records that the job's inventory is known and batches are
// about to run.
func (jt *JobTracker) MarkInProgress(jobID string, batches int, totalBytes uint64) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.State = store.StateInProgress
		r.BatchesTotal = batches
		r.TotalBytes = totalBytes
	})
}

// MarkBatchDone adds one finished batch of size bytes to the job.
func (jt *JobTracker) MarkBatchDone(jobID string, bytes uint64) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.BatchesDone++
		r.BytesTransferred += bytes
	})
}

// MarkCompleted updates a job's state to Completed.
func (jt *JobTracker) MarkCompleted(jobID string) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.State = store.StateCompleted
	})
}

// MarkFailed updates a job's state to Failed with a reason.
func (jt *JobTracker) MarkFailed(jobID string, reason string) error {
	return jt.update(jobID, func(r *store.JobRecord) {
		r.State = store.StateFailed
		r.Error = reason
	})
}
