package engine

// EventKind names a point in a job's life.
type EventKind string

const (
	EventJobStarted    EventKind = "job_started"
	EventBatchStarted  EventKind = "batch_started"
	EventBatchFinished EventKind = "batch_finished"
	EventJobFinished   EventKind = "job_finished"
)

// Event reports progress to an Observer.
type Event struct {
	Kind   EventKind
	Worker int
	Job    TransferJob

	// Batch is the 1-based batch index for batch events.
	Batch   int
	Batches int

	// Bytes is the batch size for batch events and the job's inventory size
	// for EventJobStarted.
	Bytes uint64

	// Outcome is set for EventJobFinished.
	Outcome *JobOutcome
}

// Observer receives events. It may be called from several workers at once.
type Observer func(Event)
