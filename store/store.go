package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrJobNotFound is returned when a job is not found in the state store.
	ErrJobNotFound = errors.New("job not found")

	// ErrRunNotFound is returned when a run is not found in the state store.
	ErrRunNotFound = errors.New("run not found")
)

var (
	runsBucket = []byte("runs")
	jobsBucket = []byte("jobs")
)

// JobState represents the current state of a transfer job.
type JobState string

const (
	StatePending    JobState = "Pending"
	StateInProgress JobState = "InProgress"
	StateCompleted  JobState = "Completed"
	StateFailed     JobState = "Failed"
)

// RunRecord describes one invocation of the tool.
type RunRecord struct {
	ID         string    `json:"id"`
	ParamFile  string    `json:"param_file"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// JobRecord represents the state of a job in the store.
type JobRecord struct {
	ID               string    `json:"id"`
	RunID            string    `json:"run_id"`
	Line             int       `json:"line"`
	SourcePath       string    `json:"source_path"`
	DestinationPath  string    `json:"destination_path"`
	State            JobState  `json:"state"`
	BatchesTotal     int       `json:"batches_total"`
	BatchesDone      int       `json:"batches_done"`
	BytesTransferred uint64    `json:"bytes_transferred"`
	TotalBytes       uint64    `json:"total_bytes"`
	Error            string    `json:"error,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store defines the interface for tracking runs and their jobs.
type Store interface {
	SaveRun(run *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	LatestRun() (*RunRecord, error)
	SaveJob(job *JobRecord) error
	GetJob(runID, id string) (*JobRecord, error)
	ListJobs(runID string) ([]*JobRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{runsBucket, jobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func jobKey(runID, id string) []byte {
	return []byte(runID + "/" + id)
}

func put(tx *bbolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := tx.Bucket(bucket).Put(key, data); err != nil {
		return fmt.Errorf("failed to put record: %w", err)
	}
	return nil
}

// SaveRun saves a run to the state store.
func (s *BoltStore) SaveRun(run *RunRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, runsBucket, []byte(run.ID), run)
	})
}

// GetRun retrieves a run from the state store.
func (s *BoltStore) GetRun(id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(runsBucket).Get([]byte(id))
		if data == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LatestRun returns the most recent run. Run IDs are time ordered, so this is
// the last key of the runs bucket.
func (s *BoltStore) LatestRun() (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, data := tx.Bucket(runsBucket).Cursor().Last()
		if data == nil {
			return ErrRunNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// SaveJob saves a job to the state store.
func (s *BoltStore) SaveJob(job *JobRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, jobsBucket, jobKey(job.RunID, job.ID), job)
	})
}

// GetJob retrieves a job from the state store.
func (s *BoltStore) GetJob(runID, id string) (*JobRecord, error) {
	var job JobRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get(jobKey(runID, id))
		if data == nil {
			return ErrJobNotFound
		}

		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &job, nil
}

// ListJobs returns every job of a run ordered by parameter file line.
func (s *BoltStore) ListJobs(runID string) ([]*JobRecord, error) {
	var jobs []*JobRecord
	prefix := []byte(runID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var job JobRecord
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("failed to unmarshal job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Line < jobs[j].Line })
	return jobs, nil
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
