package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned for a job line that is not exactly two
	// whitespace-separated tokens.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrNameCollision is returned when two entries of one batch would land
	// on the same name in the stage directory.
	ErrNameCollision = errors.New("name collision in stage")
)

// Kind classifies where in a job an error happened.
type Kind string

const (
	KindParse     Kind = "parse"
	KindInventory Kind = "inventory"
	KindStage     Kind = "stage"
	KindPipeline  Kind = "pipeline"
)

// Error is a job-scoped failure. Every Error is caught by the Runner and
// turned into a failed JobOutcome.
type Error struct {
	Kind Kind
	// Op names the step that failed, e.g. "clear-stage" or "relay".
	Op  string
	Err error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == k
}

func stageError(op string, err error) error {
	return &Error{Kind: KindStage, Op: op, Err: err}
}

func pipelineError(op string, err error) error {
	return &Error{Kind: KindPipeline, Op: op, Err: err}
}
