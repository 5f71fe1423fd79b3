package engine

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// TransferJob is one source-path to destination-path request, read from one
// line of the parameter file.
type TransferJob struct {
	// ID identifies the job within a run.
	ID string

	// Line is the 1-based line number in the parameter file.
	Line int

	// SourcePath is the path to list and copy on the source filesystem.
	SourcePath string

	// DestPath is the directory on the destination filesystem that receives
	// every file found under SourcePath.
	DestPath string

	// Raw is the trimmed text of the line the job was parsed from.
	Raw string
}

func (j TransferJob) String() string {
	if j.SourcePath == "" && j.DestPath == "" {
		return fmt.Sprintf("line %d: %q", j.Line, j.Raw)
	}
	return j.SourcePath + " -> " + j.DestPath
}

// JobChannel is a channel used to queue and dispatch TransferJobs to workers
// in the worker pool.
type JobChannel chan TransferJob

// ParsedLine is a job line after parsing. Err is set, wrapping
// ErrInvalidFormat, when the line is not a well-formed job.
type ParsedLine struct {
	Job TransferJob
	Err error
}

// ParseJobs reads one job per line from r. Blank lines and lines starting
// with '#' are skipped. Malformed lines are returned with Err set rather than
// stopping the parse; only a read failure returns an error.
func ParseJobs(r io.Reader) ([]ParsedLine, error) {
	var lines []ParsedLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		job := TransferJob{
			ID:   fmt.Sprintf("line-%d", lineNum),
			Line: lineNum,
			Raw:  text,
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			lines = append(lines, ParsedLine{
				Job: job,
				Err: &Error{Kind: KindParse, Op: fmt.Sprintf("line %d", lineNum), Err: ErrInvalidFormat},
			})
			continue
		}
		job.SourcePath = fields[0]
		job.DestPath = fields[1]
		lines = append(lines, ParsedLine{Job: job})
	}
	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("failed to read job source: %w", err)
	}
	return lines, nil
}

// Status is the final state of a job.
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// JobOutcome records how one job ended. Reason is empty on success.
type JobOutcome struct {
	Job    TransferJob
	Status Status
	Reason string
}

// Succeeded returns a successful outcome for job.
func Succeeded(job TransferJob) JobOutcome {
	return JobOutcome{Job: job, Status: StatusSuccess}
}

// Failed returns a failed outcome for job carrying err's message.
func Failed(job TransferJob, err error) JobOutcome {
	return JobOutcome{Job: job, Status: StatusFailure, Reason: failureReason(err)}
}

func failureReason(err error) string {
	if IsKind(err, KindParse) {
		return ErrInvalidFormat.Error()
	}
	return err.Error()
}
