// Package report renders the outcome of a run and delivers it through a
// notification channel.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"

	"github.com/franksops/hdfsrelay/engine"
	"github.com/franksops/hdfsrelay/notify"
)

const allSucceeded = "All transfers completed successfully."

func split(outcomes []engine.JobOutcome) (ok, failed []engine.JobOutcome) {
	for _, o := range outcomes {
		if o.Status == engine.StatusSuccess {
			ok = append(ok, o)
		} else {
			failed = append(failed, o)
		}
	}
	return ok, failed
}

// Summarize renders successful jobs and, if any, failed jobs with their
// reasons. When nothing failed it says so instead of printing an empty
// failure section.
func Summarize(outcomes []engine.JobOutcome) string {
	ok, failed := split(outcomes)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Successful transfers (%d):\n", len(ok))
	if len(ok) == 0 {
		sb.WriteString("  (none)\n")
	}
	for _, o := range ok {
		fmt.Fprintf(&sb, "  %s -> %s\n", o.Job.SourcePath, o.Job.DestPath)
	}

	sb.WriteString("\n")
	if len(failed) == 0 {
		sb.WriteString(allSucceeded + "\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Failed transfers (%d):\n", len(failed))
	for _, o := range failed {
		fmt.Fprintf(&sb, "  %s\n    reason: %s\n", o.Job, o.Reason)
	}
	return sb.String()
}

// Subject returns a one-line subject for the report.
func Subject(prefix string, outcomes []engine.JobOutcome) string {
	ok, failed := split(outcomes)
	if len(failed) == 0 {
		return fmt.Sprintf("%s: %d job(s) succeeded", prefix, len(ok))
	}
	return fmt.Sprintf("%s: %d succeeded, %d FAILED", prefix, len(ok), len(failed))
}

// Print writes the summary to w with coloured section headings. Colour is
// dropped automatically when w is not a terminal.
func Print(w io.Writer, outcomes []engine.JobOutcome) {
	okHead := color.New(color.FgGreen, color.Bold)
	failHead := color.New(color.FgRed, color.Bold)

	for _, line := range strings.Split(strings.TrimRight(Summarize(outcomes), "\n"), "\n") {
		switch {
		case strings.HasPrefix(line, "Successful transfers"), line == allSucceeded:
			okHead.Fprintln(w, line)
		case strings.HasPrefix(line, "Failed transfers"):
			failHead.Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
}

// Reporter sends run summaries through a Notifier.
type Reporter struct {
	notifier notify.Notifier
	log      *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(n notify.Notifier, log *slog.Logger) *Reporter {
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{notifier: n, log: log}
}

// Deliver sends the report. A delivery failure is logged and reported as
// false; it is never an error for the run.
func (r *Reporter) Deliver(ctx context.Context, subject, body string) bool {
	if err := r.notifier.Send(ctx, subject, body); err != nil {
		r.log.Error("Failed to deliver transfer report", "subject", subject, "err", err)
		return false
	}
	r.log.Info("Transfer report delivered", "subject", subject)
	return true
}
