// Package notify delivers run reports. Delivery is best effort: callers log
// a failed Send and carry on.
package notify

import (
	"context"
	"fmt"
	"log/slog"
)

// Notifier sends a message with a subject and a plain-text body.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

// Error is returned when a report could not be delivered.
type Error struct {
	Channel string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("notify via %s: %v", e.Channel, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Log is a Notifier that writes the report to a logger. It is used when no
// delivery channel is configured.
type Log struct {
	Logger *slog.Logger
}

// Send logs the subject and body at info level.
func (l *Log) Send(ctx context.Context, subject, body string) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "Transfer report", "subject", subject, "body", body)
	return nil
}
