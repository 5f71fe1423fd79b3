package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// SMTP sends reports as plain-text email.
type SMTP struct {
	// Addr is host:port of the mail server.
	Addr     string
	From     string
	To       []string
	Username string
	Password string

	// Retries is the number of extra attempts after a failed send.
	Retries int
	// RetryInterval is the initial wait between attempts. It grows
	// exponentially.
	RetryInterval time.Duration
}

// Send delivers the message, retrying transient failures with exponential
// backoff. The returned error is an *Error.
func (s *SMTP) Send(ctx context.Context, subject, body string) error {
	if s.Addr == "" || s.From == "" || len(s.To) == 0 {
		return &Error{Channel: "smtp", Err: errors.New("smtp addr, from and to must be set")}
	}

	msg := s.message(subject, body)
	var auth smtp.Auth
	if s.Username != "" {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return &Error{Channel: "smtp", Err: fmt.Errorf("invalid addr %q: %w", s.Addr, err)}
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}

	b := backoff.NewExponentialBackOff()
	if s.RetryInterval > 0 {
		b.InitialInterval = s.RetryInterval
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.Retries, 0))), ctx)

	err := backoff.Retry(func() error {
		return s.send(ctx, auth, msg)
	}, policy)
	if err != nil {
		return &Error{Channel: "smtp", Err: err}
	}
	return nil
}

// send runs one SMTP exchange. The connection is bound to ctx: its deadline
// applies to every read and write and cancellation closes it.
func (s *SMTP) send(ctx context.Context, auth smtp.Auth, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(s.From); err != nil {
		return err
	}
	for _, to := range s.To {
		if err := c.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (s *SMTP) message(subject, body string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", s.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return buf.Bytes()
}
