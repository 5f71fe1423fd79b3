package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	// File is the append-only log file. Rotated by size.
	File  string
	Level string
	// Console receives a copy of every line. Nil disables the copy.
	Console io.Writer
}

// New returns a logger writing timestamped text lines to the log file and,
// when set, to the console. It is also installed as the slog default.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	if dir := filepath.Dir(opts.File); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	// lumberjack opens lazily, so make sure the file is writable now.
	f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    100, // MB
		MaxBackups: 10,
		MaxAge:     0, // ignore age
		Compress:   false,
	}

	var writer io.Writer = rotator
	if opts.Console != nil {
		writer = io.MultiWriter(opts.Console, rotator)
	}

	log := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: ParseLevel(opts.Level)}))
	slog.SetDefault(log)
	return log, rotator, nil
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
