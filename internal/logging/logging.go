// Package logging builds the structured logger shared by the server and CLI.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where log records go.
type Options struct {
	Path   string    // rotating log file; empty logs to Stdout only
	Level  string    // debug, info, warn or error
	Stdout io.Writer // defaults to os.Stdout
}

// ParseLevel maps a config level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// New returns a text logger writing to stdout and, when Path is set, to a
// lumberjack-rotated file. The standard library logger is pointed at the
// same writer so log.Printf output from dependencies is not lost.
func New(opts Options) (*slog.Logger, error) {
	out := opts.Stdout
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	if p := strings.TrimSpace(opts.Path); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("logging: create log dir: %w", err)
		}
		w = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   p,
			MaxSize:    100, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(opts.Level)})
	log.SetOutput(w)
	return slog.New(handler), nil
}

// Discard returns a logger that drops every record. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
