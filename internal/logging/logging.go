// Package logging builds the process logger. Output goes to stderr because
// stdout carries the stdio transport.
package logging

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/charmbracelet/log"
)

// New returns a slog logger writing leveled, timestamped lines to w.
func New(w io.Writer, level string) (*slog.Logger, error) {
	lvl := log.InfoLevel
	if level != "" {
		var err error
		lvl, err = log.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Prefix:          "brainvault",
		ReportTimestamp: true,
	})
	return slog.New(handler), nil
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
