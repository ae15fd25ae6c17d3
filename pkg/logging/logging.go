// Package logging builds the process-wide slog logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type Options struct {
	JSON    bool
	Debug   bool
	Service string
	Version string
	// UID tags every line with a per-process id so replicas can be told
	// apart in a shared sink.
	UID bool
	// Output defaults to stderr.
	Output io.Writer
}

// Setup builds a logger from opts and installs it as slog's default.
func Setup(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, hopts)
	} else {
		handler = slog.NewTextHandler(out, hopts)
	}
	logger := slog.New(handler)
	if opts.Service != "" {
		logger = logger.With("service", opts.Service)
	}
	if opts.Version != "" {
		logger = logger.With("version", opts.Version)
	}
	if opts.UID {
		logger = logger.With("uid", uuid.Must(uuid.NewRandom()).String())
	}
	return logger
}
