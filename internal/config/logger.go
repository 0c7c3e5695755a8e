package config

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger builds the process logger. Stdout carries command output, so logs go to stderr.
func NewLogger(env string) *slog.Logger {
	return newLogger(os.Stderr, env)
}

func newLogger(w io.Writer, env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		AddSource: env == "development",
	}

	if env == "production" {
		opts.Level = slog.LevelInfo
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
