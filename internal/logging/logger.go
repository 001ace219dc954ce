package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// Options configures New.
type Options struct {
	Level  string
	Format string // text | json
	Output io.Writer
}

// New builds the process logger. Core packages receive it by injection.
func New(opts Options) *log.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	logger := log.NewWithOptions(out, log.Options{
		Level:           ParseLevel(opts.Level),
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
	if strings.EqualFold(opts.Format, "json") {
		logger.SetFormatter(log.JSONFormatter)
	}
	return logger
}

// ParseLevel maps a level name to a log.Level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Discard returns a logger that writes nowhere, for tests and optional deps.
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// ForRun returns logger annotated with the run ID carried by ctx, if any.
func ForRun(ctx context.Context, logger *log.Logger) *log.Logger {
	if id := GetRunID(ctx); id != "" {
		return logger.With("run_id", id)
	}
	return logger
}
