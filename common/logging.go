// Package common holds logger construction and build version info shared
// by the binaries.
package common

import (
	"log/slog"
	"os"
)

type LoggingOpts struct {
	// Service name to add to all log entries.
	Service string

	// Whether to log in JSON format.
	JSON bool

	// Whether debug logging is enabled.
	Debug bool

	// Build version to add to all log entries.
	Version string
}

// SetupLogger constructs the process logger. Components never construct
// their own loggers; they receive this one (or a derived one) at wiring
// time.
func SetupLogger(opts *LoggingOpts) (log *slog.Logger) {
	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}

	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	}

	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
