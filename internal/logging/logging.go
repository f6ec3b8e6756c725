// Package logging provides the engine's structured logger: a package-level
// swappable log/slog logger with an optional rotating file sink, per
// SPEC_FULL.md §A.1 and §B (lumberjack).
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu     sync.Mutex
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

// Options configures the process-wide logger.
type Options struct {
	// Level sets the minimum level emitted.
	Level slog.Level
	// FilePath, if non-empty, routes log output through a rotating file
	// sink instead of stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Configure installs a new logger built from opts. Safe to call multiple
// times; the last call wins. Intended to be called once at host-binding
// startup (see cmd/cloudsyncctl), never from library code paths that might
// run inside a loaded extension without a CLI present.
func Configure(opts Options) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level}))
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

// Get returns the process-wide logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// With returns a child logger annotated with the given attributes, the way
// call sites attach a connection or table name.
func With(args ...any) *slog.Logger {
	return Get().With(args...)
}
