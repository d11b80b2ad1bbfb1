// Package logging constructs the slog.Logger every component takes as a
// constructor argument: a rotating file handler for persistent debug
// history, plus stderr in debug mode or when no log directory is set.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the logger New builds.
type Options struct {
	// Dir is the directory the rotating log file lives in, typically the
	// memory root (<home>/.claude/memory/cmemd.log).
	Dir string
	// Debug lowers the level to slog.LevelDebug and also writes to stderr,
	// mirroring CLAUDE_MEMORY_DEBUG (spec.md §6).
	Debug bool
}

// New builds the process-wide logger: JSON lines to a rotating file under
// Dir, optionally tee'd to stderr in debug mode.
func New(opts Options) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var writers []io.Writer
	if opts.Dir != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "cmemd.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	if opts.Debug || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var out io.Writer
	switch len(writers) {
	case 1:
		out = writers[0]
	default:
		out = io.MultiWriter(writers...)
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
