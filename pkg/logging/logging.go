// Package logging provides subsystem-tagged structured logging for Quill.
// It is a thin layer over log/slog: each call names the subsystem it comes
// from, which ends up as a "subsystem" attribute on the record.
//
// Token values and other credential material must never be passed to these
// functions.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

var defaultLogger = slog.Default()

// Init configures the package logger. It should be called once at
// application startup; until then logs go to slog's default handler.
func Init(level slog.Level, output io.Writer) {
	opts := &slog.HandlerOptions{Level: level}
	defaultLogger = slog.New(slog.NewTextHandler(output, opts))
	slog.SetDefault(defaultLogger)
}

// ParseLevel converts a level name (debug, info, warn, error) to a
// slog.Level. Unknown names default to info with an error.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %q", name)
	}
}

func log(level slog.Level, subsystem string, err error, format string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}

	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}

	attrs := []slog.Attr{slog.String("subsystem", subsystem)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}

	defaultLogger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs a debug message for the given subsystem.
func Debug(subsystem, format string, args ...any) {
	log(slog.LevelDebug, subsystem, nil, format, args...)
}

// Info logs an informational message for the given subsystem.
func Info(subsystem, format string, args ...any) {
	log(slog.LevelInfo, subsystem, nil, format, args...)
}

// Warn logs a warning for the given subsystem.
func Warn(subsystem, format string, args ...any) {
	log(slog.LevelWarn, subsystem, nil, format, args...)
}

// Error logs an error for the given subsystem.
func Error(subsystem string, err error, format string, args ...any) {
	log(slog.LevelError, subsystem, err, format, args...)
}
