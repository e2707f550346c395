// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for pipeline components.
//
// The package is a thin layer over the standard library slog package:
//
//   - Default: stderr output (follows Unix conventions for CLI tools)
//   - Optional: file logging with automatic directory creation
//
// # Basic Usage
//
// For simple stderr output:
//
//	logger := logging.Default()
//	logger.Info("run started", "session_id", sessionID)
//	logger.Error("search failed", "error", err)
//
// # File Logging
//
// To enable file logging alongside stderr:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "/var/log/localai-rag",
//	    Service: "orchestrator",
//	})
//	defer logger.Close()  // Important: flushes and closes file
//
// File logs are named `{service}_{date}.log` and always JSON formatted.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Internal state is protected
// by a mutex, and the underlying slog.Logger is thread-safe.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data.
// Callers must ensure bearer tokens and user content are not logged
// verbatim where policy forbids it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity levels.
//
// Levels follow the slog convention and are ordered by severity:
// Debug < Info < Warn < Error. Setting a minimum level filters out
// all logs below that level.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for potentially problematic situations.
	LevelWarn

	// LevelError is for error conditions.
	LevelError
)

// String returns the human-readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// toSlogLevel converts our Level to slog.Level.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config configures the Logger behavior.
//
// All fields have sensible defaults. A zero-value Config creates
// a logger that writes Info+ messages to stderr in text format.
type Config struct {
	// Level sets the minimum log level. Messages below this level are
	// discarded. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the specified directory.
	//
	// When set, logs are written to both stderr and a file named
	// "{Service}_{YYYY-MM-DD}.log" in JSON format. The directory is
	// created with 0750 permissions if it doesn't exist.
	// Default: "" (file logging disabled).
	LogDir string

	// Service identifies the component generating logs. Included in
	// every entry as the "service" attribute. Default: "" (omitted).
	Service string

	// JSON enables JSON output on stderr. File logs are always JSON
	// regardless of this setting. Default: false (text).
	JSON bool

	// Quiet disables stderr output. Useful for daemon processes where
	// stderr isn't monitored. Default: false.
	Quiet bool
}

// Logger wraps slog.Logger with file lifecycle management.
//
// Create via New or Default. Close must be called when file logging
// is enabled so buffered output is flushed.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Default returns a logger writing Info+ text to stderr.
//
// This is the right choice for CLI entry points and tests.
func Default() *Logger {
	return New(Config{})
}

// New creates a Logger from the given Config.
//
// File logging failures (unwritable directory, disk full) degrade to
// stderr-only logging with a warning rather than failing construction:
// a component should never refuse to start because its log file is
// unavailable.
func New(cfg Config) *Logger {
	level := cfg.Level.toSlogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	l := &Logger{}
	if cfg.LogDir != "" {
		f, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logging: file logging disabled: %v\n", err)
		} else {
			l.file = f
			writers = append(writers, f)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	if cfg.JSON || l.file != nil {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	sl := slog.New(handler)
	if cfg.Service != "" {
		sl = sl.With("service", cfg.Service)
	}
	l.Logger = sl
	return l
}

// With returns a child Logger with the given attributes attached to
// every entry. The child shares the parent's file handle; only the
// root logger should be Closed.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Close flushes and closes the log file, if any.
//
// Safe to call multiple times and on loggers without file output.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// openLogFile creates the log directory and opens the dated log file
// in append mode.
func openLogFile(dir, service string) (*os.File, error) {
	expanded, err := expandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(expanded, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir %q: %w", expanded, err)
	}
	name := service
	if name == "" {
		name = "pipeline"
	}
	filename := fmt.Sprintf("%s_%s.log", name, time.Now().UTC().Format("2006-01-02"))
	path := filepath.Join(expanded, filename)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// expandHome resolves a leading ~ to the user's home directory.
func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
