// Copyright (c) 2026 cproxy contributors. Licensed under the MIT License.

// Package logging provides structured, leveled logging for the
// controller, built on charmbracelet/log. A logger can be tagged with
// a component name so acquisition/teardown output from the classifier,
// routing guard and firewall guard is distinguishable in a single
// stream.
package logging

import (
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Config controls logger construction.
type Config struct {
	Output io.Writer
	Level  charmlog.Level
}

// DefaultConfig returns the default logging configuration: stderr at
// info level, or whatever CPROXY_LOG requests.
func DefaultConfig() Config {
	return Config{
		Output: os.Stderr,
		Level:  levelFromEnv(),
	}
}

func levelFromEnv() charmlog.Level {
	switch strings.ToLower(os.Getenv("CPROXY_LOG")) {
	case "debug":
		return charmlog.DebugLevel
	case "warn", "warning":
		return charmlog.WarnLevel
	case "error":
		return charmlog.ErrorLevel
	default:
		return charmlog.InfoLevel
	}
}

// Logger wraps a charmbracelet/log logger with a fixed component tag.
type Logger struct {
	inner *charmlog.Logger
}

// New creates a Logger from Config.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	l := charmlog.NewWithOptions(cfg.Output, charmlog.Options{
		Level:           cfg.Level,
		ReportTimestamp: true,
	})
	return &Logger{inner: l}
}

// WithComponent returns a child logger that tags every record with
// component=name, e.g. "cgroup", "routeguard", "firewall", "supervisor".
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{inner: l.inner.With("component", name)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

var defaultLogger = New(DefaultConfig())

// SetDefault replaces the package-level default logger.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level default logger.
func Default() *Logger { return defaultLogger }

func Debug(msg string, kv ...any) { defaultLogger.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { defaultLogger.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { defaultLogger.Warn(msg, kv...) }
func Error(msg string, kv ...any) { defaultLogger.Error(msg, kv...) }
