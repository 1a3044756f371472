// SPDX-License-Identifier: MIT
//
// Package log is the process-wide leveled logger. Lines are written through a
// log/slog text handler so they stay grep-able and carry structured fields:
//
//	time=... level=INFO component=live msg="published module" generation=3
//
// Nothing in this package may be called from the audio callback.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel defines the severity of a log message.
type LogLevel uint32

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the string representation of the LogLevel.
func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// ParseLevel converts a string (case-insensitive) to a LogLevel.
// Returns LevelInfo and false if the string is not recognized.
func ParseLevel(levelStr string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "DEBUG":
		return LevelDebug, true
	case "INFO":
		return LevelInfo, true
	case "WARN", "WARNING":
		return LevelWarn, true
	case "ERROR":
		return LevelError, true
	case "FATAL":
		return LevelFatal, true
	default:
		return LevelInfo, false
	}
}

var (
	currentLevel atomic.Uint32
	base         atomic.Pointer[slog.Logger]

	// exit is swapped in tests.
	exit = os.Exit
)

// leveler adapts the atomic level to slog so SetLevel takes effect on
// existing component loggers.
type leveler struct{}

func (leveler) Level() slog.Level { return GetLevel().slog() }

func init() {
	SetLevel(LevelInfo)
	SetOutput(os.Stderr)
}

// SetOutput redirects all loggers, including ones already handed out.
func SetOutput(w io.Writer) {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: leveler{}})
	base.Store(slog.New(h))
}

// SetLevel sets the global logging level atomically.
func SetLevel(level LogLevel) {
	currentLevel.Store(uint32(level))
}

// GetLevel gets the current global logging level atomically.
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

func shouldLog(level LogLevel) bool {
	return level >= GetLevel()
}

// Logger tags every line with a component name.
type Logger struct {
	component string
}

// With returns a logger for the named component.
func With(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) emit(level LogLevel, msg string, kv []any) {
	if !shouldLog(level) {
		return
	}
	lg := base.Load()
	if l != nil && l.component != "" {
		lg = lg.With("component", l.component)
	}
	lg.Log(context.Background(), level.slog(), msg, kv...)
}

// Debug logs msg with key/value pairs.
func (l *Logger) Debug(msg string, kv ...any) { l.emit(LevelDebug, msg, kv) }

// Info logs msg with key/value pairs.
func (l *Logger) Info(msg string, kv ...any) { l.emit(LevelInfo, msg, kv) }

// Warn logs msg with key/value pairs.
func (l *Logger) Warn(msg string, kv ...any) { l.emit(LevelWarn, msg, kv) }

// Error logs msg with key/value pairs.
func (l *Logger) Error(msg string, kv ...any) { l.emit(LevelError, msg, kv) }

func (l *Logger) Debugf(format string, v ...any) { l.emit(LevelDebug, fmt.Sprintf(format, v...), nil) }
func (l *Logger) Infof(format string, v ...any)  { l.emit(LevelInfo, fmt.Sprintf(format, v...), nil) }
func (l *Logger) Warnf(format string, v ...any)  { l.emit(LevelWarn, fmt.Sprintf(format, v...), nil) }
func (l *Logger) Errorf(format string, v ...any) { l.emit(LevelError, fmt.Sprintf(format, v...), nil) }

// --- Package-level helpers for code without a component ---

var std = &Logger{}

// Debugf logs a formatted debug message if the level is appropriate.
func Debugf(format string, v ...any) { std.Debugf(format, v...) }

// Infof logs a formatted info message if the level is appropriate.
func Infof(format string, v ...any) { std.Infof(format, v...) }

// Warnf logs a formatted warning message if the level is appropriate.
func Warnf(format string, v ...any) { std.Warnf(format, v...) }

// Errorf logs a formatted error message if the level is appropriate.
func Errorf(format string, v ...any) { std.Errorf(format, v...) }

// Fatalf logs a formatted fatal message and exits the application.
// Fatal messages are always logged regardless of the current level.
func Fatalf(format string, v ...any) {
	base.Load().Log(context.Background(), slog.LevelError+4, fmt.Sprintf(format, v...))
	exit(1)
}
