package logging

import (
	"io"
	"strings"
	"sync"
)

// Level is the severity of a log line
type Level int

const (
	// DebugLevel covers per-message chatter: stale frames, unreachable peers
	DebugLevel Level = iota
	// InfoLevel covers role and term transitions
	InfoLevel
	// WarnLevel covers recoverable anomalies
	WarnLevel
	// ErrorLevel covers protocol violations that point at a misbehaving peer
	ErrorLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level, defaulting to InfoLevel
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// Field is a key-value pair attached to a log line
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger used throughout the election core
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child logger that prepends fields to every line
	With(fields ...Field) Logger
	Enabled(level Level) bool
}

// JSONLogger writes one JSON object per line
type JSONLogger struct {
	out    *syncWriter
	level  Level
	fields []Field
}

// syncWriter serializes writes from a logger and all of its children
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) Debug(string, ...Field)   {}
func (NopLogger) Info(string, ...Field)    {}
func (NopLogger) Warn(string, ...Field)    {}
func (NopLogger) Error(string, ...Field)   {}
func (n NopLogger) With(...Field) Logger   { return n }
func (NopLogger) Enabled(level Level) bool { return false }
