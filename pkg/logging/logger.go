package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Reserved keys written by the logger itself. Fields using them are renamed.
const (
	timeKey    = "time"
	levelKey   = "level"
	messageKey = "msg"
)

// NewJSONLogger creates a logger writing to w at the given minimum level
func NewJSONLogger(w io.Writer, level Level) *JSONLogger {
	return &JSONLogger{
		out:   &syncWriter{w: w},
		level: level,
	}
}

// Enabled reports whether lines at level are written
func (l *JSONLogger) Enabled(level Level) bool {
	return level >= l.level
}

func (l *JSONLogger) write(level Level, msg string, fields []Field) {
	if !l.Enabled(level) {
		return
	}

	line := make(map[string]any, len(l.fields)+len(fields)+3)
	for _, f := range l.fields {
		putField(line, f)
	}
	for _, f := range fields {
		putField(line, f)
	}
	line[timeKey] = time.Now().UTC().Format(time.RFC3339Nano)
	line[levelKey] = level.String()
	line[messageKey] = msg

	data, err := json.Marshal(line)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":"ERROR","msg":"unencodable log line","error":%q}`, err.Error()))
	}
	data = append(data, '\n')

	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	l.out.w.Write(data)
}

func putField(line map[string]any, f Field) {
	switch f.Key {
	case timeKey, levelKey, messageKey:
		line["field."+f.Key] = f.Value
	default:
		line[f.Key] = f.Value
	}
}

func (l *JSONLogger) Debug(msg string, fields ...Field) { l.write(DebugLevel, msg, fields) }
func (l *JSONLogger) Info(msg string, fields ...Field)  { l.write(InfoLevel, msg, fields) }
func (l *JSONLogger) Warn(msg string, fields ...Field)  { l.write(WarnLevel, msg, fields) }
func (l *JSONLogger) Error(msg string, fields ...Field) { l.write(ErrorLevel, msg, fields) }

// With returns a child logger sharing the parent's writer
func (l *JSONLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)

	return &JSONLogger{
		out:    l.out,
		level:  l.level,
		fields: merged,
	}
}

var (
	defaultLogger Logger
	defaultOnce   sync.Once
)

// DefaultLogger returns a stderr logger whose level comes from LOG_LEVEL
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		defaultLogger = NewJSONLogger(os.Stderr, ParseLevel(os.Getenv("LOG_LEVEL")))
	})
	return defaultLogger
}
