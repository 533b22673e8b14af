package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	baseMu sync.RWMutex
	base   = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Configure sets the global level and output format ("json" or "console")
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	baseMu.Lock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	baseMu.Unlock()
}

// Logger provides structured logging with key-value pairs
type Logger struct {
	prefix string
	logger zerolog.Logger
}

// NewLogger creates a new logger with a prefix
func NewLogger(prefix string) *Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return &Logger{
		prefix: prefix,
		logger: base.With().Str("component", prefix).Logger(),
	}
}

// NewLoggerWithWriter creates a JSON logger writing to w
func NewLoggerWithWriter(prefix string, w io.Writer) *Logger {
	return &Logger{
		prefix: prefix,
		logger: zerolog.New(w).With().Timestamp().Str("component", prefix).Logger(),
	}
}

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{
		prefix: l.prefix,
		logger: l.logger.With().Fields(pairs(keysAndValues)).Logger(),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.logger.Info(), msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.logger.Warn(), msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.logger.Error(), msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.logger.Debug(), msg, keysAndValues...)
}

func (l *Logger) logWithKV(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	if event == nil {
		return
	}
	event.Fields(pairs(keysAndValues)).Msg(msg)
}

// pairs drops a trailing key without a value and stringifies errors
func pairs(keysAndValues []interface{}) []interface{} {
	n := len(keysAndValues) - len(keysAndValues)%2
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		val := keysAndValues[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		out = append(out, key, val)
	}
	return out
}
