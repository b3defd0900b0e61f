package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger provides structured JSON logging with key/value fields
type Logger struct {
	entry *logrus.Entry
}

// NewLogger creates a logger at the given level, tagging every line with the component name
func NewLogger(level, component string) *Logger {
	return NewLoggerWithOutput(level, component, os.Stderr)
}

// NewLoggerWithOutput creates a logger writing to out
func NewLoggerWithOutput(level, component string, out io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(out)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}
	return &Logger{entry: entry}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewLoggerWithOutput("error", "", io.Discard)
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the log level at runtime
func (l *Logger) SetLevel(level string) {
	l.entry.Logger.SetLevel(parseLevel(level))
}

// IsDebug reports whether debug lines are emitted
func (l *Logger) IsDebug() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}

// With returns a child logger carrying the given key/value pairs on every line
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(kv))}
}

// The logging methods below are no-ops on a nil *Logger.

// Trace logs at trace level
func (l *Logger) Trace(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Trace(msg)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Debug(msg)
}

// Info logs at info level
func (l *Logger) Info(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Info(msg)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Warn(msg)
}

// Error logs at error level
func (l *Logger) Error(msg string, kv ...interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(toFields(kv)).Error(msg)
}

// LogDebugVerbose logs a named event with a field map at debug level
func (l *Logger) LogDebugVerbose(event string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Debug(event)
}

// LogVerbose logs a named event with a field map at trace level
func (l *Logger) LogVerbose(event string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).WithField("event", event).Trace(event)
}

// LogStateChange logs a component state transition at info level
func (l *Logger) LogStateChange(component, from, to, reason string, fields map[string]interface{}) {
	if l == nil {
		return
	}
	l.entry.WithFields(logrus.Fields(fields)).WithFields(logrus.Fields{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}).Info("state change")
}

// toFields converts alternating key/value pairs into logrus fields.
// A single map argument is used as-is; a dangling key is logged under "_extra".
func toFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(kv) == 1 {
		if m, ok := kv[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = v
			}
			return fields
		}
	}
	for i := 0; i < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		if i+1 >= len(kv) {
			fields["_extra"] = key
			break
		}
		val := kv[i+1]
		if err, isErr := val.(error); isErr && err != nil {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}
