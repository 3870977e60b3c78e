// Package logging provides the agent's internal diagnostic channel: a
// structured logger that operational faults are written to instead of
// being propagated to producers (spec §7).
package logging

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values stored on a context.Context by this package.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	SessionIDKey ContextKey = "session_id"
	ComponentKey ContextKey = "component"
)

// Logger wraps logrus.Logger with the agent's field conventions.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the named component ("publisher", "messenger",
// "repository", "upload", ...).
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a logger using AGENT_LOG_LEVEL / AGENT_LOG_FORMAT,
// defaulting to "info" / "text".
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("AGENT_LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("AGENT_LOG_FORMAT"))
	if format == "" {
		format = "text"
	}
	return New(component, level, format)
}

// WithContext attaches trace/session fields carried on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(SessionIDKey); v != nil {
		entry = entry.WithField("session_id", v)
	}
	return entry
}

// WithFields returns an entry tagged with the component name plus fields.
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// WithError returns an entry tagged with the component name plus an error.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component}).WithError(err)
}

// WithSessionID attaches a session-id field.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

var (
	defaultOnce sync.Once
	defaultLog  *Logger
)

// Default returns the process-wide default logger, lazily initialized from
// the environment on first use.
func Default() *Logger {
	defaultOnce.Do(func() {
		defaultLog = NewFromEnv("agent")
	})
	return defaultLog
}

// InitDefault forces the default logger, overriding the lazy environment
// initialization. Intended for host applications that bind config before
// the agent starts.
func InitDefault(level, format string) {
	defaultOnce.Do(func() {})
	defaultLog = New("agent", level, format)
}
