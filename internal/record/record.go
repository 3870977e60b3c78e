// Package record defines the record variants that flow through the
// publisher: log messages, metric samples, and session control events.
package record

import (
	"time"

	"github.com/google/uuid"
)

// Severity mirrors the five severities a producer may report.
type Severity int

const (
	Verbose Severity = iota
	Information
	Warning
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Verbose:
		return "Verbose"
	case Information:
		return "Information"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Critical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// IsAlert reports whether the severity belongs to the MessageAlert stream.
func (s Severity) IsAlert() bool {
	return s >= Warning
}

// SessionStatus is the terminal (or running) status of a session.
type SessionStatus int

const (
	StatusRunning SessionStatus = iota
	StatusNormal
	StatusCrashed
	StatusUnknown
)

func (s SessionStatus) String() string {
	switch s {
	case StatusRunning:
		return "Running"
	case StatusNormal:
		return "Normal"
	case StatusCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// SourceLocation is the optional file/class/method/line a log record was
// raised from. Zero value means "not captured".
type SourceLocation struct {
	File   string
	Class  string
	Method string
	Line   int
}

// ExceptionInfo describes one exception in an attached exception chain.
type ExceptionInfo struct {
	TypeName string
	Message  string
	Stack    string
	Inner    *ExceptionInfo
}

// Principal is a user/principal descriptor optionally attached to a record.
type Principal struct {
	Name   string
	Domain string
}

// ScalarKind tags the dynamic type carried by a Scalar value.
type ScalarKind int

const (
	ScalarInt64 ScalarKind = iota
	ScalarUint64
	ScalarFloat64
	ScalarBool
	ScalarString
	ScalarTimestamp
	ScalarDuration
	ScalarEnum
)

// Scalar is the typed value union used for event-sample name/value pairs.
// It replaces a dynamic object[] argument array with an explicit union,
// per the "Dynamic object[] argument arrays" design note.
type Scalar struct {
	Kind ScalarKind
	I64  int64
	U64  uint64
	F64  float64
	Bool bool
	Str  string
	Time time.Time
	Dur  time.Duration
}

func Int64(v int64) Scalar       { return Scalar{Kind: ScalarInt64, I64: v} }
func Uint64(v uint64) Scalar     { return Scalar{Kind: ScalarUint64, U64: v} }
func Float64(v float64) Scalar   { return Scalar{Kind: ScalarFloat64, F64: v} }
func Bool(v bool) Scalar         { return Scalar{Kind: ScalarBool, Bool: v} }
func String(v string) Scalar     { return Scalar{Kind: ScalarString, Str: v} }
func Timestamp(v time.Time) Scalar { return Scalar{Kind: ScalarTimestamp, Time: v} }
func Duration(v time.Duration) Scalar { return Scalar{Kind: ScalarDuration, Dur: v} }
func Enum(v int64) Scalar        { return Scalar{Kind: ScalarEnum, I64: v} }

// NamedValue pairs an event-metric field name with its Scalar value.
type NamedValue struct {
	Name  string
	Value Scalar
}

// LogRecord is a structured log message produced by an application.
type LogRecord struct {
	Severity    Severity
	Category    string
	Timestamp   time.Time
	ThreadID    int64
	Source      *SourceLocation
	Caption     string
	Description string
	Details     []byte
	Exception   *ExceptionInfo
	Principal   *Principal

	// Sequence is assigned by the publisher at enqueue time; it is not
	// set by producers.
	Sequence uint64
	// WaitForCommit, when true, blocks publish() until every messenger has
	// durably flushed this record.
	WaitForCommit bool
}

// Clone returns a deep-enough copy so filters may mutate mutable fields
// (caption/description/details/exception messages) without racing a
// concurrent reader of the original.
func (r *LogRecord) Clone() *LogRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Source != nil {
		src := *r.Source
		cp.Source = &src
	}
	if r.Exception != nil {
		cp.Exception = cloneException(r.Exception)
	}
	if r.Principal != nil {
		p := *r.Principal
		cp.Principal = &p
	}
	if r.Details != nil {
		cp.Details = append([]byte(nil), r.Details...)
	}
	return &cp
}

func cloneException(e *ExceptionInfo) *ExceptionInfo {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Inner = cloneException(e.Inner)
	return &cp
}

// MetricSampleKind distinguishes the three metric sample shapes.
type MetricSampleKind int

const (
	SampleEvent MetricSampleKind = iota
	SampleCounter
	SampleSampledValue
)

// MetricSample carries one sample for a previously-registered metric.
type MetricSample struct {
	DefinitionID uuid.UUID
	MetricID     uuid.UUID
	Instance     string
	Timestamp    time.Time
	Kind         MetricSampleKind

	// EventValues is populated when Kind == SampleEvent.
	EventValues []NamedValue
	// CounterValue is populated when Kind == SampleCounter.
	CounterValue float64
	// SampledValue is populated when Kind == SampleSampledValue.
	SampledValue float64

	Sequence uint64
}

// SessionControlKind enumerates the control events a publisher may carry.
type SessionControlKind int

const (
	ControlStartSession SessionControlKind = iota
	ControlEndFile
	ControlEndSession
)

// SessionControl is a non-message record that drives session lifecycle.
type SessionControl struct {
	Kind     SessionControlKind
	Status   SessionStatus
	Reason   string
	Sequence uint64
}
