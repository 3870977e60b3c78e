package record

// Kind discriminates the Envelope's active variant.
type Kind int

const (
	KindLog Kind = iota
	KindMetric
	KindControl
)

// Envelope is the tagged union submitted to, and moved through, the
// publisher queue. Exactly one of Log/Metric/Control is non-nil, selected
// by Kind.
type Envelope struct {
	Kind    Kind
	Log     *LogRecord
	Metric  *MetricSample
	Control *SessionControl
}

// Sequence returns the publisher-assigned sequence number regardless of
// variant.
func (e *Envelope) Sequence() uint64 {
	switch e.Kind {
	case KindLog:
		if e.Log != nil {
			return e.Log.Sequence
		}
	case KindMetric:
		if e.Metric != nil {
			return e.Metric.Sequence
		}
	case KindControl:
		if e.Control != nil {
			return e.Control.Sequence
		}
	}
	return 0
}

// SetSequence assigns the publisher-issued sequence number.
func (e *Envelope) SetSequence(seq uint64) {
	switch e.Kind {
	case KindLog:
		if e.Log != nil {
			e.Log.Sequence = seq
		}
	case KindMetric:
		if e.Metric != nil {
			e.Metric.Sequence = seq
		}
	case KindControl:
		if e.Control != nil {
			e.Control.Sequence = seq
		}
	}
}

// Severity returns the envelope's severity for filtering purposes. Control
// and metric records report Information, which keeps them off the alert
// stream while still flowing through non-severity-based filters.
func (e *Envelope) Severity() Severity {
	if e.Kind == KindLog && e.Log != nil {
		return e.Log.Severity
	}
	return Information
}

// WaitForCommit reports whether the caller asked to block for durability.
func (e *Envelope) WaitForCommit() bool {
	return e.Kind == KindLog && e.Log != nil && e.Log.WaitForCommit
}

// LogEnvelope wraps a LogRecord.
func LogEnvelope(r *LogRecord) *Envelope { return &Envelope{Kind: KindLog, Log: r} }

// MetricEnvelope wraps a MetricSample.
func MetricEnvelope(s *MetricSample) *Envelope { return &Envelope{Kind: KindMetric, Metric: s} }

// ControlEnvelope wraps a SessionControl.
func ControlEnvelope(c *SessionControl) *Envelope { return &Envelope{Kind: KindControl, Control: c} }

// Clone deep-copies the envelope so filters may mutate mutable fields
// without racing other readers of the original.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	cp := &Envelope{Kind: e.Kind}
	switch e.Kind {
	case KindLog:
		cp.Log = e.Log.Clone()
	case KindMetric:
		if e.Metric != nil {
			m := *e.Metric
			m.EventValues = append([]NamedValue(nil), e.Metric.EventValues...)
			cp.Metric = &m
		}
	case KindControl:
		if e.Control != nil {
			c := *e.Control
			cp.Control = &c
		}
	}
	return cp
}
