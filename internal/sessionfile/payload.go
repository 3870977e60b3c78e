package sessionfile

import (
	"fmt"
	"time"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// encodeSummary serializes a SessionSummary snapshot as a SessionSummary
// frame payload. The same encoding is reused for the FileRoll trailer
// (callers pick the frame type); the SessionEnd terminal frame uses
// encodeSessionEnd instead.
func encodeSummary(s record.SessionSummary) []byte {
	w := &byteWriter{}
	w.uuid(s.SessionID)
	w.uuid(s.FileID)
	w.u32(s.Sequence)
	w.str(s.Host.OS)
	w.str(s.Host.OSVersion)
	w.u32(uint32(s.Host.CPUCount))
	w.str(s.Host.CPUModel)
	w.u64(s.Host.TotalMemory)
	w.str(s.Host.HostName)
	w.str(s.Application.Product)
	w.str(s.Application.Application)
	w.str(s.Application.Version)
	w.optStr(s.Principal != nil, principalName(s.Principal))
	w.optStr(s.Principal != nil, principalDomain(s.Principal))
	w.i64(TimeToTicks(s.StartTime))
	w.i64(TimeToTicks(s.EndTime))
	w.u8(encodeStatus(s.Status))
	w.str(s.Reason)
	w.u64(s.MessageCount)
	w.u64(s.VerboseCount)
	w.u64(s.InfoCount)
	w.u64(s.WarningCount)
	w.u64(s.ErrorCount)
	w.u64(s.CriticalCount)
	w.u64(s.ExceptionCount)
	w.i64(TimeToTicks(s.LastHeartbeat))
	return w.bytes()
}

func principalName(p *record.Principal) string {
	if p == nil {
		return ""
	}
	return p.Name
}

func principalDomain(p *record.Principal) string {
	if p == nil {
		return ""
	}
	return p.Domain
}

func decodeSummary(b []byte) (record.SessionSummary, error) {
	r := newByteReader(b)
	var s record.SessionSummary
	var err error
	if s.SessionID, err = r.uuidVal(); err != nil {
		return s, err
	}
	if s.FileID, err = r.uuidVal(); err != nil {
		return s, err
	}
	if s.Sequence, err = r.u32(); err != nil {
		return s, err
	}
	if s.Host.OS, err = r.str(); err != nil {
		return s, err
	}
	if s.Host.OSVersion, err = r.str(); err != nil {
		return s, err
	}
	cpuCount, err := r.u32()
	if err != nil {
		return s, err
	}
	s.Host.CPUCount = int(cpuCount)
	if s.Host.CPUModel, err = r.str(); err != nil {
		return s, err
	}
	if s.Host.TotalMemory, err = r.u64(); err != nil {
		return s, err
	}
	if s.Host.HostName, err = r.str(); err != nil {
		return s, err
	}
	if s.Application.Product, err = r.str(); err != nil {
		return s, err
	}
	if s.Application.Application, err = r.str(); err != nil {
		return s, err
	}
	if s.Application.Version, err = r.str(); err != nil {
		return s, err
	}
	hasName, name, err := r.optStr()
	if err != nil {
		return s, err
	}
	hasDomain, domain, err := r.optStr()
	if err != nil {
		return s, err
	}
	if hasName || hasDomain {
		s.Principal = &record.Principal{Name: name, Domain: domain}
	}
	startTicks, err := r.i64()
	if err != nil {
		return s, err
	}
	s.StartTime = TicksToTime(startTicks)
	endTicks, err := r.i64()
	if err != nil {
		return s, err
	}
	s.EndTime = TicksToTime(endTicks)
	statusByte, err := r.u8()
	if err != nil {
		return s, err
	}
	s.Status = decodeStatus(statusByte)
	if s.Reason, err = r.str(); err != nil {
		return s, err
	}
	if s.MessageCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.VerboseCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.InfoCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.WarningCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.ErrorCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.CriticalCount, err = r.u64(); err != nil {
		return s, err
	}
	if s.ExceptionCount, err = r.u64(); err != nil {
		return s, err
	}
	hbTicks, err := r.i64()
	if err != nil {
		return s, err
	}
	s.LastHeartbeat = TicksToTime(hbTicks)
	return s, nil
}

func encodeException(e *record.ExceptionInfo) []byte {
	w := &byteWriter{}
	writeException(w, e)
	return w.bytes()
}

// decodeException parses a standalone ExceptionInfo frame payload. Log
// messages carry their exceptions inline in the LogMessage frame; the
// messenger emits this frame type only through WriteStandaloneException,
// and bridges that dedupe repeated exception chains out of band may emit
// it too, so the reader supports it.
func decodeException(b []byte) (*record.ExceptionInfo, error) {
	r := newByteReader(b)
	return readException(r)
}

func writeException(w *byteWriter, e *record.ExceptionInfo) {
	w.bool(e != nil)
	if e == nil {
		return
	}
	w.str(e.TypeName)
	w.str(e.Message)
	w.str(e.Stack)
	writeException(w, e.Inner)
}

func readException(r *byteReader) (*record.ExceptionInfo, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return nil, err
	}
	e := &record.ExceptionInfo{}
	if e.TypeName, err = r.str(); err != nil {
		return nil, err
	}
	if e.Message, err = r.str(); err != nil {
		return nil, err
	}
	if e.Stack, err = r.str(); err != nil {
		return nil, err
	}
	if e.Inner, err = readException(r); err != nil {
		return nil, err
	}
	return e, nil
}

func encodeLogMessage(r *record.LogRecord) []byte {
	w := &byteWriter{}
	w.u8(encodeSeverity(r.Severity))
	w.str(r.Category)
	w.i64(TimeToTicks(r.Timestamp))
	w.i64(r.ThreadID)
	w.bool(r.Source != nil)
	if r.Source != nil {
		w.str(r.Source.File)
		w.str(r.Source.Class)
		w.str(r.Source.Method)
		w.u32(uint32(r.Source.Line))
	}
	w.str(r.Caption)
	w.str(r.Description)
	w.u32(uint32(len(r.Details)))
	w.buf.Write(r.Details)
	writeException(w, r.Exception)
	w.optStr(r.Principal != nil, principalName(r.Principal))
	w.optStr(r.Principal != nil, principalDomain(r.Principal))
	return w.bytes()
}

func decodeLogMessage(b []byte) (*record.LogRecord, error) {
	r := newByteReader(b)
	rec := &record.LogRecord{}
	sev, err := r.u8()
	if err != nil {
		return nil, err
	}
	rec.Severity = decodeSeverity(sev)
	if rec.Category, err = r.str(); err != nil {
		return nil, err
	}
	ticks, err := r.i64()
	if err != nil {
		return nil, err
	}
	rec.Timestamp = TicksToTime(ticks)
	if rec.ThreadID, err = r.i64(); err != nil {
		return nil, err
	}
	hasSource, err := r.boolean()
	if err != nil {
		return nil, err
	}
	if hasSource {
		src := &record.SourceLocation{}
		if src.File, err = r.str(); err != nil {
			return nil, err
		}
		if src.Class, err = r.str(); err != nil {
			return nil, err
		}
		if src.Method, err = r.str(); err != nil {
			return nil, err
		}
		line, err := r.u32()
		if err != nil {
			return nil, err
		}
		src.Line = int(line)
		rec.Source = src
	}
	if rec.Caption, err = r.str(); err != nil {
		return nil, err
	}
	if rec.Description, err = r.str(); err != nil {
		return nil, err
	}
	detailsLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(detailsLen)); err != nil {
		return nil, err
	}
	if detailsLen > 0 {
		rec.Details = append([]byte(nil), r.data[r.off:r.off+int(detailsLen)]...)
		r.off += int(detailsLen)
	}
	if rec.Exception, err = readException(r); err != nil {
		return nil, err
	}
	hasName, name, err := r.optStr()
	if err != nil {
		return nil, err
	}
	hasDomain, domain, err := r.optStr()
	if err != nil {
		return nil, err
	}
	if hasName || hasDomain {
		rec.Principal = &record.Principal{Name: name, Domain: domain}
	}
	return rec, nil
}

func encodeMetricDefinition(d *record.MetricDefinition) []byte {
	w := &byteWriter{}
	w.uuid(d.ID)
	w.str(d.System)
	w.str(d.Category)
	w.str(d.Counter)
	w.u8(byte(d.Kind))
	switch d.Kind {
	case record.DefinitionSampled:
		w.u8(byte(d.SampledRole))
	case record.DefinitionEvent:
		w.u32(uint32(len(d.Fields)))
		for _, f := range d.Fields {
			w.str(f.Name)
			w.u8(byte(f.Kind))
			w.u8(byte(f.Role))
			w.str(f.Caption)
		}
	}
	return w.bytes()
}

func decodeMetricDefinition(b []byte) (*record.MetricDefinition, error) {
	r := newByteReader(b)
	d := &record.MetricDefinition{}
	var err error
	if d.ID, err = r.uuidVal(); err != nil {
		return nil, err
	}
	if d.System, err = r.str(); err != nil {
		return nil, err
	}
	if d.Category, err = r.str(); err != nil {
		return nil, err
	}
	if d.Counter, err = r.str(); err != nil {
		return nil, err
	}
	kindByte, err := r.u8()
	if err != nil {
		return nil, err
	}
	d.Kind = record.DefinitionKind(kindByte)
	switch d.Kind {
	case record.DefinitionSampled:
		roleByte, err := r.u8()
		if err != nil {
			return nil, err
		}
		d.SampledRole = record.SummarizationRole(roleByte)
	case record.DefinitionEvent:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		d.Fields = make([]record.FieldSchema, 0, n)
		for i := uint32(0); i < n; i++ {
			var f record.FieldSchema
			if f.Name, err = r.str(); err != nil {
				return nil, err
			}
			kb, err := r.u8()
			if err != nil {
				return nil, err
			}
			f.Kind = decodeScalarKind(kb)
			rb, err := r.u8()
			if err != nil {
				return nil, err
			}
			f.Role = record.SummarizationRole(rb)
			if f.Caption, err = r.str(); err != nil {
				return nil, err
			}
			d.Fields = append(d.Fields, f)
		}
	default:
		return nil, fmt.Errorf("sessionfile: unknown metric definition kind %d", kindByte)
	}
	return d, nil
}

func encodeMetricSample(s *record.MetricSample) []byte {
	w := &byteWriter{}
	w.uuid(s.DefinitionID)
	w.uuid(s.MetricID)
	w.str(s.Instance)
	w.i64(TimeToTicks(s.Timestamp))
	w.u8(byte(s.Kind))
	switch s.Kind {
	case record.SampleEvent:
		w.u32(uint32(len(s.EventValues)))
		for _, nv := range s.EventValues {
			w.str(nv.Name)
			writeScalar(w, nv.Value)
		}
	case record.SampleCounter:
		w.f64(s.CounterValue)
	case record.SampleSampledValue:
		w.f64(s.SampledValue)
	}
	return w.bytes()
}

func writeScalar(w *byteWriter, v record.Scalar) {
	w.u8(encodeScalarKind(v.Kind))
	switch v.Kind {
	case record.ScalarInt64, record.ScalarEnum:
		w.i64(v.I64)
	case record.ScalarUint64:
		w.u64(v.U64)
	case record.ScalarFloat64:
		w.f64(v.F64)
	case record.ScalarBool:
		w.bool(v.Bool)
	case record.ScalarString:
		w.str(v.Str)
	case record.ScalarTimestamp:
		w.i64(TimeToTicks(v.Time))
	case record.ScalarDuration:
		w.i64(int64(v.Dur))
	}
}

func readScalar(r *byteReader) (record.Scalar, error) {
	kb, err := r.u8()
	if err != nil {
		return record.Scalar{}, err
	}
	kind := decodeScalarKind(kb)
	switch kind {
	case record.ScalarInt64, record.ScalarEnum:
		v, err := r.i64()
		return record.Scalar{Kind: kind, I64: v}, err
	case record.ScalarUint64:
		v, err := r.u64()
		return record.Scalar{Kind: kind, U64: v}, err
	case record.ScalarFloat64:
		v, err := r.f64()
		return record.Scalar{Kind: kind, F64: v}, err
	case record.ScalarBool:
		v, err := r.boolean()
		return record.Scalar{Kind: kind, Bool: v}, err
	case record.ScalarString:
		v, err := r.str()
		return record.Scalar{Kind: kind, Str: v}, err
	case record.ScalarTimestamp:
		v, err := r.i64()
		return record.Scalar{Kind: kind, Time: TicksToTime(v)}, err
	case record.ScalarDuration:
		v, err := r.i64()
		return record.Scalar{Kind: kind, Dur: time.Duration(v)}, err
	default:
		return record.Scalar{}, fmt.Errorf("sessionfile: unknown scalar kind %d", kb)
	}
}

func decodeMetricSample(b []byte) (*record.MetricSample, error) {
	r := newByteReader(b)
	s := &record.MetricSample{}
	var err error
	if s.DefinitionID, err = r.uuidVal(); err != nil {
		return nil, err
	}
	if s.MetricID, err = r.uuidVal(); err != nil {
		return nil, err
	}
	if s.Instance, err = r.str(); err != nil {
		return nil, err
	}
	ticks, err := r.i64()
	if err != nil {
		return nil, err
	}
	s.Timestamp = TicksToTime(ticks)
	kb, err := r.u8()
	if err != nil {
		return nil, err
	}
	s.Kind = record.MetricSampleKind(kb)
	switch s.Kind {
	case record.SampleEvent:
		n, err := r.u32()
		if err != nil {
			return nil, err
		}
		s.EventValues = make([]record.NamedValue, 0, n)
		for i := uint32(0); i < n; i++ {
			name, err := r.str()
			if err != nil {
				return nil, err
			}
			val, err := readScalar(r)
			if err != nil {
				return nil, err
			}
			s.EventValues = append(s.EventValues, record.NamedValue{Name: name, Value: val})
		}
	case record.SampleCounter:
		if s.CounterValue, err = r.f64(); err != nil {
			return nil, err
		}
	case record.SampleSampledValue:
		if s.SampledValue, err = r.f64(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func encodeSessionEnd(c *record.SessionControl) []byte {
	w := &byteWriter{}
	w.u8(encodeStatus(c.Status))
	w.str(c.Reason)
	return w.bytes()
}

func decodeSessionEnd(b []byte) (*record.SessionControl, error) {
	r := newByteReader(b)
	c := &record.SessionControl{Kind: record.ControlEndSession}
	sb, err := r.u8()
	if err != nil {
		return nil, err
	}
	c.Status = decodeStatus(sb)
	if c.Reason, err = r.str(); err != nil {
		return nil, err
	}
	return c, nil
}

// ThreadInfo names a thread id the first time the messenger observes it, so
// a reader can resolve ThreadID to a human name without repeating the name
// on every LogMessage frame.
type ThreadInfo struct {
	ThreadID int64
	Name     string
}

func encodeThreadInfo(t ThreadInfo) []byte {
	w := &byteWriter{}
	w.i64(t.ThreadID)
	w.str(t.Name)
	return w.bytes()
}

func decodeThreadInfo(b []byte) (ThreadInfo, error) {
	r := newByteReader(b)
	var t ThreadInfo
	var err error
	if t.ThreadID, err = r.i64(); err != nil {
		return t, err
	}
	if t.Name, err = r.str(); err != nil {
		return t, err
	}
	return t, nil
}

