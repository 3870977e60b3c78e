package sessionfile

import (
	"bufio"
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

// Default roll-over and flush thresholds (spec §4.2).
const (
	DefaultMaxFileBytes      = 20 * 1024 * 1024
	DefaultMaxFileAge        = 24 * time.Hour
	DefaultFlushInterval     = 5 * time.Second
	writeRetryBudget         = 30 * time.Second
	writeRetryInitialBackoff = 50 * time.Millisecond
	writeRetryMaxBackoff     = 2 * time.Second
)

// Options configures a Messenger instance.
type Options struct {
	// PathForSequence returns the file path to open for a given
	// file-sequence-number within the session. Owned by the caller
	// (typically the repository) so sessionfile stays agnostic of
	// directory layout.
	PathForSequence func(seq uint32) string

	MaxFileBytes      int64
	MaxFileAge        time.Duration
	MaxRecordsPerFile int64
	FlushInterval     time.Duration

	Logger *logging.Logger
}

func (o *Options) setDefaults() {
	if o.MaxFileBytes <= 0 {
		o.MaxFileBytes = DefaultMaxFileBytes
	}
	if o.MaxFileAge <= 0 {
		o.MaxFileAge = DefaultMaxFileAge
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Messenger is the session-file writer: a durable, append-only,
// frame-delimited record of the publisher's output stream (spec §4.2).
type Messenger struct {
	opts Options

	mu           sync.Mutex
	file         *os.File
	buf          *bufio.Writer
	tracker      *record.SummaryTracker
	sessionID    uuid.UUID
	fileID       uuid.UUID
	sequence     uint32
	openedAt     time.Time
	bytesWritten int64
	recordCount  int64
	knownThreads map[int64]bool

	degraded      bool
	degradedCount int64

	flushStop chan struct{}
	flushDone chan struct{}
}

// Open creates the first file of a session, writes the magic header and the
// initial SessionSummary frame, and fsyncs the header region.
func Open(initial record.SessionSummary, opts Options) (*Messenger, error) {
	opts.setDefaults()
	m := &Messenger{
		opts:         opts,
		sessionID:    initial.SessionID,
		sequence:     initial.Sequence,
		knownThreads: make(map[int64]bool),
	}
	if err := m.openFile(initial); err != nil {
		return nil, err
	}
	m.startFlushLoop()
	return m, nil
}

func (m *Messenger) openFile(summary record.SessionSummary) error {
	path := m.opts.PathForSequence(summary.Sequence)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("sessionfile: open %s: %w", path, err)
	}

	var header [8]byte
	copy(header[:4], Magic[:])
	header[4] = FormatVersion
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		return err
	}

	m.file = f
	m.buf = bufio.NewWriter(f)
	m.fileID = summary.FileID
	m.sequence = summary.Sequence
	m.openedAt = time.Now()
	m.bytesWritten = int64(len(header))
	m.recordCount = 0
	m.tracker = record.NewSummaryTracker(summary)

	if err := m.writeFrameLocked(FrameSessionSummary, encodeSummary(summary)); err != nil {
		return err
	}
	if err := m.flushLocked(); err != nil {
		return err
	}
	return m.file.Sync()
}

// Write appends a framed log record. Buffered writes flush on the
// configured interval unless WaitForCommit is set or severity >= Error, in
// which case the write is flushed (and fsynced) immediately.
func (m *Messenger) Write(ctx context.Context, r *record.LogRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.degraded {
		m.degradedCount++
		return nil
	}

	if r.Timestamp.Before(m.tracker.Snapshot().StartTime) {
		return fmt.Errorf("sessionfile: record timestamp %s precedes session start", r.Timestamp)
	}

	if err := m.rollIfNeededLocked(); err != nil {
		return err
	}

	if !m.knownThreads[r.ThreadID] && r.ThreadID != 0 {
		m.knownThreads[r.ThreadID] = true
		_ = m.writeFrameLocked(FrameThreadInfo, encodeThreadInfo(ThreadInfo{ThreadID: r.ThreadID}))
	}

	if err := m.writeWithRetryLocked(FrameLogMessage, encodeLogMessage(r)); err != nil {
		m.enterDegradedLocked(err)
		return nil
	}
	m.tracker.Observe(r)
	m.recordCount++

	immediate := r.WaitForCommit || r.Severity >= record.Error
	if immediate {
		if err := m.flushLocked(); err != nil {
			m.enterDegradedLocked(err)
			return nil
		}
		return m.file.Sync()
	}
	return nil
}

// WriteMetricDefinition appends a MetricDefinition frame.
func (m *Messenger) WriteMetricDefinition(d *record.MetricDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		m.degradedCount++
		return nil
	}
	if err := m.rollIfNeededLocked(); err != nil {
		return err
	}
	if err := m.writeWithRetryLocked(FrameMetricDefinition, encodeMetricDefinition(d)); err != nil {
		m.enterDegradedLocked(err)
	}
	return nil
}

// WriteMetricSample appends a MetricSample frame.
func (m *Messenger) WriteMetricSample(s *record.MetricSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		m.degradedCount++
		return nil
	}
	if err := m.rollIfNeededLocked(); err != nil {
		return err
	}
	if err := m.writeWithRetryLocked(FrameMetricSample, encodeMetricSample(s)); err != nil {
		m.enterDegradedLocked(err)
		return nil
	}
	m.recordCount++
	return nil
}

// WriteStandaloneException emits a deduplicated ExceptionInfo frame, for
// bridges that want to record an exception chain once and reference it
// elsewhere rather than inlining it on every LogMessage.
func (m *Messenger) WriteStandaloneException(e *record.ExceptionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.degraded {
		return nil
	}
	return m.writeWithRetryLocked(FrameExceptionInfo, encodeException(e))
}

func (m *Messenger) writeFrameLocked(t FrameType, payload []byte) error {
	frame := encodeFrame(t, payload)
	n, err := m.buf.Write(frame)
	m.bytesWritten += int64(n)
	return err
}

// writeWithRetryLocked retries transient write failures (ENOSPC, EIO) with
// capped exponential backoff for up to writeRetryBudget before giving up.
func (m *Messenger) writeWithRetryLocked(t FrameType, payload []byte) error {
	deadline := time.Now().Add(writeRetryBudget)
	delay := writeRetryInitialBackoff
	var lastErr error
	for {
		if err := m.writeFrameLocked(t, payload); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if time.Now().After(deadline) {
			return lastErr
		}
		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		time.Sleep(jittered)
		delay *= 2
		if delay > writeRetryMaxBackoff {
			delay = writeRetryMaxBackoff
		}
	}
}

func (m *Messenger) enterDegradedLocked(cause error) {
	if m.degraded {
		return
	}
	m.degraded = true
	m.opts.Logger.WithFields(map[string]interface{}{
		"session_id": m.sessionID.String(),
		"file_id":    m.fileID.String(),
	}).WithError(cause).Error("sessionfile messenger entering degraded state")
}

// Degraded reports whether the messenger has given up writing and is
// silently discarding records.
func (m *Messenger) Degraded() (bool, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded, m.degradedCount
}

func (m *Messenger) flushLocked() error {
	return m.buf.Flush()
}

// rollPolicy triggers per spec §4.2: size, age, record-count, or explicit.
func (m *Messenger) shouldRollLocked() bool {
	if m.opts.MaxFileBytes > 0 && m.bytesWritten >= m.opts.MaxFileBytes {
		return true
	}
	if m.opts.MaxFileAge > 0 && time.Since(m.openedAt) >= m.opts.MaxFileAge {
		return true
	}
	if m.opts.MaxRecordsPerFile > 0 && m.recordCount >= m.opts.MaxRecordsPerFile {
		return true
	}
	return false
}

func (m *Messenger) rollIfNeededLocked() error {
	if !m.shouldRollLocked() {
		return nil
	}
	return m.rollLocked()
}

// Roll closes the current file atomically (finalizer frame with the latest
// running summary), then opens file-sequence-number+1 in the same session.
func (m *Messenger) Roll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollLocked()
}

func (m *Messenger) rollLocked() error {
	trailer := m.tracker.Snapshot()
	if err := m.writeFrameLocked(FrameFileRoll, encodeSummary(trailer)); err != nil {
		m.enterDegradedLocked(err)
		return nil
	}
	if err := m.flushLocked(); err != nil {
		m.enterDegradedLocked(err)
		return nil
	}
	if err := m.file.Sync(); err != nil {
		m.enterDegradedLocked(err)
		return nil
	}
	if err := m.file.Close(); err != nil {
		return err
	}

	next := trailer
	next.Sequence = trailer.Sequence + 1
	next.FileID = uuid.New()
	return m.openFile(next)
}

// Close writes a SessionEnd frame carrying the status and reason, fsyncs,
// and releases resources. The terminal frame holds only status and reason;
// the running summary counters are not written at close. It is safe to
// call once; subsequent calls are no-ops.
func (m *Messenger) Close(status record.SessionStatus, reason string) error {
	m.stopFlushLoop()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	m.tracker.Close(status, reason, time.Now())
	ctrl := &record.SessionControl{Kind: record.ControlEndSession, Status: status, Reason: reason}
	if err := m.writeFrameLocked(FrameSessionEnd, encodeSessionEnd(ctrl)); err != nil {
		m.enterDegradedLocked(err)
	}
	if err := m.flushLocked(); err != nil {
		m.enterDegradedLocked(err)
	}
	syncErr := m.file.Sync()
	closeErr := m.file.Close()
	m.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (m *Messenger) startFlushLoop() {
	m.flushStop = make(chan struct{})
	m.flushDone = make(chan struct{})
	go func() {
		defer close(m.flushDone)
		ticker := time.NewTicker(m.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.flushStop:
				return
			case <-ticker.C:
				m.mu.Lock()
				if m.file != nil {
					if err := m.flushLocked(); err != nil {
						m.enterDegradedLocked(err)
					}
				}
				m.mu.Unlock()
			}
		}
	}()
}

func (m *Messenger) stopFlushLoop() {
	if m.flushStop == nil {
		return
	}
	close(m.flushStop)
	<-m.flushDone
	m.flushStop = nil
}

// SessionID returns the session-id this messenger is writing to.
func (m *Messenger) SessionID() uuid.UUID { return m.sessionID }

// CurrentSummary returns a snapshot of the running session summary.
func (m *Messenger) CurrentSummary() record.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracker.Snapshot()
}

// BytesWritten returns the current file's size, used by the repository for
// quota accounting.
func (m *Messenger) BytesWritten() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesWritten
}
