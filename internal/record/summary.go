package record

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HostEnvironment is the immutable host snapshot captured at session start.
type HostEnvironment struct {
	OS          string
	OSVersion   string
	CPUCount    int
	CPUModel    string
	TotalMemory uint64 // bytes
	HostName    string
}

// ApplicationIdentity names the instrumented application.
type ApplicationIdentity struct {
	Product     string
	Application string
	Version     string
}

// SessionSummary is the immutable-plus-counters snapshot carried in every
// session file's header and in the FileRoll trailer written when a file
// rolls; it is not re-flushed periodically. It is plain data; concurrent
// mutation is guarded externally by SummaryTracker.
type SessionSummary struct {
	SessionID uuid.UUID
	FileID    uuid.UUID
	Sequence  uint32 // file-sequence-number within the session

	Host        HostEnvironment
	Application ApplicationIdentity
	Principal   *Principal
	StartTime   time.Time

	EndTime        time.Time
	Status         SessionStatus
	Reason         string
	MessageCount   uint64
	VerboseCount   uint64
	InfoCount      uint64
	WarningCount   uint64
	ErrorCount     uint64
	CriticalCount  uint64
	ExceptionCount uint64
	LastHeartbeat  time.Time
}

// SummaryTracker guards a SessionSummary against concurrent updates from
// the publisher thread and concurrent snapshot reads.
type SummaryTracker struct {
	mu      sync.Mutex
	summary SessionSummary
}

// NewSummaryTracker wraps an initial summary (as written in the file header).
func NewSummaryTracker(initial SessionSummary) *SummaryTracker {
	return &SummaryTracker{summary: initial}
}

// Observe updates the running counters for one non-suppressed log record.
func (t *SummaryTracker) Observe(r *LogRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.summary
	s.MessageCount++
	s.LastHeartbeat = r.Timestamp
	switch r.Severity {
	case Verbose:
		s.VerboseCount++
	case Information:
		s.InfoCount++
	case Warning:
		s.WarningCount++
	case Error:
		s.ErrorCount++
	case Critical:
		s.CriticalCount++
	}
	if r.Exception != nil {
		s.ExceptionCount++
	}
}

// Close finalizes the summary with a terminal status.
func (t *SummaryTracker) Close(status SessionStatus, reason string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary.Status = status
	t.summary.Reason = reason
	t.summary.EndTime = at
}

// Snapshot returns a value copy safe to serialize without further locking.
func (t *SummaryTracker) Snapshot() SessionSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}
