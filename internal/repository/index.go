package repository

import (
	"time"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// FileStatus is the per-file state tracked in the repository index.
type FileStatus int

const (
	FileActive FileStatus = iota
	FileComplete
	FileSent
	FileRecoverable
	FileCorrupt
)

// FileEntry is one file-sequence-number within a session.
type FileEntry struct {
	Sequence     uint32
	Path         string
	BytesOnDisk  int64
	Status       FileStatus
	LastActivity time.Time
}

// SessionEntry is the repository's in-memory index record for one session
// (spec §4.3's RepositoryIndex: "session-id -> set of files ... bytes,
// last-activity, status").
type SessionEntry struct {
	SessionID   uuid.UUID
	Product     string
	Application string
	Dir         string

	Summary  record.SessionSummary
	Files    map[uint32]*FileEntry
	Sent     bool
	LastSeen time.Time
}

func (e *SessionEntry) bytesOnDisk() int64 {
	var total int64
	for _, f := range e.Files {
		total += f.BytesOnDisk
	}
	return total
}

// SessionCriteria is the enumerated predicate mask accepted by Find (spec
// §4.3). Bits combine freely; All matches every indexed session.
type SessionCriteria uint32

const (
	CriteriaAll SessionCriteria = 1 << iota
	CriteriaNew
	CriteriaCritical
	CriteriaError
	CriteriaWarning
	CriteriaNewSessions
	CriteriaActiveSession
	CriteriaCompletedSessions
)

// matches reports whether entry satisfies any bit set in c.
func (c SessionCriteria) matches(e *SessionEntry) bool {
	if c&CriteriaAll != 0 {
		return true
	}
	s := e.Summary
	if c&CriteriaCritical != 0 && s.CriticalCount > 0 {
		return true
	}
	if c&CriteriaError != 0 && s.ErrorCount > 0 {
		return true
	}
	if c&CriteriaWarning != 0 && s.WarningCount > 0 {
		return true
	}
	if (c&CriteriaNew != 0 || c&CriteriaNewSessions != 0) && !e.Sent {
		return true
	}
	if c&CriteriaActiveSession != 0 && s.Status == record.StatusRunning {
		return true
	}
	if c&CriteriaCompletedSessions != 0 && s.Status != record.StatusRunning {
		return true
	}
	return false
}
