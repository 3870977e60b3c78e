package repository

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/sessionfile"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agenterrors"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/agentmetrics"
	"github.com/GibraltarSoftware/loupe-agent-go/pkg/logging"
)

// Options configures a Repository.
type Options struct {
	Root            string
	DiskCapBytes    int64
	LockDeadline    time.Duration
	Logger          *logging.Logger
}

func (o *Options) setDefaults() {
	if o.LockDeadline <= 0 {
		o.LockDeadline = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
}

// Repository owns a directory of session files plus an in-memory index, and
// enforces single-writer semantics across processes (spec §4.3).
type Repository struct {
	opts  Options
	stats *agentmetrics.Metrics

	mu    sync.RWMutex
	index map[uuid.UUID]*SessionEntry
}

// Open scans root (creating it if absent) and rebuilds the in-memory index
// from whatever session files are already on disk, recovering crash state
// per scenario S6: a session with no terminal SessionEnd frame is reported
// as Crashed rather than Running.
func Open(opts Options) (*Repository, error) {
	opts.setDefaults()
	if err := os.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create root %s: %w", opts.Root, err)
	}
	r := &Repository{
		opts:  opts,
		stats: agentmetrics.Global(),
		index: make(map[uuid.UUID]*SessionEntry),
	}
	if err := r.rebuildIndex(); err != nil {
		return nil, err
	}
	return r, nil
}

// rebuildIndex walks <root>/<product>/<application>/<session-id>/*.glf,
// reading each file's frames to recover the session's last-known summary.
func (r *Repository) rebuildIndex() error {
	return filepath.WalkDir(r.opts.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if d.IsDir() || filepath.Ext(path) != ".glf" {
			return nil
		}
		rel, err := filepath.Rel(r.opts.Root, path)
		if err != nil {
			return nil
		}
		parts := splitPath(rel)
		if len(parts) != 4 {
			return nil
		}
		product, application, sessionIDStr := parts[0], parts[1], parts[2]
		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			return nil
		}
		result, err := sessionfile.ReadFile(path)
		if err != nil {
			r.opts.Logger.WithError(err).Warn("repository: skipping unreadable session file during index rebuild")
			return nil
		}

		info, statErr := d.Info()
		var size int64
		var modTime time.Time
		if statErr == nil {
			size = info.Size()
			modTime = info.ModTime()
		}

		summary := result.Summary
		if len(result.Rolls) > 0 {
			summary = result.Rolls[len(result.Rolls)-1]
		}
		if !result.HasTerminalEnd() && summary.Status == record.StatusRunning {
			summary.Status = record.StatusCrashed
		}

		status := FileComplete
		if !result.HasTerminalEnd() {
			status = FileActive
		}
		if result.IsRecoverable() {
			status = FileRecoverable
		}

		r.mu.Lock()
		entry, ok := r.index[sessionID]
		if !ok {
			entry = &SessionEntry{
				SessionID:   sessionID,
				Product:     product,
				Application: application,
				Dir:         filepath.Join(r.opts.Root, product, application, sessionIDStr),
				Files:       make(map[uint32]*FileEntry),
			}
			r.index[sessionID] = entry
		}
		entry.Summary = summary
		entry.LastSeen = modTime
		entry.Files[summary.Sequence] = &FileEntry{
			Sequence:     summary.Sequence,
			Path:         path,
			BytesOnDisk:  size,
			Status:       status,
			LastActivity: modTime,
		}
		r.mu.Unlock()
		return nil
	})
}

func splitPath(rel string) []string {
	var parts []string
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// OpenSession acquires the per-session write lock and returns a handle
// whose PathForSequence method is suitable for wiring directly into
// sessionfile.Options. Callers must call Release when done writing.
func (r *Repository) OpenSession(ctx context.Context, product, application string, sessionID uuid.UUID) (*SessionHandle, error) {
	dir := sessionDir(r.opts.Root, product, application, sessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("repository: create session dir: %w", err)
	}
	lock := newSessionLock(dir)
	if err := lock.acquire(ctx, r.opts.LockDeadline); err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.index[sessionID]
	if !ok {
		entry = &SessionEntry{
			SessionID:   sessionID,
			Product:     product,
			Application: application,
			Dir:         dir,
			Files:       make(map[uint32]*FileEntry),
		}
		r.index[sessionID] = entry
	}
	r.mu.Unlock()

	return &SessionHandle{repo: r, entry: entry, dir: dir, lock: lock}, nil
}

// SessionHandle is a live, lock-held view onto one session directory.
type SessionHandle struct {
	repo  *Repository
	entry *SessionEntry
	dir   string
	lock  *sessionLock
}

// PathForSequence implements sessionfile.Options.PathForSequence.
func (h *SessionHandle) PathForSequence(seq uint32) string {
	return filepath.Join(h.dir, sequenceFileName(seq))
}

// NoteFile records (or updates) a file-sequence-number's on-disk footprint
// after the messenger has written or rolled it, keeping the index current
// without requiring a full rescan.
func (h *SessionHandle) NoteFile(seq uint32, bytesOnDisk int64, status FileStatus) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	h.entry.Files[seq] = &FileEntry{
		Sequence:     seq,
		Path:         h.PathForSequence(seq),
		BytesOnDisk:  bytesOnDisk,
		Status:       status,
		LastActivity: time.Now(),
	}
	h.entry.LastSeen = time.Now()
}

// UpdateSummary refreshes the session's indexed summary, e.g. after a roll
// or close.
func (h *SessionHandle) UpdateSummary(s record.SessionSummary) {
	h.repo.mu.Lock()
	defer h.repo.mu.Unlock()
	h.entry.Summary = s
}

// Release releases the per-session write lock.
func (h *SessionHandle) Release() error {
	return h.lock.release()
}

// Find returns every indexed session matching criteria. It is computed
// fresh on each call (lazy in the sense of "no stale cached result", finite
// because the index is bounded, restartable because calling it again
// re-evaluates from current state) per spec §4.3.
func (r *Repository) Find(criteria SessionCriteria) []record.SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []record.SessionSummary
	for _, e := range r.index {
		if criteria.matches(e) {
			out = append(out, e.Summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// FindFunc is Find with a caller-supplied predicate instead of a
// SessionCriteria mask.
func (r *Repository) FindFunc(pred func(record.SessionSummary) bool) []record.SessionSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []record.SessionSummary
	for _, e := range r.index {
		if pred(e.Summary) {
			out = append(out, e.Summary)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// Files returns the indexed file entries for a session, ordered by
// sequence, for the upload engine to iterate.
func (r *Repository) Files(sessionID uuid.UUID) ([]FileEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.index[sessionID]
	if !ok {
		return nil, false
	}
	out := make([]FileEntry, 0, len(entry.Files))
	for _, f := range entry.Files {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, true
}

// Summary returns the indexed session summary.
func (r *Repository) Summary(sessionID uuid.UUID) (record.SessionSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.index[sessionID]
	if !ok {
		return record.SessionSummary{}, false
	}
	return entry.Summary, true
}

// Dir returns a session's directory path. The upload engine places its own
// upload lock there; it does not take the writer lock (spec §4.3).
func (r *Repository) Dir(sessionID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.index[sessionID]
	if !ok {
		return "", false
	}
	return entry.Dir, true
}

// MarkSent flags a session as sent, making it eligible for eviction.
func (r *Repository) MarkSent(sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.index[sessionID]
	if !ok {
		return agenterrors.New(agenterrors.CodeValidationFailed, "unknown session "+sessionID.String())
	}
	entry.Sent = true
	for _, f := range entry.Files {
		f.Status = FileSent
	}
	return nil
}

// Purge deletes a session's directory and removes it from the index.
func (r *Repository) Purge(sessionID uuid.UUID) error {
	r.mu.Lock()
	entry, ok := r.index[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	dir := entry.Dir
	delete(r.index, sessionID)
	r.mu.Unlock()

	return os.RemoveAll(dir)
}

// IndexBytes returns total bytes-on-disk across every indexed session, for
// quota enforcement.
func (r *Repository) IndexBytes() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var total int64
	for _, e := range r.index {
		total += e.bytesOnDisk()
	}
	return total
}

// Evict removes completed-and-sent sessions, oldest first, until total
// bytes-on-disk is under the configured cap (spec §4.3 Eviction).
func (r *Repository) Evict() (evicted int, err error) {
	if r.opts.DiskCapBytes <= 0 {
		return 0, nil
	}
	r.mu.Lock()
	var candidates []*SessionEntry
	var total int64
	for _, e := range r.index {
		total += e.bytesOnDisk()
		if e.Sent && e.Summary.Status != record.StatusRunning {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LastSeen.Before(candidates[j].LastSeen) })
	r.mu.Unlock()

	for _, e := range candidates {
		if total <= r.opts.DiskCapBytes {
			break
		}
		freed := e.bytesOnDisk()
		if err := r.Purge(e.SessionID); err != nil {
			return evicted, err
		}
		total -= freed
		evicted++
	}
	r.stats.RepositoryBytes.Set(float64(r.IndexBytes()))
	return evicted, nil
}

// AddSession validates an incoming GLF byte stream's magic header and
// session summary, then moves it into place under its canonical path (spec
// §4.3 add_session). Used when receiving a session file produced out of
// process (e.g. a host bridge writing independently of this agent).
func (r *Repository) AddSession(stream io.Reader, product, application string) (uuid.UUID, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return uuid.Nil, fmt.Errorf("repository: read incoming stream: %w", err)
	}
	result, err := sessionfile.ReadBytes(data)
	if err != nil {
		return uuid.Nil, agenterrors.Wrap(agenterrors.CodeCorrupt, "add_session: invalid stream", err)
	}

	summary := result.Summary
	dir := sessionDir(r.opts.Root, product, application, summary.SessionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return uuid.Nil, err
	}
	dest := filepath.Join(dir, sequenceFileName(summary.Sequence))
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return uuid.Nil, fmt.Errorf("repository: write incoming session: %w", err)
	}

	r.mu.Lock()
	entry, ok := r.index[summary.SessionID]
	if !ok {
		entry = &SessionEntry{
			SessionID:   summary.SessionID,
			Product:     product,
			Application: application,
			Dir:         dir,
			Files:       make(map[uint32]*FileEntry),
		}
		r.index[summary.SessionID] = entry
	}
	entry.Summary = summary
	entry.LastSeen = time.Now()
	entry.Files[summary.Sequence] = &FileEntry{
		Sequence:     summary.Sequence,
		Path:         dest,
		BytesOnDisk:  int64(len(data)),
		Status:       FileComplete,
		LastActivity: time.Now(),
	}
	r.mu.Unlock()

	return summary.SessionID, nil
}
