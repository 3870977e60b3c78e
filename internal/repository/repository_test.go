package repository

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
	"github.com/GibraltarSoftware/loupe-agent-go/internal/sessionfile"
)

// writeSession opens, writes n records to, and closes a brand new session
// via the repository + sessionfile packages together, returning its id.
func writeSession(t *testing.T, repo *Repository, product, application string, n int, finalStatus record.SessionStatus) uuid.UUID {
	t.Helper()
	sessionID := uuid.New()
	handle, err := repo.OpenSession(context.Background(), product, application, sessionID)
	require.NoError(t, err)

	summary := record.SessionSummary{
		SessionID:   sessionID,
		FileID:      uuid.New(),
		Application: record.ApplicationIdentity{Product: product, Application: application},
		StartTime:   time.Now().Add(-time.Hour),
		Status:      record.StatusRunning,
	}
	m, err := sessionfile.Open(summary, sessionfile.Options{PathForSequence: handle.PathForSequence})
	require.NoError(t, err)
	handle.NoteFile(0, 0, FileActive)

	for i := 0; i < n; i++ {
		require.NoError(t, m.Write(context.Background(), &record.LogRecord{
			Severity: record.Information, Caption: "x", Timestamp: summary.StartTime.Add(time.Duration(i) * time.Second),
		}))
	}

	if finalStatus != record.StatusRunning {
		require.NoError(t, m.Close(finalStatus, "test shutdown"))
		handle.UpdateSummary(m.CurrentSummary())
		handle.NoteFile(0, m.BytesWritten(), FileComplete)
		require.NoError(t, handle.Release())
	}
	// finalStatus == StatusRunning: deliberately leave the file open and the
	// lock held, simulating a crashed process for TestOpen_RecoversCrashedSessionOnRebuild.

	return sessionID
}

func TestOpenSession_CreatesDirectoryAndLock(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	sessionID := uuid.New()
	handle, err := repo.OpenSession(context.Background(), "Acme", "Widget", sessionID)
	require.NoError(t, err)
	defer handle.Release()

	dir := sessionDir(root, "Acme", "Widget", sessionID.String())
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFind_CriteriaSelectsMatchingSessions(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	sent := writeSession(t, repo, "Acme", "Widget", 3, record.StatusNormal)
	require.NoError(t, repo.MarkSent(sent))
	unsent := writeSession(t, repo, "Acme", "Widget", 2, record.StatusNormal)

	all := repo.Find(CriteriaAll)
	assert.Len(t, all, 2)

	newOnes := repo.Find(CriteriaNewSessions)
	require.Len(t, newOnes, 1)
	assert.Equal(t, unsent, newOnes[0].SessionID)

	completed := repo.Find(CriteriaCompletedSessions)
	assert.Len(t, completed, 2)
}

func TestMarkSent_FlagsSessionAndFiles(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	sessionID := writeSession(t, repo, "Acme", "Widget", 1, record.StatusNormal)
	require.NoError(t, repo.MarkSent(sessionID))

	files, ok := repo.Files(sessionID)
	require.True(t, ok)
	require.NotEmpty(t, files)
	for _, f := range files {
		assert.Equal(t, FileSent, f.Status)
	}
}

func TestPurge_RemovesDirectoryAndIndexEntry(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	sessionID := writeSession(t, repo, "Acme", "Widget", 1, record.StatusNormal)
	dir, ok := repo.Dir(sessionID)
	require.True(t, ok)

	require.NoError(t, repo.Purge(sessionID))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	_, ok = repo.Summary(sessionID)
	assert.False(t, ok)
}

func TestOpen_RecoversCrashedSessionOnRebuild(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	sessionID := writeSession(t, repo, "Acme", "Widget", 2, record.StatusRunning)
	_ = sessionID

	// Reopen against the same root, simulating process restart after a
	// crash: no SessionEnd frame was ever written.
	reopened, err := Open(Options{Root: root})
	require.NoError(t, err)

	summaries := reopened.Find(CriteriaAll)
	require.Len(t, summaries, 1)
	assert.Equal(t, record.StatusCrashed, summaries[0].Status)
}

func TestEvict_RemovesOldestSentSessionsUnderCap(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root, DiskCapBytes: 1})
	require.NoError(t, err)

	older := writeSession(t, repo, "Acme", "Widget", 5, record.StatusNormal)
	require.NoError(t, repo.MarkSent(older))
	newer := writeSession(t, repo, "Acme", "Widget", 5, record.StatusNormal)
	require.NoError(t, repo.MarkSent(newer))

	entries := repo.Find(CriteriaAll)
	require.Len(t, entries, 2)

	evicted, err := repo.Evict()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, evicted, 1)
}

func TestAddSession_IngestsExternalStream(t *testing.T) {
	root := t.TempDir()
	repo, err := Open(Options{Root: root})
	require.NoError(t, err)

	tmp := t.TempDir()
	sessionID := uuid.New()
	summary := record.SessionSummary{
		SessionID: sessionID,
		FileID:    uuid.New(),
		StartTime: time.Now(),
		Status:    record.StatusRunning,
	}
	path := filepath.Join(tmp, "incoming.glf")
	m, err := sessionfile.Open(summary, sessionfile.Options{PathForSequence: func(seq uint32) string { return path }})
	require.NoError(t, err)
	require.NoError(t, m.Close(record.StatusNormal, "done"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	gotID, err := repo.AddSession(bytes.NewReader(data), "Acme", "Widget")
	require.NoError(t, err)
	assert.Equal(t, sessionID, gotID)

	_, ok := repo.Summary(gotID)
	assert.True(t, ok)
}
