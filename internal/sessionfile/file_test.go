package sessionfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

func newTestSummary(t *testing.T, dir string) (record.SessionSummary, func(seq uint32) string) {
	t.Helper()
	sessionID := uuid.New()
	summary := record.SessionSummary{
		SessionID: sessionID,
		FileID:    uuid.New(),
		Sequence:  0,
		Host:      record.HostEnvironment{OS: "linux", HostName: "test-host"},
		Application: record.ApplicationIdentity{
			Product:     "TestProduct",
			Application: "TestApp",
			Version:     "1.0.0",
		},
		StartTime: time.Now().Add(-time.Minute),
		Status:    record.StatusRunning,
	}
	pathFor := func(seq uint32) string {
		return filepath.Join(dir, uuid.New().String()+"-"+string(rune('0'+seq))+".glf")
	}
	return summary, pathFor
}

func TestOpenWriteClose_RoundTripsThroughReader(t *testing.T) {
	dir := t.TempDir()
	summary, _ := newTestSummary(t, dir)
	path := filepath.Join(dir, "session.glf")

	m, err := Open(summary, Options{
		PathForSequence: func(seq uint32) string { return path },
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r := &record.LogRecord{
			Severity:  record.Information,
			Category:  "app",
			Caption:   "hello",
			Timestamp: summary.StartTime.Add(time.Duration(i) * time.Second),
			ThreadID:  1,
		}
		require.NoError(t, m.Write(context.Background(), r))
	}
	require.NoError(t, m.Close(record.StatusNormal, "normal shutdown"))

	result, err := ReadFile(path)
	require.NoError(t, err)
	assert.False(t, result.Truncated)
	assert.True(t, result.HasTerminalEnd())
	require.Len(t, result.LogMessages, 5)
	assert.Equal(t, "hello", result.LogMessages[0].Caption)
	assert.Equal(t, record.StatusNormal, result.End.Status)
	assert.Equal(t, "normal shutdown", result.End.Reason)
}

func TestReadBytes_TruncatedTailIsRecoverableNotCorrupt(t *testing.T) {
	dir := t.TempDir()
	summary, _ := newTestSummary(t, dir)
	path := filepath.Join(dir, "session.glf")

	m, err := Open(summary, Options{PathForSequence: func(seq uint32) string { return path }})
	require.NoError(t, err)
	require.NoError(t, m.Write(context.Background(), &record.LogRecord{
		Severity: record.Warning, Caption: "partial", Timestamp: summary.StartTime, WaitForCommit: true,
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	truncated := raw[:len(raw)-2]

	result, err := ReadBytes(truncated)
	require.NoError(t, err)
	assert.True(t, result.Truncated)
	assert.True(t, result.IsRecoverable())
	assert.False(t, result.HasTerminalEnd())
}

func TestReadBytes_BadMagicRejected(t *testing.T) {
	_, err := ReadBytes([]byte("not a glf file"))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestMessenger_RollsOverAtMaxRecords(t *testing.T) {
	dir := t.TempDir()
	summary, _ := newTestSummary(t, dir)

	var paths []string
	pathFor := func(seq uint32) string {
		p := filepath.Join(dir, "seq-"+uuid.New().String()+".glf")
		paths = append(paths, p)
		return p
	}

	m, err := Open(summary, Options{PathForSequence: pathFor, MaxRecordsPerFile: 2})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Write(context.Background(), &record.LogRecord{
			Severity: record.Information, Caption: "x", Timestamp: summary.StartTime.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, m.Close(record.StatusNormal, "done"))

	require.Len(t, paths, 2, "rollover should have opened a second file")
	first, err := ReadFile(paths[0])
	require.NoError(t, err)
	assert.NotEmpty(t, first.Rolls, "first file should carry a FileRoll trailer frame")
}

func TestMessenger_DegradesAfterPersistentWriteFailure(t *testing.T) {
	dir := t.TempDir()
	summary, _ := newTestSummary(t, dir)
	path := filepath.Join(dir, "session.glf")

	m, err := Open(summary, Options{PathForSequence: func(seq uint32) string { return path }})
	require.NoError(t, err)

	// Force subsequent writes to fail by closing the underlying file out
	// from under the messenger, simulating a persistent disk fault.
	m.file.Close()

	err = m.Write(context.Background(), &record.LogRecord{Severity: record.Error, Timestamp: summary.StartTime})
	require.NoError(t, err, "degraded messenger swallows write errors rather than propagating to producers")

	degraded, count := m.Degraded()
	assert.True(t, degraded)
	assert.GreaterOrEqual(t, count, int64(0))
}
