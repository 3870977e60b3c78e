package upload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarker_RoundTripsThroughWriteReadClear(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "session.glf")
	require.NoError(t, os.WriteFile(source, []byte("data"), 0o644))

	off, err := readMarker(source)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off, "no marker yet means start from zero")

	require.NoError(t, writeMarker(source, 1234))
	off, err = readMarker(source)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), off)

	require.NoError(t, clearMarker(source))
	off, err = readMarker(source)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), off)
}

func TestClearMarker_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, clearMarker(filepath.Join(dir, "nonexistent.glf")))
}

func TestSanitizedOffset_ResetsWhenClaimExceedsFileSize(t *testing.T) {
	assert.Equal(t, uint64(100), sanitizedOffset(100, 500))
	assert.Equal(t, uint64(0), sanitizedOffset(600, 500), "a stale marker past the current file size resets to zero")
	assert.Equal(t, uint64(0), sanitizedOffset(0, 500))
}
