package upload

import (
	"encoding/binary"
	"fmt"
	"os"
)

// markerSuffix names the resume-marker file colocated with an uploadable
// session file (spec §4.4 step 3): a single little-endian u64 start_offset.
const markerSuffix = ".upload-marker"

func markerPath(sourcePath string) string { return sourcePath + markerSuffix }

// readMarker returns the resume offset for sourcePath, or 0 if no marker
// exists yet.
func readMarker(sourcePath string) (uint64, error) {
	data, err := os.ReadFile(markerPath(sourcePath))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("upload: read resume marker: %w", err)
	}
	if len(data) != 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(data), nil
}

// writeMarker persists offset as the new resume point.
func writeMarker(sourcePath string, offset uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], offset)
	return os.WriteFile(markerPath(sourcePath), buf[:], 0o644)
}

// clearMarker removes the resume marker after a successful upload.
func clearMarker(sourcePath string) error {
	err := os.Remove(markerPath(sourcePath))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// sanitizedOffset validates a marker's claimed offset against the file's
// actual size, resetting to 0 if the marker claims more bytes than the
// source contains (spec §4.4 step 3).
func sanitizedOffset(claimed uint64, fileSize int64) uint64 {
	if fileSize < 0 || claimed > uint64(fileSize) {
		return 0
	}
	return claimed
}
