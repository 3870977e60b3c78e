package sessionfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// ErrTruncated indicates the reader stopped at an incomplete trailing frame.
// Per spec §4.2 this is a normal, recoverable condition, not corruption.
var ErrTruncated = errors.New("sessionfile: truncated trailing frame")

// ErrBadMagic indicates the file does not start with the GLF header.
var ErrBadMagic = errors.New("sessionfile: bad magic header")

// Frame is one decoded frame plus its byte offset in the file.
type Frame struct {
	Type    FrameType
	Offset  int64
	Payload []byte
}

// ReadResult is the outcome of scanning a session file end to end.
type ReadResult struct {
	Summary      record.SessionSummary
	LogMessages  []*record.LogRecord
	Definitions  []*record.MetricDefinition
	Samples      []*record.MetricSample
	Rolls        []record.SessionSummary
	End          *record.SessionControl
	Truncated    bool
	TruncatedAt  int64
}

// ReadFile opens path and scans every frame, tolerating a truncated tail.
func ReadFile(path string) (*ReadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ReadBytes(data)
}

// ReadBytes scans an in-memory GLF image. It is split out from ReadFile so
// tests can feed partial buffers directly.
func ReadBytes(data []byte) (*ReadResult, error) {
	if len(data) < 8 {
		return nil, ErrBadMagic
	}
	if data[0] != Magic[0] || data[1] != Magic[1] || data[2] != Magic[2] || data[3] != Magic[3] {
		return nil, ErrBadMagic
	}
	// data[4] is the version byte, data[5:8] reserved.
	result := &ReadResult{}
	off := int64(8)
	for {
		frame, next, err := readFrameAt(data, off)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, ErrTruncated) {
				result.Truncated = true
				result.TruncatedAt = off
				break
			}
			return nil, err
		}
		if err := applyFrame(result, frame); err != nil {
			return nil, err
		}
		off = next
	}
	return result, nil
}

func readFrameAt(data []byte, off int64) (Frame, int64, error) {
	if off >= int64(len(data)) {
		return Frame{}, 0, io.EOF
	}
	if off+4 > int64(len(data)) {
		return Frame{}, 0, ErrTruncated
	}
	length := binary.LittleEndian.Uint32(data[off : off+4])
	headerEnd := off + 4 + 1
	if headerEnd > int64(len(data)) {
		return Frame{}, 0, ErrTruncated
	}
	ftype := FrameType(data[off+4])
	payloadEnd := headerEnd + int64(length)
	trailerEnd := payloadEnd + 4
	if trailerEnd > int64(len(data)) {
		return Frame{}, 0, ErrTruncated
	}
	trailer := binary.LittleEndian.Uint32(data[payloadEnd:trailerEnd])
	if trailer != length {
		return Frame{}, 0, errFrameMismatch(off, length, trailer)
	}
	payload := data[headerEnd:payloadEnd]
	return Frame{Type: ftype, Offset: off, Payload: payload}, trailerEnd, nil
}

func applyFrame(result *ReadResult, f Frame) error {
	switch f.Type {
	case FrameSessionSummary:
		s, err := decodeSummary(f.Payload)
		if err != nil {
			return err
		}
		result.Summary = s
	case FrameLogMessage:
		r, err := decodeLogMessage(f.Payload)
		if err != nil {
			return err
		}
		result.LogMessages = append(result.LogMessages, r)
	case FrameMetricDefinition:
		d, err := decodeMetricDefinition(f.Payload)
		if err != nil {
			return err
		}
		result.Definitions = append(result.Definitions, d)
	case FrameMetricSample:
		s, err := decodeMetricSample(f.Payload)
		if err != nil {
			return err
		}
		result.Samples = append(result.Samples, s)
	case FrameSessionEnd:
		c, err := decodeSessionEnd(f.Payload)
		if err != nil {
			return err
		}
		result.End = c
	case FrameFileRoll:
		s, err := decodeSummary(f.Payload)
		if err != nil {
			return err
		}
		result.Rolls = append(result.Rolls, s)
	case FrameExceptionInfo:
		if _, err := decodeException(f.Payload); err != nil {
			return err
		}
	case FrameThreadInfo:
		if _, err := decodeThreadInfo(f.Payload); err != nil {
			return err
		}
	default:
		return fmt.Errorf("sessionfile: unknown frame type 0x%02x at offset %d", f.Type, f.Offset)
	}
	return nil
}

// IsRecoverable reports whether a ReadResult came from a session whose last
// frame was merely truncated (recoverable) as opposed to failing frame
// symmetry (corrupt). ReadBytes never returns a mismatched-trailer result
// without an error, so any successfully-returned ReadResult is at worst
// Truncated, never Corrupt.
func (r *ReadResult) IsRecoverable() bool { return r.Truncated }

// HasTerminalEnd reports whether the file's last complete frame sequence
// included a SessionEnd control frame. Its absence means the writer was
// killed mid-session (crash), per scenario S6.
func (r *ReadResult) HasTerminalEnd() bool { return r.End != nil }
