// Package sessionfile implements the GLF binary session file format: frame
// framing, the session-file messenger (open/write/roll/close), and a
// crash-tolerant reader.
package sessionfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/GibraltarSoftware/loupe-agent-go/internal/record"
)

// FrameType is the single byte following a frame's length prefix.
type FrameType byte

const (
	FrameSessionSummary    FrameType = 0x01
	FrameLogMessage        FrameType = 0x02
	FrameMetricDefinition  FrameType = 0x03
	FrameMetricSample      FrameType = 0x04
	FrameSessionEnd        FrameType = 0x05
	FrameFileRoll          FrameType = 0x06
	FrameExceptionInfo     FrameType = 0x07
	FrameThreadInfo        FrameType = 0x08
)

// Magic is the 4-byte start of the fixed 8-byte file header, which is
// "GLF\0" + version + 3 reserved bytes.
var Magic = [4]byte{'G', 'L', 'F', 0}

// FormatVersion is the version byte written after Magic.
const FormatVersion byte = 1

// ticksPerSecond is the number of 100ns ticks in one second.
const ticksPerSecond = 10_000_000

// epoch is 0001-01-01T00:00:00Z, the fixed origin for wire timestamps.
var epoch = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)

// TimeToTicks converts a time.Time to signed 64-bit ticks since epoch.
func TimeToTicks(t time.Time) int64 {
	d := t.Sub(epoch)
	return d.Nanoseconds() / 100
}

// TicksToTime converts wire ticks back to a time.Time.
func TicksToTime(ticks int64) time.Time {
	return epoch.Add(time.Duration(ticks) * 100)
}

type byteWriter struct {
	buf bytes.Buffer
}

func (w *byteWriter) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *byteWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *byteWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *byteWriter) f64(v float64) { w.u64(math.Float64bits(v)) }

func (w *byteWriter) u8(v byte) { w.buf.WriteByte(v) }

func (w *byteWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *byteWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *byteWriter) optStr(present bool, s string) {
	w.bool(present)
	if present {
		w.str(s)
	}
}

func (w *byteWriter) uuid(id uuid.UUID) {
	b := id
	w.buf.Write(b[:])
}

func (w *byteWriter) bytes() []byte { return w.buf.Bytes() }

type byteReader struct {
	data []byte
	off  int
}

func newByteReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) remaining() int { return len(r.data) - r.off }

func (r *byteReader) need(n int) error {
	if r.remaining() < n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *byteReader) f64() (float64, error) {
	v, err := r.u64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (r *byteReader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}

func (r *byteReader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *byteReader) optStr() (bool, string, error) {
	present, err := r.boolean()
	if err != nil || !present {
		return present, "", err
	}
	s, err := r.str()
	return present, s, err
}

func (r *byteReader) uuidVal() (uuid.UUID, error) {
	if err := r.need(16); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], r.data[r.off:r.off+16])
	r.off += 16
	return id, nil
}

// encodeFrame wraps a payload in the [len][type][payload][len] envelope.
func encodeFrame(t FrameType, payload []byte) []byte {
	out := make([]byte, 0, 4+1+len(payload)+4)
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(payload)))
	out = append(out, lb[:]...)
	out = append(out, byte(t))
	out = append(out, payload...)
	out = append(out, lb[:]...)
	return out
}

func encodeSeverity(s record.Severity) byte { return byte(s) }
func decodeSeverity(b byte) record.Severity { return record.Severity(b) }

func encodeStatus(s record.SessionStatus) byte { return byte(s) }
func decodeStatus(b byte) record.SessionStatus { return record.SessionStatus(b) }

func encodeScalarKind(k record.ScalarKind) byte { return byte(k) }
func decodeScalarKind(b byte) record.ScalarKind { return record.ScalarKind(b) }

func errFrameMismatch(offset int64, want, got uint32) error {
	return fmt.Errorf("sessionfile: frame length mismatch at offset %d: header=%d trailer=%d", offset, want, got)
}
