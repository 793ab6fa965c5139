package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// FileTag is the literal first field of every log file header.
const FileTag = "watcher"

// ErrBadFileHeader is returned when a log file does not start with a valid header.
var ErrBadFileHeader = errors.New("frame: bad log file header")

// FileHeader is written once at the start of every binary log file.
type FileHeader struct {
	Name     string
	Type     TypeTag
	PID      uint32
	Instance uuid.UUID
}

// AppendFileHeader appends the encoded header to dst: null-separated
// {"watcher", name, type} strings, the raw process id, the raw instance
// identifier, then zero padding to a 4-byte boundary.
func AppendFileHeader(dst []byte, h FileHeader) []byte {
	start := len(dst)
	dst = append(dst, FileTag...)
	dst = append(dst, 0)
	dst = append(dst, h.Name...)
	dst = append(dst, 0)
	dst = append(dst, byte(h.Type), 0)
	dst = binary.LittleEndian.AppendUint32(dst, h.PID)
	dst = append(dst, h.Instance[:]...)
	for (len(dst)-start)%Alignment != 0 {
		dst = append(dst, 0)
	}
	return dst
}

// ParseFileHeader decodes a log file header and returns it with its encoded
// length.
func ParseFileHeader(b []byte) (FileHeader, int, error) {
	var h FileHeader
	fields := make([][]byte, 0, 3)
	off := 0
	for len(fields) < 3 {
		i := bytes.IndexByte(b[off:], 0)
		if i < 0 {
			return h, 0, ErrBadFileHeader
		}
		fields = append(fields, b[off:off+i])
		off += i + 1
	}
	if string(fields[0]) != FileTag {
		return h, 0, fmt.Errorf("%w: tag %q", ErrBadFileHeader, fields[0])
	}
	if len(fields[2]) != 1 || !TypeTag(fields[2][0]).Valid() {
		return h, 0, fmt.Errorf("%w: type %q", ErrBadFileHeader, fields[2])
	}
	if len(b) < off+4+len(h.Instance) {
		return h, 0, fmt.Errorf("%w: truncated", ErrBadFileHeader)
	}
	h.Name = string(fields[1])
	h.Type = TypeTag(fields[2][0])
	h.PID = binary.LittleEndian.Uint32(b[off:])
	off += 4
	copy(h.Instance[:], b[off:])
	off += len(h.Instance)
	return h, AlignUp(off), nil
}
