// Package frame implements the fixed-size binary frame format used to ship
// watched variable buffers to live viewers and to binary log files.
//
// A frame is a 24 byte little-endian header followed by the value region and
// the relative-timestamp region. Both regions are padded to Alignment bytes
// and their padded sizes are declared in the header, so a reader needs no
// external schema to walk a stream of frames.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// RelTimestamp is the per-sample timestamp relative to the frame's absolute
// start timestamp.
type RelTimestamp = uint32

// Alignment is the size of a RelTimestamp. It must be a power of two.
const Alignment = 4

// DefaultCapacity is the per-variable buffer size used when none is configured.
const DefaultCapacity = 4096

// HeaderSize is the encoded size of Header.
const HeaderSize = 24

var _ = [1]struct{}{}[Alignment&(Alignment-1)] // Alignment must be a power of two

var (
	// ErrAllocation is returned when a buffer layout cannot hold even one
	// element or would leave an element misaligned.
	ErrAllocation = errors.New("frame: buffer cannot hold an aligned element")
	// ErrShortFrame is returned when a byte slice ends before the declared payload.
	ErrShortFrame = errors.New("frame: short frame")
	// ErrUnknownType is returned for type tags outside the supported set.
	ErrUnknownType = errors.New("frame: unknown type tag")
)

// TypeTag identifies the element type of a variable.
type TypeTag byte

const (
	Char    TypeTag = 'c' // 8-bit signed
	Uint32  TypeTag = 'j'
	Int32   TypeTag = 'i'
	Float32 TypeTag = 'f'
	Float64 TypeTag = 'd'
)

// Size returns the element size in bytes, or 0 for unknown tags.
func (t TypeTag) Size() int {
	switch t {
	case Char:
		return 1
	case Uint32, Int32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// Valid reports whether t is one of the supported element types.
func (t TypeTag) Valid() bool { return t.Size() != 0 }

func (t TypeTag) String() string { return string(rune(t)) }

// Mode selects how timestamps are recorded for a variable.
type Mode int

const (
	// Block records one absolute timestamp per frame.
	Block Mode = iota
	// Sample additionally records one relative timestamp per element.
	Sample
)

func (m Mode) String() string {
	if m == Sample {
		return "sample"
	}
	return "block"
}

// AlignUp rounds n up to a multiple of Alignment.
func AlignUp(n int) int { return AlignDown(n + Alignment - 1) }

// AlignDown rounds n down to a multiple of Alignment.
func AlignDown(n int) int { return n &^ (Alignment - 1) }

// RelTimestampsOffset returns where the relative-timestamp region starts in a
// buffer of the given capacity holding elements of elemSize bytes.
func RelTimestampsOffset(capacity, elemSize int) int {
	maxElements := capacity / (elemSize + Alignment)
	return AlignDown(maxElements * elemSize)
}

// Layout describes how a variable's buffer is split into regions.
type Layout struct {
	Capacity int
	ElemSize int
	// RelOffset is the start of the relative-timestamp region. In Block mode
	// it equals the value region size.
	RelOffset int
	// Full is the value cursor position at or above which the buffer is full.
	Full int
}

// NewLayout computes the buffer layout for a variable. It fails with
// ErrAllocation when capacity cannot hold one complete element (and, in
// Sample mode, its relative timestamp).
func NewLayout(tag TypeTag, mode Mode, capacity int) (Layout, error) {
	size := tag.Size()
	if size == 0 {
		return Layout{}, fmt.Errorf("%w: %q", ErrUnknownType, byte(tag))
	}
	if capacity <= 0 || capacity%Alignment != 0 {
		return Layout{}, fmt.Errorf("%w: capacity %d", ErrAllocation, capacity)
	}
	l := Layout{Capacity: capacity, ElemSize: size}
	if mode == Sample {
		l.RelOffset = RelTimestampsOffset(capacity, size)
		l.Full = l.RelOffset - (size - 1)
	} else {
		l.RelOffset = capacity / size * size
		l.Full = l.RelOffset
	}
	if l.RelOffset < size || l.Full <= 0 {
		return Layout{}, fmt.Errorf("%w: capacity %d for %d-byte elements", ErrAllocation, capacity, size)
	}
	return l, nil
}

// MaxFrameSize is the largest frame a buffer of the given capacity produces.
func MaxFrameSize(capacity int) int { return HeaderSize + AlignUp(capacity) }

// Header is the fixed-size frame header.
type Header struct {
	Timestamp     uint64
	VarID         uint32
	DataSize      uint32
	TimestampSize uint32
	Type          TypeTag
}

// PutHeader encodes h into the first HeaderSize bytes of dst.
func PutHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint64(dst[0:], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:], h.VarID)
	binary.LittleEndian.PutUint32(dst[12:], h.DataSize)
	binary.LittleEndian.PutUint32(dst[16:], h.TimestampSize)
	dst[20] = byte(h.Type)
	dst[21], dst[22], dst[23] = 0, 0, 0
}

// ParseHeader decodes a header from b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	h := Header{
		Timestamp:     binary.LittleEndian.Uint64(b[0:]),
		VarID:         binary.LittleEndian.Uint32(b[8:]),
		DataSize:      binary.LittleEndian.Uint32(b[12:]),
		TimestampSize: binary.LittleEndian.Uint32(b[16:]),
		Type:          TypeTag(b[20]),
	}
	if !h.Type.Valid() {
		return h, fmt.Errorf("%w: %q", ErrUnknownType, b[20])
	}
	return h, nil
}

// Encode writes a complete frame into dst and returns its length. data and
// rel are the used parts of the value and relative-timestamp regions; each
// is zero-padded up to Alignment. dst must hold
// HeaderSize+AlignUp(len(data))+AlignUp(len(rel)) bytes. Encode does not
// allocate.
func Encode(dst []byte, timestamp uint64, varID uint32, tag TypeTag, data, rel []byte) int {
	dataSize := AlignUp(len(data))
	relSize := AlignUp(len(rel))
	PutHeader(dst, Header{
		Timestamp:     timestamp,
		VarID:         varID,
		DataSize:      uint32(dataSize),
		TimestampSize: uint32(relSize),
		Type:          tag,
	})
	n := HeaderSize
	n += copy(dst[n:], data)
	n += clear0(dst[n : HeaderSize+dataSize])
	n += copy(dst[n:], rel)
	n += clear0(dst[n : HeaderSize+dataSize+relSize])
	return n
}

func clear0(b []byte) int {
	clear(b)
	return len(b)
}

// Frame is a decoded frame. Data and Rel alias the source buffer.
type Frame struct {
	Header
	Data []byte
	Rel  []byte
}

// Decode reads one frame from the start of b and returns it with the number
// of bytes consumed.
func Decode(b []byte) (Frame, int, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return Frame{}, 0, err
	}
	end := HeaderSize + int(h.DataSize) + int(h.TimestampSize)
	if len(b) < end {
		return Frame{}, 0, fmt.Errorf("%w: need %d bytes, have %d", ErrShortFrame, end, len(b))
	}
	return Frame{
		Header: h,
		Data:   b[HeaderSize : HeaderSize+int(h.DataSize)],
		Rel:    b[HeaderSize+int(h.DataSize) : end],
	}, end, nil
}

// Values decodes the value region into float64s. Padding bytes that do not
// form a whole element are ignored.
func (f Frame) Values() []float64 {
	size := f.Type.Size()
	if size == 0 {
		return nil
	}
	out := make([]float64, 0, len(f.Data)/size)
	for off := 0; off+size <= len(f.Data); off += size {
		out = append(out, Value(f.Data[off:], f.Type))
	}
	return out
}

// RelTimestamps decodes the relative-timestamp region.
func (f Frame) RelTimestamps() []RelTimestamp {
	out := make([]RelTimestamp, 0, len(f.Rel)/Alignment)
	for off := 0; off+Alignment <= len(f.Rel); off += Alignment {
		out = append(out, binary.LittleEndian.Uint32(f.Rel[off:]))
	}
	return out
}

// PutValue encodes v as tag's element type at the start of dst.
func PutValue(dst []byte, tag TypeTag, v float64) {
	switch tag {
	case Char:
		dst[0] = byte(int8(v))
	case Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case Int32:
		binary.LittleEndian.PutUint32(dst, uint32(int32(v)))
	case Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	}
}

// Value decodes one element of tag's type from the start of src.
func Value(src []byte, tag TypeTag) float64 {
	switch tag {
	case Char:
		return float64(int8(src[0]))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(src))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(src)))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(src)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	}
	return 0
}
