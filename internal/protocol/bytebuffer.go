package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// MaxBufferSize bounds both a whole buffer and a single length-prefixed
// string. Anything larger is rejected before it reaches a handler.
const MaxBufferSize = 1 << 20

// ByteBuffer is a little-endian read/write cursor over a byte slice.
// Writes grow the buffer up to MaxBufferSize; reads advance a monotonic
// cursor and fail with ErrUnderflow once the remaining bytes run out.
// It is the only place wire endianness and size bounds are enforced.
type ByteBuffer struct {
	buf []byte
	pos int
}

// NewByteBuffer returns an empty buffer ready for writing.
func NewByteBuffer() *ByteBuffer {
	return &ByteBuffer{}
}

// Wrap takes ownership of data and positions the cursor at the start.
func Wrap(data []byte) *ByteBuffer {
	return &ByteBuffer{buf: data}
}

// Bytes returns the full underlying slice, including already-read bytes.
func (b *ByteBuffer) Bytes() []byte { return b.buf }

// Size returns the total number of bytes in the buffer.
func (b *ByteBuffer) Size() int { return len(b.buf) }

// Remaining returns the number of unread bytes.
func (b *ByteBuffer) Remaining() int { return len(b.buf) - b.pos }

// Empty reports whether no unread bytes remain.
func (b *ByteBuffer) Empty() bool { return b.Remaining() == 0 }

// Clear drops all contents and resets the cursor.
func (b *ByteBuffer) Clear() {
	b.buf = b.buf[:0]
	b.pos = 0
}

// Rewind moves the cursor back to the start without touching contents.
func (b *ByteBuffer) Rewind() { b.pos = 0 }

// Append concatenates the contents of other. The cursor is not copied.
func (b *ByteBuffer) Append(other *ByteBuffer) error {
	return b.Write(other.buf)
}

// Write appends raw bytes, failing with ErrOverflow if the buffer would
// exceed MaxBufferSize.
func (b *ByteBuffer) Write(data []byte) error {
	if len(b.buf)+len(data) > MaxBufferSize {
		return fmt.Errorf("write of %d bytes past %d-byte cap: %w", len(data), MaxBufferSize, ErrOverflow)
	}
	b.buf = append(b.buf, data...)
	return nil
}

func (b *ByteBuffer) take(n int) ([]byte, error) {
	if b.pos+n > len(b.buf) {
		return nil, fmt.Errorf("read of %d bytes with %d remaining: %w", n, b.Remaining(), ErrUnderflow)
	}
	out := b.buf[b.pos : b.pos+n]
	b.pos += n
	return out, nil
}

// WriteUint8 appends one byte.
func (b *ByteBuffer) WriteUint8(v uint8) error { return b.Write([]byte{v}) }

// WriteUint16 appends v little-endian.
func (b *ByteBuffer) WriteUint16(v uint16) error {
	return b.Write(binary.LittleEndian.AppendUint16(nil, v))
}

// WriteUint32 appends v little-endian.
func (b *ByteBuffer) WriteUint32(v uint32) error {
	return b.Write(binary.LittleEndian.AppendUint32(nil, v))
}

// WriteUint64 appends v little-endian.
func (b *ByteBuffer) WriteUint64(v uint64) error {
	return b.Write(binary.LittleEndian.AppendUint64(nil, v))
}

// WriteInt8 appends one signed byte.
func (b *ByteBuffer) WriteInt8(v int8) error { return b.WriteUint8(uint8(v)) }

// WriteInt16 appends v little-endian.
func (b *ByteBuffer) WriteInt16(v int16) error { return b.WriteUint16(uint16(v)) }

// WriteInt32 appends v little-endian.
func (b *ByteBuffer) WriteInt32(v int32) error { return b.WriteUint32(uint32(v)) }

// WriteInt64 appends v little-endian.
func (b *ByteBuffer) WriteInt64(v int64) error { return b.WriteUint64(uint64(v)) }

// WriteFloat32 appends the IEEE 754 bits of v little-endian.
func (b *ByteBuffer) WriteFloat32(v float32) error {
	return b.WriteUint32(math.Float32bits(v))
}

// WriteFloat64 appends the IEEE 754 bits of v little-endian.
func (b *ByteBuffer) WriteFloat64(v float64) error {
	return b.WriteUint64(math.Float64bits(v))
}

// WriteBool appends 1 for true, 0 for false.
func (b *ByteBuffer) WriteBool(v bool) error {
	if v {
		return b.WriteUint8(1)
	}
	return b.WriteUint8(0)
}

// WriteString appends a u32 LE length followed by the raw bytes of s.
// Strings longer than MaxBufferSize-4 fail with ErrOverflow.
func (b *ByteBuffer) WriteString(s string) error {
	if len(s) > MaxBufferSize-4 {
		return fmt.Errorf("string of %d bytes: %w", len(s), ErrOverflow)
	}
	if err := b.WriteUint32(uint32(len(s))); err != nil {
		return err
	}
	return b.Write([]byte(s))
}

// ReadUint8 reads one byte.
func (b *ByteBuffer) ReadUint8() (uint8, error) {
	raw, err := b.take(1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// ReadUint16 reads a little-endian u16.
func (b *ByteBuffer) ReadUint16() (uint16, error) {
	raw, err := b.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(raw), nil
}

// ReadUint32 reads a little-endian u32.
func (b *ByteBuffer) ReadUint32() (uint32, error) {
	raw, err := b.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// ReadUint64 reads a little-endian u64.
func (b *ByteBuffer) ReadUint64() (uint64, error) {
	raw, err := b.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// ReadInt8 reads one signed byte.
func (b *ByteBuffer) ReadInt8() (int8, error) {
	v, err := b.ReadUint8()
	return int8(v), err
}

// ReadInt16 reads a little-endian i16.
func (b *ByteBuffer) ReadInt16() (int16, error) {
	v, err := b.ReadUint16()
	return int16(v), err
}

// ReadInt32 reads a little-endian i32.
func (b *ByteBuffer) ReadInt32() (int32, error) {
	v, err := b.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads a little-endian i64.
func (b *ByteBuffer) ReadInt64() (int64, error) {
	v, err := b.ReadUint64()
	return int64(v), err
}

// ReadFloat32 reads a little-endian IEEE 754 single.
func (b *ByteBuffer) ReadFloat32() (float32, error) {
	v, err := b.ReadUint32()
	return math.Float32frombits(v), err
}

// ReadFloat64 reads a little-endian IEEE 754 double.
func (b *ByteBuffer) ReadFloat64() (float64, error) {
	v, err := b.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadBool reads one byte; any non-zero value is true.
func (b *ByteBuffer) ReadBool() (bool, error) {
	v, err := b.ReadUint8()
	return v != 0, err
}

// ReadString reads a u32 LE length then that many bytes. Lengths above
// MaxBufferSize fail with ErrOverflow before any payload is consumed;
// short payloads fail with ErrUnderflow. The bytes are returned as-is,
// with no UTF-8 validation beyond the length.
func (b *ByteBuffer) ReadString() (string, error) {
	n, err := b.ReadUint32()
	if err != nil {
		return "", err
	}
	if n > MaxBufferSize {
		return "", fmt.Errorf("string length %d: %w", n, ErrOverflow)
	}
	raw, err := b.take(int(n))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// ReadBytes reads exactly n raw bytes.
func (b *ByteBuffer) ReadBytes(n int) ([]byte, error) {
	raw, err := b.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, raw)
	return out, nil
}
