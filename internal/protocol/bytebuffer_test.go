package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestByteBufferIntegerRoundTrip(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteUint8(0xAB); err != nil {
		t.Fatalf("WriteUint8: %v", err)
	}
	if err := b.WriteUint16(0xBEEF); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}
	if err := b.WriteUint32(0xDEADBEEF); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	if err := b.WriteUint64(0x0102030405060708); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	if err := b.WriteInt32(-42); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}
	if err := b.WriteBool(true); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}

	if v, err := b.ReadUint8(); err != nil || v != 0xAB {
		t.Errorf("ReadUint8 = %#x, %v", v, err)
	}
	if v, err := b.ReadUint16(); err != nil || v != 0xBEEF {
		t.Errorf("ReadUint16 = %#x, %v", v, err)
	}
	if v, err := b.ReadUint32(); err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadUint32 = %#x, %v", v, err)
	}
	if v, err := b.ReadUint64(); err != nil || v != 0x0102030405060708 {
		t.Errorf("ReadUint64 = %#x, %v", v, err)
	}
	if v, err := b.ReadInt32(); err != nil || v != -42 {
		t.Errorf("ReadInt32 = %d, %v", v, err)
	}
	if v, err := b.ReadBool(); err != nil || !v {
		t.Errorf("ReadBool = %v, %v", v, err)
	}
	if !b.Empty() {
		t.Errorf("expected empty buffer, %d bytes remain", b.Remaining())
	}
}

func TestByteBufferLittleEndian(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteUint32(0x11223344); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x44, 0x33, 0x22, 0x11}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("wire bytes = % x, want % x", b.Bytes(), want)
	}
}

func TestByteBufferFloatRoundTrip(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteFloat32(3.5); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteFloat64(-0.125); err != nil {
		t.Fatal(err)
	}
	if v, err := b.ReadFloat32(); err != nil || v != 3.5 {
		t.Errorf("ReadFloat32 = %v, %v", v, err)
	}
	if v, err := b.ReadFloat64(); err != nil || v != -0.125 {
		t.Errorf("ReadFloat64 = %v, %v", v, err)
	}
}

func TestByteBufferStringSymmetry(t *testing.T) {
	cases := []string{
		"",
		"alice",
		"привет мир",
		strings.Repeat("x", 4096),
	}
	for _, s := range cases {
		b := NewByteBuffer()
		if err := b.WriteString(s); err != nil {
			t.Fatalf("WriteString(%q...): %v", s[:min(len(s), 16)], err)
		}
		got, err := b.ReadString()
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		if got != s {
			t.Errorf("round trip mismatch for %d-byte string", len(s))
		}
	}
}

func TestByteBufferStringEncoding(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteString("hi"); err != nil {
		t.Fatal(err)
	}
	want := []byte{0x02, 0x00, 0x00, 0x00, 'h', 'i'}
	if !bytes.Equal(b.Bytes(), want) {
		t.Errorf("encoded string = % x, want % x", b.Bytes(), want)
	}
}

func TestByteBufferUnderflow(t *testing.T) {
	b := Wrap([]byte{0x01, 0x02})
	if _, err := b.ReadUint32(); !errors.Is(err, ErrUnderflow) {
		t.Errorf("ReadUint32 on 2 bytes = %v, want ErrUnderflow", err)
	}
	// A failed read must not advance the cursor.
	if v, err := b.ReadUint16(); err != nil || v != 0x0201 {
		t.Errorf("ReadUint16 after failed read = %#x, %v", v, err)
	}
}

func TestByteBufferStringUnderflow(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteUint32(100); err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte("short")); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadString(); !errors.Is(err, ErrUnderflow) {
		t.Errorf("ReadString with truncated payload = %v, want ErrUnderflow", err)
	}
}

func TestByteBufferStringOverflowLength(t *testing.T) {
	b := NewByteBuffer()
	if err := b.WriteUint32(MaxBufferSize + 1); err != nil {
		t.Fatal(err)
	}
	if _, err := b.ReadString(); !errors.Is(err, ErrOverflow) {
		t.Errorf("ReadString with oversize length = %v, want ErrOverflow", err)
	}
}

func TestByteBufferWriteOverflow(t *testing.T) {
	b := NewByteBuffer()
	if err := b.Write(make([]byte, MaxBufferSize)); err != nil {
		t.Fatalf("write at cap: %v", err)
	}
	if err := b.WriteUint8(0); !errors.Is(err, ErrOverflow) {
		t.Errorf("write past cap = %v, want ErrOverflow", err)
	}
}

func TestByteBufferWriteStringTooLong(t *testing.T) {
	b := NewByteBuffer()
	s := strings.Repeat("a", MaxBufferSize-3)
	if err := b.WriteString(s); !errors.Is(err, ErrOverflow) {
		t.Errorf("WriteString over cap = %v, want ErrOverflow", err)
	}
}

func TestByteBufferAppendAndRewind(t *testing.T) {
	a := NewByteBuffer()
	if err := a.WriteUint16(7); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReadUint8(); err != nil {
		t.Fatal(err)
	}

	b := NewByteBuffer()
	if err := b.WriteUint16(9); err != nil {
		t.Fatal(err)
	}
	if err := a.Append(b); err != nil {
		t.Fatal(err)
	}
	// Append concatenates contents only; a's cursor stays where it was.
	if a.Remaining() != 3 {
		t.Errorf("Remaining after append = %d, want 3", a.Remaining())
	}

	a.Rewind()
	if a.Remaining() != 4 {
		t.Errorf("Remaining after rewind = %d, want 4", a.Remaining())
	}
	a.Clear()
	if !a.Empty() || a.Size() != 0 {
		t.Error("Clear should drop all contents")
	}
}
