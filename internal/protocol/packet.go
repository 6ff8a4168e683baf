package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire framing: every packet is [u32 LE length][u8 opcode][payload], where
// length counts the opcode byte plus the payload. The length prefix itself
// is handled by the session read loop; Packet only ever sees the body.

// MaxFrameSize is the largest body a peer may send: the opcode byte and
// the payload together are bounded by MaxBufferSize.
const MaxFrameSize = MaxBufferSize

// HeaderSize is the length prefix in bytes.
const HeaderSize = 4

var (
	// ErrUnderflow is returned when a read runs past the buffered bytes.
	ErrUnderflow = errors.New("buffer underflow")
	// ErrOverflow is returned when a write or declared length exceeds the cap.
	ErrOverflow = errors.New("buffer overflow")
	// ErrMalformedPacket is returned for bodies that cannot hold an opcode.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrProtocol covers state-machine and framing violations.
	ErrProtocol = errors.New("protocol error")
)

// Packet is one protocol message: an opcode and its payload buffer.
type Packet struct {
	Opcode Opcode
	Buffer *ByteBuffer
}

// NewPacket returns a packet with an empty payload buffer.
func NewPacket(op Opcode) *Packet {
	return &Packet{Opcode: op, Buffer: NewByteBuffer()}
}

// Serialize renders the full frame including the 4-byte length prefix.
func (p *Packet) Serialize() []byte {
	payload := p.Buffer.Bytes()
	out := make([]byte, HeaderSize+1+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(1+len(payload)))
	out[HeaderSize] = byte(p.Opcode)
	copy(out[HeaderSize+1:], payload)
	return out
}

// Deserialize parses a packet body ([opcode][payload]); the length prefix
// must already have been consumed by the reader.
func Deserialize(body []byte) (*Packet, error) {
	if len(body) == 0 {
		return nil, ErrMalformedPacket
	}
	payload := make([]byte, len(body)-1)
	copy(payload, body[1:])
	return &Packet{Opcode: Opcode(body[0]), Buffer: Wrap(payload)}, nil
}

// SplitFrame inspects buffered bytes for one complete frame. It returns the
// body slice and the total number of bytes consumed (header + body), or
// (nil, 0, nil) when more data is needed. The header is never consumed
// without its full body, and oversize lengths fail before the body arrives.
func SplitFrame(buf []byte) (body []byte, consumed int, err error) {
	if len(buf) < HeaderSize {
		return nil, 0, nil
	}
	length := binary.LittleEndian.Uint32(buf)
	if length == 0 || length > MaxFrameSize {
		return nil, 0, fmt.Errorf("frame length %d: %w", length, ErrProtocol)
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}
	return buf[HeaderSize:total], total, nil
}
