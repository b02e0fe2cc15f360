// Package wire defines the frame format exchanged between tagged endpoints.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame header layout (72 bytes, little-endian):
//
//	uint8  version
//	uint8  type     // enum Type
//	uint8  flags    // per-type flags
//	uint8  reserved
//	uint32 status   // errno carried by NACK and FIN
//	uint64 tag
//	uint64 data     // immediate data word
//	uint64 sendID   // sender-side operation id
//	uint64 recvID   // receiver-side operation id (RTR, DATA, FIN)
//	uint64 total    // full message length (EAGER, RTS), granted length (RTR)
//	uint64 offset   // DATA payload offset
//	uint64 key      // source region key (RTS, RTR)
//	uint32 length   // payload length in bytes (excludes header)
//	uint32 reserved2
const HeaderSize = 72

// Version is the only frame version understood by Decode.
const Version = 1

// Type identifies the frame kind.
type Type uint8

const (
	TypeInject Type = 0x01
	TypeEager  Type = 0x02
	TypeAck    Type = 0x03
	TypeNack   Type = 0x04
	TypeRTS    Type = 0x05
	TypeRTR    Type = 0x06
	TypeData   Type = 0x07
	TypeFin    Type = 0x08
)

func (t Type) String() string {
	switch t {
	case TypeInject:
		return "INJECT"
	case TypeEager:
		return "EAGER"
	case TypeAck:
		return "ACK"
	case TypeNack:
		return "NACK"
	case TypeRTS:
		return "RTS"
	case TypeRTR:
		return "RTR"
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// Flags
const (
	// FlagRemoteData marks frames whose data word is meaningful to the receiver.
	FlagRemoteData = uint8(0x01)
	// FlagTruncated is set on FIN when the receiver accepted fewer bytes than offered.
	FlagTruncated = uint8(0x02)
)

var (
	// ErrShortFrame reports a buffer smaller than the header or its declared payload.
	ErrShortFrame = errors.New("wire: frame too short")
	// ErrVersion reports an unsupported frame version.
	ErrVersion = errors.New("wire: unsupported frame version")
)

// Header is the fixed frame header.
type Header struct {
	Type   Type
	Flags  uint8
	Status uint32
	Tag    uint64
	Data   uint64
	SendID uint64
	RecvID uint64
	Total  uint64
	Offset uint64
	Key    uint64
	Length uint32
}

// Frame is a decoded header plus its payload. Payload aliases the decoded buffer.
type Frame struct {
	Header
	Payload []byte
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

// EncodeHeaderTo writes h into dst.
func EncodeHeaderTo(dst *[HeaderSize]byte, h Header) {
	b := dst[:]
	b[0] = Version
	b[1] = byte(h.Type)
	b[2] = h.Flags
	b[3] = 0
	binary.LittleEndian.PutUint32(b[4:8], h.Status)
	binary.LittleEndian.PutUint64(b[8:16], h.Tag)
	binary.LittleEndian.PutUint64(b[16:24], h.Data)
	binary.LittleEndian.PutUint64(b[24:32], h.SendID)
	binary.LittleEndian.PutUint64(b[32:40], h.RecvID)
	binary.LittleEndian.PutUint64(b[40:48], h.Total)
	binary.LittleEndian.PutUint64(b[48:56], h.Offset)
	binary.LittleEndian.PutUint64(b[56:64], h.Key)
	binary.LittleEndian.PutUint32(b[64:68], h.Length)
	binary.LittleEndian.PutUint32(b[68:72], 0)
}

// DecodeHeader parses the header at the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if b[0] != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrVersion, b[0])
	}
	var h Header
	h.Type = Type(b[1])
	h.Flags = b[2]
	h.Status = binary.LittleEndian.Uint32(b[4:8])
	h.Tag = binary.LittleEndian.Uint64(b[8:16])
	h.Data = binary.LittleEndian.Uint64(b[16:24])
	h.SendID = binary.LittleEndian.Uint64(b[24:32])
	h.RecvID = binary.LittleEndian.Uint64(b[32:40])
	h.Total = binary.LittleEndian.Uint64(b[40:48])
	h.Offset = binary.LittleEndian.Uint64(b[48:56])
	h.Key = binary.LittleEndian.Uint64(b[56:64])
	h.Length = binary.LittleEndian.Uint32(b[64:68])
	return h, nil
}

// Encode serialises a header followed by the concatenation of segments.
// h.Length is overwritten with the payload size.
func Encode(h Header, segments ...[]byte) []byte {
	n := 0
	for _, s := range segments {
		n += len(s)
	}
	h.Length = uint32(n)
	out := make([]byte, HeaderSize+n)
	var hdr [HeaderSize]byte
	EncodeHeaderTo(&hdr, h)
	copy(out, hdr[:])
	off := HeaderSize
	for _, s := range segments {
		off += copy(out[off:], s)
	}
	return out
}

// Decode parses a full frame. The returned payload aliases b.
func Decode(b []byte) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	end := HeaderSize + int(h.Length)
	if len(b) < end {
		return Frame{}, ErrShortFrame
	}
	return Frame{Header: h, Payload: b[HeaderSize:end]}, nil
}

// Alloc returns a buffer holding the encoded header followed by n bytes of
// zeroed payload space for the caller to fill.
func Alloc(h Header, n int) []byte {
	h.Length = uint32(n)
	out := make([]byte, HeaderSize+n)
	var hdr [HeaderSize]byte
	EncodeHeaderTo(&hdr, h)
	copy(out, hdr[:])
	return out
}
