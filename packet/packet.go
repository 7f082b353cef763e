// Package packet implements the µTP wire codec: the fixed 20-byte header,
// its extension chain, and the one required extension kind
// (selective-ack). The codec is pure — it allocates no persistent state and
// holds no reference to any stream or socket (spec.md §4.1).
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Type is the 4-bit packet type carried in the header.
type Type byte

const (
	TypeData  Type = 0
	TypeFin   Type = 1
	TypeState Type = 2
	TypeReset Type = 3
	TypeSyn   Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeFin:
		return "FIN"
	case TypeState:
		return "STATE"
	case TypeReset:
		return "RESET"
	case TypeSyn:
		return "SYN"
	default:
		return "UNKNOWN"
	}
}

// Version is the only wire version this codec understands.
const Version = 1

// ExtSelectiveAck is the only required extension kind.
const ExtSelectiveAck byte = 1

// HeaderSize is the fixed on-wire size of a µTP header, extensions excluded.
const HeaderSize = 20

var (
	// ErrTruncated is returned when a buffer is shorter than a complete
	// header or extension chain demands.
	ErrTruncated = errors.New("utp: packet truncated")
	// ErrVersion is returned when the 4-bit version field is not 1.
	ErrVersion = errors.New("utp: unsupported protocol version")
	// ErrType is returned when the 4-bit type field is >= 5.
	ErrType = errors.New("utp: unknown packet type")
	// ErrExtensionLength is returned when a selective-ack extension's
	// length is not a multiple of 4.
	ErrExtensionLength = errors.New("utp: selective-ack extension length not a multiple of 4")
)

// Header is the fixed 20-byte µTP packet header (spec.md §3).
type Header struct {
	Type          Type
	ConnID        uint16
	Timestamp     uint32 // microseconds, sender's clock
	TimestampDiff uint32 // peer's last-received-minus-last-sent, microseconds
	WindowSize    uint32 // receive-buffer bytes free, advertised by sender
	SeqNr         uint16
	AckNr         uint16
}

// Extension is one link in the header's extension chain: {next-type,
// length, payload}. The codec only interprets ExtSelectiveAck payloads;
// any other extension type is retained verbatim and skipped by callers
// using its length field (spec.md §6).
type Extension struct {
	Type    byte
	Payload []byte
}

// Packet is a fully decoded µTP packet: header, extension chain, payload.
type Packet struct {
	Header     Header
	Extensions []Extension
	Payload    []byte
}

// SelectiveAck returns the payload of the first selective-ack extension,
// or nil if the packet carries none.
func (p *Packet) SelectiveAck() []byte {
	for _, e := range p.Extensions {
		if e.Type == ExtSelectiveAck {
			return e.Payload
		}
	}
	return nil
}

// Encode serializes the packet to its wire representation. All multi-byte
// integers are big-endian (spec.md §4.1).
func Encode(p *Packet) []byte {
	firstExt := byte(0)
	if len(p.Extensions) > 0 {
		firstExt = p.Extensions[0].Type
	}

	size := HeaderSize
	for i, e := range p.Extensions {
		size += 2 + len(e.Payload)
		_ = i
	}
	size += len(p.Payload)

	buf := make([]byte, 0, size)

	typeVersion := byte(p.Header.Type)<<4 | byte(Version&0x0F)
	buf = append(buf, typeVersion, firstExt)

	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[:2], p.Header.ConnID)
	buf = append(buf, tmp[:2]...)

	binary.BigEndian.PutUint32(tmp[:], p.Header.Timestamp)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], p.Header.TimestampDiff)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], p.Header.WindowSize)
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint16(tmp[:2], p.Header.SeqNr)
	buf = append(buf, tmp[:2]...)
	binary.BigEndian.PutUint16(tmp[:2], p.Header.AckNr)
	buf = append(buf, tmp[:2]...)

	for i, e := range p.Extensions {
		next := byte(0)
		if i+1 < len(p.Extensions) {
			next = p.Extensions[i+1].Type
		}
		buf = append(buf, next, byte(len(e.Payload)))
		buf = append(buf, e.Payload...)
	}

	buf = append(buf, p.Payload...)
	return buf
}

// Decode parses a wire buffer into a Packet. It rejects an unsupported
// version, an unknown type, a truncated extension chain, and a
// selective-ack extension whose length is not a multiple of 4
// (spec.md §4.1).
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < HeaderSize {
		return nil, errors.WithStack(ErrTruncated)
	}

	typeVersion := buf[0]
	version := typeVersion & 0x0F
	if version != Version {
		return nil, errors.WithStack(ErrVersion)
	}
	typ := Type(typeVersion >> 4)
	if typ > TypeSyn {
		return nil, errors.WithStack(ErrType)
	}

	nextExt := buf[1]

	h := Header{
		Type:          typ,
		ConnID:        binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:     binary.BigEndian.Uint32(buf[4:8]),
		TimestampDiff: binary.BigEndian.Uint32(buf[8:12]),
		WindowSize:    binary.BigEndian.Uint32(buf[12:16]),
		SeqNr:         binary.BigEndian.Uint16(buf[16:18]),
		AckNr:         binary.BigEndian.Uint16(buf[18:20]),
	}

	offset := HeaderSize
	var exts []Extension
	for nextExt != 0 {
		if offset+2 > len(buf) {
			return nil, errors.WithStack(ErrTruncated)
		}
		curType := nextExt
		length := int(buf[offset+1])
		nextExt = buf[offset]
		offset += 2

		if offset+length > len(buf) {
			return nil, errors.WithStack(ErrTruncated)
		}
		payload := make([]byte, length)
		copy(payload, buf[offset:offset+length])
		offset += length

		if curType == ExtSelectiveAck && length%4 != 0 {
			return nil, errors.WithStack(ErrExtensionLength)
		}

		exts = append(exts, Extension{Type: curType, Payload: payload})
	}

	payload := make([]byte, len(buf)-offset)
	copy(payload, buf[offset:])

	return &Packet{Header: h, Extensions: exts, Payload: payload}, nil
}
