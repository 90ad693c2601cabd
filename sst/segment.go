// Package sst implements the reliable, ordered, multi-stream transport
// (spec.md §4.1) layered on the unreliable OHDP datagram substrate
// (package odp). A single Connection between two hosts multiplexes many
// Streams, organized as a tree rooted at the connection's initial stream.
package sst

import (
	"encoding/binary"
	"errors"
)

// Flag is the SST segment flag set (spec.md §6 wire format).
type Flag uint8

const (
	FlagInit Flag = 1 << iota
	FlagInitAck
	FlagData
	FlagFin
	FlagFinAck
	FlagRst
	// FlagCompressed marks Payload as an lz4-compressed block (see
	// compress.go); set only when maybeCompress found it worthwhile.
	FlagCompressed
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// segmentHeaderLen is the fixed on-wire header size in bytes:
// channel-id(4) + conn-id(4) + lsid(4) + parent-lsid(4) + local-port(4) +
// remote-port(4) + seq(4) + ack(4) + window(4) + flags(1) + payload-len(2).
const segmentHeaderLen = 4*9 + 1 + 2

var ErrShortSegment = errors.New("sst: segment shorter than header")

// segment is the fixed SST header plus payload (spec.md §6: "a fixed
// header {channel-id, connection-id, lsid, seq, ack, flags,
// payload-len}", extended here with Window to carry the receive window
// spec.md:83 requires peers to advertise). ParentLSID/LocalPort/
// RemotePort only carry meaning on INIT segments establishing a new
// stream; they're zero otherwise.
type segment struct {
	ChannelID  uint32 // the listening port a new connection/stream targets
	ConnID     uint32
	LSID       uint32
	ParentLSID uint32
	LocalPort  uint32 // sender's view of the stream's local port (INIT only)
	RemotePort uint32 // sender's view of the stream's remote port (INIT only)
	Seq        uint32 // starting byte offset of Payload in the stream
	Ack        uint32 // cumulative next-expected-byte piggybacked ack
	Window     uint32 // sender's current receive window, in bytes
	Flags      Flag
	Payload    []byte
}

func (s *segment) encode() []byte {
	payload := s.Payload
	flags := s.Flags
	if out, ok := maybeCompress(payload); ok {
		payload, flags = out, flags|FlagCompressed
	}
	b := make([]byte, segmentHeaderLen+len(payload))
	binary.BigEndian.PutUint32(b[0:], s.ChannelID)
	binary.BigEndian.PutUint32(b[4:], s.ConnID)
	binary.BigEndian.PutUint32(b[8:], s.LSID)
	binary.BigEndian.PutUint32(b[12:], s.ParentLSID)
	binary.BigEndian.PutUint32(b[16:], s.LocalPort)
	binary.BigEndian.PutUint32(b[20:], s.RemotePort)
	binary.BigEndian.PutUint32(b[24:], s.Seq)
	binary.BigEndian.PutUint32(b[28:], s.Ack)
	binary.BigEndian.PutUint32(b[32:], s.Window)
	b[36] = byte(flags)
	binary.BigEndian.PutUint16(b[37:], uint16(len(payload)))
	copy(b[segmentHeaderLen:], payload)
	return b
}

func decodeSegment(b []byte) (*segment, error) {
	if len(b) < segmentHeaderLen {
		return nil, ErrShortSegment
	}
	s := &segment{
		ChannelID:  binary.BigEndian.Uint32(b[0:]),
		ConnID:     binary.BigEndian.Uint32(b[4:]),
		LSID:       binary.BigEndian.Uint32(b[8:]),
		ParentLSID: binary.BigEndian.Uint32(b[12:]),
		LocalPort:  binary.BigEndian.Uint32(b[16:]),
		RemotePort: binary.BigEndian.Uint32(b[20:]),
		Seq:        binary.BigEndian.Uint32(b[24:]),
		Ack:        binary.BigEndian.Uint32(b[28:]),
		Window:     binary.BigEndian.Uint32(b[32:]),
		Flags:      Flag(b[36]),
	}
	n := binary.BigEndian.Uint16(b[37:])
	rest := b[segmentHeaderLen:]
	if int(n) > len(rest) {
		return nil, ErrShortSegment
	}
	s.Payload = rest[:n]
	if s.Flags.Has(FlagCompressed) {
		payload, err := decompress(s.Payload)
		if err != nil {
			return nil, err
		}
		s.Payload = payload
		s.Flags &^= FlagCompressed // transport-level detail, not meaningful past here
	}
	return s, nil
}
