// Package gvsp implements the GigE Vision Stream Protocol: packet
// parsing and the multi-packet frame reassembly engine with per-packet
// resend, frame retention and wrap-safe id handling. All fields are
// big-endian.
package gvsp

import (
	"encoding/binary"
	"fmt"

	"github.com/go-aravis/aravis"
)

// Packet formats. The extended variants carry 64-bit block ids and
// 32-bit packet ids after the standard header.
const (
	FormatLeader  = 0x01
	FormatTrailer = 0x02
	FormatPayload = 0x03

	formatExtFlag = 0x80

	headerSize    = 8
	extHeaderSize = 20
)

// Payload types declared by leaders and trailers.
const (
	PayloadTypeImage     = 0x0001
	PayloadTypeChunkData = 0x0004
)

// Packet is one parsed GVSP packet.
type Packet struct {
	Status   uint16
	BlockID  uint64
	Format   byte // base format, extension flag stripped
	PacketID uint32
	Extended bool
	Data     []byte
}

// Parse decodes a GVSP packet. Standard packets carry a 16-bit block id
// and a 24-bit packet id; extended packets append 64-bit/32-bit ids.
func Parse(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: short gvsp packet (%d bytes)", aravis.ErrProtocol, len(data))
	}
	format := data[4]
	p := &Packet{
		Status:   binary.BigEndian.Uint16(data[0:2]),
		Format:   format &^ formatExtFlag,
		Extended: format&formatExtFlag != 0,
	}
	if p.Extended {
		if len(data) < extHeaderSize {
			return nil, fmt.Errorf("%w: short extended gvsp packet", aravis.ErrProtocol)
		}
		p.BlockID = binary.BigEndian.Uint64(data[8:16])
		p.PacketID = binary.BigEndian.Uint32(data[16:20])
		p.Data = data[extHeaderSize:]
	} else {
		p.BlockID = uint64(binary.BigEndian.Uint16(data[2:4]))
		p.PacketID = uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
		p.Data = data[headerSize:]
	}
	return p, nil
}

// Serialize builds a GVSP packet; used by the fake camera and tests.
func Serialize(p *Packet) []byte {
	if p.Extended {
		out := make([]byte, extHeaderSize+len(p.Data))
		binary.BigEndian.PutUint16(out[0:2], p.Status)
		out[4] = p.Format | formatExtFlag
		binary.BigEndian.PutUint64(out[8:16], p.BlockID)
		binary.BigEndian.PutUint32(out[16:20], p.PacketID)
		copy(out[extHeaderSize:], p.Data)
		return out
	}
	out := make([]byte, headerSize+len(p.Data))
	binary.BigEndian.PutUint16(out[0:2], p.Status)
	binary.BigEndian.PutUint16(out[2:4], uint16(p.BlockID))
	out[4] = p.Format
	out[5] = byte(p.PacketID >> 16)
	out[6] = byte(p.PacketID >> 8)
	out[7] = byte(p.PacketID)
	copy(out[headerSize:], p.Data)
	return out
}

// Leader declares the geometry of the frame that follows.
type Leader struct {
	PayloadType uint16
	Timestamp   uint64
	PixelFormat uint32
	Width       uint32
	Height      uint32
	OffsetX     uint32
	OffsetY     uint32
	PaddingX    uint16
	PaddingY    uint16
}

const leaderSize = 36

// ParseLeader decodes a leader packet's data section.
func ParseLeader(data []byte) (*Leader, error) {
	if len(data) < leaderSize {
		return nil, fmt.Errorf("%w: short gvsp leader (%d bytes)", aravis.ErrProtocol, len(data))
	}
	return &Leader{
		PayloadType: binary.BigEndian.Uint16(data[2:4]),
		Timestamp:   binary.BigEndian.Uint64(data[4:12]),
		PixelFormat: binary.BigEndian.Uint32(data[12:16]),
		Width:       binary.BigEndian.Uint32(data[16:20]),
		Height:      binary.BigEndian.Uint32(data[20:24]),
		OffsetX:     binary.BigEndian.Uint32(data[24:28]),
		OffsetY:     binary.BigEndian.Uint32(data[28:32]),
		PaddingX:    binary.BigEndian.Uint16(data[32:34]),
		PaddingY:    binary.BigEndian.Uint16(data[34:36]),
	}, nil
}

// SerializeLeader renders a leader data section.
func SerializeLeader(l *Leader) []byte {
	out := make([]byte, leaderSize)
	binary.BigEndian.PutUint16(out[2:4], l.PayloadType)
	binary.BigEndian.PutUint64(out[4:12], l.Timestamp)
	binary.BigEndian.PutUint32(out[12:16], l.PixelFormat)
	binary.BigEndian.PutUint32(out[16:20], l.Width)
	binary.BigEndian.PutUint32(out[20:24], l.Height)
	binary.BigEndian.PutUint32(out[24:28], l.OffsetX)
	binary.BigEndian.PutUint32(out[28:32], l.OffsetY)
	binary.BigEndian.PutUint16(out[32:34], l.PaddingX)
	binary.BigEndian.PutUint16(out[34:36], l.PaddingY)
	return out
}

// Trailer closes a frame and declares its total payload size.
type Trailer struct {
	PayloadType uint16
	PayloadSize uint64
}

const trailerSize = 12

// ParseTrailer decodes a trailer packet's data section.
func ParseTrailer(data []byte) (*Trailer, error) {
	if len(data) < trailerSize {
		return nil, fmt.Errorf("%w: short gvsp trailer (%d bytes)", aravis.ErrProtocol, len(data))
	}
	return &Trailer{
		PayloadType: binary.BigEndian.Uint16(data[2:4]),
		PayloadSize: binary.BigEndian.Uint64(data[4:12]),
	}, nil
}

// SerializeTrailer renders a trailer data section.
func SerializeTrailer(t *Trailer) []byte {
	out := make([]byte, trailerSize)
	binary.BigEndian.PutUint16(out[2:4], t.PayloadType)
	binary.BigEndian.PutUint64(out[4:12], t.PayloadSize)
	return out
}
