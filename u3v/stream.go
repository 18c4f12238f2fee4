package u3v

import (
	"encoding/binary"
	"fmt"

	"github.com/go-aravis/aravis"
)

// Stream block magics. Each bulk transfer on the stream endpoint starts
// a leader, a payload chunk or a trailer; frame boundaries are the
// leader and trailer markers in the byte stream.
const (
	LeaderMagic  = 0x4C563355 // "U3VL"
	TrailerMagic = 0x54563355 // "U3VT"

	// LeaderSize is the full image leader block size.
	LeaderSize = 54
	// TrailerSize is the trailer block size.
	TrailerSize = 28
)

// Leader opens a frame: geometry, pixel format and the advertised
// payload size.
type Leader struct {
	BlockID     uint64
	PayloadType uint16
	Timestamp   uint64
	PixelFormat uint32
	Width       uint32
	Height      uint32
	OffsetX     uint32
	OffsetY     uint32
	PayloadSize uint64
}

// ParseLeader decodes a leader block.
func ParseLeader(data []byte) (*Leader, error) {
	if len(data) < LeaderSize {
		return nil, fmt.Errorf("%w: short u3v leader (%d bytes)", aravis.ErrProtocol, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != LeaderMagic {
		return nil, fmt.Errorf("%w: bad u3v leader magic", aravis.ErrProtocol)
	}
	return &Leader{
		BlockID:     binary.LittleEndian.Uint64(data[8:16]),
		PayloadType: binary.LittleEndian.Uint16(data[16:18]),
		Timestamp:   binary.LittleEndian.Uint64(data[18:26]),
		PixelFormat: binary.LittleEndian.Uint32(data[26:30]),
		Width:       binary.LittleEndian.Uint32(data[30:34]),
		Height:      binary.LittleEndian.Uint32(data[34:38]),
		OffsetX:     binary.LittleEndian.Uint32(data[38:42]),
		OffsetY:     binary.LittleEndian.Uint32(data[42:46]),
		PayloadSize: binary.LittleEndian.Uint64(data[46:54]),
	}, nil
}

// SerializeLeader renders a leader block.
func SerializeLeader(l *Leader) []byte {
	out := make([]byte, LeaderSize)
	binary.LittleEndian.PutUint32(out[0:4], LeaderMagic)
	binary.LittleEndian.PutUint16(out[6:8], LeaderSize)
	binary.LittleEndian.PutUint64(out[8:16], l.BlockID)
	binary.LittleEndian.PutUint16(out[16:18], l.PayloadType)
	binary.LittleEndian.PutUint64(out[18:26], l.Timestamp)
	binary.LittleEndian.PutUint32(out[26:30], l.PixelFormat)
	binary.LittleEndian.PutUint32(out[30:34], l.Width)
	binary.LittleEndian.PutUint32(out[34:38], l.Height)
	binary.LittleEndian.PutUint32(out[38:42], l.OffsetX)
	binary.LittleEndian.PutUint32(out[42:46], l.OffsetY)
	binary.LittleEndian.PutUint64(out[46:54], l.PayloadSize)
	return out
}

// Trailer closes a frame with its status and the valid payload size.
type Trailer struct {
	BlockID          uint64
	Status           uint16
	ValidPayloadSize uint64
}

// ParseTrailer decodes a trailer block.
func ParseTrailer(data []byte) (*Trailer, error) {
	if len(data) < TrailerSize {
		return nil, fmt.Errorf("%w: short u3v trailer (%d bytes)", aravis.ErrProtocol, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != TrailerMagic {
		return nil, fmt.Errorf("%w: bad u3v trailer magic", aravis.ErrProtocol)
	}
	return &Trailer{
		BlockID:          binary.LittleEndian.Uint64(data[8:16]),
		Status:           binary.LittleEndian.Uint16(data[16:18]),
		ValidPayloadSize: binary.LittleEndian.Uint64(data[20:28]),
	}, nil
}

// SerializeTrailer renders a trailer block.
func SerializeTrailer(t *Trailer) []byte {
	out := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint32(out[0:4], TrailerMagic)
	binary.LittleEndian.PutUint16(out[6:8], TrailerSize)
	binary.LittleEndian.PutUint64(out[8:16], t.BlockID)
	binary.LittleEndian.PutUint16(out[16:18], t.Status)
	binary.LittleEndian.PutUint64(out[20:28], t.ValidPayloadSize)
	return out
}

// IsLeader reports whether a transfer starts with the leader magic.
func IsLeader(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == LeaderMagic
}

// IsTrailer reports whether a transfer starts with the trailer magic.
func IsTrailer(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == TrailerMagic
}
