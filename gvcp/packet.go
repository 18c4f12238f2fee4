// Package gvcp implements the GigE Vision Control Protocol: UDP/IPv4
// request/acknowledge packets on port 3956, with retry, packet id
// matching and busy backoff. All multi-byte fields are big-endian.
package gvcp

import (
	"encoding/binary"
	"fmt"

	"github.com/go-aravis/aravis"
)

// Port is the UDP port cameras listen on for control.
const Port = 3956

// Command packet: magic, flags, 16-bit command, 16-bit payload length,
// 16-bit packet id, then the payload.
const (
	Magic      = 0x42
	HeaderSize = 8

	// FlagAckRequired asks the camera to acknowledge the command.
	FlagAckRequired = 0x01
	// FlagExtendedIDs switches packet resend to 64-bit block ids.
	FlagExtendedIDs = 0x08
)

// Commands handled by the engine.
const (
	CmdDiscovery    = 0x0002
	AckDiscovery    = 0x0003
	CmdPacketResend = 0x0040
	CmdReadReg      = 0x0080
	AckReadReg      = 0x0081
	CmdWriteReg     = 0x0082
	AckWriteReg     = 0x0083
	CmdReadMem      = 0x0084
	AckReadMem      = 0x0085
	CmdWriteMem     = 0x0086
	AckWriteMem     = 0x0087
	AckPending      = 0x0089
	CmdEvent        = 0x00c0
	AckEvent        = 0x00c1
)

// GVCP status codes.
const (
	StatusSuccess        = 0x0000
	StatusNotImplemented = 0x8001
	StatusInvalidParam   = 0x8002
	StatusInvalidAddress = 0x8003
	StatusWriteProtect   = 0x8004
	StatusBadAlignment   = 0x8005
	StatusAccessDenied   = 0x8006
	StatusBusy           = 0x8007
	StatusPacketResend   = 0x8100
)

// StatusError maps a GVCP status code onto the error taxonomy.
func StatusError(status uint16) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusNotImplemented:
		return aravis.ErrNotImplemented
	case StatusInvalidParam, StatusInvalidAddress, StatusBadAlignment:
		return aravis.ErrInvalidArgument
	case StatusWriteProtect, StatusAccessDenied:
		return aravis.ErrAccessDenied
	case StatusBusy:
		return aravis.ErrResourceExhausted
	case StatusPacketResend:
		// Shared code: the command context distinguishes a resend
		// indication from a device-side timeout.
		return aravis.ErrTimeout
	}
	return fmt.Errorf("%w: gvcp status 0x%04x", aravis.ErrProtocol, status)
}

// maxPayload is the largest read/write memory chunk carried by a single
// command, keeping packets under the minimum ethernet MTU.
const maxPayload = 512

// SerializeCommand builds a command packet.
func SerializeCommand(command uint16, flags byte, id uint16, payload []byte) []byte {
	pkt := make([]byte, HeaderSize+len(payload))
	pkt[0] = Magic
	pkt[1] = flags
	binary.BigEndian.PutUint16(pkt[2:4], command)
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(payload)))
	binary.BigEndian.PutUint16(pkt[6:8], id)
	copy(pkt[HeaderSize:], payload)
	return pkt
}

// Ack is a parsed acknowledge packet: 16-bit status, 16-bit ack command,
// 16-bit payload length, 16-bit packet id, payload.
type Ack struct {
	Status  uint16
	Command uint16
	ID      uint16
	Payload []byte
}

// ParseAck decodes an acknowledge packet.
func ParseAck(data []byte) (*Ack, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: short gvcp ack (%d bytes)", aravis.ErrProtocol, len(data))
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) > len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: gvcp ack declares %d payload bytes, carries %d",
			aravis.ErrProtocol, length, len(data)-HeaderSize)
	}
	return &Ack{
		Status:  binary.BigEndian.Uint16(data[0:2]),
		Command: binary.BigEndian.Uint16(data[2:4]),
		ID:      binary.BigEndian.Uint16(data[6:8]),
		Payload: data[HeaderSize : HeaderSize+int(length)],
	}, nil
}

// SerializeAck builds an acknowledge packet; used by the fake camera and
// tests.
func SerializeAck(status, command, id uint16, payload []byte) []byte {
	pkt := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint16(pkt[0:2], status)
	binary.BigEndian.PutUint16(pkt[2:4], command)
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(payload)))
	binary.BigEndian.PutUint16(pkt[6:8], id)
	copy(pkt[HeaderSize:], payload)
	return pkt
}

// ParseCommand decodes a command packet; used by the fake camera and
// tests.
func ParseCommand(data []byte) (command uint16, flags byte, id uint16, payload []byte, err error) {
	if len(data) < HeaderSize || data[0] != Magic {
		return 0, 0, 0, nil, fmt.Errorf("%w: not a gvcp command", aravis.ErrProtocol)
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if int(length) > len(data)-HeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("%w: truncated gvcp command", aravis.ErrProtocol)
	}
	return binary.BigEndian.Uint16(data[2:4]), data[1],
		binary.BigEndian.Uint16(data[6:8]),
		data[HeaderSize : HeaderSize+int(length)], nil
}
