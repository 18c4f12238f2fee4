// Package u3v implements the USB3 Vision control and stream protocols:
// little-endian command/acknowledge framing on the control bulk
// endpoint, and leader/payload/trailer framing on the stream endpoint.
package u3v

import (
	"encoding/binary"
	"fmt"

	"github.com/go-aravis/aravis"
)

// Control channel magics.
const (
	ControlMagic = 0x43563355 // "U3VC"
	AckMagic     = 0x43563341 // "A3VC" in wire byte order

	prefixSize = 12

	// FlagRequestAck asks the device to acknowledge the command.
	FlagRequestAck = 0x4000
)

// Control commands.
const (
	CmdReadMem  = 0x0800
	AckReadMem  = 0x0801
	CmdWriteMem = 0x0802
	AckWriteMem = 0x0803
	AckPending  = 0x0805
	CmdEvent    = 0x0c00
)

// U3V control status codes.
const (
	StatusSuccess       = 0x0000
	StatusNotSupported  = 0x8001
	StatusInvalidParam  = 0x8002
	StatusInvalidAddr   = 0x8003
	StatusWriteProtect  = 0x8004
	StatusBadAlignment  = 0x8005
	StatusAccessDenied  = 0x8006
	StatusBusy          = 0x8007
	StatusTimeoutStatus = 0x8100
)

// StatusError maps a U3V status code onto the error taxonomy.
func StatusError(status uint16) error {
	switch status {
	case StatusSuccess:
		return nil
	case StatusNotSupported:
		return aravis.ErrNotImplemented
	case StatusInvalidParam, StatusInvalidAddr, StatusBadAlignment:
		return aravis.ErrInvalidArgument
	case StatusWriteProtect, StatusAccessDenied:
		return aravis.ErrAccessDenied
	case StatusBusy:
		return aravis.ErrResourceExhausted
	case StatusTimeoutStatus:
		return aravis.ErrTimeout
	}
	return fmt.Errorf("%w: u3v status 0x%04x", aravis.ErrProtocol, status)
}

// SerializeCommand builds a control command: magic, flags, command,
// payload length, request id, payload. All little-endian.
func SerializeCommand(command uint16, flags uint16, id uint16, payload []byte) []byte {
	pkt := make([]byte, prefixSize+len(payload))
	binary.LittleEndian.PutUint32(pkt[0:4], ControlMagic)
	binary.LittleEndian.PutUint16(pkt[4:6], flags)
	binary.LittleEndian.PutUint16(pkt[6:8], command)
	binary.LittleEndian.PutUint16(pkt[8:10], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pkt[10:12], id)
	copy(pkt[prefixSize:], payload)
	return pkt
}

// Ack is a parsed control acknowledge.
type Ack struct {
	Status  uint16
	Command uint16
	ID      uint16
	Payload []byte
}

// ParseAck decodes a control acknowledge: magic, status, ack command,
// payload length, ack id, payload.
func ParseAck(data []byte) (*Ack, error) {
	if len(data) < prefixSize {
		return nil, fmt.Errorf("%w: short u3v ack (%d bytes)", aravis.ErrProtocol, len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != AckMagic {
		return nil, fmt.Errorf("%w: bad u3v ack magic", aravis.ErrProtocol)
	}
	length := binary.LittleEndian.Uint16(data[8:10])
	if int(length) > len(data)-prefixSize {
		return nil, fmt.Errorf("%w: truncated u3v ack", aravis.ErrProtocol)
	}
	return &Ack{
		Status:  binary.LittleEndian.Uint16(data[4:6]),
		Command: binary.LittleEndian.Uint16(data[6:8]),
		ID:      binary.LittleEndian.Uint16(data[10:12]),
		Payload: data[prefixSize : prefixSize+int(length)],
	}, nil
}

// SerializeAck builds a control acknowledge; used by the fake device and
// tests.
func SerializeAck(status, command, id uint16, payload []byte) []byte {
	pkt := make([]byte, prefixSize+len(payload))
	binary.LittleEndian.PutUint32(pkt[0:4], AckMagic)
	binary.LittleEndian.PutUint16(pkt[4:6], status)
	binary.LittleEndian.PutUint16(pkt[6:8], command)
	binary.LittleEndian.PutUint16(pkt[8:10], uint16(len(payload)))
	binary.LittleEndian.PutUint16(pkt[10:12], id)
	copy(pkt[prefixSize:], payload)
	return pkt
}

// ReadMemPayload renders the payload of a read memory command.
func ReadMemPayload(address uint64, count uint16) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint64(out[0:8], address)
	binary.LittleEndian.PutUint16(out[10:12], count)
	return out
}

// WriteMemPayload renders the payload of a write memory command.
func WriteMemPayload(address uint64, data []byte) []byte {
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out[0:8], address)
	copy(out[8:], data)
	return out
}

// ParseReadMem decodes a read memory command payload; used by the fake
// device.
func ParseReadMem(payload []byte) (address uint64, count uint16, err error) {
	if len(payload) < 12 {
		return 0, 0, fmt.Errorf("%w: short u3v readmem", aravis.ErrProtocol)
	}
	return binary.LittleEndian.Uint64(payload[0:8]), binary.LittleEndian.Uint16(payload[10:12]), nil
}

// ParseWriteMem decodes a write memory command payload; used by the fake
// device.
func ParseWriteMem(payload []byte) (address uint64, data []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("%w: short u3v writemem", aravis.ErrProtocol)
	}
	return binary.LittleEndian.Uint64(payload[0:8]), payload[8:], nil
}

// Bootstrap register map (ABRM) offsets.
const (
	ABRMGenCPVersion      = 0x0000
	ABRMManufacturerName  = 0x0004
	ABRMModelName         = 0x0044
	ABRMFamilyName        = 0x0084
	ABRMDeviceVersion     = 0x00c4
	ABRMManufacturerInfo  = 0x0104
	ABRMSerialNumber      = 0x0144
	ABRMUserDefinedName   = 0x0184
	ABRMDeviceCapability  = 0x01c4
	ABRMMaxResponseTime   = 0x01cc
	ABRMManifestTableAddr = 0x01d0
	ABRMSBRMAddress       = 0x01d8
	ABRMNameSize          = 64
)

// Manifest entry layout: each entry describes one GenICam document in
// device memory.
const (
	ManifestEntrySize = 64
)
