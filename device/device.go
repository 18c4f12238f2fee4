// Package device defines the transport-neutral device abstraction: a
// register/memory address space, the GenICam document fetched from it,
// stream creation, and the control-lost contract shared by all
// transports.
package device

import (
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/stream"
)

// Device is one opened camera. Implementations (GigE, USB3, V4L2, fake)
// serialize register operations internally; a device whose control
// channel is lost fails every operation with ErrNotConnected.
type Device interface {
	// ReadRegister reads one 32-bit register.
	ReadRegister(address uint64) (uint32, error)
	// WriteRegister writes one 32-bit register.
	WriteRegister(address uint64, value uint32) error
	// ReadMemory fills data from the device address space.
	ReadMemory(address uint64, data []byte) error
	// WriteMemory stores data into the device address space.
	WriteMemory(address uint64, data []byte) error

	// GenicamXML returns the raw (decompressed) GenICam document text.
	GenicamXML() ([]byte, error)
	// Document returns the parsed feature graph, with its ports bound to
	// this device.
	Document() *genicam.Document

	// CreateStream allocates the device's stream channel and starts its
	// receive path.
	CreateStream() (stream.Stream, error)

	// ControlLost is closed when the device stops answering; subsequent
	// register operations fail with ErrNotConnected.
	ControlLost() <-chan struct{}

	// Close releases the control channel and every open stream.
	Close() error
}

// port adapts a Device to the genicam.Port interface.
type port struct {
	dev Device
}

func (p port) Read(address uint64, data []byte) error {
	return p.dev.ReadMemory(address, data)
}

func (p port) Write(address uint64, data []byte) error {
	return p.dev.WriteMemory(address, data)
}

// BindPorts points every Port node of the document at the device's
// address space. Called by transport implementations after parsing the
// downloaded document.
func BindPorts(doc *genicam.Document, dev Device) {
	for _, name := range doc.PortNames() {
		doc.RegisterPort(name, port{dev})
	}
}
