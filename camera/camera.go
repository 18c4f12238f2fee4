// Package camera is the high-level façade: a thin name-keyed interface
// over a device's GenICam graph plus convenience accessors for the
// well-known features.
package camera

import (
	"context"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis/device"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/gige"
	"github.com/go-aravis/aravis/stream"
	"github.com/go-aravis/aravis/usb3"
	"github.com/go-aravis/aravis/v4l2"
)

// Camera wraps one opened device. It holds no state beyond the device
// pointer; every operation resolves through the device's feature graph.
type Camera struct {
	dev device.Device
}

// New wraps an already opened device.
func New(dev device.Device) *Camera {
	return &Camera{dev: dev}
}

// Open enumerates the registry and opens the device with the given ID;
// an empty ID opens the first camera found. A nil registry uses a
// default with the GigE Vision, USB3 Vision and V4L2 transports.
func Open(ctx context.Context, id string, registry *device.Registry) (*Camera, error) {
	if registry == nil {
		registry = StandardRegistry(nil)
	}
	dev, err := registry.OpenDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	return New(dev), nil
}

// StandardRegistry builds a registry with every built-in transport.
func StandardRegistry(logger *zap.Logger) *device.Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := device.NewRegistry()
	r.Register(gige.NewInterface(gige.WithInterfaceLogger(logger)))
	r.Register(usb3.NewInterface(usb3.WithInterfaceLogger(logger)))
	r.Register(v4l2.NewInterface(logger))
	return r
}

// Device returns the underlying device.
func (c *Camera) Device() device.Device {
	return c.dev
}

// Document returns the device's feature graph.
func (c *Camera) Document() *genicam.Document {
	return c.dev.Document()
}

// Close releases the device.
func (c *Camera) Close() error {
	return c.dev.Close()
}

// VendorName returns the document's vendor name.
func (c *Camera) VendorName() string {
	return c.dev.Document().VendorName()
}

// ModelName returns the document's model name.
func (c *Camera) ModelName() string {
	return c.dev.Document().ModelName()
}

func (c *Camera) node(name string) (*genicam.Node, error) {
	return c.dev.Document().Node(name)
}

// GetFeature reads any feature as its string rendition.
func (c *Camera) GetFeature(name string) (string, error) {
	n, err := c.node(name)
	if err != nil {
		return "", err
	}
	return n.ValueAsString()
}

// SetFeature writes any feature from its string rendition.
func (c *Camera) SetFeature(name, value string) error {
	n, err := c.node(name)
	if err != nil {
		return err
	}
	return n.SetValueFromString(value)
}

// ExecuteCommand runs a command feature.
func (c *Camera) ExecuteCommand(name string) error {
	n, err := c.node(name)
	if err != nil {
		return err
	}
	return n.Execute()
}

// GetInteger reads an integer feature.
func (c *Camera) GetInteger(name string) (int64, error) {
	n, err := c.node(name)
	if err != nil {
		return 0, err
	}
	return n.IntValue()
}

// SetInteger writes an integer feature.
func (c *Camera) SetInteger(name string, v int64) error {
	n, err := c.node(name)
	if err != nil {
		return err
	}
	return n.SetIntValue(v)
}

// GetIntegerBounds returns the min, max and increment of an integer
// feature.
func (c *Camera) GetIntegerBounds(name string) (min, max, inc int64, err error) {
	n, err := c.node(name)
	if err != nil {
		return 0, 0, 0, err
	}
	if min, err = n.IntMin(); err != nil {
		return 0, 0, 0, err
	}
	if max, err = n.IntMax(); err != nil {
		return 0, 0, 0, err
	}
	if inc, err = n.IntInc(); err != nil {
		return 0, 0, 0, err
	}
	return min, max, inc, nil
}

// GetFloat reads a float feature.
func (c *Camera) GetFloat(name string) (float64, error) {
	n, err := c.node(name)
	if err != nil {
		return 0, err
	}
	return n.FloatValue()
}

// SetFloat writes a float feature.
func (c *Camera) SetFloat(name string, v float64) error {
	n, err := c.node(name)
	if err != nil {
		return err
	}
	return n.SetFloatValue(v)
}

// GetString reads a string feature.
func (c *Camera) GetString(name string) (string, error) {
	n, err := c.node(name)
	if err != nil {
		return "", err
	}
	return n.StringValue()
}

// SetString writes a string feature.
func (c *Camera) SetString(name, v string) error {
	n, err := c.node(name)
	if err != nil {
		return err
	}
	return n.SetStringValue(v)
}

// Well-known GenICam features.

// ExposureTime returns the exposure time in microseconds.
func (c *Camera) ExposureTime() (float64, error) {
	return c.GetFloat("ExposureTime")
}

// SetExposureTime sets the exposure time in microseconds.
func (c *Camera) SetExposureTime(us float64) error {
	return c.SetFloat("ExposureTime", us)
}

// Gain returns the analog gain.
func (c *Camera) Gain() (float64, error) {
	return c.GetFloat("Gain")
}

// SetGain sets the analog gain.
func (c *Camera) SetGain(gain float64) error {
	return c.SetFloat("Gain", gain)
}

// PixelFormat returns the current pixel format entry name.
func (c *Camera) PixelFormat() (string, error) {
	return c.GetString("PixelFormat")
}

// SetPixelFormat selects a pixel format by entry name.
func (c *Camera) SetPixelFormat(name string) error {
	return c.SetString("PixelFormat", name)
}

// Width returns the image width in pixels.
func (c *Camera) Width() (int64, error) {
	return c.GetInteger("Width")
}

// SetWidth sets the image width in pixels.
func (c *Camera) SetWidth(w int64) error {
	return c.SetInteger("Width", w)
}

// Height returns the image height in pixels.
func (c *Camera) Height() (int64, error) {
	return c.GetInteger("Height")
}

// SetHeight sets the image height in pixels.
func (c *Camera) SetHeight(h int64) error {
	return c.SetInteger("Height", h)
}

// TriggerMode returns the trigger mode entry name.
func (c *Camera) TriggerMode() (string, error) {
	return c.GetString("TriggerMode")
}

// SetTriggerMode selects the trigger mode ("On"/"Off").
func (c *Camera) SetTriggerMode(mode string) error {
	return c.SetString("TriggerMode", mode)
}

// PayloadSize returns the byte size of one frame, used to allocate
// stream buffers.
func (c *Camera) PayloadSize() (int64, error) {
	return c.GetInteger("PayloadSize")
}

// CreateStream creates the device stream and pre-fills its input queue
// with nBuffers payload-sized buffers. A count of zero or less takes the
// ARV_N_BUFFERS knob, defaulting to 8.
func (c *Camera) CreateStream(nBuffers int) (stream.Stream, error) {
	if nBuffers <= 0 {
		nBuffers = defaultBufferCount()
	}
	size, err := c.PayloadSize()
	if err != nil {
		return nil, err
	}
	s, err := c.dev.CreateStream()
	if err != nil {
		return nil, err
	}
	for i := 0; i < nBuffers; i++ {
		s.PushBuffer(stream.NewBuffer(int(size)))
	}
	return s, nil
}

func defaultBufferCount() int {
	if s := os.Getenv("ARV_N_BUFFERS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 8
}

// StartAcquisition executes the AcquisitionStart command.
func (c *Camera) StartAcquisition() error {
	return c.ExecuteCommand("AcquisitionStart")
}

// StopAcquisition executes the AcquisitionStop command.
func (c *Camera) StopAcquisition() error {
	return c.ExecuteCommand("AcquisitionStop")
}
