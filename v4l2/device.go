package v4l2

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	sys "golang.org/x/sys/unix"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/stream"
	"github.com/go-aravis/aravis/wakeup"
)

// Software register file: V4L2 devices have no register space, so the
// carrier synthesizes one and maps writes onto ioctls.
const (
	regWidth            = 0x100
	regHeight           = 0x104
	regPixelFormat      = 0x108
	regPayloadSize      = 0x10c
	regAcquisition      = 0x200
	softMemorySize      = 0x1000
	defaultBufferCount  = 4
)

// genicamTemplate is the synthesized document describing the software
// register file.
const genicamTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<RegisterDescription ModelName="%s" VendorName="V4L2" SchemaMajorVersion="1" SchemaMinorVersion="1">
  <Category Name="Root">
    <pFeature>Width</pFeature>
    <pFeature>Height</pFeature>
    <pFeature>PayloadSize</pFeature>
    <pFeature>AcquisitionStart</pFeature>
    <pFeature>AcquisitionStop</pFeature>
  </Category>
  <Integer Name="Width">
    <pValue>WidthRegister</pValue>
  </Integer>
  <IntReg Name="WidthRegister">
    <Address>0x100</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Integer Name="Height">
    <pValue>HeightRegister</pValue>
  </Integer>
  <IntReg Name="HeightRegister">
    <Address>0x104</Address>
    <Length>4</Length>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <IntReg Name="PayloadSize">
    <Address>0x10c</Address>
    <Length>4</Length>
    <AccessMode>RO</AccessMode>
    <Cachable>NoCache</Cachable>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Command Name="AcquisitionStart">
    <pValue>AcquisitionRegister</pValue>
    <CommandValue>1</CommandValue>
  </Command>
  <Command Name="AcquisitionStop">
    <pValue>AcquisitionRegister</pValue>
    <CommandValue>0</CommandValue>
  </Command>
  <IntReg Name="AcquisitionRegister">
    <Address>0x200</Address>
    <Length>4</Length>
    <Cachable>NoCache</Cachable>
    <pPort>Device</pPort>
    <Endianess>BigEndian</Endianess>
  </IntReg>
  <Port Name="Device">
  </Port>
</RegisterDescription>
`

// Device carries one V4L2 webcam through the generic device
// abstraction.
type Device struct {
	path   string
	handle *Handle
	logger *zap.Logger

	mu  sync.Mutex
	mem []byte
	doc *genicam.Document
	xml []byte

	lost     chan struct{}
	lostOnce sync.Once

	streams []*v4l2Stream
	closed  bool
}

// OpenDevice opens a video node and synthesizes its GenICam document.
func OpenDevice(path string, logger *zap.Logger) (*Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	handle, err := Open(path)
	if err != nil {
		return nil, err
	}
	d := &Device{
		path:   path,
		handle: handle,
		logger: logger,
		mem:    make([]byte, softMemorySize),
		lost:   make(chan struct{}),
	}

	pix := handle.PixFormat()
	binary.BigEndian.PutUint32(d.mem[regWidth:], pix.Width)
	binary.BigEndian.PutUint32(d.mem[regHeight:], pix.Height)
	binary.BigEndian.PutUint32(d.mem[regPixelFormat:], pix.PixelFormat)
	binary.BigEndian.PutUint32(d.mem[regPayloadSize:], pix.SizeImage)

	d.xml = []byte(fmt.Sprintf(genicamTemplate, handle.Capability().CardName()))
	doc, err := genicam.Parse(d.xml, genicam.WithLogger(logger))
	if err != nil {
		handle.Close()
		return nil, err
	}
	d.doc = doc
	device.BindPorts(doc, d)
	return d, nil
}

func (d *Device) checkAlive() error {
	select {
	case <-d.lost:
		return aravis.ErrNotConnected
	default:
	}
	if d.closed {
		return aravis.ErrNotConnected
	}
	return nil
}

// ReadRegister reads one 32-bit soft register.
func (d *Device) ReadRegister(address uint64) (uint32, error) {
	var buf [4]byte
	if err := d.ReadMemory(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteRegister writes one 32-bit soft register.
func (d *Device) WriteRegister(address uint64, value uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return d.WriteMemory(address, buf[:])
}

// ReadMemory reads the software register file.
func (d *Device) ReadMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if address+uint64(len(data)) > uint64(len(d.mem)) {
		return fmt.Errorf("%w: read 0x%x+%d", aravis.ErrInvalidArgument, address, len(data))
	}
	copy(data, d.mem[address:])
	return nil
}

// WriteMemory stores into the software register file, mapping format and
// acquisition registers onto the kernel device.
func (d *Device) WriteMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	d.mu.Lock()
	if address+uint64(len(data)) > uint64(len(d.mem)) {
		d.mu.Unlock()
		return fmt.Errorf("%w: write 0x%x+%d", aravis.ErrInvalidArgument, address, len(data))
	}
	copy(d.mem[address:], data)
	streams := append([]*v4l2Stream(nil), d.streams...)
	d.mu.Unlock()

	switch address {
	case regWidth, regHeight:
		return d.applyFormat()
	case regAcquisition:
		run := binary.BigEndian.Uint32(data) != 0
		for _, s := range streams {
			if run {
				s.start()
			} else {
				s.stop()
			}
		}
	}
	return nil
}

// applyFormat renegotiates the kernel format from the soft registers and
// writes the adjusted values back.
func (d *Device) applyFormat() error {
	d.mu.Lock()
	pix := d.handle.PixFormat()
	pix.Width = binary.BigEndian.Uint32(d.mem[regWidth:])
	pix.Height = binary.BigEndian.Uint32(d.mem[regHeight:])
	d.mu.Unlock()

	if err := d.handle.SetPixFormat(pix); err != nil {
		return fmt.Errorf("v4l2 set format: %w", err)
	}

	got := d.handle.PixFormat()
	d.mu.Lock()
	binary.BigEndian.PutUint32(d.mem[regWidth:], got.Width)
	binary.BigEndian.PutUint32(d.mem[regHeight:], got.Height)
	binary.BigEndian.PutUint32(d.mem[regPayloadSize:], got.SizeImage)
	d.mu.Unlock()
	return nil
}

// GenicamXML returns the synthesized document text.
func (d *Device) GenicamXML() ([]byte, error) {
	return d.xml, nil
}

// Document returns the parsed feature graph.
func (d *Device) Document() *genicam.Document {
	return d.doc
}

// ControlLost reports a removed device.
func (d *Device) ControlLost() <-chan struct{} {
	return d.lost
}

func (d *Device) controlLost() {
	d.lostOnce.Do(func() {
		d.logger.Error("v4l2 device lost", zap.String("path", d.path))
		close(d.lost)
	})
}

// CreateStream prepares the mmap receive path; capture starts with the
// AcquisitionStart feature.
func (d *Device) CreateStream() (stream.Stream, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	s := &v4l2Stream{
		dev:    d,
		input:  stream.NewQueue(),
		output: stream.NewQueue(),
		logger: d.logger,
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Close stops streams and releases the device node.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
	return d.handle.Close()
}

// v4l2Stream moves frames from the kernel's mapped buffers into client
// buffers.
type v4l2Stream struct {
	dev    *Device
	input  *stream.Queue
	output *stream.Queue
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	wake    *wakeup.Wakeup
	group   *errgroup.Group
	stopCh  chan struct{}
	stopped bool
}

func (s *v4l2Stream) PushBuffer(b *stream.Buffer) {
	s.input.Push(b)
}

func (s *v4l2Stream) PopBuffer(timeout time.Duration) (*stream.Buffer, error) {
	return s.output.Pop(timeout)
}

func (s *v4l2Stream) TryPopBuffer() *stream.Buffer {
	return s.output.TryPop()
}

func (s *v4l2Stream) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	wake, err := wakeup.New()
	if err != nil {
		s.logger.Error("v4l2 wakeup", zap.Error(err))
		return
	}
	if err := s.dev.handle.StartStreaming(defaultBufferCount); err != nil {
		s.logger.Error("v4l2 stream on", zap.Error(err))
		wake.Close()
		return
	}
	s.wake = wake
	s.stopCh = make(chan struct{})
	s.group = &errgroup.Group{}
	s.running = true
	s.group.Go(s.receiveLoop)
}

func (s *v4l2Stream) receiveLoop() error {
	h := s.dev.handle
	fds := []sys.PollFd{
		{Fd: int32(h.Fd()), Events: sys.POLLIN},
		s.wake.PollFd(),
	}
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		fds[0].Revents = 0
		fds[1].Revents = 0
		if _, err := sys.Poll(fds, 1000); err != nil && err != sys.EINTR {
			s.dev.controlLost()
			return err
		}
		if fds[1].Revents&sys.POLLIN != 0 {
			s.wake.Acknowledge()
			continue
		}
		if fds[0].Revents&sys.POLLIN == 0 {
			continue
		}
		info, err := h.DequeueBuffer()
		if err != nil {
			continue
		}
		s.deliver(h, info)
		h.QueueBuffer(info.Index)
	}
}

func (s *v4l2Stream) deliver(h *Handle, info BufferInfo) {
	buf := s.input.TryPop()
	if buf == nil {
		return
	}
	buf.Reset()
	src := h.Buffer(info.Index)
	if src == nil || info.Flags&BufFlagError != 0 {
		buf.Status = stream.StatusFillingError
		s.output.Push(buf)
		return
	}
	n := int(info.BytesUsed)
	if n > len(buf.Data) {
		buf.Status = stream.StatusSizeMismatch
		s.output.Push(buf)
		return
	}
	copy(buf.Data, src[:n])
	pix := h.PixFormat()
	buf.Size = n
	buf.Status = stream.StatusSuccess
	buf.FrameID = uint64(info.Sequence)
	buf.Width = int(pix.Width)
	buf.Height = int(pix.Height)
	buf.PixelFormat = pix.PixelFormat
	buf.Timestamp = uint64(info.Timestamp.Nano())
	s.output.Push(buf)
}

func (s *v4l2Stream) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *v4l2Stream) stopLocked() {
	if !s.running {
		return
	}
	close(s.stopCh)
	s.wake.Signal()
	s.group.Wait()
	s.wake.Close()
	s.dev.handle.StopStreaming()
	s.running = false
}

// Stop ends capture for good and drains both queues with status aborted.
func (s *v4l2Stream) Stop() error {
	s.mu.Lock()
	s.stopLocked()
	s.stopped = true
	s.mu.Unlock()
	for _, b := range s.input.Drain() {
		s.output.Push(b)
	}
	s.output.Drain()
	return nil
}
