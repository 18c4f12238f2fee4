package device

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/stream"
)

//go:embed arv-fake-camera.xml
var fakeCameraXML []byte

// FakeCameraXML returns the bundled GenICam document of the fake camera.
func FakeCameraXML() []byte {
	return fakeCameraXML
}

// Fake camera register addresses, matching the bundled document.
const (
	FakeRegWidth            = 0x100
	FakeRegHeight           = 0x104
	FakeRegExposure         = 0x110
	FakeRegGainSelector     = 0x118
	FakeRegGain             = 0x120
	FakeRegPixelFormat      = 0x130
	FakeRegTriggerMode      = 0x140
	FakeRegAcquisitionStart = 0x9204
	FakeRegAcquisitionStop  = 0x9208

	fakeMemorySize = 0x10000
)

// FakeDevice is an in-memory camera: a register space behind the full
// Device interface plus a frame generator driven by the acquisition
// registers. It backs the unit tests and lets clients run without
// hardware.
type FakeDevice struct {
	mu     sync.Mutex
	mem    []byte
	doc    *genicam.Document
	logger *zap.Logger

	lost     chan struct{}
	lostOnce sync.Once

	framePeriod time.Duration
	streams     []*fakeStream

	// WriteHook observes every register write; tests install it to
	// assert on wire-level effects.
	WriteHook func(address uint64, data []byte)
}

// FakeOption configures a FakeDevice.
type FakeOption func(*FakeDevice)

// WithFakeLogger installs a structured logger.
func WithFakeLogger(l *zap.Logger) FakeOption {
	return func(d *FakeDevice) { d.logger = l }
}

// WithFramePeriod overrides the generator's frame period.
func WithFramePeriod(p time.Duration) FakeOption {
	return func(d *FakeDevice) { d.framePeriod = p }
}

// NewFakeDevice creates a fake camera with its default register values
// and parsed document.
func NewFakeDevice(opts ...FakeOption) (*FakeDevice, error) {
	d := &FakeDevice{
		mem:         make([]byte, fakeMemorySize),
		logger:      zap.NewNop(),
		lost:        make(chan struct{}),
		framePeriod: 10 * time.Millisecond,
	}
	for _, o := range opts {
		o(d)
	}

	binary.BigEndian.PutUint32(d.mem[FakeRegWidth:], 512)
	binary.BigEndian.PutUint32(d.mem[FakeRegHeight:], 512)
	binary.BigEndian.PutUint32(d.mem[FakeRegExposure:], 10000)
	binary.BigEndian.PutUint32(d.mem[FakeRegPixelFormat:], 0x01080001) // Mono8

	doc, err := genicam.Parse(fakeCameraXML, genicam.WithLogger(d.logger))
	if err != nil {
		return nil, err
	}
	d.doc = doc
	BindPorts(doc, d)
	return d, nil
}

// ReadRegister reads one 32-bit big-endian register.
func (d *FakeDevice) ReadRegister(address uint64) (uint32, error) {
	var buf [4]byte
	if err := d.ReadMemory(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteRegister writes one 32-bit big-endian register.
func (d *FakeDevice) WriteRegister(address uint64, value uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], value)
	return d.WriteMemory(address, buf[:])
}

// ReadMemory copies from the fake register space.
func (d *FakeDevice) ReadMemory(address uint64, data []byte) error {
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

// WriteMemory stores into the fake register space and runs the
// acquisition side effects.
func (d *FakeDevice) WriteMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	d.mu.Lock()
	if address+uint64(len(data)) > uint64(len(d.mem)) {
		d.mu.Unlock()
		return fmt.Errorf("%w: write 0x%x+%d", aravis.ErrInvalidArgument, address, len(data))
	}
	copy(d.mem[address:], data)
	hook := d.WriteHook
	streams := append([]*fakeStream(nil), d.streams...)
	width := binary.BigEndian.Uint32(d.mem[FakeRegWidth:])
	height := binary.BigEndian.Uint32(d.mem[FakeRegHeight:])
	pixfmt := binary.BigEndian.Uint32(d.mem[FakeRegPixelFormat:])
	d.mu.Unlock()

	if hook != nil {
		hook(address, data)
	}
	switch address {
	case FakeRegAcquisitionStart:
		for _, s := range streams {
			s.startAcquisition(int(width), int(height), pixfmt)
		}
	case FakeRegAcquisitionStop:
		for _, s := range streams {
			s.stopAcquisition()
		}
	}
	return nil
}

// GenicamXML returns the bundled document text.
func (d *FakeDevice) GenicamXML() ([]byte, error) {
	return fakeCameraXML, nil
}

// Document returns the parsed feature graph.
func (d *FakeDevice) Document() *genicam.Document {
	return d.doc
}

// ControlLost reports simulated control loss.
func (d *FakeDevice) ControlLost() <-chan struct{} {
	return d.lost
}

// LoseControl simulates a dead camera: the control-lost event fires and
// every subsequent operation fails with ErrNotConnected.
func (d *FakeDevice) LoseControl() {
	d.lostOnce.Do(func() { close(d.lost) })
}

func (d *FakeDevice) checkAlive() error {
	select {
	case <-d.lost:
		return aravis.ErrNotConnected
	default:
		return nil
	}
}

// CreateStream returns a generator-backed stream.
func (d *FakeDevice) CreateStream() (stream.Stream, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	s := &fakeStream{
		dev:    d,
		input:  stream.NewQueue(),
		output: stream.NewQueue(),
		period: d.framePeriod,
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Close stops all streams.
func (d *FakeDevice) Close() error {
	d.mu.Lock()
	streams := d.streams
	d.streams = nil
	d.mu.Unlock()
	for _, s := range streams {
		s.Stop()
	}
	return nil
}

// fakeStream produces synthetic frames while acquisition runs.
type fakeStream struct {
	dev    *FakeDevice
	input  *stream.Queue
	output *stream.Queue
	period time.Duration

	mu      sync.Mutex
	cancel  chan struct{}
	done    chan struct{}
	counter uint64
}

func (s *fakeStream) PushBuffer(b *stream.Buffer) {
	s.input.Push(b)
}

func (s *fakeStream) PopBuffer(timeout time.Duration) (*stream.Buffer, error) {
	return s.output.Pop(timeout)
}

func (s *fakeStream) TryPopBuffer() *stream.Buffer {
	return s.output.TryPop()
}

func (s *fakeStream) Stop() error {
	s.stopAcquisition()
	for _, b := range s.input.Drain() {
		s.output.Push(b)
	}
	return nil
}

func (s *fakeStream) startAcquisition(width, height int, pixfmt uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	cancel := make(chan struct{})
	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.period)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				s.produceFrame(width, height, pixfmt)
			}
		}
	}()
}

func (s *fakeStream) stopAcquisition() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		close(cancel)
		<-done
	}
}

// produceFrame fills the next input buffer with a moving gradient, the
// classic fake camera test pattern.
func (s *fakeStream) produceFrame(width, height int, pixfmt uint32) {
	buf := s.input.TryPop()
	if buf == nil {
		return
	}
	buf.Reset()
	size := width * height
	if size > len(buf.Data) {
		buf.Status = stream.StatusSizeMismatch
		s.output.Push(buf)
		return
	}
	s.mu.Lock()
	frame := s.counter
	s.counter++
	s.mu.Unlock()

	for y := 0; y < height; y++ {
		row := buf.Data[y*width : (y+1)*width]
		for x := range row {
			row[x] = byte(uint64(x) + uint64(y) + frame)
		}
	}
	buf.Size = size
	buf.Status = stream.StatusSuccess
	buf.FrameID = frame
	buf.Width = width
	buf.Height = height
	buf.PixelFormat = pixfmt
	buf.Timestamp = uint64(time.Now().UnixNano())
	s.output.Push(buf)
}
