// Package gige implements the GigE Vision transport: device control over
// GVCP with heartbeat and control privilege, and streaming over GVSP
// with packet resend through the control channel.
package gige

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/gvcp"
	"github.com/go-aravis/aravis/stream"
)

// Device is one GigE Vision camera under control.
type Device struct {
	conn   *gvcp.Conn
	logger *zap.Logger

	doc *genicam.Document
	xml []byte

	privilege uint32
	heartbeat *device.Heartbeat

	lost     chan struct{}
	lostOnce sync.Once

	mu      sync.Mutex
	streams []*Stream
	closed  bool
}

// DeviceOption configures Open.
type DeviceOption func(*deviceConfig)

type deviceConfig struct {
	logger    *zap.Logger
	exclusive bool
	interval  time.Duration
	connOpts  []gvcp.Option
}

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) DeviceOption {
	return func(c *deviceConfig) { c.logger = l }
}

// WithExclusiveControl takes the exclusive control privilege instead of
// plain control. Opening fails with ErrAccessDenied when another host
// owns the camera.
func WithExclusiveControl() DeviceOption {
	return func(c *deviceConfig) { c.exclusive = true }
}

// WithHeartbeatInterval overrides the keepalive period.
func WithHeartbeatInterval(d time.Duration) DeviceOption {
	return func(c *deviceConfig) { c.interval = d }
}

// WithConnOptions forwards options to the underlying GVCP connection.
func WithConnOptions(opts ...gvcp.Option) DeviceOption {
	return func(c *deviceConfig) { c.connOpts = append(c.connOpts, opts...) }
}

// Open takes control of the camera at the given IPv4 address, downloads
// and parses its GenICam document, and starts the heartbeat task.
func Open(ctx context.Context, address string, opts ...DeviceOption) (*Device, error) {
	cfg := deviceConfig{
		logger:   zap.NewNop(),
		interval: device.HeartbeatInterval(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.connOpts = append(cfg.connOpts, gvcp.WithLogger(cfg.logger))

	conn, err := gvcp.Dial(address, cfg.connOpts...)
	if err != nil {
		return nil, err
	}
	d := &Device{
		conn:      conn,
		logger:    cfg.logger,
		privilege: gvcp.CCPControl,
		lost:      make(chan struct{}),
	}
	if cfg.exclusive {
		d.privilege = gvcp.CCPExclusive
	}

	if err := d.open(ctx, cfg.interval); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

func (d *Device) open(ctx context.Context, interval time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Take the control channel privilege before anything else: a camera
	// owned by another host must fail fast.
	if err := d.conn.WriteRegister(gvcp.BootstrapCCP, d.privilege); err != nil {
		return fmt.Errorf("gige open: control privilege: %w", err)
	}

	// Give the camera a heartbeat timeout comfortably above our period.
	timeoutMs := uint32(interval.Milliseconds()) * 4
	if err := d.conn.WriteRegister(gvcp.BootstrapHeartbeatTimeout, timeoutMs); err != nil {
		d.logger.Warn("gige heartbeat timeout not accepted", zap.Error(err))
	}

	xml, err := d.downloadGenicam()
	if err != nil {
		return err
	}
	d.xml = xml
	doc, err := genicam.Parse(xml, genicam.WithLogger(d.logger))
	if err != nil {
		return err
	}
	d.doc = doc
	device.BindPorts(doc, d)

	d.heartbeat = device.StartHeartbeat(ctx, interval, d.beat, d.controlLost, d.logger)

	d.logger.Info("gige device opened",
		zap.String("address", d.conn.RemoteAddr().IP.String()),
		zap.String("model", doc.ModelName()))
	return nil
}

// beat keeps the control privilege fresh; cameras drop control when the
// CCP register stops being written within their heartbeat timeout.
func (d *Device) beat() error {
	return d.conn.WriteRegister(gvcp.BootstrapCCP, d.privilege)
}

func (d *Device) controlLost() {
	d.lostOnce.Do(func() {
		d.logger.Error("gige control lost")
		close(d.lost)
	})
}

// downloadGenicam resolves the first XML URL register and fetches the
// document from device memory.
func (d *Device) downloadGenicam() ([]byte, error) {
	urlBuf := make([]byte, gvcp.BootstrapXMLURLSize)
	if err := d.conn.ReadMemory(gvcp.BootstrapFirstXMLURL, urlBuf); err != nil {
		return nil, fmt.Errorf("gige open: xml url: %w", err)
	}
	url := strings.TrimRight(string(urlBuf), "\x00")

	// "Local:arv-fake-camera.xml;0x10000;0x3b9" — file name, address and
	// length in device memory.
	switch {
	case strings.HasPrefix(url, "Local:") || strings.HasPrefix(url, "local:"):
		parts := strings.Split(url[len("Local:"):], ";")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%w: malformed xml url %q", aravis.ErrParse, url)
		}
		addr, err := parseHex(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: xml url address %q", aravis.ErrParse, parts[1])
		}
		size, err := parseHex(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: xml url size %q", aravis.ErrParse, parts[2])
		}
		data := make([]byte, size)
		if err := d.conn.ReadMemory(uint32(addr), data); err != nil {
			return nil, fmt.Errorf("gige open: xml download: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: xml url scheme %q", aravis.ErrNotImplemented, url)
	}
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	return strconv.ParseUint(s, 16, 64)
}

func (d *Device) checkAlive() error {
	select {
	case <-d.lost:
		return aravis.ErrNotConnected
	default:
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return aravis.ErrNotConnected
	}
	return nil
}

// ReadRegister reads one 32-bit camera register.
func (d *Device) ReadRegister(address uint64) (uint32, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	return d.conn.ReadRegister(uint32(address))
}

// WriteRegister writes one 32-bit camera register.
func (d *Device) WriteRegister(address uint64, value uint32) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.conn.WriteRegister(uint32(address), value)
}

// ReadMemory fills data from camera memory.
func (d *Device) ReadMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.conn.ReadMemory(uint32(address), data)
}

// WriteMemory stores data into camera memory.
func (d *Device) WriteMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	return d.conn.WriteMemory(uint32(address), data)
}

// GenicamXML returns the downloaded document text.
func (d *Device) GenicamXML() ([]byte, error) {
	return d.xml, nil
}

// Document returns the parsed feature graph.
func (d *Device) Document() *genicam.Document {
	return d.doc
}

// ControlLost reports loss of the control channel.
func (d *Device) ControlLost() <-chan struct{} {
	return d.lost
}

// CreateStream configures the camera's stream channel zero towards a
// local socket and starts the receive path.
func (d *Device) CreateStream() (stream.Stream, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	s, err := newStream(d, d.logger)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Close stops streams, the heartbeat, releases the control privilege and
// the socket.
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
	if d.heartbeat != nil {
		d.heartbeat.Stop()
	}
	// Best effort: a lost camera cannot take the release write anyway.
	d.conn.WriteRegister(gvcp.BootstrapCCP, gvcp.CCPOpen)
	return d.conn.Close()
}
