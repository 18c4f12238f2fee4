// Package usb3 implements the USB3 Vision transport on top of libusb
// bulk endpoints: the U3V control channel with retry and request id
// matching, and the stream channel with a ring of asynchronous
// transfers.
package usb3

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/device"
	"github.com/go-aravis/aravis/genicam"
	"github.com/go-aravis/aravis/stream"
	"github.com/go-aravis/aravis/u3v"
)

// U3V interface identification: miscellaneous class, USB3 Vision
// subclass, one protocol per channel.
const (
	u3vClass    = 0xef
	u3vSubclass = 0x05

	protocolControl = 0x00
	protocolEvent   = 0x01
	protocolStream  = 0x02
)

const (
	defaultAckTimeout = 1000 * time.Millisecond
	defaultRetries    = 6
	busyBackoff       = 10 * time.Millisecond

	// controlChunk bounds one read/write memory command payload.
	controlChunk = 512
)

// Device is one USB3 Vision camera under control.
type Device struct {
	usb  *gousb.Device
	done func() // releases claimed interfaces

	ctrlIn  *gousb.InEndpoint
	ctrlOut *gousb.OutEndpoint

	streamIntf *gousb.Interface
	streamIn   *gousb.InEndpoint

	logger *zap.Logger

	mu         sync.Mutex
	reqID      uint16
	ackTimeout time.Duration
	retries    int

	doc *genicam.Document
	xml []byte

	lost     chan struct{}
	lostOnce sync.Once

	streams []*Stream
	closed  bool
}

// DeviceOption configures openDevice.
type DeviceOption func(*Device)

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) DeviceOption {
	return func(d *Device) { d.logger = l }
}

// WithAckTimeout overrides the per-attempt acknowledge timeout.
func WithAckTimeout(t time.Duration) DeviceOption {
	return func(d *Device) { d.ackTimeout = t }
}

// openDevice claims the control and stream interfaces of an opened USB
// device and bootstraps the GenICam document.
func openDevice(ctx context.Context, usbDev *gousb.Device, opts ...DeviceOption) (*Device, error) {
	d := &Device{
		usb:        usbDev,
		logger:     zap.NewNop(),
		ackTimeout: defaultAckTimeout,
		retries:    defaultRetries,
		lost:       make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}

	usbDev.SetAutoDetach(true)
	if err := d.claim(); err != nil {
		return nil, err
	}

	xml, err := d.downloadGenicam()
	if err != nil {
		d.release()
		return nil, err
	}
	d.xml = xml
	doc, err := genicam.Parse(xml, genicam.WithLogger(d.logger))
	if err != nil {
		d.release()
		return nil, err
	}
	d.doc = doc
	device.BindPorts(doc, d)

	d.logger.Info("u3v device opened", zap.String("model", doc.ModelName()))
	return d, nil
}

// claim walks the active configuration looking for the U3V control and
// stream interfaces and their bulk endpoints.
func (d *Device) claim() error {
	cfgNum, err := d.usb.ActiveConfigNum()
	if err != nil {
		cfgNum = 1
	}
	cfg, err := d.usb.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("u3v claim config: %w", err)
	}

	var ctrlIntf, streamIntf *gousb.Interface
	for _, idesc := range cfg.Desc.Interfaces {
		for _, alt := range idesc.AltSettings {
			if alt.Class != u3vClass || alt.SubClass != u3vSubclass {
				continue
			}
			switch alt.Protocol {
			case protocolControl:
				if ctrlIntf == nil {
					intf, err := cfg.Interface(idesc.Number, alt.Alternate)
					if err != nil {
						return fmt.Errorf("u3v claim control interface: %w", err)
					}
					ctrlIntf = intf
				}
			case protocolStream:
				if streamIntf == nil {
					intf, err := cfg.Interface(idesc.Number, alt.Alternate)
					if err != nil {
						return fmt.Errorf("u3v claim stream interface: %w", err)
					}
					streamIntf = intf
				}
			}
		}
	}
	if ctrlIntf == nil {
		cfg.Close()
		return fmt.Errorf("%w: no u3v control interface", aravis.ErrInvalidArgument)
	}

	for _, ep := range ctrlIntf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && d.ctrlIn == nil {
			d.ctrlIn, err = ctrlIntf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && d.ctrlOut == nil {
			d.ctrlOut, err = ctrlIntf.OutEndpoint(ep.Number)
		}
		if err != nil {
			cfg.Close()
			return fmt.Errorf("u3v control endpoint: %w", err)
		}
	}
	if d.ctrlIn == nil || d.ctrlOut == nil {
		cfg.Close()
		return fmt.Errorf("%w: u3v control endpoints missing", aravis.ErrInvalidArgument)
	}

	if streamIntf != nil {
		for _, ep := range streamIntf.Setting.Endpoints {
			if ep.TransferType == gousb.TransferTypeBulk && ep.Direction == gousb.EndpointDirectionIn {
				d.streamIn, err = streamIntf.InEndpoint(ep.Number)
				if err != nil {
					d.logger.Warn("u3v stream endpoint", zap.Error(err))
				}
				break
			}
		}
		d.streamIntf = streamIntf
	}

	d.done = func() {
		ctrlIntf.Close()
		if streamIntf != nil {
			streamIntf.Close()
		}
		cfg.Close()
	}
	return nil
}

func (d *Device) release() {
	if d.done != nil {
		d.done()
		d.done = nil
	}
}

func (d *Device) nextID() uint16 {
	d.reqID++
	if d.reqID == 0 {
		d.reqID = 1
	}
	return d.reqID
}

// transact performs one control exchange on the bulk endpoints,
// mirroring the GVCP retry and id-matching discipline.
func (d *Device) transact(command uint16, payload []byte) (*u3v.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID()
	pkt := u3v.SerializeCommand(command, u3v.FlagRequestAck, id, payload)

	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("u3v retransmit",
				zap.Uint16("command", command),
				zap.Uint16("request_id", id),
				zap.Int("attempt", attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.ackTimeout)
		_, err := d.ctrlOut.WriteContext(ctx, pkt)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("u3v send: %w", err)
		}
		ack, err := d.awaitAck(ctx, id)
		cancel()
		if err != nil {
			if errors.Is(err, aravis.ErrTimeout) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if ack.Status == u3v.StatusBusy {
			time.Sleep(busyBackoff)
			attempt--
			continue
		}
		if err := u3v.StatusError(ack.Status); err != nil {
			return nil, fmt.Errorf("u3v command 0x%04x: %w", command, err)
		}
		return ack, nil
	}
	// A camera that stopped answering the control endpoint is gone.
	d.controlLost()
	return nil, fmt.Errorf("u3v command 0x%04x after %d retries: %w",
		command, d.retries, lastErr)
}

func (d *Device) awaitAck(ctx context.Context, id uint16) (*u3v.Ack, error) {
	buf := make([]byte, controlChunk+64)
	for {
		n, err := d.ctrlIn.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, aravis.ErrTimeout
			}
			return nil, fmt.Errorf("u3v receive: %w", err)
		}
		ack, err := u3v.ParseAck(buf[:n])
		if err != nil {
			d.logger.Debug("u3v malformed ack dropped", zap.Error(err))
			continue
		}
		if ack.ID != id {
			d.logger.Debug("u3v stale ack dropped",
				zap.Uint16("want", id), zap.Uint16("got", ack.ID))
			continue
		}
		if ack.Command == u3v.AckPending {
			// Pending acks extend the exchange; the context deadline
			// still caps the total wait.
			continue
		}
		return ack, nil
	}
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

// ReadMemory fills data from the device address space, chunked to the
// control payload limit.
func (d *Device) ReadMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	for done := 0; done < len(data); {
		chunk := len(data) - done
		if chunk > controlChunk {
			chunk = controlChunk
		}
		ack, err := d.transact(u3v.CmdReadMem, u3v.ReadMemPayload(address+uint64(done), uint16(chunk)))
		if err != nil {
			return err
		}
		if len(ack.Payload) < chunk {
			return fmt.Errorf("%w: short u3v readmem ack", aravis.ErrProtocol)
		}
		copy(data[done:done+chunk], ack.Payload[:chunk])
		done += chunk
	}
	return nil
}

// WriteMemory stores data into the device address space.
func (d *Device) WriteMemory(address uint64, data []byte) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	for done := 0; done < len(data); {
		chunk := len(data) - done
		if chunk > controlChunk {
			chunk = controlChunk
		}
		if _, err := d.transact(u3v.CmdWriteMem, u3v.WriteMemPayload(address+uint64(done), data[done:done+chunk])); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// ReadRegister reads one 32-bit little-endian register.
func (d *Device) ReadRegister(address uint64) (uint32, error) {
	var buf [4]byte
	if err := d.ReadMemory(address, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteRegister writes one 32-bit little-endian register.
func (d *Device) WriteRegister(address uint64, value uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	return d.WriteMemory(address, buf[:])
}

// downloadGenicam walks the manifest table and fetches the first
// GenICam document from device memory.
func (d *Device) downloadGenicam() ([]byte, error) {
	var addrBuf [8]byte
	if err := d.readRaw(u3v.ABRMManifestTableAddr, addrBuf[:]); err != nil {
		return nil, fmt.Errorf("u3v manifest address: %w", err)
	}
	tableAddr := binary.LittleEndian.Uint64(addrBuf[:])

	var countBuf [8]byte
	if err := d.readRaw(tableAddr, countBuf[:]); err != nil {
		return nil, fmt.Errorf("u3v manifest count: %w", err)
	}
	if binary.LittleEndian.Uint64(countBuf[:]) == 0 {
		return nil, fmt.Errorf("%w: empty u3v manifest", aravis.ErrParse)
	}

	entry := make([]byte, u3v.ManifestEntrySize)
	if err := d.readRaw(tableAddr+8, entry); err != nil {
		return nil, fmt.Errorf("u3v manifest entry: %w", err)
	}
	docAddr := binary.LittleEndian.Uint64(entry[8:16])
	docSize := binary.LittleEndian.Uint64(entry[16:24])
	if docSize == 0 || docSize > 16<<20 {
		return nil, fmt.Errorf("%w: u3v document size %d", aravis.ErrParse, docSize)
	}

	xml := make([]byte, docSize)
	if err := d.readRaw(docAddr, xml); err != nil {
		return nil, fmt.Errorf("u3v document download: %w", err)
	}
	return xml, nil
}

// readRaw is ReadMemory without the liveness gate, usable during open.
func (d *Device) readRaw(address uint64, data []byte) error {
	for done := 0; done < len(data); {
		chunk := len(data) - done
		if chunk > controlChunk {
			chunk = controlChunk
		}
		ack, err := d.transact(u3v.CmdReadMem, u3v.ReadMemPayload(address+uint64(done), uint16(chunk)))
		if err != nil {
			return err
		}
		if len(ack.Payload) < chunk {
			return fmt.Errorf("%w: short u3v readmem ack", aravis.ErrProtocol)
		}
		copy(data[done:done+chunk], ack.Payload[:chunk])
		done += chunk
	}
	return nil
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

func (d *Device) controlLost() {
	d.lostOnce.Do(func() {
		d.logger.Error("u3v control lost")
		close(d.lost)
	})
}

// CreateStream starts the transfer ring on the stream endpoint.
func (d *Device) CreateStream() (stream.Stream, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	if d.streamIn == nil {
		return nil, fmt.Errorf("%w: device has no stream endpoint", aravis.ErrInvalidArgument)
	}
	s, err := newStream(d, d.streamIn, d.logger)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.streams = append(d.streams, s)
	d.mu.Unlock()
	return s, nil
}

// Close stops streams and releases the claimed interfaces and the USB
// handle.
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
	d.release()
	return d.usb.Close()
}
