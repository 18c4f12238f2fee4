package gvcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis"
)

const (
	defaultAckTimeout = 1000 * time.Millisecond
	defaultRetries    = 6
	busyBackoff       = 10 * time.Millisecond
)

// Conn is a control connection to one camera. All commands are
// synchronous request/acknowledge exchanges serialized by an internal
// mutex; retries and busy backoff are internal, permanent failures
// surface.
type Conn struct {
	udp *net.UDPConn

	mu         sync.Mutex
	packetID   uint16
	ackTimeout time.Duration
	retries    int
	logger     *zap.Logger

	recvBuf [2048]byte
}

// Option configures a Conn.
type Option func(*Conn)

// WithAckTimeout overrides the per-attempt acknowledge timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Conn) { c.ackTimeout = d }
}

// WithRetries overrides the retransmit budget.
func WithRetries(n int) Option {
	return func(c *Conn) { c.retries = n }
}

// WithLogger installs a structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// Dial opens a control connection to the camera at the given IPv4
// address. The standard control port is assumed unless the address
// carries an explicit one.
func Dial(address string, opts ...Option) (*Conn, error) {
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, fmt.Sprint(Port))
	}
	raddr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", aravis.ErrInvalidArgument, err)
	}
	udp, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("gvcp dial %s: %w", address, err)
	}
	c := &Conn{
		udp:        udp,
		ackTimeout: defaultAckTimeout,
		retries:    defaultRetries,
		logger:     zap.NewNop(),
	}
	if d, ok := envDuration("ARV_PACKET_TIMEOUT"); ok {
		c.ackTimeout = d
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Close releases the socket.
func (c *Conn) Close() error {
	return c.udp.Close()
}

// LocalAddr returns the local UDP endpoint of the connection.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.udp.LocalAddr().(*net.UDPAddr)
}

// RemoteAddr returns the camera's UDP endpoint.
func (c *Conn) RemoteAddr() *net.UDPAddr {
	return c.udp.RemoteAddr().(*net.UDPAddr)
}

// nextID returns the next packet id; ids are monotonic 16-bit, wrap, and
// 0 is reserved.
func (c *Conn) nextID() uint16 {
	c.packetID++
	if c.packetID == 0 {
		c.packetID = 1
	}
	return c.packetID
}

// transact sends one command and waits for its acknowledge, matching by
// packet id. Lost acks retransmit up to the retry budget; busy statuses
// back off and do not consume it. Packet id matching makes a retried
// command idempotent at the camera.
func (c *Conn) transact(command uint16, payload []byte) (*Ack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID()
	pkt := SerializeCommand(command, FlagAckRequired, id, payload)

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("gvcp retransmit",
				zap.Uint16("command", command),
				zap.Uint16("packet_id", id),
				zap.Int("attempt", attempt))
		}
		if _, err := c.udp.Write(pkt); err != nil {
			return nil, fmt.Errorf("gvcp send: %w", err)
		}
		ack, err := c.awaitAck(command, id)
		if err != nil {
			if errors.Is(err, aravis.ErrTimeout) {
				lastErr = err
				continue
			}
			return nil, err
		}
		if ack.Status == StatusBusy {
			time.Sleep(busyBackoff)
			attempt--
			continue
		}
		if err := StatusError(ack.Status); err != nil {
			return nil, fmt.Errorf("gvcp command 0x%04x: %w", command, err)
		}
		return ack, nil
	}
	return nil, fmt.Errorf("gvcp command 0x%04x after %d retries: %w",
		command, c.retries, lastErr)
}

// awaitAck reads packets until one matches the expected id or the ack
// timeout elapses. Mismatched packets are dropped; pending acks extend
// the deadline.
func (c *Conn) awaitAck(command uint16, id uint16) (*Ack, error) {
	deadline := time.Now().Add(c.ackTimeout)
	for {
		if err := c.udp.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("gvcp deadline: %w", err)
		}
		n, err := c.udp.Read(c.recvBuf[:])
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return nil, aravis.ErrTimeout
			}
			return nil, fmt.Errorf("gvcp receive: %w", err)
		}
		// Cameras deliver EVENT_CMD on the control socket; acknowledge
		// and keep waiting for our ack.
		if n >= HeaderSize && c.recvBuf[0] == Magic {
			if cmd, flags, evID, _, perr := ParseCommand(c.recvBuf[:n]); perr == nil && cmd == CmdEvent {
				if flags&FlagAckRequired != 0 {
					c.udp.Write(SerializeAck(StatusSuccess, AckEvent, evID, nil))
				}
				continue
			}
		}
		ack, err := ParseAck(c.recvBuf[:n])
		if err != nil {
			c.logger.Debug("gvcp malformed ack dropped", zap.Error(err))
			continue
		}
		if ack.ID != id {
			c.logger.Debug("gvcp stale ack dropped",
				zap.Uint16("want", id), zap.Uint16("got", ack.ID))
			continue
		}
		if ack.Command == AckPending {
			// The camera asked for more time; the payload carries the
			// extension in milliseconds.
			ext := c.ackTimeout
			if len(ack.Payload) >= 4 {
				ext = time.Duration(binary.BigEndian.Uint16(ack.Payload[2:4])) * time.Millisecond
			}
			deadline = time.Now().Add(ext)
			continue
		}
		return ack, nil
	}
}

// ReadRegister reads one 32-bit register.
func (c *Conn) ReadRegister(address uint32) (uint32, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, address)
	ack, err := c.transact(CmdReadReg, payload)
	if err != nil {
		return 0, err
	}
	if len(ack.Payload) < 4 {
		return 0, fmt.Errorf("%w: short readreg ack", aravis.ErrProtocol)
	}
	return binary.BigEndian.Uint32(ack.Payload[:4]), nil
}

// WriteRegister writes one 32-bit register.
func (c *Conn) WriteRegister(address, value uint32) error {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], address)
	binary.BigEndian.PutUint32(payload[4:8], value)
	_, err := c.transact(CmdWriteReg, payload)
	return err
}

// ReadMemory fills data from the camera address space, chunking requests
// to the protocol's payload limit.
func (c *Conn) ReadMemory(address uint32, data []byte) error {
	for done := 0; done < len(data); {
		chunk := len(data) - done
		if chunk > maxPayload {
			chunk = maxPayload
		}
		payload := make([]byte, 8)
		binary.BigEndian.PutUint32(payload[0:4], address+uint32(done))
		binary.BigEndian.PutUint16(payload[6:8], uint16(chunk))
		ack, err := c.transact(CmdReadMem, payload)
		if err != nil {
			return err
		}
		if len(ack.Payload) < 4+chunk {
			return fmt.Errorf("%w: short readmem ack (%d bytes for %d)",
				aravis.ErrProtocol, len(ack.Payload), chunk)
		}
		copy(data[done:done+chunk], ack.Payload[4:4+chunk])
		done += chunk
	}
	return nil
}

// WriteMemory writes data into the camera address space, chunked like
// ReadMemory.
func (c *Conn) WriteMemory(address uint32, data []byte) error {
	for done := 0; done < len(data); {
		chunk := len(data) - done
		if chunk > maxPayload {
			chunk = maxPayload
		}
		payload := make([]byte, 4+chunk)
		binary.BigEndian.PutUint32(payload[0:4], address+uint32(done))
		copy(payload[4:], data[done:done+chunk])
		if _, err := c.transact(CmdWriteMem, payload); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// PacketResend asks the camera to retransmit a contiguous range of
// stream packets. Resend commands are fire-and-forget: no acknowledge is
// requested.
func (c *Conn) PacketResend(channel uint16, blockID uint16, firstID, lastID uint32) error {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint16(payload[0:2], channel)
	binary.BigEndian.PutUint16(payload[2:4], blockID)
	binary.BigEndian.PutUint32(payload[4:8], firstID)
	binary.BigEndian.PutUint32(payload[8:12], lastID)

	c.mu.Lock()
	defer c.mu.Unlock()
	pkt := SerializeCommand(CmdPacketResend, 0, c.nextID(), payload)
	if _, err := c.udp.Write(pkt); err != nil {
		return fmt.Errorf("gvcp packet resend: %w", err)
	}
	return nil
}

func envDuration(name string) (time.Duration, bool) {
	s := os.Getenv(name)
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}
