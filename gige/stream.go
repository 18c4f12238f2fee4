package gige

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/go-aravis/aravis"
	"github.com/go-aravis/aravis/gvcp"
	"github.com/go-aravis/aravis/gvsp"
	"github.com/go-aravis/aravis/stream"
	"github.com/go-aravis/aravis/wakeup"
)

// pollCap bounds the receiver's poll so shutdown is observed within one
// cycle even on a silent wire.
const pollCap = 1 * time.Second

// Stream is one GVSP receive path. It owns its socket exclusively and
// borrows the device's control channel for packet resend requests.
type Stream struct {
	dev    *Device
	logger *zap.Logger

	udp    *net.UDPConn
	sockFd int
	wake   *wakeup.Wakeup

	input  *stream.Queue
	output *stream.Queue
	engine *gvsp.Engine

	group  *errgroup.Group
	stopCh chan struct{}
}

func newStream(d *Device, logger *zap.Logger) (*Stream, error) {
	udp, err := listenInPortRange()
	if err != nil {
		return nil, err
	}

	if autoSocketBuffer() {
		if rc, err := udp.SyscallConn(); err == nil {
			rc.Control(func(fd uintptr) {
				// Large receive buffers ride out scheduling jitter at
				// high packet rates.
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, 16*1024*1024)
			})
		}
	}

	var sockFd int
	if rc, err := udp.SyscallConn(); err == nil {
		rc.Control(func(fd uintptr) { sockFd = int(fd) })
	}

	wake, err := wakeup.New()
	if err != nil {
		udp.Close()
		return nil, err
	}

	s := &Stream{
		dev:    d,
		logger: logger,
		udp:    udp,
		sockFd: sockFd,
		wake:   wake,
		input:  stream.NewQueue(),
		output: stream.NewQueue(),
		stopCh: make(chan struct{}),
	}

	local := udp.LocalAddr().(*net.UDPAddr)
	packetSize, err := s.configureChannel(local)
	if err != nil {
		wake.Close()
		udp.Close()
		return nil, err
	}

	cfg := gvsp.Config{PacketSize: packetSize}
	if d, ok := envDuration("ARV_PACKET_TIMEOUT"); ok {
		cfg.PacketTimeout = d
	}
	if d, ok := envDuration("ARV_INITIAL_PACKET_TIMEOUT"); ok {
		cfg.InitialPacketTimeout = d
	}
	if d, ok := envDuration("ARV_FRAME_RETENTION"); ok {
		cfg.FrameRetention = d
	}
	if v := os.Getenv("ARV_PACKET_REQUEST_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.PacketRequestRatio = f
			cfg.PacketRequestRatioSet = true
		}
	}
	s.engine = gvsp.NewEngine(cfg, s.input, s.output, s.requestResend, logger)

	s.group = &errgroup.Group{}
	s.group.Go(s.receiveLoop)

	logger.Info("gvsp stream started",
		zap.String("local", local.String()),
		zap.Int("packet_size", packetSize))
	return s, nil
}

// configureChannel points the camera's stream channel zero at our
// socket and returns the negotiated packet payload size.
func (s *Stream) configureChannel(local *net.UDPAddr) (int, error) {
	localIP := outboundIP(s.dev.conn)
	if err := s.dev.conn.WriteRegister(gvcp.BootstrapSCPDestAddr, ipToU32(localIP)); err != nil {
		return 0, fmt.Errorf("gige stream: destination address: %w", err)
	}
	if err := s.dev.conn.WriteRegister(gvcp.BootstrapSCPPort, uint32(local.Port)); err != nil {
		return 0, fmt.Errorf("gige stream: destination port: %w", err)
	}
	pktReg, err := s.dev.conn.ReadRegister(gvcp.BootstrapSCPPacketSize)
	if err != nil {
		return 0, fmt.Errorf("gige stream: packet size: %w", err)
	}
	// The packet size register carries the total packet size in its low
	// 16 bits; subtract IP/UDP/GVSP overhead for the payload unit.
	packetSize := int(pktReg & 0xffff)
	payload := packetSize - 20 - 8 - 8
	if payload <= 0 {
		payload = 0
	}
	return payload, nil
}

// requestResend relays a missing range to the camera over the control
// channel.
func (s *Stream) requestResend(blockID uint64, firstID, lastID uint32) {
	if err := s.dev.conn.PacketResend(0, uint16(blockID), firstID, lastID); err != nil {
		s.logger.Warn("gvsp resend request failed", zap.Error(err))
	}
}

// receiveLoop polls the socket and the wakeup eventfd, feeding every
// datagram to the reassembly engine and running its timers on the poll
// cadence.
func (s *Stream) receiveLoop() error {
	defer s.engine.Flush(stream.StatusAborted)

	buf := make([]byte, 65536)
	fds := []unix.PollFd{
		{Fd: int32(s.sockFd), Events: unix.POLLIN},
		s.wake.PollFd(),
	}
	next := gvsp.DefaultPacketTimeout
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		timeout := next
		if timeout > pollCap {
			timeout = pollCap
		}
		fds[0].Revents = 0
		fds[1].Revents = 0
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if err != nil && err != unix.EINTR {
			s.logger.Error("gvsp poll failed", zap.Error(err))
			return err
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			s.wake.Acknowledge()
		}
		if n > 0 && fds[0].Revents&unix.POLLIN != 0 {
			s.drainSocket(buf)
		}
		next = s.engine.CheckTimeouts(time.Now())
	}
}

// drainSocket reads every queued datagram without blocking.
func (s *Stream) drainSocket(buf []byte) {
	now := time.Now()
	for {
		n, _, err := unix.Recvfrom(s.sockFd, buf, unix.MSG_DONTWAIT)
		if err != nil {
			return
		}
		pkt, err := gvsp.Parse(buf[:n])
		if err != nil {
			s.logger.Debug("gvsp malformed packet dropped", zap.Error(err))
			continue
		}
		s.engine.ProcessPacket(pkt, now)
	}
}

// PushBuffer hands an empty buffer to the engine.
func (s *Stream) PushBuffer(b *stream.Buffer) {
	s.input.Push(b)
}

// PopBuffer removes the next filled buffer, waiting up to timeout.
func (s *Stream) PopBuffer(timeout time.Duration) (*stream.Buffer, error) {
	return s.output.Pop(timeout)
}

// TryPopBuffer removes the next filled buffer without waiting.
func (s *Stream) TryPopBuffer() *stream.Buffer {
	return s.output.TryPop()
}

// Stop shuts the receive path down and drains both queues with status
// aborted.
func (s *Stream) Stop() error {
	select {
	case <-s.stopCh:
		return nil
	default:
	}
	close(s.stopCh)
	s.wake.Signal()
	err := s.group.Wait()
	s.wake.Close()
	s.udp.Close()
	for _, b := range s.input.Drain() {
		s.output.Push(b)
	}
	s.output.Drain()
	return err
}

// Statistics returns the engine's frame counters.
func (s *Stream) Statistics() stream.Statistics {
	return s.engine.Stats()
}

// listenInPortRange binds a UDP socket honoring the ARV_GV_PORT_RANGE
// knob ("min-max"); an unset range takes an ephemeral port.
func listenInPortRange() (*net.UDPConn, error) {
	rangeSpec := os.Getenv("ARV_GV_PORT_RANGE")
	if rangeSpec == "" {
		return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	}
	parts := strings.SplitN(rangeSpec, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: ARV_GV_PORT_RANGE %q", aravis.ErrInvalidArgument, rangeSpec)
	}
	min, err1 := strconv.Atoi(parts[0])
	max, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || min > max {
		return nil, fmt.Errorf("%w: ARV_GV_PORT_RANGE %q", aravis.ErrInvalidArgument, rangeSpec)
	}
	for port := min; port <= max; port++ {
		udp, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
		if err == nil {
			return udp, nil
		}
	}
	return nil, fmt.Errorf("%w: no free port in %d-%d", aravis.ErrResourceExhausted, min, max)
}

func autoSocketBuffer() bool {
	v := os.Getenv("ARV_AUTO_SOCKET_BUFFER")
	return v == "1" || strings.EqualFold(v, "true")
}

// outboundIP is the local address of the control connection, which is
// the interface the camera can reach us on.
func outboundIP(conn *gvcp.Conn) net.IP {
	return conn.LocalAddr().IP
}

func ipToU32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
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
