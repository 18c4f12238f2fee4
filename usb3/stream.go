package usb3

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/gousb"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/go-aravis/aravis/stream"
	"github.com/go-aravis/aravis/u3v"
)

// Mode selects how stream transfers are submitted.
type Mode int

const (
	// ModeAsync keeps a ring of transfers submitted concurrently.
	ModeAsync Mode = iota
	// ModeSync issues one transfer at a time; diagnostic only.
	ModeSync
)

const (
	// DefaultNSubmits is the depth of the asynchronous transfer ring.
	DefaultNSubmits = 8
	// DefaultMaxTransferSize is the size of each bulk transfer.
	DefaultMaxTransferSize = 1 << 20
)

// Stream is one U3V stream channel: a ring of bulk transfers feeding the
// leader/payload/trailer frame engine.
type Stream struct {
	dev    *Device
	ep     *gousb.InEndpoint
	logger *zap.Logger

	mode            Mode
	nSubmits        int
	maxTransferSize int

	input  *stream.Queue
	output *stream.Queue
	engine *u3v.FrameEngine

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newStream(d *Device, ep *gousb.InEndpoint, logger *zap.Logger) (*Stream, error) {
	s := &Stream{
		dev:             d,
		ep:              ep,
		logger:          logger,
		mode:            envMode(),
		nSubmits:        DefaultNSubmits,
		maxTransferSize: envTransferSize(),
		input:           stream.NewQueue(),
		output:          stream.NewQueue(),
	}
	s.engine = u3v.NewFrameEngine(s.input, s.output, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.receiveLoop(ctx) })

	logger.Info("u3v stream started",
		zap.Int("n_submits", s.nSubmits),
		zap.Int("max_transfer_size", s.maxTransferSize),
		zap.Bool("sync", s.mode == ModeSync))
	return s, nil
}

// receiveLoop reads transfer completions and feeds them to the frame
// engine. In async mode the endpoint keeps nSubmits transfers in flight;
// each Read returns one completed transfer because the destination
// buffer spans a whole transfer.
func (s *Stream) receiveLoop(ctx context.Context) error {
	defer s.engine.Flush(stream.StatusAborted)

	buf := make([]byte, s.maxTransferSize)

	if s.mode == ModeSync {
		for ctx.Err() == nil {
			readCtx, cancel := context.WithTimeout(ctx, time.Second)
			n, err := s.ep.ReadContext(readCtx, buf)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			s.engine.ProcessTransfer(buf[:n])
		}
		return nil
	}

	rs, err := s.ep.NewStream(s.maxTransferSize, s.nSubmits)
	if err != nil {
		s.logger.Error("u3v transfer ring", zap.Error(err))
		return err
	}
	defer rs.Close()

	go func() {
		// Closing the ring cancels in-flight transfers and unblocks Read.
		<-ctx.Done()
		rs.Close()
	}()

	for {
		n, err := rs.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("u3v transfer failed", zap.Error(err))
			s.engine.Flush(stream.StatusFillingError)
			return err
		}
		s.engine.ProcessTransfer(buf[:n])
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

// Stop cancels in-flight transfers, awaits the receive task and drains
// both queues with status aborted.
func (s *Stream) Stop() error {
	s.cancel()
	err := s.group.Wait()
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

func envMode() Mode {
	if strings.EqualFold(os.Getenv("ARV_USB_MODE"), "sync") {
		return ModeSync
	}
	return ModeAsync
}

func envTransferSize() int {
	if v := os.Getenv("ARV_UV_MAX_TRANSFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return DefaultMaxTransferSize
}
