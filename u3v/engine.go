package u3v

import (
	"go.uber.org/zap"

	"github.com/go-aravis/aravis/stream"
)

// FrameEngine turns the stream endpoint's transfer completions into
// filled buffers. There are no missing-packet semantics at the USB
// level: a framing error aborts the frame and the engine resynchronizes
// on the next leader.
type FrameEngine struct {
	input  *stream.Queue
	output *stream.Queue
	logger *zap.Logger

	cur      *stream.Buffer
	expected uint64
	filled   int
	skipping bool // discarding until the next leader after an error

	stats stream.Statistics
}

// NewFrameEngine creates a frame engine between the two buffer queues.
func NewFrameEngine(input, output *stream.Queue, logger *zap.Logger) *FrameEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FrameEngine{input: input, output: output, logger: logger}
}

// Stats returns frame disposition counters.
func (e *FrameEngine) Stats() stream.Statistics {
	return e.stats
}

// ProcessTransfer inspects one completed bulk transfer: a leader opens a
// frame, payload chunks append to it, a trailer closes and pushes it.
func (e *FrameEngine) ProcessTransfer(data []byte) {
	switch {
	case IsLeader(data):
		e.onLeader(data)
	case IsTrailer(data):
		e.onTrailer(data)
	default:
		e.onPayload(data)
	}
}

func (e *FrameEngine) onLeader(data []byte) {
	if e.cur != nil {
		// A leader inside an open frame is a framing error.
		e.logger.Warn("u3v leader inside open frame", zap.Uint64("block", e.cur.FrameID))
		e.abort(stream.StatusFillingError)
	}
	leader, err := ParseLeader(data)
	if err != nil {
		e.logger.Warn("u3v bad leader", zap.Error(err))
		e.skipping = true
		return
	}
	e.skipping = false

	buf := e.input.TryPop()
	if buf == nil {
		e.stats.UnderrunFrames++
		e.logger.Warn("u3v input underrun", zap.Uint64("block", leader.BlockID))
		e.skipping = true
		return
	}
	buf.Reset()
	buf.FrameID = leader.BlockID
	buf.Width = int(leader.Width)
	buf.Height = int(leader.Height)
	buf.OffsetX = int(leader.OffsetX)
	buf.OffsetY = int(leader.OffsetY)
	buf.PixelFormat = leader.PixelFormat
	buf.Timestamp = leader.Timestamp

	if leader.PayloadSize > uint64(len(buf.Data)) {
		buf.Status = stream.StatusSizeMismatch
		e.stats.FailedFrames++
		e.output.Push(buf)
		e.skipping = true
		return
	}
	e.cur = buf
	e.expected = leader.PayloadSize
	e.filled = 0
}

func (e *FrameEngine) onPayload(data []byte) {
	if e.cur == nil {
		if !e.skipping {
			e.logger.Debug("u3v payload outside frame dropped", zap.Int("bytes", len(data)))
		}
		return
	}
	if e.filled+len(data) > len(e.cur.Data) {
		e.abort(stream.StatusSizeMismatch)
		return
	}
	copy(e.cur.Data[e.filled:], data)
	e.filled += len(data)
}

func (e *FrameEngine) onTrailer(data []byte) {
	if e.cur == nil {
		e.skipping = false
		return
	}
	trailer, err := ParseTrailer(data)
	if err != nil {
		e.logger.Warn("u3v bad trailer", zap.Error(err))
		e.abort(stream.StatusFillingError)
		return
	}
	buf := e.cur
	e.cur = nil

	size := trailer.ValidPayloadSize
	if size == 0 {
		size = e.expected
	}
	if uint64(e.filled) < size {
		buf.Size = e.filled
		buf.Status = stream.StatusSizeMismatch
		e.stats.FailedFrames++
		e.output.Push(buf)
		return
	}
	buf.Size = int(size)
	buf.Status = stream.StatusSuccess
	e.stats.CompletedFrames++
	e.output.Push(buf)
}

// abort pushes the open frame out with the given status and discards
// transfers until the next leader.
func (e *FrameEngine) abort(status stream.BufferStatus) {
	if e.cur == nil {
		return
	}
	buf := e.cur
	e.cur = nil
	buf.Size = e.filled
	buf.Status = status
	e.stats.FailedFrames++
	e.output.Push(buf)
	e.skipping = true
}

// Flush aborts any open frame at shutdown.
func (e *FrameEngine) Flush(status stream.BufferStatus) {
	if e.cur != nil {
		e.abort(status)
	}
}
