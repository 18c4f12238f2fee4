package gvsp

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/go-aravis/aravis/stream"
)

// Config holds the stream engine knobs. Zero values take the documented
// defaults.
type Config struct {
	// PacketTimeout is how long a packet gap may stagnate before a
	// resend round.
	PacketTimeout time.Duration
	// InitialPacketTimeout is the grace period before the first resend
	// of a frame, covering camera-side transmission jitter.
	InitialPacketTimeout time.Duration
	// FrameRetention is how long an incomplete frame is kept after its
	// first packet.
	FrameRetention time.Duration
	// PacketRequestRatio bounds the share of a frame's packets the
	// engine will ask to be resent. An explicit zero (with
	// PacketRequestRatioSet) disables resend entirely; an unset zero
	// takes the default.
	PacketRequestRatio float64
	// PacketRequestRatioSet marks an explicit zero ratio.
	PacketRequestRatioSet bool
	// PacketSize fixes the payload bytes per full packet. When zero the
	// first payload packet seen defines it.
	PacketSize int
	// WindowSize is the number of concurrently reassembling frames.
	WindowSize int
}

const (
	DefaultPacketTimeout        = 40 * time.Millisecond
	DefaultInitialPacketTimeout = 200 * time.Millisecond
	DefaultFrameRetention       = 100 * time.Millisecond
	DefaultPacketRequestRatio   = 0.25
	defaultWindowSize           = 4
)

func (c *Config) fill() {
	if c.PacketTimeout == 0 {
		c.PacketTimeout = DefaultPacketTimeout
	}
	if c.InitialPacketTimeout == 0 {
		c.InitialPacketTimeout = DefaultInitialPacketTimeout
	}
	if c.FrameRetention == 0 {
		c.FrameRetention = DefaultFrameRetention
	}
	if c.PacketRequestRatio == 0 && !c.PacketRequestRatioSet {
		c.PacketRequestRatio = DefaultPacketRequestRatio
	}
	if c.WindowSize < 2 {
		c.WindowSize = defaultWindowSize
	}
}

// ResendFunc asks the camera, through the control channel, to resend a
// contiguous packet range of one frame.
type ResendFunc func(blockID uint64, firstID, lastID uint32)

type idRange struct {
	first, last uint32
}

// frame is the reassembly state of one block id.
type frame struct {
	blockID     uint64
	buf         *stream.Buffer
	leaderSeen  bool
	trailerSeen bool
	received    []bool // indexed by packetID-1
	unit        int    // payload bytes per full packet
	payloadSize uint64
	expected    int // payload packet count, 0 while unknown
	firstSeen   time.Time
	lastSeen    time.Time
	requested   []idRange // gaps already asked for, once each
	failed      bool      // a requested gap missed twice, or too wide to repair
	maxID       uint32    // highest packet id seen
	reordered   bool      // a packet arrived below maxID
}

// Engine reassembles GVSP packets into buffers. It is driven from a
// single receiver goroutine: ProcessPacket for every datagram and
// CheckTimeouts on the poll cadence.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	input  *stream.Queue
	output *stream.Queue
	resend ResendFunc

	frames    []*frame // ascending blockID
	lastBlock uint64
	haveBlock bool

	stats stream.Statistics
}

// NewEngine creates a reassembly engine between the two buffer queues.
// resend may be nil when the transport cannot repair loss.
func NewEngine(cfg Config, input, output *stream.Queue, resend ResendFunc, logger *zap.Logger) *Engine {
	cfg.fill()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		logger: logger,
		input:  input,
		output: output,
		resend: resend,
	}
}

// Stats returns frame disposition counters.
func (e *Engine) Stats() stream.Statistics {
	return e.stats
}

// extendBlockID widens a 16-bit block id into the monotonic 64-bit
// domain using signed modular distance, so wrap shows as a small
// positive step rather than a large backward jump.
func (e *Engine) extendBlockID(p *Packet) uint64 {
	if p.Extended {
		return p.BlockID
	}
	if !e.haveBlock {
		return p.BlockID
	}
	diff := int16(uint16(p.BlockID) - uint16(e.lastBlock))
	ext := int64(e.lastBlock) + int64(diff)
	if ext < 0 {
		return p.BlockID
	}
	return uint64(ext)
}

// ProcessPacket feeds one parsed packet into the reassembly window.
func (e *Engine) ProcessPacket(p *Packet, now time.Time) {
	blockID := e.extendBlockID(p)
	if !e.haveBlock || blockID > e.lastBlock {
		e.lastBlock = blockID
		e.haveBlock = true
	}

	f := e.findFrame(blockID)
	if f == nil {
		// Packets for frames already pushed out are late duplicates.
		if len(e.frames) > 0 && blockID < e.frames[0].blockID {
			return
		}
		f = e.newFrame(blockID, now)
	}
	f.lastSeen = now
	if p.PacketID < f.maxID {
		f.reordered = true
	} else {
		f.maxID = p.PacketID
	}

	switch p.Format {
	case FormatLeader:
		leader, err := ParseLeader(p.Data)
		if err != nil {
			e.logger.Debug("gvsp bad leader", zap.Uint64("block", blockID), zap.Error(err))
			e.finalize(f, stream.StatusFillingError)
			return
		}
		f.leaderSeen = true
		if f.buf != nil {
			f.buf.FrameID = blockID
			f.buf.Width = int(leader.Width)
			f.buf.Height = int(leader.Height)
			f.buf.OffsetX = int(leader.OffsetX)
			f.buf.OffsetY = int(leader.OffsetY)
			f.buf.PixelFormat = leader.PixelFormat
			f.buf.Timestamp = leader.Timestamp
			if leader.PayloadType == PayloadTypeChunkData {
				f.buf.Payload = stream.PayloadChunkData
			}
		}
	case FormatPayload:
		if p.PacketID == 0 {
			e.finalize(f, stream.StatusWrongPacketID)
			return
		}
		idx := int(p.PacketID) - 1
		for len(f.received) <= idx {
			f.received = append(f.received, false)
		}
		if f.received[idx] {
			return // duplicate
		}
		if f.unit == 0 {
			if e.cfg.PacketSize > 0 {
				f.unit = e.cfg.PacketSize
			} else {
				f.unit = len(p.Data)
			}
			// A trailer seen before any payload could not size the
			// frame; the first payload settles it.
			if f.trailerSeen && f.expected == 0 {
				f.expected = packetCount(f.payloadSize, f.unit)
			}
		}
		if f.buf != nil {
			offset := idx * f.unit
			if offset+len(p.Data) > len(f.buf.Data) {
				e.finalize(f, stream.StatusSizeMismatch)
				return
			}
			copy(f.buf.Data[offset:], p.Data)
		}
		f.received[idx] = true
	case FormatTrailer:
		trailer, err := ParseTrailer(p.Data)
		if err != nil {
			e.logger.Debug("gvsp bad trailer", zap.Uint64("block", blockID), zap.Error(err))
			e.finalize(f, stream.StatusFillingError)
			return
		}
		f.trailerSeen = true
		f.payloadSize = trailer.PayloadSize
		unit := f.unit
		if unit == 0 {
			unit = e.cfg.PacketSize
		}
		if unit > 0 {
			f.expected = packetCount(trailer.PayloadSize, unit)
		}
	}

	e.tryComplete(f)
}

func (e *Engine) findFrame(blockID uint64) *frame {
	for _, f := range e.frames {
		if f.blockID == blockID {
			return f
		}
	}
	return nil
}

func (e *Engine) newFrame(blockID uint64, now time.Time) *frame {
	f := &frame{
		blockID:   blockID,
		firstSeen: now,
		lastSeen:  now,
	}
	if f.buf = e.input.TryPop(); f.buf != nil {
		f.buf.Reset()
	} else {
		e.stats.UnderrunFrames++
		e.logger.Warn("gvsp input underrun", zap.Uint64("block", blockID))
	}
	e.frames = append(e.frames, f)
	sort.Slice(e.frames, func(i, j int) bool { return e.frames[i].blockID < e.frames[j].blockID })

	// The window keeps a few frames in flight; growing past it pushes
	// the oldest out as incomplete.
	for len(e.frames) > e.cfg.WindowSize {
		e.finalize(e.frames[0], stream.StatusMissingPackets)
	}
	return f
}

// missingRanges lists the contiguous gaps in 1..expected (or up to the
// highest id seen when the trailer is still missing).
func (f *frame) missingRanges() []idRange {
	limit := f.expected
	if limit == 0 {
		limit = len(f.received)
	}
	var out []idRange
	start := -1
	for i := 0; i < limit; i++ {
		have := i < len(f.received) && f.received[i]
		if !have && start < 0 {
			start = i
		}
		if have && start >= 0 {
			out = append(out, idRange{uint32(start + 1), uint32(i)})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, idRange{uint32(start + 1), uint32(limit)})
	}
	return out
}

func (f *frame) missingCount() int {
	n := 0
	for _, r := range f.missingRanges() {
		n += int(r.last - r.first + 1)
	}
	return n
}

func (f *frame) alreadyRequested(r idRange) bool {
	for _, q := range f.requested {
		if q.first == r.first && q.last == r.last {
			return true
		}
	}
	return false
}

// tryComplete finalizes the frame once leader, trailer and every payload
// packet are in, or once a gap is known to be beyond repair.
func (e *Engine) tryComplete(f *frame) {
	if !f.trailerSeen || !f.leaderSeen {
		return
	}
	if f.expected == 0 && f.payloadSize > 0 {
		return // no payload packet seen yet, unit unknown
	}
	missing := f.missingRanges()
	if len(missing) == 0 {
		e.finalize(f, stream.StatusSuccess)
		return
	}
	if f.failed {
		e.finalize(f, stream.StatusMissingPackets)
		return
	}
	// Out-of-order packets may still fill the gaps; resend rounds and the
	// retention timer settle such frames.
	if f.reordered {
		return
	}
	if !e.resendEnabled() || e.beyondRatio(f) {
		e.finalize(f, stream.StatusMissingPackets)
	}
}

func (e *Engine) resendEnabled() bool {
	return e.resend != nil && e.cfg.PacketRequestRatio > 0
}

// beyondRatio reports whether the frame's outstanding packets exceed the
// configured share and resending is hopeless.
func (e *Engine) beyondRatio(f *frame) bool {
	if f.expected == 0 {
		return false
	}
	return float64(f.missingCount()) > e.cfg.PacketRequestRatio*float64(f.expected)
}

// CheckTimeouts runs the time-driven transitions: gap resend rounds and
// frame retention expiry. It returns the engine's next wakeup interval.
func (e *Engine) CheckTimeouts(now time.Time) time.Duration {
	pending := append([]*frame(nil), e.frames...)
	for _, f := range pending {
		if e.findFrame(f.blockID) == nil {
			continue // finalized by an earlier iteration
		}
		if now.Sub(f.firstSeen) > e.cfg.FrameRetention {
			status := stream.StatusTimeout
			if f.missingCount() > 0 && (f.trailerSeen || len(f.requested) > 0) {
				status = stream.StatusMissingPackets
			}
			e.finalize(f, status)
			continue
		}
		if !e.resendEnabled() {
			continue
		}
		// Before the leader arrives the camera may still be pacing the
		// frame out; give it the longer initial grace.
		gapDelay := e.cfg.PacketTimeout
		if !f.leaderSeen && len(f.requested) == 0 {
			gapDelay = e.cfg.InitialPacketTimeout
		}
		if now.Sub(f.lastSeen) < gapDelay {
			continue
		}
		missing := f.missingRanges()
		if len(missing) == 0 {
			continue
		}
		if e.beyondRatio(f) {
			f.failed = true
			if f.trailerSeen {
				e.finalize(f, stream.StatusMissingPackets)
			}
			continue
		}
		for _, r := range missing {
			if f.alreadyRequested(r) {
				// Second miss of the same range: the frame cannot be
				// repaired.
				f.failed = true
				e.finalize(f, stream.StatusMissingPackets)
				break
			}
			f.requested = append(f.requested, r)
			e.stats.ResendRequests++
			e.logger.Debug("gvsp resend request",
				zap.Uint64("block", f.blockID),
				zap.Uint32("first", r.first),
				zap.Uint32("last", r.last))
			e.resend(f.blockID, r.first, r.last)
		}
	}
	return e.cfg.PacketTimeout
}

// Flush finalizes every in-flight frame with the given status; used at
// shutdown.
func (e *Engine) Flush(status stream.BufferStatus) {
	for len(e.frames) > 0 {
		e.finalize(e.frames[0], status)
	}
}

// finalize detaches the frame from the window and pushes its buffer to
// the output queue. Gaps are zero-filled so absent packets never leak
// recycled bytes.
func (e *Engine) finalize(f *frame, status stream.BufferStatus) {
	for i, q := range e.frames {
		if q == f {
			e.frames = append(e.frames[:i], e.frames[i+1:]...)
			break
		}
	}
	if f.buf == nil {
		e.stats.FailedFrames++
		return
	}

	if f.unit > 0 {
		for _, r := range f.missingRanges() {
			for id := r.first; id <= r.last; id++ {
				off := int(id-1) * f.unit
				end := off + f.unit
				if end > len(f.buf.Data) {
					end = len(f.buf.Data)
				}
				if off < end {
					zero(f.buf.Data[off:end])
				}
			}
		}
	}

	size := int(f.payloadSize)
	if size == 0 || size > len(f.buf.Data) {
		if f.unit > 0 {
			size = len(f.received) * f.unit
		}
		if size > len(f.buf.Data) {
			size = len(f.buf.Data)
		}
	}
	f.buf.Size = size
	f.buf.FrameID = f.blockID
	f.buf.Status = status

	if status == stream.StatusSuccess {
		e.stats.CompletedFrames++
	} else {
		e.stats.FailedFrames++
	}
	e.output.Push(f.buf)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// packetCount is the number of payload packets covering size bytes at
// unit bytes per packet.
func packetCount(size uint64, unit int) int {
	return int((size + uint64(unit) - 1) / uint64(unit))
}
