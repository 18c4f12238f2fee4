// Package stream holds the buffer model shared by the transport stream
// engines: client-allocated buffers cycle from an input queue, through
// the engine that fills them, to an output queue the client pops.
package stream

// BufferStatus describes the outcome of filling one buffer. It is not an
// error: callers must inspect the status of every popped buffer.
type BufferStatus int

const (
	// StatusSuccess marks a completely reassembled frame.
	StatusSuccess BufferStatus = iota
	// StatusCleared marks a buffer that was never filled.
	StatusCleared
	// StatusTimeout marks a frame abandoned after the frame retention
	// window elapsed.
	StatusTimeout
	// StatusMissingPackets marks a frame with payload gaps that resend
	// could not repair.
	StatusMissingPackets
	// StatusWrongPacketID marks a frame that received an out-of-protocol
	// packet id.
	StatusWrongPacketID
	// StatusSizeMismatch marks a frame larger than the buffer.
	StatusSizeMismatch
	// StatusFillingError marks a transport-level failure mid-frame.
	StatusFillingError
	// StatusAborted marks a buffer drained during shutdown.
	StatusAborted
	// StatusUnknown is the state of a buffer in flight.
	StatusUnknown
)

func (s BufferStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCleared:
		return "cleared"
	case StatusTimeout:
		return "timeout"
	case StatusMissingPackets:
		return "missing packets"
	case StatusWrongPacketID:
		return "wrong packet id"
	case StatusSizeMismatch:
		return "size mismatch"
	case StatusFillingError:
		return "filling error"
	case StatusAborted:
		return "aborted"
	}
	return "unknown"
}

// PayloadType describes what a buffer carries.
type PayloadType int

const (
	PayloadImage PayloadType = iota
	PayloadChunkData
	PayloadExtendedChunkData
)

// Buffer is an owned byte region plus frame metadata. The client
// allocates it, pushes it to a stream's input queue, and pops it back
// from the output queue once filled.
type Buffer struct {
	// Data is the backing region. The engine fills Data[:Size].
	Data []byte
	// Size is the number of valid payload bytes after filling.
	Size int

	Status      BufferStatus
	Payload     PayloadType
	FrameID     uint64
	Width       int
	Height      int
	OffsetX     int
	OffsetY     int
	PixelFormat uint32
	// Timestamp is the device timestamp from the frame leader, in device
	// clock ticks.
	Timestamp uint64

	// ChunkData is the chunk region appended after the image payload,
	// when the camera emits chunks.
	ChunkData []byte
}

// NewBuffer allocates a buffer with the given payload capacity.
func NewBuffer(size int) *Buffer {
	return &Buffer{Data: make([]byte, size), Status: StatusUnknown}
}

// Reset prepares a recycled buffer for refilling.
func (b *Buffer) Reset() {
	b.Size = 0
	b.Status = StatusUnknown
	b.FrameID = 0
	b.ChunkData = nil
}
