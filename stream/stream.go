package stream

import "time"

// Stream is the client-facing surface of a transport stream engine. The
// receive path behind it is owned by the engine; the client only cycles
// buffers.
type Stream interface {
	// PushBuffer hands an empty buffer to the engine's input queue.
	PushBuffer(b *Buffer)
	// PopBuffer removes the next filled buffer from the output queue,
	// waiting up to timeout (zero waits forever).
	PopBuffer(timeout time.Duration) (*Buffer, error)
	// TryPopBuffer removes the next filled buffer without waiting.
	TryPopBuffer() *Buffer
	// Stop shuts the receive path down and drains both queues with
	// status aborted.
	Stop() error
}

// Statistics counts frames as the engine disposed of them.
type Statistics struct {
	CompletedFrames uint64
	FailedFrames    uint64
	UnderrunFrames  uint64 // no buffer available on the input queue
	ResendRequests  uint64
	ResendRatio     float64
}
