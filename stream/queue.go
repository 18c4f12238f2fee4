package stream

import (
	"sync"
	"time"

	"github.com/go-aravis/aravis"
)

// Queue is an unbounded FIFO of buffers. Push never blocks; Pop blocks
// until a buffer arrives, the timeout elapses or the queue is drained
// for shutdown.
type Queue struct {
	mu     sync.Mutex
	bufs   []*Buffer
	signal chan struct{}
	closed bool
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push appends a buffer and wakes one Pop waiter. Pushing to a drained
// queue stamps the buffer StatusAborted and discards it.
func (q *Queue) Push(b *Buffer) {
	q.mu.Lock()
	if q.closed {
		b.Status = StatusAborted
		q.mu.Unlock()
		return
	}
	q.bufs = append(q.bufs, b)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// TryPop removes and returns the oldest buffer, or nil.
func (q *Queue) TryPop() *Buffer {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *Queue) popLocked() *Buffer {
	if len(q.bufs) == 0 {
		return nil
	}
	b := q.bufs[0]
	q.bufs = q.bufs[1:]
	return b
}

// Pop blocks until a buffer is available or the timeout elapses.
// A timeout of zero waits forever.
func (q *Queue) Pop(timeout time.Duration) (*Buffer, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		q.mu.Lock()
		if b := q.popLocked(); b != nil {
			q.mu.Unlock()
			return b, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, aravis.ErrNotConnected
		}
		select {
		case <-q.signal:
		case <-deadline:
			return nil, aravis.ErrTimeout
		}
	}
}

// Len returns the number of queued buffers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bufs)
}

// Drain removes all buffers, stamping each with StatusAborted, and
// unblocks current and future Pop callers.
func (q *Queue) Drain() []*Buffer {
	q.mu.Lock()
	out := q.bufs
	q.bufs = nil
	wasClosed := q.closed
	q.closed = true
	q.mu.Unlock()
	for _, b := range out {
		b.Status = StatusAborted
	}
	if !wasClosed {
		close(q.signal)
	}
	return out
}
