package stream

import (
	"sync"
	"sync/atomic"
)

// Pool recycles transfer staging buffers to keep per-packet allocations
// off the receive path. It is safe for concurrent use.
type Pool struct {
	pool sync.Pool

	// defaultCap is the capacity of newly allocated buffers.
	defaultCap int

	gets    atomic.Int64
	puts    atomic.Int64
	allocs  atomic.Int64
	resizes atomic.Int64
}

// NewPool creates a pool whose fresh buffers hold defaultCapacity bytes.
func NewPool(defaultCapacity int) *Pool {
	p := &Pool{defaultCap: defaultCapacity}
	p.pool.New = func() any {
		buf := make([]byte, 0, p.defaultCap)
		p.allocs.Add(1)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly size bytes, growing a recycled buffer
// when its capacity is short.
func (p *Pool) Get(size int) []byte {
	p.gets.Add(1)
	bufPtr := p.pool.Get().(*[]byte)
	if cap(*bufPtr) < size {
		p.resizes.Add(1)
		newCap := size * 2
		if newCap < p.defaultCap {
			newCap = p.defaultCap
		}
		*bufPtr = make([]byte, size, newCap)
	} else {
		*bufPtr = (*bufPtr)[:size]
	}
	return *bufPtr
}

// Put returns a buffer for reuse. Nil and zero-capacity slices are
// ignored.
func (p *Pool) Put(buf []byte) {
	if buf == nil || cap(buf) == 0 {
		return
	}
	p.puts.Add(1)
	buf = buf[:0]
	p.pool.Put(&buf)
}

// Stats reports pool counters since creation.
func (p *Pool) Stats() (gets, puts, allocs, resizes int64) {
	return p.gets.Load(), p.puts.Load(), p.allocs.Load(), p.resizes.Load()
}
