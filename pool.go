package ethdma

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/ring"
)

// ErrNoBuffers is returned when a pool has no free buffer left.
var ErrNoBuffers = errors.New("buffer pool is empty")

// FrameHandler receives a copy of the raw bytes of a frame, frame check
// sequence included.
type FrameHandler func(frame []byte)

// Buffer is a fixed size block of DMA memory owned by a BufferPool.
type Buffer struct {
	Data []byte
	pool *BufferPool
}

// Release returns b to its pool.
func (b *Buffer) Release() {
	b.pool.put(b)
}

// BufferPool is a fixed set of equally sized buffers carved out of one
// allocation. It implements [ring.Stack] for a port and takes transmitted
// buffers back. Received frames are copied out and queued until Deliver
// hands them to the FrameHandler, outside of any ring lock.
type BufferPool struct {
	alloc dma.Allocator
	mem   []byte
	size  int
	count int

	mu      sync.Mutex
	free    []*Buffer
	handler FrameHandler
	queued  [][]byte

	txFailed atomic.Uint64
	starved  atomic.Uint64
}

// NewBufferPool allocates count buffers of at least size bytes from alloc.
// Buffers are aligned for use as receive buffers.
func NewBufferPool(alloc dma.Allocator, count, size int) (*BufferPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid buffer pool of %d buffers of %d bytes", count, size)
	}
	size = (size + ring.RxBufferAlign - 1) &^ (ring.RxBufferAlign - 1)

	mem, err := alloc.Alloc(count*size, ring.RxBufferAlign)
	if err != nil {
		return nil, fmt.Errorf("allocate buffer pool: %w", err)
	}

	p := &BufferPool{
		alloc: alloc,
		mem:   mem,
		size:  size,
		count: count,
		free:  make([]*Buffer, 0, count),
	}
	for i := 0; i < count; i++ {
		o := i * size
		p.free = append(p.free, &Buffer{Data: mem[o : o+size : o+size], pool: p})
	}
	return p, nil
}

// SetHandler replaces the receiver of frames. A nil handler drops them.
func (p *BufferPool) SetHandler(h FrameHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// Get takes a free buffer out of the pool.
func (p *BufferPool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.starved.Add(1)
		return nil, ErrNoBuffers
	}
	b := p.free[n-1]
	p.free = p.free[:n-1]
	return b, nil
}

func (p *BufferPool) put(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
}

// Size is the usable size of every buffer.
func (p *BufferPool) Size() int {
	return p.size
}

// Free returns the number of buffers in the pool.
func (p *BufferPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Len returns the number of buffers the pool was created with.
func (p *BufferPool) Len() int {
	return p.count
}

// TxFailed returns how many transmitted buffers came back as failed.
func (p *BufferPool) TxFailed() uint64 {
	return p.txFailed.Load()
}

// Starved returns how often Get found the pool empty.
func (p *BufferPool) Starved() uint64 {
	return p.starved.Load()
}

// Close returns the pool's memory. Every buffer must have been released.
func (p *BufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mem == nil {
		return nil
	}
	if len(p.free) != p.count {
		return fmt.Errorf("%d of %d buffers are still in use", p.count-len(p.free), p.count)
	}
	p.alloc.Free(p.mem)
	p.mem = nil
	p.free = nil
	return nil
}

func (p *BufferPool) AllocRx() (ring.Buffer, []byte, bool) {
	b, err := p.Get()
	if err != nil {
		return nil, nil, false
	}
	return b, b.Data, true
}

func (p *BufferPool) ConsumeRx(buf ring.Buffer, n int) {
	b := buf.(*Buffer)

	p.mu.Lock()
	if n != ring.Discard && p.handler != nil {
		p.queued = append(p.queued, slices.Clone(b.Data[:min(n, len(b.Data))]))
	}
	p.free = append(p.free, b)
	p.mu.Unlock()
}

// Deliver hands every queued frame to the handler and returns how many there
// were.
func (p *BufferPool) Deliver() int {
	p.mu.Lock()
	q, h := p.queued, p.handler
	p.queued = nil
	p.mu.Unlock()

	if h == nil {
		return 0
	}
	for _, f := range q {
		h(f)
	}
	return len(q)
}

func (p *BufferPool) CleanupTx(buf ring.Buffer, failed bool) {
	if failed {
		p.txFailed.Add(1)
	}
	if b, ok := buf.(*Buffer); ok && b.pool == p {
		b.Release()
	}
}
