package test

import (
	"sync"

	"github.com/slackhq/ethdma/dma"
)

// RxEvent is one ConsumeRx call. Data holds a copy of the received bytes.
type RxEvent struct {
	Buf  any
	N    int
	Data []byte
}

// TxEvent is one CleanupTx call.
type TxEvent struct {
	Buf    any
	Failed bool
}

// Stack is a network stack stand-in that hands out receive buffers from an
// arena and records every callback.
type Stack struct {
	Arena   *dma.Arena
	BufSize int

	// Fail makes AllocRx report no buffers.
	Fail bool
	// Misalign makes AllocRx return buffers one byte off alignment.
	Misalign bool

	mu       sync.Mutex
	allocs   int
	next     int
	buffers  map[any]rxBuffer
	consumed []RxEvent
	cleaned  []TxEvent
}

type rxBuffer struct {
	mem  []byte
	data []byte
}

func NewStack(a *dma.Arena, bufSize int) *Stack {
	return &Stack{
		Arena:   a,
		BufSize: bufSize,
		buffers: make(map[any]rxBuffer),
	}
}

func (s *Stack) AllocRx() (any, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Fail {
		return nil, nil, false
	}

	size := s.BufSize
	if s.Misalign {
		size++
	}

	mem, err := s.Arena.Alloc(size, 8)
	if err != nil {
		return nil, nil, false
	}

	data := mem
	if s.Misalign {
		data = mem[1:]
	}

	s.allocs++
	s.next++
	h := s.next
	s.buffers[h] = rxBuffer{mem: mem, data: data}
	return h, data, true
}

func (s *Stack) ConsumeRx(buf any, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buffers[buf]
	ev := RxEvent{Buf: buf, N: n}
	if ok {
		if n > 0 {
			ev.Data = append([]byte(nil), b.data[:min(n, len(b.data))]...)
		}
		delete(s.buffers, buf)
		s.Arena.Free(b.mem)
	}
	s.consumed = append(s.consumed, ev)
}

func (s *Stack) CleanupTx(buf any, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned = append(s.cleaned, TxEvent{Buf: buf, Failed: failed})
}

// Allocs returns the number of successful AllocRx calls.
func (s *Stack) Allocs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocs
}

// Outstanding returns the number of receive buffers not yet consumed.
func (s *Stack) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}

func (s *Stack) Consumed() []RxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RxEvent(nil), s.consumed...)
}

func (s *Stack) Cleaned() []TxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TxEvent(nil), s.cleaned...)
}

// Reset forgets recorded callbacks.
func (s *Stack) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consumed = nil
	s.cleaned = nil
}
