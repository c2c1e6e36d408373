package dma

import (
	"sync/atomic"
	"unsafe"
)

// Coherency keeps the CPU cache and the DMA engine's view of memory in
// agreement. Descriptor operations cover one descriptor, buffer operations
// cover the first n bytes of a buffer.
type Coherency interface {
	// InvalidateDescriptor discards cached lines so the next CPU read sees
	// what the DMA engine wrote.
	InvalidateDescriptor(d []byte)
	// FlushDescriptor writes back cached lines so the DMA engine sees what
	// the CPU wrote.
	FlushDescriptor(d []byte)
	InvalidateBuffer(b []byte, n int)
	FlushBuffer(b []byte, n int)
	// Barrier orders all prior memory writes before all later ones,
	// including MMIO.
	Barrier()
}

// Snooping is used when the memory controller snoops DMA transactions.
// Only the barrier does any work.
type Snooping struct{}

func (Snooping) InvalidateDescriptor([]byte)  {}
func (Snooping) FlushDescriptor([]byte)       {}
func (Snooping) InvalidateBuffer([]byte, int) {}
func (Snooping) FlushBuffer([]byte, int)      {}
func (Snooping) Barrier()                     { fence() }

// CacheOps are the per cache line operations of a platform without DMA
// snooping.
type CacheOps interface {
	InvalidateLine(addr uintptr)
	FlushLine(addr uintptr)
	Sync()
}

// Software maintains coherency by walking cache lines of Unit bytes.
type Software struct {
	Unit int
	Ops  CacheOps
}

func (s Software) InvalidateDescriptor(d []byte) {
	s.lines(d, len(d), s.Ops.InvalidateLine)
	s.Ops.Sync()
}

func (s Software) FlushDescriptor(d []byte) {
	s.lines(d, len(d), s.Ops.FlushLine)
	s.Ops.Sync()
}

func (s Software) InvalidateBuffer(b []byte, n int) {
	s.lines(b, n, s.Ops.InvalidateLine)
	s.Ops.Sync()
}

func (s Software) FlushBuffer(b []byte, n int) {
	s.lines(b, n, s.Ops.FlushLine)
	s.Ops.Sync()
}

func (s Software) Barrier() {
	s.Ops.Sync()
	fence()
}

func (s Software) lines(b []byte, n int, op func(uintptr)) {
	if n <= 0 || len(b) == 0 {
		return
	}
	if n > len(b) {
		n = len(b)
	}

	unit := uintptr(s.Unit)
	start := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	end := start + uintptr(n)
	for p := start &^ (unit - 1); p < end; p += unit {
		op(p)
	}
}

var fenceWord atomic.Uint32

// fence is a full memory barrier. Go atomics are sequentially consistent,
// so a read-modify-write on a shared word orders everything around it.
func fence() {
	fenceWord.Add(1)
}
