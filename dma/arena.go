package dma

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrArenaExhausted is returned when no free range of the arena is large
	// enough to satisfy an allocation.
	ErrArenaExhausted = errors.New("dma arena exhausted")

	// ErrNotInArena is returned when a bus address or slice does not belong
	// to the arena.
	ErrNotInArena = errors.New("address is outside of the dma arena")
)

// Mapper translates CPU visible memory into the 32-bit address the DMA
// engine uses for the same bytes. BusAddress is only valid for memory
// Contains reports.
type Mapper interface {
	BusAddress(b []byte) uint32
	Contains(b []byte) bool
}

// Allocator hands out DMA reachable memory.
type Allocator interface {
	Mapper
	Alloc(size, align int) ([]byte, error)
	Free(b []byte)
}

type span struct {
	off, size int
}

// Arena is a contiguous block of memory which the DMA engine sees at
// bus address Base. Allocations are first fit from a coalescing free list.
type Arena struct {
	mem  []byte
	base uint32

	mu   sync.Mutex
	free []span
	used map[int]int

	unmap bool
}

// NewArena maps size bytes of anonymous memory and presents it to the DMA
// engine at bus address base. This is what the simulator uses.
func NewArena(size int, base uint32) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid arena size %d", size)
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map anonymous arena: %w", err)
	}

	return newArena(mem, base, true), nil
}

// MapArena maps a physically contiguous region (usually reserved RAM seen
// through /dev/mem) whose bus address equals its physical address.
func MapArena(path string, phys int64, size int) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), phys, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map %s at %#x: %w", path, phys, err)
	}

	return newArena(mem, uint32(phys), true), nil
}

// NewArenaFrom wraps memory the caller already owns. Close will not unmap it.
func NewArenaFrom(mem []byte, base uint32) *Arena {
	return newArena(mem, base, false)
}

func newArena(mem []byte, base uint32, unmap bool) *Arena {
	return &Arena{
		mem:   mem,
		base:  base,
		free:  []span{{0, len(mem)}},
		used:  make(map[int]int),
		unmap: unmap,
	}
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() uint32 {
	return a.base
}

// Size returns the total size of the arena in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// Alloc returns size zeroed bytes whose bus address is a multiple of align.
func (a *Arena) Alloc(size, align int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("alignment %d is not a power of 2", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, s := range a.free {
		start := alignUp(int(a.base)+s.off, align) - int(a.base)
		pad := start - s.off
		if pad+size > s.size {
			continue
		}

		// Split the free span into the leading pad and the remainder.
		var repl []span
		if pad > 0 {
			repl = append(repl, span{s.off, pad})
		}
		if rest := s.size - pad - size; rest > 0 {
			repl = append(repl, span{start + size, rest})
		}
		a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
		a.used[start] = size

		b := a.mem[start : start+size : start+size]
		clear(b)
		return b, nil
	}

	return nil, fmt.Errorf("%w: want %d bytes aligned to %d", ErrArenaExhausted, size, align)
}

// Free returns an allocation made by Alloc. Freeing anything else panics.
func (a *Arena) Free(b []byte) {
	off, ok := a.offset(b)
	if !ok {
		panic("dma: free of memory outside the arena")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.used[off]
	if !ok {
		panic(fmt.Sprintf("dma: free of unknown allocation at offset %d", off))
	}
	delete(a.used, off)

	a.free = append(a.free, span{off, size})
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })

	merged := a.free[:1]
	for _, s := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.off+last.size == s.off {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	a.free = merged
}

// InUse returns the number of bytes currently allocated.
func (a *Arena) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, size := range a.used {
		n += size
	}
	return n
}

// BusAddress translates a slice of arena memory into its bus address.
// It panics for memory the arena does not own.
func (a *Arena) BusAddress(b []byte) uint32 {
	off, ok := a.offset(b)
	if !ok {
		panic("dma: bus address requested for memory outside the arena")
	}
	return a.base + uint32(off)
}

// Contains reports whether b lies within the arena.
func (a *Arena) Contains(b []byte) bool {
	_, ok := a.offset(b)
	return ok
}

// Slice returns the n bytes of arena memory seen by the DMA engine at bus.
func (a *Arena) Slice(bus uint32, n int) ([]byte, error) {
	if bus < a.base || n < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrNotInArena, bus)
	}

	off := int(bus - a.base)
	if off+n > len(a.mem) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrNotInArena, bus, n)
	}

	return a.mem[off : off+n : off+n], nil
}

// Close releases the arena memory. Any slice handed out becomes invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mem == nil {
		return nil
	}

	var err error
	if a.unmap {
		err = unix.Munmap(a.mem)
	}
	a.mem = nil
	a.free = nil
	a.used = nil
	return err
}

func (a *Arena) offset(b []byte) (int, bool) {
	if len(a.mem) == 0 || cap(b) == 0 {
		return 0, false
	}

	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	p := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	if p < start || p+uintptr(len(b)) > start+uintptr(len(a.mem)) {
		return 0, false
	}

	return int(p - start), true
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
