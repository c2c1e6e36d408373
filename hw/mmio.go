package hw

import (
	"fmt"
	"math/bits"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIO accesses registers through a memory mapping of the device. Swap
// byte swaps every access, for little endian devices on big endian hosts
// and the reverse.
type MMIO struct {
	mem   []byte
	swap  bool
	unmap bool
}

// OpenMMIO maps size bytes of path (typically /dev/mem) at base.
func OpenMMIO(path string, base int64, size int, swap bool) (*MMIO, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map registers at %#x: %w", base, err)
	}

	return &MMIO{mem: mem, swap: swap, unmap: true}, nil
}

// NewMMIO uses mem as the register window.
func NewMMIO(mem []byte, swap bool) *MMIO {
	return &MMIO{mem: mem, swap: swap}
}

func (m *MMIO) Read(off uint32) uint32 {
	v := atomic.LoadUint32(m.word(off))
	if m.swap {
		v = bits.ReverseBytes32(v)
	}
	return v
}

func (m *MMIO) Write(off uint32, v uint32) {
	if m.swap {
		v = bits.ReverseBytes32(v)
	}
	atomic.StoreUint32(m.word(off), v)
}

func (m *MMIO) Close() error {
	if !m.unmap || m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

func (m *MMIO) word(off uint32) *uint32 {
	if off&3 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("hw: register offset %#x out of range", off))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}
