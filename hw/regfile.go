package hw

import "sync"

// RegisterFile is plain memory behaving as registers. Every write is
// recorded so tests can check what was programmed and in which order.
type RegisterFile struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []Access
}

// Access is one recorded register write.
type Access struct {
	Off   uint32
	Value uint32
}

func NewRegisterFile() *RegisterFile {
	return &RegisterFile{regs: make(map[uint32]uint32)}
}

func (f *RegisterFile) Read(off uint32) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regs[off]
}

func (f *RegisterFile) Write(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[off] = v
	f.writes = append(f.writes, Access{off, v})
}

// Set changes a register without recording a write, the way hardware
// updates its own status registers.
func (f *RegisterFile) Set(off uint32, v uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[off] = v
}

// Writes returns the values written to off, oldest first.
func (f *RegisterFile) Writes(off uint32) []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	var v []uint32
	for _, a := range f.writes {
		if a.Off == off {
			v = append(v, a.Value)
		}
	}
	return v
}

// Log returns every recorded write, oldest first.
func (f *RegisterFile) Log() []Access {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Access(nil), f.writes...)
}

func (f *RegisterFile) ResetLog() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = nil
}
