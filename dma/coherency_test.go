package dma

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

type recordingOps struct {
	invalidated []uintptr
	flushed     []uintptr
	syncs       int
}

func (r *recordingOps) InvalidateLine(addr uintptr) { r.invalidated = append(r.invalidated, addr) }
func (r *recordingOps) FlushLine(addr uintptr)      { r.flushed = append(r.flushed, addr) }
func (r *recordingOps) Sync()                       { r.syncs++ }

func TestSoftware_LinesAreRounded(t *testing.T) {
	a := NewArenaFrom(make([]byte, 256), 0)
	b, err := a.Alloc(128, 32)
	assert.NoError(t, err)

	p := uintptr(unsafe.Pointer(&b[0]))
	line := func(off uintptr) uintptr { return (p + off) &^ 31 }
	ops := &recordingOps{}
	s := Software{Unit: 32, Ops: ops}

	s.FlushBuffer(b[8:], 40)
	var want []uintptr
	for l := line(8); l < p+48; l += 32 {
		want = append(want, l)
	}
	assert.Equal(t, want, ops.flushed)
	assert.Equal(t, 1, ops.syncs)

	s.InvalidateDescriptor(b[:16])
	assert.Equal(t, line(0), ops.invalidated[0])
	assert.LessOrEqual(t, len(ops.invalidated), 2)

	// n is clamped to the slice.
	ops.flushed = nil
	s.FlushBuffer(b[96:], 1000)
	assert.Equal(t, line(96), ops.flushed[0])
	assert.Equal(t, line(127), ops.flushed[len(ops.flushed)-1])

	ops.flushed = nil
	s.FlushBuffer(b, 0)
	assert.Empty(t, ops.flushed)

	s.Barrier()
	assert.Equal(t, 5, ops.syncs)
}

func TestSnooping_NoOps(t *testing.T) {
	var c Coherency = Snooping{}
	b := []byte{1, 2, 3}
	c.FlushBuffer(b, 3)
	c.InvalidateBuffer(b, 3)
	c.FlushDescriptor(b)
	c.InvalidateDescriptor(b)
	c.Barrier()
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestDefault(t *testing.T) {
	c := Default(&recordingOps{}, 32)
	if SoftwareCoherency {
		assert.IsType(t, Software{}, c)
	} else {
		assert.IsType(t, Snooping{}, c)
	}
}
