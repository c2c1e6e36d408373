package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_Alloc(t *testing.T) {
	a, err := NewArena(4096, 0x10000000)
	require.NoError(t, err)
	defer a.Close()

	b1, err := a.Alloc(10, 1)
	require.NoError(t, err)
	assert.Len(t, b1, 10)
	assert.Equal(t, uint32(0x10000000), a.BusAddress(b1))

	b2, err := a.Alloc(64, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x10000020), a.BusAddress(b2))
	assert.Zero(t, a.BusAddress(b2)%32)

	// The pad left by aligning b2 is still usable.
	b3, err := a.Alloc(8, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1000000a), a.BusAddress(b3))

	assert.Equal(t, 82, a.InUse())
}

func TestArena_AllocZeroes(t *testing.T) {
	a, err := NewArena(256, 0)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(16, 8)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xff
	}
	a.Free(b)

	b, err = a.Alloc(16, 8)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 16), b)
}

func TestArena_Exhausted(t *testing.T) {
	a, err := NewArena(128, 0)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Alloc(129, 1)
	assert.ErrorIs(t, err, ErrArenaExhausted)

	b, err := a.Alloc(128, 1)
	require.NoError(t, err)

	_, err = a.Alloc(1, 1)
	assert.ErrorIs(t, err, ErrArenaExhausted)

	a.Free(b)
	_, err = a.Alloc(128, 1)
	assert.NoError(t, err)
}

func TestArena_FreeCoalesces(t *testing.T) {
	a, err := NewArena(96, 0)
	require.NoError(t, err)
	defer a.Close()

	b1, _ := a.Alloc(32, 1)
	b2, _ := a.Alloc(32, 1)
	b3, _ := a.Alloc(32, 1)

	a.Free(b1)
	a.Free(b3)
	a.Free(b2)
	assert.Zero(t, a.InUse())

	_, err = a.Alloc(96, 1)
	assert.NoError(t, err)
}

func TestArena_FreeForeign(t *testing.T) {
	a, err := NewArena(64, 0)
	require.NoError(t, err)
	defer a.Close()

	assert.Panics(t, func() { a.Free(make([]byte, 4)) })
	assert.Panics(t, func() { a.BusAddress(make([]byte, 4)) })
}

func TestArena_Slice(t *testing.T) {
	a, err := NewArena(64, 0x2000)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(8, 8)
	require.NoError(t, err)
	copy(b, "abcdefgh")

	s, err := a.Slice(a.BusAddress(b), 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), s)

	_, err = a.Slice(0x1000, 4)
	assert.ErrorIs(t, err, ErrNotInArena)

	_, err = a.Slice(0x2000+60, 8)
	assert.ErrorIs(t, err, ErrNotInArena)
}

func TestArena_InvalidArgs(t *testing.T) {
	_, err := NewArena(0, 0)
	assert.Error(t, err)

	a := NewArenaFrom(make([]byte, 64), 0)
	_, err = a.Alloc(0, 1)
	assert.Error(t, err)
	_, err = a.Alloc(8, 3)
	assert.Error(t, err)
	assert.NoError(t, a.Close())
}

func TestArena_Contains(t *testing.T) {
	a, err := NewArena(4096, 0x10000000)
	require.NoError(t, err)
	defer a.Close()

	b, err := a.Alloc(64, 8)
	require.NoError(t, err)
	assert.True(t, a.Contains(b))
	assert.True(t, a.Contains(b[60:]))
	assert.False(t, a.Contains(make([]byte, 64)))
	assert.Panics(t, func() { a.BusAddress(make([]byte, 64)) })
}
