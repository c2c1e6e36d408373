package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescriptor_MemoryLayout(t *testing.T) {
	mem := make([]byte, SlotSize)
	d := Descriptor(mem[:DescriptorSize])

	d.SetByteCount(0x0102)
	d.SetAux(0x0304)
	d.SetCmdSts(0x05060708)
	d.SetNext(0x090a0b0c)
	d.SetBufPtr(0x0d0e0f10)

	assert.Equal(t, []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c,
		0x0d, 0x0e, 0x0f, 0x10,
	}, mem[:DescriptorSize])
	// The scratch area is not touched.
	assert.Equal(t, make([]byte, SlotSize-DescriptorSize), mem[DescriptorSize:])

	assert.Equal(t, uint16(0x0102), d.ByteCount())
	assert.Equal(t, uint16(0x0304), d.Aux())
	assert.Equal(t, uint32(0x05060708), d.CmdSts())
	assert.Equal(t, uint32(0x090a0b0c), d.Next())
	assert.Equal(t, uint32(0x0d0e0f10), d.BufPtr())
	assert.False(t, d.Owned())

	d.SetCmdSts(Owned)
	assert.Equal(t, byte(0x80), mem[4])
	assert.True(t, d.Owned())

	d.reset()
	assert.Equal(t, uint32(0x090a0b0c), d.Next())
	assert.Zero(t, d.CmdSts())
	assert.Zero(t, d.BufPtr())
	assert.Zero(t, d.ByteCount())
	assert.Zero(t, d.Aux())
}

func TestDescriptor_Bits(t *testing.T) {
	assert.Equal(t, uint32(0x80000000), uint32(Owned))
	assert.Equal(t, uint32(0x00f00000), uint32(TxLast|TxFirst|TxGenCRC|TxIntEnable))
	assert.Equal(t, uint32(0x2c000000), uint32(RxLast|RxFirst|RxIntEnable))
	assert.Equal(t, uint32(6), uint32(ErrorCodeMask))
	assert.Equal(t, uint32(RxResource), uint32(ErrorCodeMask))
}
