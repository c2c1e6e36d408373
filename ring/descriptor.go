package ring

import "encoding/binary"

const (
	// DescriptorSize is the part of a slot the DMA engine reads and writes.
	DescriptorSize = 16
	// SlotSize is the distance between descriptors. It is also the
	// alignment of every descriptor, which keeps each one in its own cache
	// line on the platforms this runs on.
	SlotSize = 32
	// ScratchSize is the per slot area small TX fragments are copied into.
	ScratchSize   = 8
	scratchOffset = DescriptorSize

	// SmallFragment is the length below which a TX fragment must be 8 byte
	// aligned.
	SmallFragment = 8
	// RxBufferAlign is the required alignment of receive buffers and of
	// their size.
	RxBufferAlign = 8
	// MaxFragment is the largest byte count a descriptor can hold.
	MaxFragment = 0xffff
	maxRxBuffer = 0xffff &^ (RxBufferAlign - 1)
)

// cmd/status bits common to both directions.
const (
	Owned         = 1 << 31
	ErrorSummary  = 1 << 0
	ErrorCodeMask = 3 << 1
)

// TX cmd/status bits.
const (
	TxLateCollision   = 0 << 1
	TxRetransmitLimit = 1 << 1
	TxUnderrun        = 2 << 1
	TxPad             = 1 << 19
	TxLast            = 1 << 20
	TxFirst           = 1 << 21
	TxGenCRC          = 1 << 22
	TxIntEnable       = 1 << 23
)

// RX cmd/status bits.
const (
	RxCRCError    = 0 << 1
	RxOverrun     = 1 << 1
	RxMaxFrameLen = 2 << 1
	RxResource    = 3 << 1
	RxLast        = 1 << 26
	RxFirst       = 1 << 27
	RxIntEnable   = 1 << 29
)

// Descriptor is the hardware visible record in DMA memory. All fields are
// big endian:
//
//	0  byte count  (u16)
//	2  buffer size (RX) or L4 checksum (TX) (u16)
//	4  cmd/status  (u32)
//	8  next        (u32)
//	12 buffer      (u32)
type Descriptor []byte

func (d Descriptor) ByteCount() uint16 {
	return binary.BigEndian.Uint16(d[0:])
}

func (d Descriptor) SetByteCount(v uint16) {
	binary.BigEndian.PutUint16(d[0:], v)
}

// Aux is the buffer size of an RX descriptor or the checksum of a TX one.
func (d Descriptor) Aux() uint16 {
	return binary.BigEndian.Uint16(d[2:])
}

func (d Descriptor) SetAux(v uint16) {
	binary.BigEndian.PutUint16(d[2:], v)
}

func (d Descriptor) CmdSts() uint32 {
	return binary.BigEndian.Uint32(d[4:])
}

func (d Descriptor) SetCmdSts(v uint32) {
	binary.BigEndian.PutUint32(d[4:], v)
}

func (d Descriptor) Next() uint32 {
	return binary.BigEndian.Uint32(d[8:])
}

func (d Descriptor) SetNext(v uint32) {
	binary.BigEndian.PutUint32(d[8:], v)
}

func (d Descriptor) BufPtr() uint32 {
	return binary.BigEndian.Uint32(d[12:])
}

func (d Descriptor) SetBufPtr(v uint32) {
	binary.BigEndian.PutUint32(d[12:], v)
}

// Owned reports whether the DMA engine owns the descriptor.
func (d Descriptor) Owned() bool {
	return d.CmdSts()&Owned != 0
}

// reset clears everything but the link.
func (d Descriptor) reset() {
	d.SetByteCount(0)
	d.SetAux(0)
	d.SetCmdSts(0)
	d.SetBufPtr(0)
}
