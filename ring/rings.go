// Package ring implements the descriptor rings of the controller's DMA
// engine: allocation and linking, the TX enqueue and scavenge paths and the
// RX refill path.
//
// A Rings value is not safe for concurrent use. The TX side and the RX side
// may be driven from different goroutines, but each side from one at a time.
package ring

import (
	"errors"
	"fmt"

	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
)

var (
	// ErrRingSize is returned when the requested ring sizes are unusable.
	ErrRingSize = errors.New("invalid ring size")

	// ErrRxBuffer is returned when the stack could not supply a usable
	// receive buffer while arming the RX ring.
	ErrRxBuffer = errors.New("no usable receive buffer")
)

// Options configures a pair of rings.
type Options struct {
	// Regs is the register bank of the port the rings belong to.
	Regs      hw.Registers
	Alloc     dma.Allocator
	Coherency dma.Coherency
	Stack     Stack

	RxSize int
	TxSize int

	// MinFrame drops received frames shorter than this many bytes.
	MinFrame int
}

// Rings is the RX ring and the TX ring of one port, carved out of a single
// block of DMA memory.
type Rings struct {
	Rx *RxRing
	Tx *TxRing

	regs  hw.Registers
	coh   dma.Coherency
	alloc dma.Allocator
	block []byte
}

// CheckSizes returns an [ErrRingSize] if rx and tx can not be allocated.
func CheckSizes(rx, tx int) error {
	if rx < 0 || tx < 0 {
		return fmt.Errorf("%w: rx %d tx %d must not be negative", ErrRingSize, rx, tx)
	}
	if rx == 0 && tx == 0 {
		return fmt.Errorf("%w: both rings are empty", ErrRingSize)
	}
	// One TX slot always stays empty.
	if tx == 1 {
		return fmt.Errorf("%w: a tx ring needs at least 2 descriptors", ErrRingSize)
	}
	return nil
}

// New allocates the rings, links them, arms every RX descriptor with a
// buffer from the stack and registers the ring heads with the controller.
func New(o Options) (*Rings, error) {
	if err := CheckSizes(o.RxSize, o.TxSize); err != nil {
		return nil, err
	}

	// One extra slot is slack for aligning the block.
	block, err := o.Alloc.Alloc((o.RxSize+o.TxSize+1)*SlotSize, 1)
	if err != nil {
		return nil, fmt.Errorf("allocate rings: %w", err)
	}

	bus := o.Alloc.BusAddress(block)
	skip := int(-bus & (SlotSize - 1))
	mem := block[skip:]
	bus += uint32(skip)

	r := &Rings{
		regs:  o.Regs,
		coh:   o.Coherency,
		alloc: o.Alloc,
		block: block,
	}

	rxLen := o.RxSize * SlotSize
	if o.RxSize > 0 {
		r.Rx = &RxRing{
			ring:     newRing(mem[:rxLen], bus, o.RxSize, o.Coherency),
			regs:     o.Regs,
			stack:    o.Stack,
			mapper:   o.Alloc,
			minFrame: o.MinFrame,
		}
	}
	if o.TxSize > 0 {
		r.Tx = &TxRing{
			ring:   newRing(mem[rxLen:rxLen+o.TxSize*SlotSize], bus+uint32(rxLen), o.TxSize, o.Coherency),
			regs:   o.Regs,
			stack:  o.Stack,
			mapper: o.Alloc,
		}
	}

	if err := r.Reset(); err != nil {
		o.Alloc.Free(block)
		return nil, err
	}

	return r, nil
}

// Reset returns the rings to their freshly allocated state, for a hardware
// restart. Buffers still referenced by descriptors are discarded first.
func (r *Rings) Reset() error {
	r.Drain()

	if r.Tx != nil {
		r.Tx.reset()
		r.regs.Write(hw.TxCurrentDesc, r.Tx.bus)
	}

	if r.Rx != nil {
		if err := r.Rx.arm(); err != nil {
			r.Rx.drain()
			return err
		}
		r.regs.Write(hw.RxCurrentDesc, r.Rx.bus)
	}

	r.coh.Barrier()
	return nil
}

// Drain releases every buffer the rings still reference. RX buffers are
// consumed with [Discard] and TX chains are cleaned up as failed. The DMA
// engine must be stopped.
func (r *Rings) Drain() {
	if r.Rx != nil {
		r.Rx.drain()
	}
	if r.Tx != nil {
		r.Tx.drain()
	}
}

// Close drains the rings and returns their memory.
func (r *Rings) Close() error {
	if r.block == nil {
		return nil
	}
	r.Drain()
	r.alloc.Free(r.block)
	r.block = nil
	return nil
}

// ring is the memory and CPU side shadow common to both directions.
type ring struct {
	mem     []byte
	bus     uint32
	size    int
	handles []Buffer
	coh     dma.Coherency
}

func newRing(mem []byte, bus uint32, size int, coh dma.Coherency) ring {
	r := ring{
		mem:     mem,
		bus:     bus,
		size:    size,
		handles: make([]Buffer, size),
		coh:     coh,
	}
	r.link()
	return r
}

// Size returns the number of descriptors in the ring.
func (r *ring) Size() int {
	return r.size
}

// Base returns the bus address of the first descriptor.
func (r *ring) Base() uint32 {
	return r.bus
}

func (r *ring) desc(i int) Descriptor {
	o := i * SlotSize
	return Descriptor(r.mem[o : o+DescriptorSize : o+DescriptorSize])
}

// Descriptor returns descriptor i. Callers outside the package use this
// for inspection only.
func (r *ring) Descriptor(i int) Descriptor {
	return r.desc(i)
}

func (r *ring) scratch(i int) []byte {
	o := i*SlotSize + scratchOffset
	return r.mem[o : o+ScratchSize : o+ScratchSize]
}

// busAddr translates a descriptor index into its bus address.
func (r *ring) busAddr(i int) uint32 {
	return r.bus + uint32(i*SlotSize)
}

func (r *ring) scratchBus(i int) uint32 {
	return r.busAddr(i) + scratchOffset
}

func (r *ring) next(i int) int {
	i++
	if i == r.size {
		return 0
	}
	return i
}

// link zeroes every descriptor and chains it to its successor, the last
// one back to the first.
func (r *ring) link() {
	for i := 0; i < r.size; i++ {
		d := r.desc(i)
		d.reset()
		d.SetNext(r.busAddr(r.next(i)))
		r.coh.FlushDescriptor(d)
	}
}
