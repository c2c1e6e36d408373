package ring

import (
	"fmt"

	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
)

// RxRing keeps every descriptor armed with a stack buffer. Completed frames
// are swapped for fresh buffers; when that is not possible the frame is
// dropped and its buffer goes straight back to the hardware.
type RxRing struct {
	ring

	regs   hw.Registers
	stack  Stack
	mapper dma.Mapper

	// data shadows the memory behind each handle.
	data [][]byte

	tail     int
	minFrame int
	armed    bool

	dropped uint64
}

// Dropped returns the number of frames dropped because they were bad or no
// replacement buffer was available.
func (r *RxRing) Dropped() uint64 {
	return r.dropped
}

// Receive processes completed descriptors in ring order until it finds one
// the DMA engine still owns, and returns how many it processed. The RX queue
// is restarted afterwards in case it stalled for lack of buffers.
func (r *RxRing) Receive() int {
	if !r.armed {
		return 0
	}

	n := 0
	for n < r.size {
		i := r.tail
		d := r.desc(i)
		r.coh.InvalidateDescriptor(d)
		sts := d.CmdSts()
		if sts&Owned != 0 {
			break
		}

		count := int(d.ByteCount())
		ok := sts&ErrorSummary == 0 &&
			sts&(RxFirst|RxLast) == RxFirst|RxLast &&
			count >= r.minFrame

		var (
			nb   Buffer
			data []byte
			bus  uint32
			size uint16
		)
		if ok {
			nb, data, ok = r.stack.AllocRx()
		}
		if ok {
			bus, size, ok = r.check(data)
			if !ok {
				r.stack.ConsumeRx(nb, Discard)
			}
		}

		if ok {
			old := r.data[i]
			r.coh.InvalidateBuffer(old, count)
			r.stack.ConsumeRx(r.handles[i], count)

			r.handles[i] = nb
			r.data[i] = data
			r.coh.InvalidateBuffer(data, len(data))
			d.SetBufPtr(bus)
			d.SetAux(size)
		} else {
			// Recycle: the descriptor keeps its buffer.
			r.dropped++
		}

		d.SetByteCount(0)
		r.coh.Barrier()
		d.SetCmdSts(Owned | RxIntEnable)
		r.coh.FlushDescriptor(d)

		r.tail = r.next(i)
		n++
	}

	r.regs.Write(hw.RxQueueCommand, hw.RxStart)
	return n
}

// check returns the bus address and usable size of a receive buffer.
func (r *RxRing) check(data []byte) (uint32, uint16, bool) {
	if len(data) < RxBufferAlign || !r.mapper.Contains(data) {
		return 0, 0, false
	}

	bus := r.mapper.BusAddress(data)
	if bus&(RxBufferAlign-1) != 0 {
		return 0, 0, false
	}

	size := min(len(data), maxRxBuffer) &^ (RxBufferAlign - 1)
	return bus, uint16(size), true
}

// arm gives every descriptor a buffer and hands it to the DMA engine.
func (r *RxRing) arm() error {
	if r.data == nil {
		r.data = make([][]byte, r.size)
	}

	for i := 0; i < r.size; i++ {
		h, data, ok := r.stack.AllocRx()
		if !ok {
			return fmt.Errorf("%w: descriptor %d of %d", ErrRxBuffer, i, r.size)
		}

		bus, size, ok := r.check(data)
		if !ok {
			r.stack.ConsumeRx(h, Discard)
			return fmt.Errorf("%w: buffer for descriptor %d is not %d byte aligned", ErrRxBuffer, i, RxBufferAlign)
		}

		r.handles[i] = h
		r.data[i] = data
		r.coh.InvalidateBuffer(data, len(data))

		d := r.desc(i)
		d.SetBufPtr(bus)
		d.SetAux(size)
		d.SetByteCount(0)
		d.SetCmdSts(Owned | RxIntEnable)
		r.coh.FlushDescriptor(d)
	}

	r.tail = 0
	r.armed = true
	return nil
}

// drain discards every buffer and leaves the descriptors zeroed.
func (r *RxRing) drain() {
	for i := 0; i < r.size; i++ {
		if h := r.handles[i]; h != nil {
			r.handles[i] = nil
			r.stack.ConsumeRx(h, Discard)
		}
		if r.data != nil {
			r.data[i] = nil
		}
		d := r.desc(i)
		d.reset()
		r.coh.FlushDescriptor(d)
	}
	r.tail = 0
	r.armed = false
}
