package ring

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
)

var (
	// ErrEmptyPacket is returned for a chain without any bytes in it.
	ErrEmptyPacket = errors.New("packet has no data")

	// ErrTooManyFragments is returned when a chain would not fit even into
	// an empty ring. Retrying will never help.
	ErrTooManyFragments = errors.New("packet has more fragments than the tx ring holds")

	// ErrRingFull is returned when there are not enough free descriptors
	// right now, even after scavenging. Retry once transmissions complete.
	ErrRingFull = errors.New("not enough free tx descriptors")

	// ErrFragmentTooLarge is returned for a fragment whose length does not
	// fit a descriptor's byte count.
	ErrFragmentTooLarge = errors.New("fragment too large for a descriptor")

	// ErrNotDMAMemory is returned for a fragment the DMA engine can not
	// reach. Only fragments shorter than SmallFragment may live outside DMA
	// memory, they are copied.
	ErrNotDMAMemory = errors.New("fragment is not in dma memory")
)

// TxRing queues outbound chains for the DMA engine and reclaims them once
// sent. One descriptor is always left empty in front of head so the engine
// stops there.
type TxRing struct {
	ring

	regs   hw.Registers
	stack  Stack
	mapper dma.Mapper

	head  int
	tail  int
	avail int

	staleOwner uint64
}

// Capacity returns the largest number of descriptors that can be in flight.
func (t *TxRing) Capacity() int {
	return t.size - 1
}

// Available returns the number of free descriptors.
func (t *TxRing) Available() int {
	return t.avail
}

// InFlight returns the number of descriptors handed to the DMA engine and
// not yet reclaimed.
func (t *TxRing) InFlight() int {
	return t.Capacity() - t.avail
}

// StaleOwner returns how often a completed descriptor was found with its
// ownership bit still set.
func (t *TxRing) StaleOwner() uint64 {
	return t.staleOwner
}

// SendBuf queues a single buffer frame.
func (t *TxRing) SendBuf(buf Buffer, data []byte) error {
	return t.Send(buf, slices.Values([][]byte{data}))
}

// SendRaw queues a frame made of a header and a payload buffer. Either may
// be empty.
func (t *TxRing) SendRaw(buf Buffer, hdr, data []byte) error {
	return t.Send(buf, slices.Values([][]byte{hdr, data}))
}

// Send queues the chain frags as one frame. buf is handed back through
// CleanupTx once the whole chain is done. Empty fragments are skipped.
//
// frags is walked twice, first to count and then to fill descriptors, and
// must yield the same fragments both times. On error nothing was queued
// and the caller still owns buf.
func (t *TxRing) Send(buf Buffer, frags iter.Seq[[]byte]) error {
	// Nothing in flight, so a stalled transmitter costs nothing to kick.
	if t.avail == t.Capacity() {
		t.regs.Write(hw.TxQueueCommand, hw.TxStart)
	}

	n := 0
	for f := range frags {
		if len(f) == 0 {
			continue
		}
		if len(f) > MaxFragment {
			return fmt.Errorf("%w: %d bytes", ErrFragmentTooLarge, len(f))
		}
		if len(f) >= SmallFragment && !t.mapper.Contains(f) {
			return fmt.Errorf("%w: fragment %d of %d bytes", ErrNotDMAMemory, n, len(f))
		}
		n++
	}

	if n == 0 {
		return ErrEmptyPacket
	}
	if n > t.Capacity() {
		return fmt.Errorf("%w: %d fragments, ring holds %d", ErrTooManyFragments, n, t.Capacity())
	}
	if n > t.avail {
		t.Reclaim()
		if n > t.avail {
			return fmt.Errorf("%w: need %d, have %d", ErrRingFull, n, t.avail)
		}
	}

	// Fill everything but the head first. The engine may be reading ahead,
	// and the head is what keeps it from starting on a partial chain.
	head := t.head
	last := head
	var first []byte
	filled := 0
	for f := range frags {
		if len(f) == 0 {
			continue
		}
		if filled == 0 {
			first = f
			filled++
			continue
		}
		if filled == n {
			t.unwind(head, last)
			return fmt.Errorf("%w: chain grew while queueing", ErrRingFull)
		}
		last = t.next(last)
		t.fill(last, f, Owned)
		filled++
	}

	if filled == 0 {
		return ErrEmptyPacket
	}

	invariant(t.handles[last] == nil, "descriptor %d still holds a buffer", last)
	t.handles[last] = buf

	headFlags := uint32(Owned | TxFirst | TxGenCRC | TxPad)
	if last == head {
		headFlags |= TxLast | TxIntEnable
	} else {
		d := t.desc(last)
		d.SetCmdSts(d.CmdSts() | TxLast | TxIntEnable)
		t.coh.FlushDescriptor(d)
	}

	// The slot after the chain must not look like work to a read-ahead.
	tag := t.next(last)
	td := t.desc(tag)
	td.SetCmdSts(0)
	td.SetBufPtr(0)
	t.coh.FlushDescriptor(td)

	t.coh.Barrier()
	t.fill(head, first, headFlags)
	t.coh.Barrier()

	t.head = tag
	t.avail -= filled

	t.regs.Write(hw.TxQueueCommand, hw.TxStart)
	return nil
}

// fill points descriptor i at f. Short fragments that are unaligned or not
// in DMA memory are copied into the slot's scratch area.
func (t *TxRing) fill(i int, f []byte, flags uint32) {
	invariant(len(f) > 0, "empty fragment for descriptor %d", i)

	var addr uint32
	if len(f) < SmallFragment && (!t.mapper.Contains(f) || t.mapper.BusAddress(f)&(SmallFragment-1) != 0) {
		s := t.scratch(i)
		copy(s, f)
		addr = t.scratchBus(i)
		t.coh.FlushBuffer(s, len(f))
	} else {
		addr = t.mapper.BusAddress(f)
		t.coh.FlushBuffer(f, len(f))
	}

	d := t.desc(i)
	d.SetByteCount(uint16(len(f)))
	d.SetAux(0)
	d.SetBufPtr(addr)
	d.SetCmdSts(flags)
	t.coh.FlushDescriptor(d)
}

// unwind clears the descriptors after head up to and including last.
func (t *TxRing) unwind(head, last int) {
	for i := head; i != last; {
		i = t.next(i)
		d := t.desc(i)
		d.SetCmdSts(0)
		d.SetBufPtr(0)
		t.coh.FlushDescriptor(d)
	}
}

// Reclaim walks completed descriptors from the oldest in flight, cleaning up
// each chain on its last descriptor, and returns the available count.
//
// The controller can leave the ownership bit set on a descriptor it already
// finished with. An owned descriptor is therefore only taken as pending if it
// is the one the controller is currently serving.
func (t *TxRing) Reclaim() int {
	for t.avail < t.Capacity() {
		i := t.tail
		d := t.desc(i)
		t.coh.InvalidateDescriptor(d)
		sts := d.CmdSts()

		if sts&Owned != 0 {
			if t.regs.Read(hw.TxCurrentServedDesc) == t.busAddr(i) {
				break
			}
			t.staleOwner++
		}

		if h := t.handles[i]; h != nil {
			t.handles[i] = nil
			t.stack.CleanupTx(h, sts&ErrorSummary != 0)
		}

		d.SetCmdSts(0)
		d.SetBufPtr(0)
		t.coh.FlushDescriptor(d)

		t.tail = t.next(i)
		t.avail++
	}

	return t.avail
}

func (t *TxRing) reset() {
	t.link()
	clear(t.handles)
	t.head = 0
	t.tail = 0
	t.avail = t.Capacity()
}

// drain cleans up every chain still in flight as failed.
func (t *TxRing) drain() {
	for i := t.tail; t.avail < t.Capacity(); i = t.next(i) {
		if h := t.handles[i]; h != nil {
			t.handles[i] = nil
			t.stack.CleanupTx(h, true)
		}
		d := t.desc(i)
		d.reset()
		t.coh.FlushDescriptor(d)
		t.avail++
	}
	t.tail = t.head
}
