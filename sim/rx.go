package sim

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/slackhq/ethdma/filter"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/mib"
	"github.com/slackhq/ethdma/ring"
)

type class int

const (
	unicast class = iota
	multicast
	broadcast
)

func destination(frame []byte) net.HardwareAddr {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil
	}
	return eth.DstMAC
}

func classify(frame []byte) class {
	dst := destination(frame)
	switch {
	case len(dst) != 6:
		return unicast
	case bytes.Equal(dst, layers.EthernetBroadcast):
		return broadcast
	case dst[0]&1 != 0:
		return multicast
	}
	return unicast
}

// Inject delivers frame to port as if it arrived on the wire. The frame
// check sequence is appended by the model. It reports whether the frame
// made it into RX descriptors.
func (c *Controller) Inject(port int, frame []byte) bool {
	return c.inject(port, frame, false)
}

// InjectBad delivers frame with a broken frame check sequence.
func (c *Controller) InjectBad(port int, frame []byte) bool {
	return c.inject(port, frame, true)
}

func (c *Controller) inject(port int, frame []byte, bad bool) bool {
	var fire []int
	c.mu.Lock()
	p := c.port(port)
	before := p.received
	fire = c.receive(p, frame, bad, fire)
	ok := p.received != before
	c.mu.Unlock()
	c.fire(fire)
	return ok
}

// receive runs the address filter and writes frame into the RX descriptors
// of p, spreading it over as many as it takes.
func (c *Controller) receive(p *port, frame []byte, bad bool, fire []int) []int {
	if !p.rxRunning || !c.accept(p, destination(frame)) {
		return fire
	}

	wire := make([]byte, len(frame), len(frame)+fcsLen)
	copy(wire, frame)
	wire = binary.LittleEndian.AppendUint32(wire, crc32.ChecksumIEEE(frame))
	if bad {
		wire[len(wire)-1] ^= 0xff
	}

	chain, ok := c.rxChain(p, len(wire))
	if !ok {
		// Out of buffers: the queue stops until it is restarted.
		p.rxRunning = false
		p.dropped++
		return c.cause(p, hw.IrqRxError, 0, fire)
	}

	rest := wire
	for i, d := range chain {
		buf, err := c.arena.Slice(d.BufPtr(), int(d.Aux()))
		if err != nil {
			c.l.WithError(err).WithField("port", p.idx).Error("RX buffer outside of DMA memory")
			p.rxRunning = false
			p.dropped++
			return c.cause(p, hw.IrqRxError, 0, fire)
		}
		n := copy(buf, rest)
		rest = rest[n:]

		sts := d.CmdSts() &^ (ring.Owned | ring.RxFirst | ring.RxLast | ring.ErrorSummary | ring.ErrorCodeMask)
		if i == 0 {
			sts |= ring.RxFirst
		}
		if i == len(chain)-1 {
			sts |= ring.RxLast
			if bad {
				sts |= ring.ErrorSummary | ring.RxCRCError
			}
		}
		d.SetByteCount(uint16(n))
		d.SetCmdSts(sts)
		p.rxCur = d.Next()
	}

	p.received++
	c.countRx(p, frame, len(wire), bad)
	if chain[len(chain)-1].CmdSts()&ring.RxIntEnable != 0 {
		fire = c.cause(p, hw.IrqRxBuffer, 0, fire)
	}
	return fire
}

// rxChain returns enough owned descriptors from the current one on to hold
// n bytes.
func (c *Controller) rxChain(p *port, n int) ([]ring.Descriptor, bool) {
	var chain []ring.Descriptor
	addr := p.rxCur
	for n > 0 && len(chain) < maxChain {
		d, err := c.desc(addr)
		if err != nil || !d.Owned() || d.Aux() == 0 {
			return nil, false
		}
		chain = append(chain, d)
		n -= int(d.Aux())
		addr = d.Next()
	}
	return chain, n <= 0
}

func (c *Controller) countRx(p *port, frame []byte, n int, bad bool) {
	if bad {
		c.count(p, mib.BadFramesReceived, 1)
		c.count(p, mib.BadOctetsReceived, uint64(n))
		c.count(p, mib.BadCRC, 1)
		return
	}

	c.count(p, mib.GoodFramesReceived, 1)
	c.count(p, mib.GoodOctetsReceived, uint64(n))
	switch classify(frame) {
	case broadcast:
		c.count(p, mib.BroadcastFramesReceived, 1)
	case multicast:
		c.count(p, mib.MulticastFramesReceived, 1)
	}

	switch {
	case n <= 64:
		c.count(p, mib.Frames64, 1)
	case n <= 127:
		c.count(p, mib.Frames65To127, 1)
	case n <= 255:
		c.count(p, mib.Frames128To255, 1)
	case n <= 511:
		c.count(p, mib.Frames256To511, 1)
	case n <= 1023:
		c.count(p, mib.Frames512To1023, 1)
	default:
		c.count(p, mib.Frames1024ToMax, 1)
	}
}

// accept applies the destination address filter of p.
func (c *Controller) accept(p *port, dst net.HardwareAddr) bool {
	if len(dst) != 6 {
		return false
	}
	if bytes.Equal(dst, layers.EthernetBroadcast) {
		return true
	}

	if dst[0]&1 != 0 {
		special, slot := filter.Hash(dst)
		base := uint32(hw.OtherMcastTable)
		if special {
			base = hw.SpecialMcastTable
		}
		return c.entry(p, base, slot)&1 != 0
	}

	if c.reg(p, hw.PortConfig)&hw.PortConfigUnicastPromisc != 0 {
		return true
	}
	high := uint32(dst[0])<<24 | uint32(dst[1])<<16 | uint32(dst[2])<<8 | uint32(dst[3])
	low := uint32(dst[4])<<8 | uint32(dst[5])
	if c.reg(p, hw.MACAddrHigh) != high || c.reg(p, hw.MACAddrLow)&0xffff != low {
		return false
	}
	return c.entry(p, hw.UnicastTable, dst[5]&0x0f)&1 != 0
}

func (c *Controller) entry(p *port, base uint32, slot uint8) uint8 {
	w := c.reg(p, base+4*uint32(slot/4))
	return uint8(w >> (8 * uint32(slot%4)))
}
