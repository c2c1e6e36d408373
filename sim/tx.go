package sim

import (
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/mib"
	"github.com/slackhq/ethdma/ring"
)

const (
	minFrame = 60
	fcsLen   = 4

	// maxChain bounds the descriptors of one frame so a corrupt ring
	// cannot spin the model forever.
	maxChain = 1024
)

// transmit runs the TX queue of p until it reaches a descriptor it does not
// own. The queue then goes idle and raises TxEnd.
func (c *Controller) transmit(p *port, fire []int) []int {
	for p.txRunning {
		chain, ok := c.chain(p)
		if !ok {
			break
		}

		var frame []byte
		for _, d := range chain {
			buf, err := c.arena.Slice(d.BufPtr(), int(d.ByteCount()))
			if err != nil {
				c.l.WithError(err).WithField("port", p.idx).Error("TX buffer outside of DMA memory")
				p.txRunning = false
				return c.cause(p, 0, hw.IrqExtTxError, fire)
			}
			frame = append(frame, buf...)
		}

		head := chain[0].CmdSts()
		last := chain[len(chain)-1]
		if head&ring.TxPad != 0 && len(frame) < minFrame {
			frame = append(frame, make([]byte, minFrame-len(frame))...)
		}

		for i, d := range chain {
			sts := d.CmdSts() &^ (ring.ErrorSummary | ring.ErrorCodeMask)
			if i == 0 && p.staleOwner > 0 {
				p.staleOwner--
			} else {
				sts &^= ring.Owned
			}
			d.SetCmdSts(sts)
		}
		p.served = last.Next()

		octets := len(frame)
		if head&ring.TxGenCRC != 0 {
			octets += fcsLen
		}
		c.count(p, mib.GoodFramesSent, 1)
		c.count(p, mib.GoodOctetsSent, uint64(octets))
		switch classify(frame) {
		case broadcast:
			c.count(p, mib.BroadcastFramesSent, 1)
		case multicast:
			c.count(p, mib.MulticastFramesSent, 1)
		}

		p.sent = append(p.sent, frame)
		if last.CmdSts()&ring.TxIntEnable != 0 {
			fire = c.cause(p, 0, hw.IrqExtTxBuffer, fire)
		}
		if c.loopback {
			fire = c.receive(p, frame, false, fire)
		}
	}

	p.txRunning = false
	return c.cause(p, hw.IrqTxEnd, 0, fire)
}

// chain returns the descriptors of the frame at the served pointer, or
// false when the engine does not own a complete frame there.
func (c *Controller) chain(p *port) ([]ring.Descriptor, bool) {
	var chain []ring.Descriptor
	addr := p.served
	for len(chain) < maxChain {
		d, err := c.desc(addr)
		if err != nil {
			c.l.WithError(err).WithField("port", p.idx).Error("TX descriptor outside of DMA memory")
			return nil, false
		}
		sts := d.CmdSts()
		if sts&ring.Owned == 0 {
			return nil, false
		}
		if len(chain) == 0 && sts&ring.TxFirst == 0 {
			c.l.WithField("port", p.idx).WithField("descriptor", addr).Error("TX chain does not start with a first descriptor")
			return nil, false
		}
		chain = append(chain, d)
		if sts&ring.TxLast != 0 {
			return chain, true
		}
		addr = d.Next()
	}
	return nil, false
}

func (c *Controller) desc(bus uint32) (ring.Descriptor, error) {
	b, err := c.arena.Slice(bus, ring.DescriptorSize)
	if err != nil {
		return nil, err
	}
	return ring.Descriptor(b), nil
}
