// Package sim is a software model of the controller. It implements the
// register surface on top of a DMA arena: it walks TX descriptors when the
// queue is started, fills RX descriptors for injected frames, keeps clear on
// read MIB counters and write 0 to clear cause registers, and answers SMI
// transactions for a set of simulated PHYs.
//
// Work happens synchronously inside the register access that triggers it.
// Interrupts are delivered through Options.Raise after the model's lock is
// released.
package sim

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/mib"
)

const (
	// MaxPorts is the number of ports the register map has room for.
	MaxPorts = 3

	portRegs   = 0x2400
	portTables = 0x3400
	portSpan   = 0x400
)

type Options struct {
	// Ports is the number of ports to model, 1 by default.
	Ports int

	// Arena is the memory the DMA engine can reach.
	Arena *dma.Arena

	// Raise asserts the interrupt line of a port. It is called without
	// any lock held.
	Raise func(port int)

	// Loopback feeds every transmitted frame back into the receiver of
	// the same port.
	Loopback bool

	Logger logrus.FieldLogger
}

// Controller is the simulated device. It implements [hw.Registers] for the
// whole register space.
type Controller struct {
	arena    *dma.Arena
	raise    func(port int)
	loopback bool
	l        logrus.FieldLogger

	mu    sync.Mutex
	regs  map[uint32]uint32
	ports []*port
	smi   smi
}

type port struct {
	idx int

	rxRunning bool
	rxCur     uint32
	txRunning bool
	served    uint32

	linkUp bool

	// staleOwner leaves the ownership bit set on the head descriptor of
	// this many completed frames.
	staleOwner int

	sent     [][]byte
	received int
	dropped  int
}

// New returns a controller with every register zeroed.
func New(o Options) *Controller {
	if o.Ports <= 0 {
		o.Ports = 1
	}
	if o.Ports > MaxPorts {
		o.Ports = MaxPorts
	}
	if o.Raise == nil {
		o.Raise = func(int) {}
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		o.Logger = l
	}

	c := &Controller{
		arena:    o.Arena,
		raise:    o.Raise,
		loopback: o.Loopback,
		l:        o.Logger,
		regs:     make(map[uint32]uint32),
		smi:      smi{phys: make(map[int]*[32]uint16)},
	}
	for i := 0; i < o.Ports; i++ {
		c.ports = append(c.ports, &port{idx: i})
	}
	return c
}

// decode maps an absolute offset onto a port and the port 0 offset of the
// register, or returns nil for shared registers.
func (c *Controller) decode(off uint32) (*port, uint32) {
	for _, p := range c.ports {
		local := off - hw.PortOffset(p.idx)
		if local >= portRegs && local < portRegs+portSpan || local >= portTables && local < portTables+portSpan {
			return p, local
		}
	}
	return nil, off
}

func (c *Controller) mibPort(off uint32) bool {
	return off >= hw.MIBBase && off < hw.MIBBase+uint32(len(c.ports))*hw.MIBStride
}

func (c *Controller) reg(p *port, local uint32) uint32 {
	return c.regs[hw.PortOffset(p.idx)+local]
}

func (c *Controller) setReg(p *port, local, v uint32) {
	c.regs[hw.PortOffset(p.idx)+local] = v
}

func (c *Controller) Read(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off == hw.SMI:
		return c.smi.read()
	case c.mibPort(off):
		v := c.regs[off]
		c.regs[off] = 0
		return v
	}

	p, local := c.decode(off)
	if p == nil {
		return c.regs[off]
	}

	switch local {
	case hw.IntCause:
		v := c.regs[off] &^ hw.IrqExtSummary
		if c.reg(p, hw.IntCauseExt) != 0 {
			v |= hw.IrqExtSummary
		}
		return v
	case hw.TxQueueCommand:
		if p.txRunning {
			return hw.TxStart
		}
		return 0
	case hw.RxQueueCommand:
		if p.rxRunning {
			return hw.RxStart
		}
		return 0
	case hw.TxCurrentServedDesc:
		return p.served
	case hw.RxCurrentDesc:
		return p.rxCur
	case hw.PortStatus:
		return c.status(p)
	}
	return c.regs[off]
}

func (c *Controller) Write(off uint32, v uint32) {
	var fire []int
	c.mu.Lock()
	defer func() {
		c.mu.Unlock()
		c.fire(fire)
	}()

	if off == hw.SMI {
		c.smi.write(v)
		return
	}
	if c.mibPort(off) {
		return
	}

	p, local := c.decode(off)
	if p == nil {
		c.regs[off] = v
		return
	}

	switch local {
	case hw.IntCause, hw.IntCauseExt:
		c.regs[off] &= v
	case hw.IntMask, hw.IntMaskExt:
		c.regs[off] = v
		fire = c.assert(p, fire)
	case hw.TxCurrentDesc:
		c.regs[off] = v
		p.served = v
	case hw.RxCurrentDesc:
		p.rxCur = v
	case hw.TxQueueCommand:
		if v&hw.TxStop != 0 {
			p.txRunning = false
			return
		}
		if v&hw.TxStart != 0 {
			p.txRunning = true
			fire = c.transmit(p, fire)
		}
	case hw.RxQueueCommand:
		if v&hw.RxStopAll != 0 {
			p.rxRunning = false
			return
		}
		if v&hw.RxAny != 0 {
			p.rxRunning = true
		}
	default:
		c.regs[off] = v
	}
}

func (c *Controller) status(p *port) uint32 {
	v := uint32(hw.StatusTxFIFOEmpty)
	if p.txRunning {
		v |= hw.StatusTxInProg
	}
	if !p.linkUp {
		return v
	}

	v |= hw.StatusLinkUp
	sc := c.reg(p, hw.PortSerialControl)
	if sc&hw.SerialFullDuplex != 0 {
		v |= hw.StatusFullDuplex
	}
	switch {
	case sc&hw.SerialGMIISpeed1000 != 0:
		v |= hw.StatusSpeed1000
	case sc&hw.SerialMIISpeed100 != 0:
		v |= hw.StatusSpeed100
	}
	return v
}

// cause latches interrupt causes on p. main and ext are the bits of the
// two cause registers.
func (c *Controller) cause(p *port, main, ext uint32, fire []int) []int {
	c.setReg(p, hw.IntCause, c.reg(p, hw.IntCause)|main)
	c.setReg(p, hw.IntCauseExt, c.reg(p, hw.IntCauseExt)|ext)
	return c.assert(p, fire)
}

// assert adds p to fire when an unmasked cause is pending.
func (c *Controller) assert(p *port, fire []int) []int {
	main := c.reg(p, hw.IntCause)
	if c.reg(p, hw.IntCauseExt)&c.reg(p, hw.IntMaskExt) != 0 {
		main |= hw.IrqExtSummary
	}
	if main&c.reg(p, hw.IntMask) == 0 {
		return fire
	}
	for _, i := range fire {
		if i == p.idx {
			return fire
		}
	}
	return append(fire, p.idx)
}

func (c *Controller) fire(ports []int) {
	for _, p := range ports {
		c.raise(p)
	}
}

// count adds n to a MIB counter of p, carrying into the high word of the
// wide counters.
func (c *Controller) count(p *port, ctr mib.Counter, n uint64) {
	off := hw.MIBBase + uint32(p.idx)*hw.MIBStride + ctr.Offset()
	if !ctr.Wide() {
		c.regs[off] += uint32(n)
		return
	}
	v := uint64(c.regs[off+4])<<32 | uint64(c.regs[off])
	v += n
	c.regs[off] = uint32(v)
	c.regs[off+4] = uint32(v >> 32)
}

func (c *Controller) port(i int) *port {
	if i < 0 || i >= len(c.ports) {
		panic("sim: no such port")
	}
	return c.ports[i]
}

// SetLink changes the link state reported in the port status register.
func (c *Controller) SetLink(port int, up bool) {
	var fire []int
	c.mu.Lock()
	p := c.port(port)
	if p.linkUp != up {
		p.linkUp = up
		fire = c.cause(p, 0, hw.IrqExtLinkChange, fire)
	}
	c.mu.Unlock()
	c.fire(fire)
}

// LeaveOwner makes the TX engine of port forget to clear the ownership bit
// of the head descriptor of the next n frames it completes.
func (c *Controller) LeaveOwner(port, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port(port).staleOwner = n
}

// Sent returns the frames transmitted by port, oldest first.
func (c *Controller) Sent(port int) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(port)
	out := make([][]byte, len(p.sent))
	copy(out, p.sent)
	return out
}

// ResetSent forgets the frames transmitted so far.
func (c *Controller) ResetSent(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port(port).sent = nil
}

// Received returns the number of frames port handed to RX descriptors and
// the number it had to drop.
func (c *Controller) Received(port int) (received, dropped int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(port)
	return p.received, p.dropped
}

// Running reports whether the RX and TX queues of port are running.
func (c *Controller) Running(port int) (rx, tx bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.port(port)
	return p.rxRunning, p.txRunning
}
