package sim

import (
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/phy"
)

// smi models the management interface. Every command keeps the interface
// busy for busy reads.
type smi struct {
	phys    map[int]*[32]uint16
	busy    int
	pending int
	last    uint32
}

func (s *smi) phy(addr int) *[32]uint16 {
	p, ok := s.phys[addr]
	if !ok {
		p = &[32]uint16{}
		s.phys[addr] = p
	}
	return p
}

func (s *smi) read() uint32 {
	if s.pending > 0 {
		s.pending--
		return s.last&^hw.SMIReadValid | hw.SMIBusy
	}
	return s.last
}

func (s *smi) write(v uint32) {
	s.pending = s.busy
	addr := int(v>>hw.SMIPhyShift) & 0x1f
	reg := int(v>>hw.SMIRegShift) & 0x1f
	if v&hw.SMIOpRead != 0 {
		s.last = hw.SMIReadValid | uint32(s.phy(addr)[reg])
		return
	}
	s.phy(addr)[reg] = uint16(v & hw.SMIDataMask)
	s.last = 0
}

// SetSMIBusy makes every SMI command report busy for n reads.
func (c *Controller) SetSMIBusy(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.smi.busy = n
}

// PHY returns register reg of the simulated PHY at addr.
func (c *Controller) PHY(addr, reg int) uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smi.phy(addr)[reg&0x1f]
}

// SetPHY changes register reg of the simulated PHY at addr.
func (c *Controller) SetPHY(addr, reg int, v uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.smi.phy(addr)[reg&0x1f] = v
}

// Negotiate makes the PHY at addr report a completed autonegotiation with
// a partner capable of exactly m. A zero speed takes the link down.
func (c *Controller) Negotiate(addr int, m phy.Media) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.smi.phy(addr)
	r[phy.RegAdvertise] = phy.Adv10Half | phy.Adv10Full | phy.Adv100Half | phy.Adv100Full | 0x01
	r[phy.Reg1000Control] = phy.Ctl1000Half | phy.Ctl1000Full
	r[phy.RegLinkPartner] = 0x01
	r[phy.Reg1000Status] = 0

	if m.Speed == 0 {
		r[phy.RegStatus] = 0
		return
	}
	r[phy.RegStatus] = phy.StatusLink | phy.StatusAnegDone

	switch {
	case m.Speed == phy.Speed1000 && m.FullDuplex:
		r[phy.Reg1000Status] = phy.Stat1000Full
	case m.Speed == phy.Speed1000:
		r[phy.Reg1000Status] = phy.Stat1000Half
	case m.Speed == phy.Speed100 && m.FullDuplex:
		r[phy.RegLinkPartner] |= phy.Adv100Full
	case m.Speed == phy.Speed100:
		r[phy.RegLinkPartner] |= phy.Adv100Half
	case m.FullDuplex:
		r[phy.RegLinkPartner] |= phy.Adv10Full
	default:
		r[phy.RegLinkPartner] |= phy.Adv10Half
	}
}
