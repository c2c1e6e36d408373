// Package phy talks to Ethernet PHYs over the controller's SMI (MII
// management) interface and maps link media onto the port serial control
// register.
package phy

import (
	"fmt"
	"sync"

	"github.com/slackhq/ethdma/hw"
)

// MII registers and bits.
const (
	RegControl     = 0
	RegStatus      = 1
	RegID1         = 2
	RegID2         = 3
	RegAdvertise   = 4
	RegLinkPartner = 5
	Reg1000Control = 9
	Reg1000Status  = 10

	ControlFullDuplex  = 0x0100
	ControlAnegRestart = 0x0200
	ControlAnegEnable  = 0x1000
	ControlSpeed100    = 0x2000
	ControlSpeed1000   = 0x0040
	ControlReset       = 0x8000

	StatusLink     = 0x0004
	StatusAnegDone = 0x0020

	Adv10Half  = 0x0020
	Adv10Full  = 0x0040
	Adv100Half = 0x0080
	Adv100Full = 0x0100

	Ctl1000Half  = 0x0100
	Ctl1000Full  = 0x0200
	Stat1000Half = 0x0400
	Stat1000Full = 0x0800
)

// SMI is the management interface. It is shared by every port of a
// controller, so all users must share Lock.
type SMI struct {
	regs hw.Registers
	lock sync.Locker
	poll hw.Poller
}

// NewSMI returns an SMI on the controller registers regs, serialized by
// lock. poll bounds the wait for the interface.
func NewSMI(regs hw.Registers, lock sync.Locker, poll hw.Poller) *SMI {
	return &SMI{regs: regs, lock: lock, poll: poll}
}

func checkAddr(phy, reg int) error {
	if phy < 0 || phy > 31 {
		return fmt.Errorf("invalid phy address %d", phy)
	}
	if reg < 0 || reg > 31 {
		return fmt.Errorf("invalid phy register %d", reg)
	}
	return nil
}

// Read returns register reg of the PHY at address phy.
func (s *SMI) Read(phy, reg int) (uint16, error) {
	if err := checkAddr(phy, reg); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.poll.Until(s.regs, hw.SMI, hw.SMIBusy, 0); err != nil {
		return 0, fmt.Errorf("smi busy before reading phy %d reg %d: %w", phy, reg, err)
	}

	s.regs.Write(hw.SMI, uint32(phy)<<hw.SMIPhyShift|uint32(reg)<<hw.SMIRegShift|hw.SMIOpRead)

	v, err := s.poll.Until(s.regs, hw.SMI, hw.SMIReadValid, hw.SMIReadValid)
	if err != nil {
		return 0, fmt.Errorf("smi read of phy %d reg %d: %w", phy, reg, err)
	}
	return uint16(v & hw.SMIDataMask), nil
}

// Write sets register reg of the PHY at address phy.
func (s *SMI) Write(phy, reg int, v uint16) error {
	if err := checkAddr(phy, reg); err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := s.poll.Until(s.regs, hw.SMI, hw.SMIBusy, 0); err != nil {
		return fmt.Errorf("smi busy before writing phy %d reg %d: %w", phy, reg, err)
	}

	s.regs.Write(hw.SMI, uint32(phy)<<hw.SMIPhyShift|uint32(reg)<<hw.SMIRegShift|uint32(v))
	return nil
}

// Negotiated returns the media the PHY at phy settled on. Link is false
// while the link is down or autonegotiation has not completed.
func (s *SMI) Negotiated(phy int) (Media, error) {
	// The link bit latches low, read twice for the current state.
	if _, err := s.Read(phy, RegStatus); err != nil {
		return Media{}, err
	}
	st, err := s.Read(phy, RegStatus)
	if err != nil {
		return Media{}, err
	}
	if st&StatusLink == 0 || st&StatusAnegDone == 0 {
		return Media{Auto: true}, nil
	}

	var r [4]uint16
	for i, reg := range []int{RegAdvertise, RegLinkPartner, Reg1000Control, Reg1000Status} {
		if r[i], err = s.Read(phy, reg); err != nil {
			return Media{}, err
		}
	}
	adv, lpa, ctl1000, stat1000 := r[0], r[1], r[2], r[3]

	m := Media{Auto: true, Link: true}
	common := adv & lpa
	switch {
	case ctl1000&Ctl1000Full != 0 && stat1000&Stat1000Full != 0:
		m.Speed, m.FullDuplex = Speed1000, true
	case ctl1000&Ctl1000Half != 0 && stat1000&Stat1000Half != 0:
		m.Speed = Speed1000
	case common&Adv100Full != 0:
		m.Speed, m.FullDuplex = Speed100, true
	case common&Adv100Half != 0:
		m.Speed = Speed100
	case common&Adv10Full != 0:
		m.Speed, m.FullDuplex = Speed10, true
	default:
		m.Speed = Speed10
	}
	return m, nil
}
