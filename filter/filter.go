// Package filter programs the controller's destination address filter: two
// 256 entry multicast hash tables and the 16 entry unicast table.
//
// Several addresses can hash to the same multicast slot, so each slot keeps
// a reference count and the hardware entry stays set until the last address
// using it is rejected.
package filter

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/slackhq/ethdma/hw"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	ErrNotMulticast  = errors.New("address is not a multicast address")
	ErrNotReferenced = errors.New("address was never accepted")
)

// entryPass accepts matching frames into RX queue 0.
const entryPass = 0x01

// Engine is the address filter of one port. It is safe for concurrent use.
type Engine struct {
	regs hw.Registers

	mu      sync.Mutex
	special table
	other   table
	promisc bool
}

type table struct {
	base uint32
	refs [256]uint32
}

// New returns an Engine for the per port register bank regs. The hardware
// tables are cleared.
func New(regs hw.Registers) *Engine {
	e := &Engine{
		regs:    regs,
		special: table{base: hw.SpecialMcastTable},
		other:   table{base: hw.OtherMcastTable},
	}
	e.Clear()
	return e
}

// IsMulticast reports whether addr is a group address other than broadcast.
func IsMulticast(addr net.HardwareAddr) bool {
	la := tcpip.LinkAddress(addr)
	return len(addr) == 6 && header.IsMulticastEthernetAddress(la) && la != header.EthernetBroadcastAddress
}

// GroupAddress returns the link layer group address of a multicast IP.
func GroupAddress(ip netip.Addr) (net.HardwareAddr, error) {
	var la tcpip.LinkAddress
	switch {
	case !ip.IsMulticast():
		return nil, fmt.Errorf("%s is not a multicast address", ip)
	case ip.Is4():
		la = header.EthernetAddressFromMulticastIPv4Address(tcpip.AddrFrom4(ip.As4()))
	default:
		la = header.EthernetAddressFromMulticastIPv6Address(tcpip.AddrFrom16(ip.As16()))
	}
	return net.HardwareAddr(la), nil
}

func (e *Engine) table(addr net.HardwareAddr) (*table, uint8) {
	special, slot := Hash(addr)
	if special {
		return &e.special, slot
	}
	return &e.other, slot
}

// Accept lets frames for addr in.
func (e *Engine) Accept(addr net.HardwareAddr) error {
	if !IsMulticast(addr) {
		return fmt.Errorf("%w: %s", ErrNotMulticast, addr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, slot := e.table(addr)
	t.refs[slot]++
	if t.refs[slot] == 1 {
		e.setEntry(t.base, slot, entryPass)
	}
	return nil
}

// Reject drops one reference to the slot of addr, clearing the hardware
// entry when it was the last.
func (e *Engine) Reject(addr net.HardwareAddr) error {
	if !IsMulticast(addr) {
		return fmt.Errorf("%w: %s", ErrNotMulticast, addr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t, slot := e.table(addr)
	if t.refs[slot] == 0 {
		return fmt.Errorf("%w: %s", ErrNotReferenced, addr)
	}
	t.refs[slot]--
	if t.refs[slot] == 0 {
		e.setEntry(t.base, slot, 0)
	}
	return nil
}

// Refs returns the reference count of the slot addr hashes to.
func (e *Engine) Refs(addr net.HardwareAddr) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, slot := e.table(addr)
	return t.refs[slot]
}

// Clear empties both multicast tables. In promiscuous mode every entry
// passes instead and holds one reference.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clear()
}

func (e *Engine) clear() {
	for _, t := range []*table{&e.special, &e.other} {
		clear(t.refs[:])
	}
	if e.promisc {
		e.hold()
	}
	e.fill()
}

// hold takes a reference on every slot of both tables.
func (e *Engine) hold() {
	for _, t := range []*table{&e.special, &e.other} {
		for i := range t.refs {
			t.refs[i]++
		}
	}
}

// fill writes every entry as passing when promiscuous, or empty otherwise.
func (e *Engine) fill() {
	var v uint32
	if e.promisc {
		v = entryPass * 0x01010101
	}

	for _, t := range []*table{&e.special, &e.other} {
		for i := uint32(0); i < hw.McastTableRegs; i++ {
			e.regs.Write(t.base+4*i, v)
		}
	}
}

// SetPromiscuous switches unicast promiscuous mode. Turning it on makes
// every multicast entry pass on top of the groups already accepted, so they
// survive a Reject. Turning it off empties the tables, previously accepted
// groups have to be accepted again. The registers are rewritten on every
// call so a reset port gets them back.
func (e *Engine) SetPromiscuous(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := e.regs.Read(hw.PortConfig)
	if on {
		cfg |= hw.PortConfigUnicastPromisc
	} else {
		cfg &^= hw.PortConfigUnicastPromisc
	}
	e.regs.Write(hw.PortConfig, cfg)

	was := e.promisc
	e.promisc = on
	if !on {
		e.clear()
		return
	}
	if !was {
		e.hold()
	}
	e.fill()
}

func (e *Engine) Promiscuous() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promisc
}

// SetUnicast programs the station address and its unicast table entry.
func (e *Engine) SetUnicast(mac net.HardwareAddr) error {
	if len(mac) != 6 {
		return fmt.Errorf("invalid station address %s", mac)
	}
	if !header.IsValidUnicastEthernetAddress(tcpip.LinkAddress(mac)) {
		return fmt.Errorf("%s is not a unicast address", mac)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.regs.Write(hw.MACAddrHigh, uint32(mac[0])<<24|uint32(mac[1])<<16|uint32(mac[2])<<8|uint32(mac[3]))
	e.regs.Write(hw.MACAddrLow, uint32(mac[4])<<8|uint32(mac[5]))

	for i := uint32(0); i < hw.UnicastTableRegs; i++ {
		e.regs.Write(hw.UnicastTable+4*i, 0)
	}
	e.setEntry(hw.UnicastTable, mac[5]&0x0f, entryPass)
	return nil
}

// setEntry writes the byte of a table entry. Entry n lives in byte n%4 of
// register n/4.
func (e *Engine) setEntry(base uint32, slot uint8, v uint8) {
	reg := base + 4*uint32(slot/4)
	shift := 8 * uint32(slot%4)

	w := e.regs.Read(reg)
	w = w&^(0xff<<shift) | uint32(v)<<shift
	e.regs.Write(reg, w)
}
