// Package mib accumulates the controller's MIB counters.
//
// The hardware counters clear when read, so every value read is added to a
// shadow and never assigned.
package mib

import (
	"sync"

	"github.com/slackhq/ethdma/hw"
)

type Counter int

const (
	GoodOctetsReceived Counter = iota
	BadOctetsReceived
	InternalMACTransmitError
	GoodFramesReceived
	BadFramesReceived
	BroadcastFramesReceived
	MulticastFramesReceived
	Frames64
	Frames65To127
	Frames128To255
	Frames256To511
	Frames512To1023
	Frames1024ToMax
	GoodOctetsSent
	GoodFramesSent
	ExcessiveCollision
	MulticastFramesSent
	BroadcastFramesSent
	UnrecognizedMACControlReceived
	FlowControlSent
	GoodFlowControlReceived
	BadFlowControlReceived
	UndersizeReceived
	FragmentsReceived
	OversizeReceived
	JabberReceived
	MACReceiveError
	BadCRC
	Collisions
	LateCollision

	NumCounters
)

type counterInfo struct {
	off  uint32
	wide bool
	name string
}

// Offsets are relative to the MIB block of a port. The two octet counters
// span two registers, low word first.
var counters = [NumCounters]counterInfo{
	GoodOctetsReceived:             {0x00, true, "good_octets_received"},
	BadOctetsReceived:              {0x08, false, "bad_octets_received"},
	InternalMACTransmitError:       {0x0c, false, "internal_mac_transmit_error"},
	GoodFramesReceived:             {0x10, false, "good_frames_received"},
	BadFramesReceived:              {0x14, false, "bad_frames_received"},
	BroadcastFramesReceived:        {0x18, false, "broadcast_frames_received"},
	MulticastFramesReceived:        {0x1c, false, "multicast_frames_received"},
	Frames64:                       {0x20, false, "frames_64_octets"},
	Frames65To127:                  {0x24, false, "frames_65_to_127_octets"},
	Frames128To255:                 {0x28, false, "frames_128_to_255_octets"},
	Frames256To511:                 {0x2c, false, "frames_256_to_511_octets"},
	Frames512To1023:                {0x30, false, "frames_512_to_1023_octets"},
	Frames1024ToMax:                {0x34, false, "frames_1024_to_max_octets"},
	GoodOctetsSent:                 {0x38, true, "good_octets_sent"},
	GoodFramesSent:                 {0x40, false, "good_frames_sent"},
	ExcessiveCollision:             {0x44, false, "excessive_collision"},
	MulticastFramesSent:            {0x48, false, "multicast_frames_sent"},
	BroadcastFramesSent:            {0x4c, false, "broadcast_frames_sent"},
	UnrecognizedMACControlReceived: {0x50, false, "unrecognized_mac_control_received"},
	FlowControlSent:                {0x54, false, "fc_sent"},
	GoodFlowControlReceived:        {0x58, false, "good_fc_received"},
	BadFlowControlReceived:         {0x5c, false, "bad_fc_received"},
	UndersizeReceived:              {0x60, false, "undersize_received"},
	FragmentsReceived:              {0x64, false, "fragments_received"},
	OversizeReceived:               {0x68, false, "oversize_received"},
	JabberReceived:                 {0x6c, false, "jabber_received"},
	MACReceiveError:                {0x70, false, "mac_receive_error"},
	BadCRC:                         {0x74, false, "bad_crc"},
	Collisions:                     {0x78, false, "collisions"},
	LateCollision:                  {0x7c, false, "late_collision"},
}

func (c Counter) String() string {
	if c < 0 || c >= NumCounters {
		return "unknown"
	}
	return counters[c].name
}

// Offset returns the register offset of c within a port's MIB block.
func (c Counter) Offset() uint32 {
	return counters[c].off
}

// Wide reports whether c spans two registers.
func (c Counter) Wide() bool {
	return counters[c].wide
}

// Stats holds one value per counter.
type Stats [NumCounters]uint64

// Map returns the values keyed by counter name.
func (s Stats) Map() map[string]uint64 {
	m := make(map[string]uint64, NumCounters)
	for c := Counter(0); c < NumCounters; c++ {
		m[c.String()] = s[c]
	}
	return m
}

// Accumulator shadows the MIB counters of one port. It is safe for
// concurrent use.
type Accumulator struct {
	regs hw.Registers

	mu     sync.Mutex
	shadow Stats
}

// New returns an Accumulator reading from the MIB bank of a port, see
// [hw.MIBBank].
func New(regs hw.Registers) *Accumulator {
	return &Accumulator{regs: regs}
}

// Sample reads every hardware counter, adds it to the shadow and returns the
// updated shadow.
func (a *Accumulator) Sample() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	for c := Counter(0); c < NumCounters; c++ {
		a.shadow[c] += a.read(c)
	}
	return a.shadow
}

// Reset zeroes the hardware counters by reading them. The shadow is left
// alone.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for c := Counter(0); c < NumCounters; c++ {
		a.read(c)
	}
}

// Snapshot returns the shadow without touching the hardware.
func (a *Accumulator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shadow
}

// Get returns the shadow of c without touching the hardware.
func (a *Accumulator) Get(c Counter) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.shadow[c]
}

// Clear zeroes the shadow.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shadow = Stats{}
}

func (a *Accumulator) read(c Counter) uint64 {
	info := counters[c]
	lo := a.regs.Read(info.off)
	if !info.wide {
		return uint64(lo)
	}
	hi := a.regs.Read(info.off + 4)
	return uint64(hi)<<32 | uint64(lo)
}
