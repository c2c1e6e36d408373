// Package hw is the register surface of the controller: access methods,
// the register map and polling helpers.
package hw

// Registers is a bank of 32-bit device registers addressed by byte offset.
type Registers interface {
	Read(off uint32) uint32
	Write(off uint32, v uint32)
}

// Bank is a window onto Registers starting at Base.
type Bank struct {
	R    Registers
	Base uint32
}

func (b Bank) Read(off uint32) uint32 {
	return b.R.Read(b.Base + off)
}

func (b Bank) Write(off uint32, v uint32) {
	b.R.Write(b.Base+off, v)
}

// PortBank returns the window holding the per port registers of port.
func PortBank(r Registers, port int) Bank {
	return Bank{R: r, Base: PortOffset(port)}
}

// MIBBank returns the window holding the MIB counters of port.
func MIBBank(r Registers, port int) Bank {
	return Bank{R: r, Base: MIBBase + uint32(port)*MIBStride}
}
