package hw

import "fmt"

// Window is one address decoding window through which the DMA engines
// reach memory. Size must be a power of 2 of at least 64KiB and Base must
// be aligned to it.
type Window struct {
	Base uint32
	Size uint32
}

func (w Window) validate() error {
	if w.Size < 1<<16 || w.Size&(w.Size-1) != 0 {
		return fmt.Errorf("window size %#x is not a power of 2 >= 64KiB", w.Size)
	}
	if w.Base&(w.Size-1) != 0 {
		return fmt.Errorf("window base %#x is not aligned to its size %#x", w.Base, w.Size)
	}
	return nil
}

// SetupWindows programs the address decoding windows shared by all ports
// and grants ports full access to them. With snoop set, DMA transactions
// through the windows are snooped by the CPU cache.
func SetupWindows(r Registers, windows []Window, ports int, snoop bool) error {
	if len(windows) > NumWindows {
		return fmt.Errorf("%d windows requested, the controller has %d", len(windows), NumWindows)
	}

	attr := uint32(WindowTargetDRAM | WindowAttrCS0)
	if snoop {
		attr |= WindowAttrSnoop
	}

	// All windows disabled until programmed.
	enable := uint32(1<<NumWindows - 1)
	var prot uint32
	for i, w := range windows {
		if err := w.validate(); err != nil {
			return fmt.Errorf("window %d: %w", i, err)
		}

		r.Write(WindowBase+uint32(8*i), w.Base&0xffff0000|attr)
		r.Write(WindowSize+uint32(8*i), (w.Size-1)&0xffff0000)
		enable &^= 1 << i
		prot |= WindowFullAccess << (2 * i)
	}

	for p := 0; p < ports; p++ {
		r.Write(WindowAccessProt+uint32(4*p), prot)
	}
	r.Write(WindowEnable, enable)

	return nil
}
