package irq

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/hw"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Policy decides what Ack does when it sees cause bits outside [Known].
type Policy int

const (
	// PolicyLog counts and logs unknown causes.
	PolicyLog Policy = iota
	// PolicyDisable also masks every interrupt of the port.
	PolicyDisable
)

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "default":
		return DefaultPolicy, nil
	case "log":
		return PolicyLog, nil
	case "disable":
		return PolicyDisable, nil
	}
	return 0, fmt.Errorf("unknown irq policy `%s`. possible policies: %s", s, []string{"log", "disable"})
}

func (p Policy) String() string {
	switch p {
	case PolicyLog:
		return "log"
	case PolicyDisable:
		return "disable"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// Controller owns the mask registers of one port. Mask changes are
// serialized; Ack only reads the mask and may run concurrently with them,
// as it does from interrupt context.
type Controller struct {
	regs   hw.Registers
	l      logrus.FieldLogger
	policy Policy

	mu   sync.Mutex
	mask atomicbitops.Uint64

	unknown  atomicbitops.Uint64
	disabled atomicbitops.Uint32
}

func NewController(l logrus.FieldLogger, regs hw.Registers, policy Policy) *Controller {
	return &Controller{regs: regs, l: l, policy: policy}
}

// Enable unmasks bits and returns the new mask.
func (c *Controller) Enable(bits Cause) Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Cause(c.mask.Load()) | bits
	c.write(m)
	return m
}

// Disable masks bits and returns the new mask.
func (c *Controller) Disable(bits Cause) Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := Cause(c.mask.Load()) &^ bits
	c.write(m)
	return m
}

// Set replaces the mask and returns the previous one.
func (c *Controller) Set(bits Cause) Cause {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := Cause(c.mask.Load())
	c.write(bits)
	return old
}

// Mask returns the enabled causes.
func (c *Controller) Mask() Cause {
	return Cause(c.mask.Load())
}

// write programs both mask registers. The extended summary bit in the main
// mask follows whether any extended cause is enabled.
func (c *Controller) write(m Cause) {
	main := m.Main() &^ hw.IrqExtSummary
	if m.Ext() != 0 {
		main |= hw.IrqExtSummary
	}
	c.mask.Store(uint64(m))
	c.regs.Write(hw.IntMaskExt, m.Ext())
	c.regs.Write(hw.IntMask, main)
}

// Ack clears the pending causes in bits that are also enabled and returns
// them. The cause registers are write 0 to clear, so the complement of the
// acknowledged bits is written back.
func (c *Controller) Ack(bits Cause) Cause {
	raw := MakeCause(c.regs.Read(hw.IntCause)&^hw.IrqExtSummary, c.regs.Read(hw.IntCauseExt))
	pend := raw & Cause(c.mask.Load()) & bits

	if pend.Ext() != 0 {
		c.regs.Write(hw.IntCauseExt, ^pend.Ext())
	}
	if pend.Main() != 0 {
		c.regs.Write(hw.IntCause, ^pend.Main())
	}

	if u := raw &^ Known; u != 0 {
		c.unknown.Add(1)
		if c.policy == PolicyDisable {
			c.Set(0)
			c.disabled.Store(1)
			c.l.WithField("cause", u).Error("Unknown interrupt cause, all interrupts disabled")
		} else {
			c.l.WithField("cause", u).Debug("Unknown interrupt cause")
		}
	}

	return pend
}

// Unknown returns how many acknowledgements saw unknown causes.
func (c *Controller) Unknown() uint64 {
	return c.unknown.Load()
}

// Tripped reports whether PolicyDisable shut interrupts off.
func (c *Controller) Tripped() bool {
	return c.disabled.Load() != 0
}
