// Package irq masks, acknowledges and routes the controller's interrupts.
package irq

import (
	"fmt"
	"sort"
	"strings"

	"github.com/slackhq/ethdma/hw"
)

// Cause is a set of interrupt causes. The low word mirrors the main cause
// register and the high word the extended cause register.
type Cause uint64

func MakeCause(main, ext uint32) Cause {
	return Cause(ext)<<32 | Cause(main)
}

func (c Cause) Main() uint32 {
	return uint32(c)
}

func (c Cause) Ext() uint32 {
	return uint32(c >> 32)
}

func (c Cause) Has(bits Cause) bool {
	return c&bits != 0
}

const (
	RxDone     Cause = hw.IrqRxBuffer
	RxError    Cause = hw.IrqRxError
	TxEnd      Cause = hw.IrqTxEnd
	TxDone     Cause = hw.IrqExtTxBuffer << 32
	TxError    Cause = hw.IrqExtTxError << 32
	PhyStatus  Cause = hw.IrqExtPhyStatus << 32
	RxOverrun  Cause = hw.IrqExtRxOverrun << 32
	TxUnderrun Cause = hw.IrqExtTxUnderrun << 32
	LinkChange Cause = hw.IrqExtLinkChange << 32

	// Known is every cause this driver understands.
	Known = RxDone | RxError | TxEnd | TxDone | TxError | PhyStatus | RxOverrun | TxUnderrun | LinkChange

	// Default is what a port enables unless configured otherwise.
	Default = RxDone | TxDone | LinkChange
)

var causeNames = map[string]Cause{
	"rx_done":     RxDone,
	"rx_error":    RxError,
	"tx_end":      TxEnd,
	"tx_done":     TxDone,
	"tx_error":    TxError,
	"phy_status":  PhyStatus,
	"rx_overrun":  RxOverrun,
	"tx_underrun": TxUnderrun,
	"link_change": LinkChange,
}

// ParseCause turns cause names, as used in the config, into a Cause.
func ParseCause(names []string) (Cause, error) {
	var c Cause
	for _, n := range names {
		v, ok := causeNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown interrupt cause `%s`. possible causes: %s", n, CauseNames())
		}
		c |= v
	}
	return c, nil
}

// CauseNames lists the names ParseCause accepts.
func CauseNames() []string {
	names := make([]string, 0, len(causeNames))
	for n := range causeNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c Cause) String() string {
	var names []string
	for _, n := range CauseNames() {
		if c&causeNames[n] != 0 {
			names = append(names, n)
		}
	}
	if rest := c &^ Known; rest != 0 {
		names = append(names, fmt.Sprintf("%#x", uint64(rest)))
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
