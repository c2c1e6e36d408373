package phy

import (
	"fmt"
	"strings"

	"github.com/slackhq/ethdma/hw"
)

type Speed int

const (
	Speed10   Speed = 10
	Speed100  Speed = 100
	Speed1000 Speed = 1000
)

// Media is a link configuration. An Auto media with a zero Speed has not
// been negotiated yet.
type Media struct {
	Auto       bool
	Speed      Speed
	FullDuplex bool
	Link       bool
}

var forced = map[string]Media{
	"1000full": {Speed: Speed1000, FullDuplex: true},
	"1000half": {Speed: Speed1000},
	"100full":  {Speed: Speed100, FullDuplex: true},
	"100half":  {Speed: Speed100},
	"10full":   {Speed: Speed10, FullDuplex: true},
	"10half":   {Speed: Speed10},
}

// ParseMedia accepts "auto" or a forced speed and duplex such as "100full".
func ParseMedia(s string) (Media, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "auto" {
		return Media{Auto: true}, nil
	}
	m, ok := forced[s]
	if !ok {
		return Media{}, fmt.Errorf("unknown media `%s`. possible media: auto, 1000full, 1000half, 100full, 100half, 10full, 10half", s)
	}
	return m, nil
}

func (m Media) String() string {
	if m.Speed == 0 {
		if m.Auto {
			return "auto"
		}
		return "none"
	}
	d := "half"
	if m.FullDuplex {
		d = "full"
	}
	return fmt.Sprintf("%d%s", m.Speed, d)
}

// serialBase is every serial control bit this driver sets regardless of
// media. The MAC never negotiates on its own; speed and duplex come from
// the PHY.
const serialBase = hw.SerialReserved | hw.SerialMRU1522 | hw.SerialAutoNegDisableAll | hw.SerialNoAutoNegFC

// SerialControl returns the port serial control value for m, without the
// port enable bit. Media without a speed leaves the port at 1000 full
// duplex until the link is known.
func SerialControl(m Media) uint32 {
	v := uint32(serialBase)
	if m.Speed == 0 {
		return v | hw.SerialGMIISpeed1000 | hw.SerialFullDuplex
	}

	switch m.Speed {
	case Speed1000:
		v |= hw.SerialGMIISpeed1000
	case Speed100:
		v |= hw.SerialMIISpeed100
	}
	if m.FullDuplex {
		v |= hw.SerialFullDuplex
	}
	return v
}

// UpdateSerialPort programs the serial control register of a port for m. An
// enabled port is paused while the value changes, once its transmit FIFO is
// empty. It reports whether anything changed.
func UpdateSerialPort(port hw.Registers, m Media, poll hw.Poller) (bool, error) {
	old := port.Read(hw.PortSerialControl)
	v := SerialControl(m) | old&hw.SerialPortEnable
	if v == old {
		return false, nil
	}

	if old&hw.SerialPortEnable != 0 {
		if _, err := poll.Until(port, hw.PortStatus, hw.StatusTxFIFOEmpty, hw.StatusTxFIFOEmpty); err != nil {
			return false, fmt.Errorf("waiting for tx fifo to drain: %w", err)
		}
		port.Write(hw.PortSerialControl, old&^hw.SerialPortEnable)
	}

	port.Write(hw.PortSerialControl, v&^hw.SerialPortEnable)
	if v&hw.SerialPortEnable != 0 {
		port.Write(hw.PortSerialControl, v)
	}
	return true, nil
}
