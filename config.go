package ethdma

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/filter"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ring"
)

const (
	DefaultRxRing   = 64
	DefaultTxRing   = 64
	DefaultRxBuffer = 1536
)

// PortsFromConfig reads every entry of the ports list.
func PortsFromConfig(c *config.C) ([]PortConfig, error) {
	subs := c.Subs("ports")
	if len(subs) == 0 {
		return nil, errors.New("ports must contain at least one port")
	}

	var (
		ports   []PortConfig
		seen    = map[int]bool{}
		vectors = map[int]int{}
	)
	for i, s := range subs {
		pc, err := PortFromConfig(s, i)
		if err != nil {
			return nil, fmt.Errorf("ports[%d]: %w", i, err)
		}
		if seen[pc.Port] {
			return nil, fmt.Errorf("ports[%d]: port %d is configured twice", i, pc.Port)
		}
		if o, ok := vectors[pc.Vector]; ok {
			return nil, fmt.Errorf("ports[%d]: vector %d is already used by port %d", i, pc.Vector, o)
		}
		seen[pc.Port] = true
		vectors[pc.Vector] = pc.Port
		ports = append(ports, pc)
	}
	return ports, nil
}

// PortFromConfig reads one port. The port number defaults to i and the
// interrupt vector to the port number.
func PortFromConfig(c *config.C, i int) (PortConfig, error) {
	pc := PortConfig{
		Port:        c.GetInt("port", i),
		PHY:         c.GetInt("phy", NoPHY),
		RxRing:      c.GetInt("rx_ring", DefaultRxRing),
		TxRing:      c.GetInt("tx_ring", DefaultTxRing),
		RxBuffer:    c.GetInt("rx_buffer", DefaultRxBuffer),
		MinFrame:    c.GetInt("min_frame", 0),
		Promiscuous: c.GetBool("promiscuous", false),
	}
	pc.Vector = c.GetInt("vector", pc.Port)

	if pc.Port < 0 || pc.Port >= MaxPorts {
		return pc, fmt.Errorf("port %d is out of range 0-%d", pc.Port, MaxPorts-1)
	}
	if pc.PHY < NoPHY || pc.PHY > 31 {
		return pc, fmt.Errorf("phy %d is out of range 0-31", pc.PHY)
	}
	if err := ring.CheckSizes(pc.RxRing, pc.TxRing); err != nil {
		return pc, err
	}
	if pc.RxBuffer < ring.RxBufferAlign || pc.RxBuffer > ring.MaxFragment {
		return pc, fmt.Errorf("rx_buffer %d is out of range %d-%d", pc.RxBuffer, ring.RxBufferAlign, ring.MaxFragment)
	}
	if pc.MinFrame < 0 {
		return pc, fmt.Errorf("min_frame %d is negative", pc.MinFrame)
	}

	mac, err := c.GetHardwareAddr("mac")
	if err != nil {
		return pc, err
	}
	if mac == nil {
		return pc, errors.New("mac is required")
	}
	pc.MAC = mac

	pc.IrqMask = irq.Default
	if c.IsSet("irq_mask") {
		pc.IrqMask, err = irq.ParseCause(c.GetStringSlice("irq_mask", nil))
		if err != nil {
			return pc, err
		}
	}

	pc.Media, err = phy.ParseMedia(c.GetString("media", "auto"))
	if err != nil {
		return pc, err
	}

	pc.Multicast, err = parseMulticast(c.GetStringSlice("multicast", nil))
	if err != nil {
		return pc, err
	}

	return pc, nil
}

// parseMulticast accepts group addresses and multicast IPs, which are turned
// into the group address they map to.
func parseMulticast(list []string) ([]net.HardwareAddr, error) {
	var out []net.HardwareAddr
	for _, s := range list {
		s = strings.TrimSpace(s)
		if ip, err := netip.ParseAddr(s); err == nil {
			mac, err := filter.GroupAddress(ip)
			if err != nil {
				return nil, fmt.Errorf("multicast: %w", err)
			}
			out = append(out, mac)
			continue
		}

		mac, err := net.ParseMAC(s)
		if err != nil {
			return nil, fmt.Errorf("multicast: %w", err)
		}
		if !filter.IsMulticast(mac) {
			return nil, fmt.Errorf("multicast: %w: %s", filter.ErrNotMulticast, mac)
		}
		out = append(out, mac)
	}
	return out, nil
}
