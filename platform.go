package ethdma

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ring"
)

// MaxPorts is the number of ports a controller has.
const MaxPorts = 3

// PlatformConfig describes the board a controller sits on.
type PlatformConfig struct {
	// Regs is the register space of the whole controller.
	Regs hw.Registers
	// Arena is the memory the DMA engines use. The address windows are
	// opened over it.
	Arena     *dma.Arena
	Coherency dma.Coherency
	Host      irq.Host
	Policy    irq.Policy
	Poll      hw.Poller
	// Ports is how many ports get access to the windows, MaxPorts if 0.
	Ports int
	// Metrics receives the gauges of every port. Nil disables them.
	Metrics metrics.Registry
}

// Platform is the state shared by all ports of a controller: the address
// windows, the SMI lock and the interrupt vector registry. It is set up once
// and then hands out ports.
type Platform struct {
	l       *logrus.Logger
	regs    hw.Registers
	arena   *dma.Arena
	coh     dma.Coherency
	poll    hw.Poller
	policy  irq.Policy
	metrics metrics.Registry
	nports  int

	smiLock sync.Mutex
	smi     *phy.SMI
	irqs    *irq.Registry

	mu     sync.Mutex
	ports  map[int]*Port
	closed bool
}

// NewPlatform programs the address windows and returns a platform ready to
// hand out ports.
func NewPlatform(l *logrus.Logger, pc PlatformConfig) (*Platform, error) {
	if pc.Regs == nil || pc.Arena == nil || pc.Host == nil {
		return nil, errors.New("platform needs registers, a dma arena and an interrupt host")
	}
	if pc.Ports <= 0 {
		pc.Ports = MaxPorts
	}
	if pc.Ports > MaxPorts {
		return nil, fmt.Errorf("%d ports requested, the controller has %d", pc.Ports, MaxPorts)
	}
	if pc.Coherency == nil {
		if dma.SoftwareCoherency {
			return nil, errors.New("this build needs platform cache operations for dma coherency")
		}
		pc.Coherency = dma.Snooping{}
	}

	w := window(pc.Arena.Base(), pc.Arena.Size())
	_, snoop := pc.Coherency.(dma.Snooping)
	if err := hw.SetupWindows(pc.Regs, []hw.Window{w}, pc.Ports, snoop); err != nil {
		return nil, fmt.Errorf("failed to set up address windows: %w", err)
	}

	p := &Platform{
		l:       l,
		regs:    pc.Regs,
		arena:   pc.Arena,
		coh:     pc.Coherency,
		poll:    pc.Poll,
		policy:  pc.Policy,
		metrics: pc.Metrics,
		nports:  pc.Ports,
		irqs:    irq.NewRegistry(pc.Host),
		ports:   make(map[int]*Port),
	}
	p.smi = phy.NewSMI(pc.Regs, &p.smiLock, pc.Poll)

	l.WithField("window", fmt.Sprintf("%#x+%#x", w.Base, w.Size)).
		WithField("snoop", snoop).
		Info("Address windows configured")
	return p, nil
}

// window returns the smallest decoding window covering size bytes at base.
func window(base uint32, size int) hw.Window {
	n := uint64(max(size, 1<<16))
	for {
		ws := uint64(1) << bits.Len64(n-1)
		wb := uint64(base) &^ (ws - 1)
		if wb+ws >= uint64(base)+uint64(size) || ws >= 1<<31 {
			return hw.Window{Base: uint32(wb), Size: uint32(ws)}
		}
		n = ws + 1
	}
}

// NewPort creates port cfg.Port, connects its interrupt vector and brings it
// up. stack supplies its buffers.
func (p *Platform) NewPort(cfg PortConfig, stack ring.Stack) (*Port, error) {
	if cfg.Port < 0 || cfg.Port >= p.nports {
		return nil, fmt.Errorf("port %d does not exist, the platform has %d", cfg.Port, p.nports)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("platform is closed")
	}
	if _, ok := p.ports[cfg.Port]; ok {
		return nil, fmt.Errorf("port %d is already in use", cfg.Port)
	}

	port, err := newPort(p, cfg, stack)
	if err != nil {
		return nil, err
	}

	if err := p.irqs.Connect(port, cfg.Vector, port.Interrupt); err != nil {
		return nil, fmt.Errorf("port %d: %w", cfg.Port, err)
	}

	if err := port.Init(); err != nil {
		_ = p.irqs.Disconnect(port)
		_ = port.teardown()
		return nil, fmt.Errorf("port %d: %w", cfg.Port, err)
	}

	if p.metrics != nil {
		if err := port.register(p.metrics); err != nil {
			p.l.WithError(err).WithField("port", cfg.Port).Warn("Failed to register port metrics")
		}
	}

	p.ports[cfg.Port] = port
	return port, nil
}

// Port returns an existing port.
func (p *Platform) Port(n int) (*Port, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.ports[n]
	return port, ok
}

// SMI returns the management interface shared by all ports.
func (p *Platform) SMI() *phy.SMI {
	return p.smi
}

func (p *Platform) release(port *Port) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ports[port.cfg.Port] == port {
		delete(p.ports, port.cfg.Port)
	}
	if p.metrics != nil {
		port.unregister(p.metrics)
	}
	return p.irqs.Disconnect(port)
}

// Close closes every port. The platform can not be used afterwards.
func (p *Platform) Close() error {
	p.mu.Lock()
	p.closed = true
	ports := make([]*Port, 0, len(p.ports))
	for _, port := range p.ports {
		ports = append(ports, port)
	}
	p.mu.Unlock()

	var errs []error
	for _, port := range ports {
		if err := port.Close(); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port.cfg.Port, err))
		}
	}
	if err := p.irqs.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
