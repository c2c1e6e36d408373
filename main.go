package ethdma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/sim"
	"github.com/slackhq/ethdma/util"
	"go.yaml.in/yaml/v3"
)

const (
	defaultMMIOPath = "/dev/mem"
	defaultMMIOSize = 0x4000
	defaultDMABase  = 0x10000000
	defaultDMASize  = 4 << 20

	defaultServiceInterval = 100 * time.Millisecond
)

// raiser is an interrupt host that software can assert vectors on.
type raiser interface {
	Raise(vector int)
}

// Main builds the controller described by c and brings every configured port
// up. host receives the port interrupts; when nil an in-process host is
// used. In config test mode the config is validated and printed, no hardware
// is touched and the returned Control is nil.
func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger, host irq.Host) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	ports, err := PortsFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to load port config", nil, err)
	}

	policy, err := irq.ParsePolicy(c.GetString("irq.unknown", ""))
	if err != nil {
		return nil, util.NewContextualError("Failed to parse irq.unknown", nil, err)
	}

	interval := c.GetDuration("hw.service_interval", defaultServiceInterval)
	if interval <= 0 {
		return nil, util.NewContextualError("hw.service_interval must be positive", m{"hw.service_interval": interval}, nil)
	}

	coh, err := coherencyFromConfig(c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure dma coherency", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		interval:   interval,
		statsStart: statsStart,
		pools:      make(map[int]*BufferPool),
	}

	if err := ctrl.build(c, ports, host, coh, policy); err != nil {
		ctrl.close()
		cancel()
		return nil, err
	}

	c.RegisterReloadCallback(ctrl.reload)
	return ctrl, nil
}

func coherencyFromConfig(c *config.C) (dma.Coherency, error) {
	switch mode := c.GetString("hw.coherency", "snoop"); mode {
	case "snoop":
		if dma.SoftwareCoherency {
			return nil, errors.New("this build maintains coherency in software, hw.coherency must be software")
		}
		return dma.Snooping{}, nil
	case "software":
		if !dma.SoftwareCoherency {
			return nil, errors.New("software coherency needs a build with the ethdma_swcoherency tag")
		}
		return nil, errors.New("software coherency needs platform cache operations, use NewPlatform directly")
	default:
		return nil, fmt.Errorf("unknown hw.coherency `%s`. possible modes: %s", mode, []string{"snoop", "software"})
	}
}

func arenaFromConfig(l *logrus.Logger, c *config.C) (*dma.Arena, error) {
	path := c.GetString("hw.dma.path", "")
	base := c.GetUint32("hw.dma.base", defaultDMABase)
	size := c.GetInt("hw.dma.size", defaultDMASize)

	if path == "" {
		return dma.NewArena(size, base)
	}

	l.WithField("path", path).WithField("base", fmt.Sprintf("%#x", base)).WithField("size", size).
		Info("Mapping dma memory")
	return dma.MapArena(path, int64(base), size)
}

// build opens the backend, sets up the platform and brings up every port.
func (ctrl *Control) build(c *config.C, ports []PortConfig, host irq.Host, coh dma.Coherency, policy irq.Policy) error {
	arena, err := arenaFromConfig(ctrl.l, c)
	if err != nil {
		return util.NewContextualError("Failed to set up dma memory", nil, err)
	}
	ctrl.arena = arena

	nports := 0
	for _, pc := range ports {
		nports = max(nports, pc.Port+1)
	}

	var regs hw.Registers
	switch backend := c.GetString("hw.backend", "sim"); backend {
	case "sim":
		if host == nil {
			host = irq.NewSoftHost()
		}
		r, ok := host.(raiser)
		if !ok {
			return util.NewContextualError("The sim backend needs an interrupt host that can raise vectors", nil, nil)
		}

		vectors := make(map[int]int, len(ports))
		for _, pc := range ports {
			vectors[pc.Port] = pc.Vector
		}

		s := sim.New(sim.Options{
			Ports: nports,
			Arena: arena,
			Raise: func(port int) {
				if v, ok := vectors[port]; ok {
					r.Raise(v)
				}
			},
			Loopback: c.GetBool("hw.sim.loopback", false),
			Logger:   ctrl.l.WithField("subsystem", "sim"),
		})

		link, err := phy.ParseMedia(c.GetString("hw.sim.link", "1000full"))
		if err != nil {
			return util.NewContextualError("Failed to parse hw.sim.link", nil, err)
		}
		for _, pc := range ports {
			if pc.PHY != NoPHY {
				s.Negotiate(pc.PHY, link)
			}
			s.SetLink(pc.Port, link.Speed != 0)
		}

		ctrl.sim = s
		regs = s

	case "mmio":
		base := c.GetUint64("hw.mmio.base", 0)
		if base == 0 {
			return util.NewContextualError("hw.mmio.base must be set", nil, nil)
		}
		path := c.GetString("hw.mmio.path", defaultMMIOPath)
		mm, err := hw.OpenMMIO(path, int64(base), c.GetInt("hw.mmio.size", defaultMMIOSize), c.GetBool("hw.mmio.byteswap", false))
		if err != nil {
			return util.NewContextualError("Failed to map controller registers", m{"path": path, "base": fmt.Sprintf("%#x", base)}, err)
		}
		ctrl.closers = append(ctrl.closers, mm)
		regs = mm

		if host == nil {
			ctrl.l.Info("No interrupt host given, ports are polled every hw.service_interval")
			host = irq.NewSoftHost()
		}

	default:
		return util.NewContextualError("Unknown hw.backend", m{"hw.backend": backend}, fmt.Errorf("possible backends: %s", []string{"sim", "mmio"}))
	}

	ctrl.platform, err = NewPlatform(ctrl.l, PlatformConfig{
		Regs:      regs,
		Arena:     arena,
		Coherency: coh,
		Host:      host,
		Policy:    policy,
		Poll:      hw.Poller{Limit: c.GetInt("hw.poll_limit", 0)},
		Ports:     nports,
		Metrics:   metrics.DefaultRegistry,
	})
	if err != nil {
		return util.NewContextualError("Failed to set up the platform", nil, err)
	}

	for _, pc := range ports {
		// RX refill takes a fresh buffer before giving the old one up.
		pool, err := NewBufferPool(arena, 2*pc.RxRing+pc.TxRing, pc.RxBuffer)
		if err != nil {
			return util.NewContextualError("Failed to allocate port buffers", m{"port": pc.Port}, err)
		}
		ctrl.pools[pc.Port] = pool

		port, err := ctrl.platform.NewPort(pc, pool)
		if err != nil {
			return util.NewContextualError("Failed to start port", m{"port": pc.Port}, err)
		}
		ctrl.ports = append(ctrl.ports, port)
	}

	return nil
}

type m = map[string]any
