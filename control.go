package ethdma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/mib"
	"github.com/slackhq/ethdma/ring"
	"github.com/slackhq/ethdma/sim"
	"golang.org/x/sync/errgroup"
)

// fcsLen is the frame check sequence the controller leaves at the end of
// every received frame.
const fcsLen = 4

// Control owns everything Main built. Every interaction copies frames in and
// out of DMA memory so callers never hold on to a ring buffer.
type Control struct {
	l      *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	interval   time.Duration
	statsStart func()

	arena    *dma.Arena
	platform *Platform
	ports    []*Port
	pools    map[int]*BufferPool
	sim      *sim.Controller
	closers  []io.Closer
}

// Start runs a service loop per port, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	if c.statsStart != nil {
		go c.statsStart()
	}

	g, ctx := errgroup.WithContext(c.ctx)
	for _, p := range c.ports {
		g.Go(func() error {
			return p.Serve(ctx, c.interval)
		})
	}
	c.group = g
}

// Stop stops the service loops and every port, returns after the shutdown is complete
func (c *Control) Stop() {
	c.cancel()
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			c.l.WithError(err).Error("Port service failed")
		}
	}

	c.close()
	c.l.Info("Goodbye")
}

func (c *Control) close() {
	if c.platform != nil {
		if err := c.platform.Close(); err != nil {
			// Ring memory may still be in use by the DMA engine.
			c.l.WithError(err).Error("Failed to close ports, leaving dma memory mapped")
			return
		}
	}

	for n, pool := range c.pools {
		if err := pool.Close(); err != nil {
			c.l.WithError(err).WithField("port", n).Error("Failed to free port buffers")
		}
	}

	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			c.l.WithError(err).Error("Failed to unmap registers")
		}
	}

	if c.arena != nil {
		if err := c.arena.Close(); err != nil {
			c.l.WithError(err).Error("Failed to unmap dma memory")
		}
	}
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)

	rawSig := <-sigChan
	sig := rawSig.String()
	c.l.WithField("signal", sig).Info("Caught signal, shutting down")
	c.Stop()
}

// Ports returns the running ports in config order.
func (c *Control) Ports() []*Port {
	return slices.Clone(c.ports)
}

// Port returns port n.
func (c *Control) Port(n int) (*Port, bool) {
	for _, p := range c.ports {
		if p.cfg.Port == n {
			return p, true
		}
	}
	return nil, false
}

// Sim returns the simulated controller, nil unless hw.backend is sim.
func (c *Control) Sim() *sim.Controller {
	return c.sim
}

// Send copies frame into a buffer of port n and queues it.
func (c *Control) Send(n int, frame []byte) error {
	p, ok := c.Port(n)
	if !ok {
		return fmt.Errorf("no port %d", n)
	}
	pool := c.pools[n]
	if len(frame) > pool.Size() {
		return fmt.Errorf("%w: frame of %d bytes, buffers hold %d", ring.ErrFragmentTooLarge, len(frame), pool.Size())
	}

	b, err := pool.Get()
	if errors.Is(err, ErrNoBuffers) {
		// Buffers may be waiting on the TX ring.
		p.Reclaim()
		b, err = pool.Get()
	}
	if err != nil {
		return err
	}

	copied := copy(b.Data, frame)
	if err := p.SendBuf(b, b.Data[:copied]); err != nil {
		b.Release()
		return err
	}
	return nil
}

// OnReceive calls h with every frame port n receives, without the frame
// check sequence. h runs on the port's service goroutine and may send.
func (c *Control) OnReceive(n int, h func(frame []byte)) error {
	pool, ok := c.pools[n]
	if !ok {
		return fmt.Errorf("no port %d", n)
	}
	if h == nil {
		pool.SetHandler(nil)
		return nil
	}

	pool.SetHandler(func(frame []byte) {
		if len(frame) < fcsLen {
			return
		}
		h(frame[:len(frame)-fcsLen])
	})
	return nil
}

// PortStats samples and returns the MIB counters of port n.
func (c *Control) PortStats(n int) (mib.Stats, error) {
	p, ok := c.Port(n)
	if !ok {
		return mib.Stats{}, fmt.Errorf("no port %d", n)
	}
	return p.Stats(), nil
}

// reload applies the per port settings that can change at runtime.
func (c *Control) reload(cfg *config.C) {
	for i, s := range cfg.Subs("ports") {
		n := s.GetInt("port", i)
		p, ok := c.Port(n)
		if !ok {
			c.l.WithField("port", n).Warn("Ports can not be added on reload, restart to use it")
			continue
		}
		l := c.l.WithField("port", n)

		if s.HasChanged("promiscuous") {
			on := s.GetBool("promiscuous", false)
			p.SetPromiscuous(on)
			l.WithField("promiscuous", on).Info("Promiscuous mode changed")
		}

		if s.HasChanged("multicast") {
			groups, err := parseMulticast(s.GetStringSlice("multicast", nil))
			if err != nil {
				l.WithError(err).Error("Failed to reload multicast groups")
				continue
			}
			if err := p.SetMulticast(groups); err != nil {
				l.WithError(err).Error("Failed to reload multicast groups")
				continue
			}
			l.WithField("multicast", groups).Info("Multicast groups reloaded")
		}
	}
}
