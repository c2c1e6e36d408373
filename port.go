package ethdma

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/ethdma/filter"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/mib"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/ring"
)

var (
	// ErrStopped is returned by the data path of a port that is not running.
	ErrStopped = errors.New("port is not running")
	ErrClosed  = errors.New("port is closed")
	ErrNoRing  = errors.New("port has no ring in that direction")
	ErrNoPHY   = errors.New("port has no phy")
)

// NoPHY is the PortConfig.PHY of a port without a PHY on the SMI bus.
const NoPHY = -1

// PortConfig is everything needed to bring up one port.
type PortConfig struct {
	Port   int
	Vector int
	MAC    net.HardwareAddr
	PHY    int

	RxRing int
	TxRing int
	// RxBuffer is the size of the receive buffers the port's pool hands
	// out.
	RxBuffer int
	MinFrame int

	IrqMask     irq.Cause
	Media       phy.Media
	Promiscuous bool
	Multicast   []net.HardwareAddr
}

// Port is one ethernet port of the controller with its rings, address
// filter, interrupt mask and MIB counters.
//
// The TX path and the RX path each take their own lock and can be driven
// from different goroutines. Init, Stop and the filter and link operations
// serialize with each other and with both paths.
type Port struct {
	l     logrus.FieldLogger
	plat  *Platform
	regs  hw.Bank
	stack ring.Stack

	irq    *irq.Controller
	filter *filter.Engine
	mib    *mib.Accumulator

	// Lock order is ctlLock, txLock, rxLock.
	ctlLock syncMutex
	txLock  syncMutex
	rxLock  syncMutex

	cfg     PortConfig
	rings   *ring.Rings
	media   phy.Media
	closed  bool
	running atomic.Bool

	pending atomic.Uint64
	events  chan struct{}

	reported struct {
		dropped, staleOwner, unknown uint64
	}
}

func newPort(plat *Platform, cfg PortConfig, stack ring.Stack) (*Port, error) {
	if stack == nil {
		return nil, errors.New("port needs a buffer stack")
	}
	if err := ring.CheckSizes(cfg.RxRing, cfg.TxRing); err != nil {
		return nil, err
	}
	for _, g := range cfg.Multicast {
		if !filter.IsMulticast(g) {
			return nil, fmt.Errorf("%w: %s", filter.ErrNotMulticast, g)
		}
	}

	regs := hw.PortBank(plat.regs, cfg.Port)
	l := plat.l.WithField("port", cfg.Port)
	cfg.Multicast = slices.Clone(cfg.Multicast)

	return &Port{
		l:      l,
		plat:   plat,
		regs:   regs,
		stack:  stack,
		irq:    irq.NewController(l, regs, plat.policy),
		filter: filter.New(regs),
		mib:    mib.New(hw.MIBBank(plat.regs, cfg.Port)),
		cfg:    cfg,
		events: make(chan struct{}, 1),

		ctlLock: newSyncMutex(lockCtl),
		txLock:  newSyncMutex(lockTx),
		rxLock:  newSyncMutex(lockRx),
	}, nil
}

// Init brings the port up, stopping it first if it is running. The rings
// are allocated on the first call and reset on later ones.
func (p *Port) Init() error {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()
	p.txLock.Lock()
	defer p.txLock.Unlock()
	p.rxLock.Lock()
	defer p.rxLock.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.running.Load() {
		if err := p.stop(); err != nil {
			return err
		}
	}

	p.regs.Write(hw.SDMAConfig, hw.SDMAConfigValue)
	p.regs.Write(hw.PortConfigExt, 0)
	p.regs.Write(hw.PortConfig, 0)

	if p.rings == nil {
		r, err := ring.New(ring.Options{
			Regs:      p.regs,
			Alloc:     p.plat.arena,
			Coherency: p.plat.coh,
			Stack:     p.stack,
			RxSize:    p.cfg.RxRing,
			TxSize:    p.cfg.TxRing,
			MinFrame:  p.cfg.MinFrame,
		})
		if err != nil {
			return fmt.Errorf("failed to allocate rings: %w", err)
		}
		p.rings = r
	} else if err := p.rings.Reset(); err != nil {
		return fmt.Errorf("failed to reset rings: %w", err)
	}

	if err := p.filter.SetUnicast(p.cfg.MAC); err != nil {
		return err
	}
	p.filter.SetPromiscuous(p.cfg.Promiscuous)
	if !p.cfg.Promiscuous {
		p.replay()
	}

	p.mib.Reset()
	p.mib.Clear()

	media := p.cfg.Media
	if media.Auto && p.cfg.PHY != NoPHY {
		m, err := p.plat.smi.Negotiated(p.cfg.PHY)
		if err != nil {
			return fmt.Errorf("failed to read negotiated media: %w", err)
		}
		media = m
	}
	if !media.Auto {
		media.Link = p.linkUp()
	}
	if _, err := phy.UpdateSerialPort(p.regs, media, p.plat.poll); err != nil {
		return err
	}
	p.regs.Write(hw.PortSerialControl, p.regs.Read(hw.PortSerialControl)|hw.SerialPortEnable)
	p.media = media

	p.regs.Write(hw.IntCause, 0)
	p.regs.Write(hw.IntCauseExt, 0)
	p.pending.Store(0)
	p.irq.Set(p.cfg.IrqMask)

	p.running.Store(true)
	p.regs.Write(hw.RxQueueCommand, hw.RxStart)

	p.l.WithField("mac", p.cfg.MAC).
		WithField("media", media).
		WithField("rx_ring", p.cfg.RxRing).
		WithField("tx_ring", p.cfg.TxRing).
		WithField("irq_mask", p.cfg.IrqMask).
		Info("Port started")
	return nil
}

// Stop masks the port's interrupts, stops both queues, disables the port and
// releases every buffer the rings hold.
func (p *Port) Stop() error {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()
	p.txLock.Lock()
	defer p.txLock.Unlock()
	p.rxLock.Lock()
	defer p.rxLock.Unlock()

	if !p.running.Load() {
		return nil
	}
	return p.stop()
}

func (p *Port) stop() error {
	p.irq.Set(0)

	p.regs.Write(hw.TxQueueCommand, hw.TxStop)
	if _, err := p.plat.poll.Until(p.regs, hw.TxQueueCommand, hw.TxStart, 0); err != nil {
		return fmt.Errorf("tx queue did not stop: %w", err)
	}
	p.regs.Write(hw.RxQueueCommand, hw.RxStopAll)
	if _, err := p.plat.poll.Until(p.regs, hw.RxQueueCommand, hw.RxAny, 0); err != nil {
		return fmt.Errorf("rx queue did not stop: %w", err)
	}

	p.running.Store(false)
	p.regs.Write(hw.PortSerialControl, p.regs.Read(hw.PortSerialControl)&^hw.SerialPortEnable)
	p.rings.Drain()

	p.l.Info("Port stopped")
	return nil
}

// Close stops the port, frees its rings and disconnects its interrupt. When
// the DMA engine can not be stopped the ring memory is kept and the error
// returned.
func (p *Port) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	errs := []error{p.teardown()}
	if err := p.plat.release(p); err != nil && !errors.Is(err, irq.ErrNotConnected) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Port) teardown() error {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()
	p.txLock.Lock()
	defer p.txLock.Unlock()
	p.rxLock.Lock()
	defer p.rxLock.Unlock()

	p.closed = true
	if p.rings == nil {
		return nil
	}
	err := p.rings.Close()
	p.rings = nil
	return err
}

func (p *Port) Running() bool {
	return p.running.Load()
}

// Config returns the port's current configuration.
func (p *Port) Config() PortConfig {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()
	cfg := p.cfg
	cfg.MAC = slices.Clone(p.cfg.MAC)
	cfg.Multicast = nil
	for _, g := range p.cfg.Multicast {
		cfg.Multicast = append(cfg.Multicast, slices.Clone(g))
	}
	return cfg
}

func (p *Port) tx() (*ring.TxRing, error) {
	if !p.running.Load() {
		return nil, ErrStopped
	}
	if p.rings.Tx == nil {
		return nil, ErrNoRing
	}
	return p.rings.Tx, nil
}

// Send queues a frame made of the fragments in frags. buf comes back through
// the stack's CleanupTx once the frame is sent.
func (p *Port) Send(buf ring.Buffer, frags iter.Seq[[]byte]) error {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	tx, err := p.tx()
	if err != nil {
		return err
	}
	return tx.Send(buf, frags)
}

func (p *Port) SendBuf(buf ring.Buffer, data []byte) error {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	tx, err := p.tx()
	if err != nil {
		return err
	}
	return tx.SendBuf(buf, data)
}

func (p *Port) SendRaw(buf ring.Buffer, hdr, data []byte) error {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	tx, err := p.tx()
	if err != nil {
		return err
	}
	return tx.SendRaw(buf, hdr, data)
}

// Reclaim releases transmitted buffers and returns the number of free TX
// descriptors.
func (p *Port) Reclaim() int {
	p.txLock.Lock()
	defer p.txLock.Unlock()

	tx, err := p.tx()
	if err != nil {
		return 0
	}
	return tx.Reclaim()
}

// deliverer is a stack that queues received frames until the RX lock is
// released.
type deliverer interface {
	Deliver() int
}

// Receive hands completed frames to the stack and returns how many
// descriptors it processed.
func (p *Port) Receive() int {
	n := p.receive()
	if d, ok := p.stack.(deliverer); ok {
		d.Deliver()
	}
	return n
}

func (p *Port) receive() int {
	p.rxLock.Lock()
	defer p.rxLock.Unlock()

	if !p.running.Load() || p.rings.Rx == nil {
		return 0
	}
	return p.rings.Rx.Receive()
}

// SetPromiscuous switches unicast promiscuous mode. Turning it off restores
// the multicast groups.
func (p *Port) SetPromiscuous(on bool) {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()

	p.cfg.Promiscuous = on
	p.filter.SetPromiscuous(on)
	if !on {
		p.replay()
	}
}

// AddMulticast joins the group addr. Joining a group twice needs two
// DelMulticast calls to leave it.
func (p *Port) AddMulticast(addr net.HardwareAddr) error {
	if !filter.IsMulticast(addr) {
		return fmt.Errorf("%w: %s", filter.ErrNotMulticast, addr)
	}

	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()

	if !p.cfg.Promiscuous {
		if err := p.filter.Accept(addr); err != nil {
			return err
		}
	}
	p.cfg.Multicast = append(p.cfg.Multicast, slices.Clone(addr))
	return nil
}

// DelMulticast leaves the group addr.
func (p *Port) DelMulticast(addr net.HardwareAddr) error {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()

	i := slices.IndexFunc(p.cfg.Multicast, func(g net.HardwareAddr) bool {
		return bytes.Equal(g, addr)
	})
	if i < 0 {
		return fmt.Errorf("%w: %s", filter.ErrNotReferenced, addr)
	}

	if !p.cfg.Promiscuous {
		if err := p.filter.Reject(addr); err != nil {
			return err
		}
	}
	p.cfg.Multicast = slices.Delete(p.cfg.Multicast, i, i+1)
	return nil
}

// SetMulticast replaces every joined group with addrs.
func (p *Port) SetMulticast(addrs []net.HardwareAddr) error {
	for _, g := range addrs {
		if !filter.IsMulticast(g) {
			return fmt.Errorf("%w: %s", filter.ErrNotMulticast, g)
		}
	}

	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()

	p.cfg.Multicast = slices.Clone(addrs)
	if !p.cfg.Promiscuous {
		p.filter.Clear()
		p.replay()
	}
	return nil
}

// replay accepts every joined group into the hardware tables. ctlLock must
// be held.
func (p *Port) replay() {
	for _, g := range p.cfg.Multicast {
		if err := p.filter.Accept(g); err != nil {
			p.l.WithError(err).WithField("group", g).Warn("Failed to accept multicast group")
		}
	}
}

// Stats folds the hardware MIB counters into the totals and returns them.
func (p *Port) Stats() mib.Stats {
	return p.mib.Sample()
}

// ResetStats zeroes the hardware counters and the totals.
func (p *Port) ResetStats() {
	p.mib.Reset()
	p.mib.Clear()
}

func (p *Port) ReadPHY(reg int) (uint16, error) {
	if p.cfg.PHY == NoPHY {
		return 0, ErrNoPHY
	}
	return p.plat.smi.Read(p.cfg.PHY, reg)
}

func (p *Port) WritePHY(reg int, v uint16) error {
	if p.cfg.PHY == NoPHY {
		return ErrNoPHY
	}
	return p.plat.smi.Write(p.cfg.PHY, reg, v)
}

// Media returns the media the port was last programmed for.
func (p *Port) Media() phy.Media {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()
	return p.media
}

// UpdateLink reprograms the port for the media the PHY negotiated, or for
// the forced media. While an autonegotiating link is down the port keeps its
// current setting.
func (p *Port) UpdateLink() (phy.Media, error) {
	p.ctlLock.Lock()
	defer p.ctlLock.Unlock()

	if p.closed {
		return phy.Media{}, ErrClosed
	}

	media := p.cfg.Media
	if media.Auto {
		if p.cfg.PHY == NoPHY {
			return p.media, nil
		}
		m, err := p.plat.smi.Negotiated(p.cfg.PHY)
		if err != nil {
			return p.media, err
		}
		if m.Speed == 0 {
			if p.media.Link {
				p.l.Info("Link down")
			}
			p.media.Link = false
			return p.media, nil
		}
		media = m
	} else {
		media.Link = p.linkUp()
	}

	changed, err := phy.UpdateSerialPort(p.regs, media, p.plat.poll)
	if err != nil {
		return p.media, err
	}
	if changed || media.Link != p.media.Link {
		p.l.WithField("media", media).WithField("link", media.Link).Info("Link updated")
	}
	p.media = media
	return media, nil
}

func (p *Port) linkUp() bool {
	return p.regs.Read(hw.PortStatus)&hw.StatusLinkUp != 0
}

// Interrupt is the port's interrupt handler. It acknowledges the enabled
// causes and signals Events; the work happens in Service.
func (p *Port) Interrupt() {
	c := p.irq.Ack(p.irq.Mask())
	if c == 0 {
		return
	}
	p.pending.Or(uint64(c))

	select {
	case p.events <- struct{}{}:
	default:
	}
}

// Events is signalled when Interrupt acknowledged causes. Several
// interrupts may be folded into one signal.
func (p *Port) Events() <-chan struct{} {
	return p.events
}

// TakeCauses returns and forgets the causes acknowledged since the last
// call.
func (p *Port) TakeCauses() irq.Cause {
	return irq.Cause(p.pending.Swap(0))
}

// Service does the work c calls for.
func (p *Port) Service(c irq.Cause) {
	if c.Has(irq.TxDone | irq.TxEnd | irq.TxError | irq.TxUnderrun) {
		p.Reclaim()
	}
	if c.Has(irq.RxDone | irq.RxError | irq.RxOverrun) {
		p.Receive()
	}
	if c.Has(irq.LinkChange | irq.PhyStatus) {
		if _, err := p.UpdateLink(); err != nil {
			p.l.WithError(err).Warn("Failed to update link")
		}
	}
}

// Serve runs Service for every event until ctx is done. Every interval the
// rings are polled, the MIB counters sampled and new erratum hits logged.
func (p *Port) Serve(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.events:
			p.Service(p.TakeCauses())
		case <-t.C:
			p.Service(irq.RxDone | irq.TxDone)
			p.mib.Sample()
			p.report()
		}
	}
}

// Counters are the driver side event counts of a port.
type Counters struct {
	RxDropped  uint64
	StaleOwner uint64
	IrqUnknown uint64
}

func (p *Port) Counters() Counters {
	var c Counters
	c.IrqUnknown = p.irq.Unknown()

	p.txLock.Lock()
	if p.rings != nil && p.rings.Tx != nil {
		c.StaleOwner = p.rings.Tx.StaleOwner()
	}
	p.txLock.Unlock()

	p.rxLock.Lock()
	if p.rings != nil && p.rings.Rx != nil {
		c.RxDropped = p.rings.Rx.Dropped()
	}
	p.rxLock.Unlock()
	return c
}

func (p *Port) report() {
	c := p.Counters()
	r := &p.reported
	if c.RxDropped != r.dropped || c.StaleOwner != r.staleOwner || c.IrqUnknown != r.unknown {
		p.l.WithField("rx_dropped", c.RxDropped-r.dropped).
			WithField("tx_stale_owner", c.StaleOwner-r.staleOwner).
			WithField("irq_unknown", c.IrqUnknown-r.unknown).
			Debug("Port counters moved")
	}
	r.dropped, r.staleOwner, r.unknown = c.RxDropped, c.StaleOwner, c.IrqUnknown
}

func (p *Port) metricsPrefix() string {
	return fmt.Sprintf("ports.%d", p.cfg.Port)
}

func (p *Port) gauges() map[string]func() int64 {
	return map[string]func() int64{
		"rx.dropped":     func() int64 { return int64(p.Counters().RxDropped) },
		"tx.stale_owner": func() int64 { return int64(p.Counters().StaleOwner) },
		"irq.unknown":    func() int64 { return int64(p.irq.Unknown()) },
	}
}

func (p *Port) register(r metrics.Registry) error {
	prefix := p.metricsPrefix()
	for name, f := range p.gauges() {
		if err := r.Register(prefix+"."+name, metrics.NewFunctionalGauge(f)); err != nil {
			return err
		}
	}
	return p.mib.Register(r, prefix+".mib")
}

func (p *Port) unregister(r metrics.Registry) {
	prefix := p.metricsPrefix()
	for name := range p.gauges() {
		r.Unregister(prefix + "." + name)
	}
	mib.Unregister(r, prefix+".mib")
}
