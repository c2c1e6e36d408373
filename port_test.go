package ethdma

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/filter"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/mib"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/sim"
	"github.com/slackhq/ethdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	station = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peer    = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	mdns    = net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb}
)

const vectorBase = 10

type bench struct {
	arena    *dma.Arena
	sim      *sim.Controller
	host     *irq.SoftHost
	metrics  metrics.Registry
	platform *Platform
}

func newBench(t *testing.T, loopback bool) *bench {
	arena, err := dma.NewArena(1<<20, 0x20000000)
	require.NoError(t, err)
	t.Cleanup(func() { arena.Close() })

	b := &bench{
		arena:   arena,
		host:    irq.NewSoftHost(),
		metrics: metrics.NewRegistry(),
	}
	b.sim = sim.New(sim.Options{
		Ports:    2,
		Arena:    arena,
		Raise:    func(port int) { b.host.Raise(vectorBase + port) },
		Loopback: loopback,
		Logger:   test.NewLogger(),
	})

	b.platform, err = NewPlatform(test.NewLogger(), PlatformConfig{
		Regs:    b.sim,
		Arena:   arena,
		Host:    b.host,
		Ports:   2,
		Metrics: b.metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { b.platform.Close() })
	return b
}

func portConfig(n int) PortConfig {
	return PortConfig{
		Port:     n,
		Vector:   vectorBase + n,
		MAC:      station,
		PHY:      NoPHY,
		RxRing:   8,
		TxRing:   8,
		RxBuffer: 256,
		IrqMask:  irq.Default,
		Media:    phy.Media{Auto: true},
	}
}

// frames collects what a pool delivers.
type frames struct {
	mu  sync.Mutex
	got [][]byte
}

func (f *frames) handle(frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, frame)
}

func (f *frames) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.got...)
}

func (b *bench) port(t *testing.T, cfg PortConfig) (*Port, *BufferPool, *frames) {
	pool, err := NewBufferPool(b.arena, 2*cfg.RxRing+cfg.TxRing, cfg.RxBuffer)
	require.NoError(t, err)
	f := &frames{}
	pool.SetHandler(f.handle)

	p, err := b.platform.NewPort(cfg, pool)
	require.NoError(t, err)
	return p, pool, f
}

func udp(t *testing.T, dst net.HardwareAddr, dstIP, payload string) []byte {
	b, err := sim.UDPFrame(dst, peer,
		netip.MustParseAddrPort("10.0.0.2:4000"),
		netip.MustParseAddrPort(dstIP),
		[]byte(payload))
	require.NoError(t, err)
	return b
}

func send(t *testing.T, p *Port, pool *BufferPool, frame []byte) {
	buf, err := pool.Get()
	require.NoError(t, err)
	n := copy(buf.Data, frame)
	require.NoError(t, p.SendBuf(buf, buf.Data[:n]))
}

func TestWindow(t *testing.T) {
	assert.Equal(t, hw.Window{Base: 0x20000000, Size: 1 << 20}, window(0x20000000, 1<<20))
	assert.Equal(t, hw.Window{Base: 0x10000000, Size: 1 << 16}, window(0x10000000, 100))
	// Straddling a 64KiB boundary needs the next size up.
	assert.Equal(t, hw.Window{Base: 0x10000000, Size: 1 << 17}, window(0x1000f000, 0x2000))
}

func TestNewPlatform(t *testing.T) {
	b := newBench(t, false)

	assert.Equal(t, uint32(0x20000000|hw.WindowAttrCS0|hw.WindowAttrSnoop), b.sim.Read(hw.WindowBase))
	assert.Equal(t, uint32(0x000f0000), b.sim.Read(hw.WindowSize))
	assert.Equal(t, uint32(0x3e), b.sim.Read(hw.WindowEnable), "only window 0 enabled")
	assert.Equal(t, uint32(hw.WindowFullAccess), b.sim.Read(hw.WindowAccessProt+4))

	_, err := NewPlatform(test.NewLogger(), PlatformConfig{Regs: b.sim, Arena: b.arena})
	assert.Error(t, err, "an interrupt host is required")

	_, err = NewPlatform(test.NewLogger(), PlatformConfig{Regs: b.sim, Arena: b.arena, Host: b.host, Ports: MaxPorts + 1})
	assert.Error(t, err)
}

func TestPort_LoopbackTraffic(t *testing.T) {
	b := newBench(t, true)
	p, pool, got := b.port(t, portConfig(0))

	assert.Equal(t, 16, pool.Free(), "the rx ring holds 8 buffers")

	send(t, p, pool, udp(t, station, "10.0.0.1:5000", "hello"))
	require.Len(t, b.sim.Sent(0), 1)

	assert.Equal(t, 1, p.Receive())
	frames := got.all()
	require.Len(t, frames, 1)
	assert.Len(t, frames[0], 64, "padded frame plus the frame check sequence")
	assert.Equal(t, []byte("hello"), sim.Payload(frames[0]))

	assert.Equal(t, 7, p.Reclaim())
	assert.Equal(t, 16, pool.Free())

	s := p.Stats()
	assert.Equal(t, uint64(1), s[mib.GoodFramesSent])
	assert.Equal(t, uint64(64), s[mib.GoodOctetsSent])
	assert.Equal(t, uint64(1), s[mib.GoodFramesReceived])
	assert.Equal(t, uint64(64), s[mib.GoodOctetsReceived])

	p.ResetStats()
	assert.Equal(t, mib.Stats{}, p.Stats())
}

func TestPort_SendRaw(t *testing.T) {
	b := newBench(t, false)
	p, pool, _ := b.port(t, portConfig(0))

	f := udp(t, peer, "10.0.0.1:5000", "raw")
	buf, err := pool.Get()
	require.NoError(t, err)
	n := copy(buf.Data, f)
	require.NoError(t, p.SendRaw(buf, buf.Data[:14], buf.Data[14:n]))

	sent := b.sim.Sent(0)
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("raw"), sim.Payload(sent[0]))

	p.Reclaim()
	assert.Equal(t, 16, pool.Free())
}

func TestPort_Interrupt(t *testing.T) {
	b := newBench(t, false)
	p, _, got := b.port(t, portConfig(0))

	require.True(t, b.sim.Inject(0, udp(t, station, "10.0.0.1:5000", "wake")))

	select {
	case <-p.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no interrupt")
	}

	c := p.TakeCauses()
	assert.True(t, c.Has(irq.RxDone), c.String())
	assert.Zero(t, b.sim.Read(hw.PortOffset(0)+hw.IntCause)&hw.IrqRxBuffer, "cause was acknowledged")

	p.Service(c)
	require.Len(t, got.all(), 1)
	assert.Equal(t, []byte("wake"), sim.Payload(got.all()[0]))
	assert.Zero(t, p.TakeCauses())
}

func TestPort_StopAndInit(t *testing.T) {
	b := newBench(t, false)
	p, pool, _ := b.port(t, portConfig(0))

	require.NoError(t, p.Stop())
	assert.False(t, p.Running())
	assert.Equal(t, pool.Len(), pool.Free(), "every buffer came back")
	rx, tx := b.sim.Running(0)
	assert.False(t, rx)
	assert.False(t, tx)
	assert.Zero(t, b.sim.Read(hw.PortOffset(0)+hw.PortSerialControl)&hw.SerialPortEnable)
	assert.Zero(t, b.sim.Read(hw.PortOffset(0)+hw.IntMask))

	buf, err := pool.Get()
	require.NoError(t, err)
	assert.ErrorIs(t, p.SendBuf(buf, buf.Data[:60]), ErrStopped)
	buf.Release()
	assert.Zero(t, p.Receive())
	assert.Zero(t, p.Reclaim())
	assert.False(t, b.sim.Inject(0, udp(t, station, "10.0.0.1:5000", "late")))

	require.NoError(t, p.Stop(), "stopping twice is fine")

	require.NoError(t, p.Init())
	assert.True(t, p.Running())
	assert.Equal(t, 16, pool.Free())
	assert.True(t, b.sim.Inject(0, udp(t, station, "10.0.0.1:5000", "back")))
	assert.Equal(t, 1, p.Receive())
}

func TestPort_Multicast(t *testing.T) {
	b := newBench(t, false)
	p, _, _ := b.port(t, portConfig(0))
	group := udp(t, mdns, "224.0.0.251:5353", "query")

	assert.False(t, b.sim.Inject(0, group))

	require.NoError(t, p.AddMulticast(mdns))
	require.NoError(t, p.AddMulticast(mdns))
	assert.Equal(t, uint32(2), p.filter.Refs(mdns))
	assert.True(t, b.sim.Inject(0, group))

	require.NoError(t, p.DelMulticast(mdns))
	assert.True(t, b.sim.Inject(0, group), "still joined once")
	require.NoError(t, p.DelMulticast(mdns))
	assert.False(t, b.sim.Inject(0, group))

	assert.ErrorIs(t, p.DelMulticast(mdns), filter.ErrNotReferenced)
	assert.ErrorIs(t, p.AddMulticast(peer), filter.ErrNotMulticast)

	require.NoError(t, p.SetMulticast([]net.HardwareAddr{mdns}))
	assert.Equal(t, []net.HardwareAddr{mdns}, p.Config().Multicast)
	test.AssertDeepCopyEqual(t, p.cfg, p.Config())
	assert.True(t, b.sim.Inject(0, group))
	require.NoError(t, p.SetMulticast(nil))
	assert.False(t, b.sim.Inject(0, group))
}

func TestPort_Promiscuous(t *testing.T) {
	b := newBench(t, false)
	p, _, _ := b.port(t, portConfig(0))
	other := udp(t, net.HardwareAddr{0x02, 0, 0, 0, 0, 9}, "10.0.0.9:5000", "not us")

	require.NoError(t, p.AddMulticast(mdns))
	assert.False(t, b.sim.Inject(0, other))

	p.SetPromiscuous(true)
	assert.True(t, b.sim.Inject(0, other))
	assert.True(t, b.sim.Inject(0, udp(t, net.HardwareAddr{0x01, 0, 0x5e, 0, 0, 1}, "224.0.0.1:5000", "any group")))

	p.SetPromiscuous(false)
	assert.False(t, b.sim.Inject(0, other))
	assert.Equal(t, uint32(1), p.filter.Refs(mdns), "groups are restored")
	assert.True(t, b.sim.Inject(0, udp(t, mdns, "224.0.0.251:5353", "query")))
}

func TestPort_Link(t *testing.T) {
	b := newBench(t, false)
	b.sim.Negotiate(1, phy.Media{Speed: phy.Speed100, FullDuplex: true})

	cfg := portConfig(0)
	cfg.PHY = 1
	p, _, _ := b.port(t, cfg)

	assert.Equal(t, phy.Media{Auto: true, Speed: phy.Speed100, FullDuplex: true, Link: true}, p.Media())
	sc := b.sim.Read(hw.PortOffset(0) + hw.PortSerialControl)
	assert.Equal(t, uint32(hw.SerialMIISpeed100|hw.SerialFullDuplex), sc&hw.SerialSpeedDuplexMask)
	assert.NotZero(t, sc&hw.SerialPortEnable)

	b.sim.Negotiate(1, phy.Media{Speed: phy.Speed10})
	m, err := p.UpdateLink()
	require.NoError(t, err)
	assert.Equal(t, phy.Media{Auto: true, Speed: phy.Speed10, Link: true}, m)
	sc = b.sim.Read(hw.PortOffset(0) + hw.PortSerialControl)
	assert.Zero(t, sc&hw.SerialSpeedDuplexMask)
	assert.NotZero(t, sc&hw.SerialPortEnable, "port is enabled again")

	b.sim.Negotiate(1, phy.Media{})
	m, err = p.UpdateLink()
	require.NoError(t, err)
	assert.False(t, m.Link)
	assert.Equal(t, phy.Speed10, m.Speed, "setting is kept while the link is down")
}

func TestPort_ForcedMedia(t *testing.T) {
	b := newBench(t, false)
	b.sim.SetLink(0, true)

	cfg := portConfig(0)
	cfg.Media = phy.Media{Speed: phy.Speed100}
	p, _, _ := b.port(t, cfg)

	assert.Equal(t, phy.Media{Speed: phy.Speed100, Link: true}, p.Media())
	assert.NotZero(t, b.sim.Read(hw.PortOffset(0)+hw.PortStatus)&hw.StatusSpeed100)
}

func TestPort_PHYAccess(t *testing.T) {
	b := newBench(t, false)

	cfg := portConfig(0)
	cfg.PHY = 3
	p, _, _ := b.port(t, cfg)

	require.NoError(t, p.WritePHY(phy.RegAdvertise, 0x01e1))
	assert.Equal(t, uint16(0x01e1), b.sim.PHY(3, phy.RegAdvertise))
	v, err := p.ReadPHY(phy.RegAdvertise)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x01e1), v)

	cfg = portConfig(1)
	q, _, _ := b.port(t, cfg)
	_, err = q.ReadPHY(phy.RegStatus)
	assert.ErrorIs(t, err, ErrNoPHY)
	assert.ErrorIs(t, q.WritePHY(phy.RegControl, 0), ErrNoPHY)
}

func TestPlatform_NewPortErrors(t *testing.T) {
	b := newBench(t, false)
	b.port(t, portConfig(0))

	pool, err := NewBufferPool(b.arena, 32, 256)
	require.NoError(t, err)

	_, err = b.platform.NewPort(portConfig(0), pool)
	assert.ErrorContains(t, err, "already in use")

	_, err = b.platform.NewPort(portConfig(2), pool)
	assert.ErrorContains(t, err, "does not exist")

	cfg := portConfig(1)
	cfg.Vector = vectorBase
	_, err = b.platform.NewPort(cfg, pool)
	assert.ErrorIs(t, err, irq.ErrVectorInUse)

	cfg = portConfig(1)
	cfg.TxRing = 1
	_, err = b.platform.NewPort(cfg, pool)
	assert.Error(t, err)

	cfg = portConfig(1)
	cfg.MAC = mdns
	_, err = b.platform.NewPort(cfg, pool)
	assert.Error(t, err, "station address must be unicast")
	assert.Equal(t, pool.Len(), pool.Free(), "a failed init returns its buffers")
	_, ok := b.platform.Port(1)
	assert.False(t, ok)

	// The vector of the failed port is free again.
	_, err = b.platform.NewPort(portConfig(1), pool)
	require.NoError(t, err)
}

func TestPort_Close(t *testing.T) {
	b := newBench(t, false)
	p, pool, _ := b.port(t, portConfig(0))

	assert.NotNil(t, b.metrics.Get("ports.0.rx.dropped"))
	assert.NotNil(t, b.metrics.Get("ports.0.tx.stale_owner"))
	assert.NotNil(t, b.metrics.Get("ports.0.irq.unknown"))
	assert.NotNil(t, b.metrics.Get("ports.0.mib.good_octets_received"))

	inUse := b.arena.InUse()
	require.NoError(t, p.Close())
	assert.Less(t, b.arena.InUse(), inUse, "ring memory was freed")
	assert.Equal(t, pool.Len(), pool.Free())

	_, ok := b.platform.Port(0)
	assert.False(t, ok)
	assert.Nil(t, b.metrics.Get("ports.0.rx.dropped"))
	assert.Nil(t, b.metrics.Get("ports.0.mib.good_octets_received"))

	assert.ErrorIs(t, p.Init(), ErrClosed)
	assert.NoError(t, p.Close(), "closing twice is fine")
	require.NoError(t, pool.Close())
}

func TestPort_Counters(t *testing.T) {
	b := newBench(t, false)
	cfg := portConfig(0)
	cfg.MinFrame = 100
	p, _, got := b.port(t, cfg)

	require.True(t, b.sim.Inject(0, udp(t, station, "10.0.0.1:5000", "short")))
	assert.Equal(t, 1, p.Receive())
	assert.Empty(t, got.all(), "runt was dropped")
	assert.Equal(t, uint64(1), p.Counters().RxDropped)

	g, ok := b.metrics.Get("ports.0.rx.dropped").(metrics.Gauge)
	require.True(t, ok)
	assert.Equal(t, int64(1), g.Value())
}
