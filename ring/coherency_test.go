package ring

import (
	"fmt"
	"testing"

	"github.com/slackhq/ethdma/dma"
	"github.com/slackhq/ethdma/hw"
	"github.com/slackhq/ethdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cacheLog records descriptor cache maintenance on the TX ring in order.
// onBarrier runs at every barrier, before the barrier is recorded.
type cacheLog struct {
	dma.Snooping

	tx        *TxRing
	events    []string
	onBarrier func()
}

func (c *cacheLog) index(d []byte) string {
	if c.tx != nil {
		for i := 0; i < c.tx.Size(); i++ {
			if &c.tx.desc(i)[0] == &d[0] {
				return fmt.Sprint(i)
			}
		}
	}
	return "?"
}

func (c *cacheLog) InvalidateDescriptor(d []byte) {
	c.events = append(c.events, "invalidate "+c.index(d))
}

func (c *cacheLog) FlushDescriptor(d []byte) {
	c.events = append(c.events, "flush "+c.index(d))
}

func (c *cacheLog) Barrier() {
	if c.onBarrier != nil {
		c.onBarrier()
	}
	c.events = append(c.events, "barrier")
}

func (c *cacheLog) reset() {
	c.events = nil
}

func newLoggedFixture(t *testing.T, tx int) (*fixture, *cacheLog) {
	log := &cacheLog{}
	f := newFixtureWith(t, Options{TxSize: tx, Coherency: log})
	log.tx = f.rings.Tx
	log.reset()
	return f, log
}

func TestTx_PublishOrder(t *testing.T) {
	f, log := newLoggedFixture(t, 8)
	tx := f.rings.Tx

	// Leftovers in the slot after the chain must not survive.
	tx.desc(3).SetCmdSts(Owned)
	tx.desc(3).SetBufPtr(0xdead0000)
	f.regs.ResetLog()

	barriers := 0
	log.onBarrier = func() {
		barriers++
		starts := f.regs.Writes(hw.TxQueueCommand)
		switch barriers {
		case 1:
			assert.Zero(t, tx.desc(0).CmdSts(), "head is filled after the rest of the chain")
			assert.True(t, tx.desc(1).Owned())
			assert.True(t, tx.desc(2).Owned())
			assert.Equal(t, uint32(TxLast|TxIntEnable), tx.desc(2).CmdSts()&(TxLast|TxIntEnable))
			assert.Zero(t, tx.desc(3).CmdSts())
			assert.Zero(t, tx.desc(3).BufPtr())
			assert.NotContains(t, log.events, "flush 0")
			assert.Len(t, starts, 1, "only the idle kick so far")
		case 2:
			assert.True(t, tx.desc(0).Owned())
			assert.NotZero(t, tx.desc(0).CmdSts()&TxFirst)
			assert.Len(t, starts, 1, "the chain is started after the second barrier")
		}
	}

	require.NoError(t, tx.Send("a", f.chain(t, "a1234567", "b1234567", "c1234567")))
	assert.Equal(t, 2, barriers)
	assert.Equal(t, []uint32{hw.TxStart, hw.TxStart}, f.regs.Writes(hw.TxQueueCommand))

	// Each descriptor reaches memory before the barrier that orders it.
	assert.Equal(t, []string{"flush 1", "flush 2", "flush 2", "flush 3", "barrier", "flush 0", "barrier"}, log.events)
}

func TestTx_PublishOrderSingle(t *testing.T) {
	f, log := newLoggedFixture(t, 4)
	tx := f.rings.Tx

	require.NoError(t, tx.SendBuf("a", f.buffer(t, "a1234567")))
	log.reset()

	// Something is in flight, so no idle kick.
	f.regs.ResetLog()
	log.onBarrier = func() {
		assert.Empty(t, f.regs.Writes(hw.TxQueueCommand))
	}
	require.NoError(t, tx.SendBuf("b", f.buffer(t, "b1234567")))
	assert.Equal(t, []string{"flush 2", "barrier", "flush 1", "barrier"}, log.events)
	assert.Equal(t, []uint32{hw.TxStart}, f.regs.Writes(hw.TxQueueCommand))
	assert.Equal(t, uint32(Owned|TxFirst|TxLast|TxGenCRC|TxPad|TxIntEnable), tx.desc(1).CmdSts())
}

func TestTx_ReclaimInvalidatesFirst(t *testing.T) {
	f, log := newLoggedFixture(t, 8)
	tx := f.rings.Tx
	e := newEngine(f)

	require.NoError(t, tx.Send("a", f.chain(t, "a1234567", "b1234567")))
	require.NoError(t, tx.SendBuf("b", f.buffer(t, "c1234567")))
	e.complete(2, 0)
	log.reset()

	assert.Equal(t, 6, tx.Reclaim())
	assert.Equal(t, []string{
		"invalidate 0", "flush 0",
		"invalidate 1", "flush 1",
		// Still owned and being served, read but left alone.
		"invalidate 2",
	}, log.events)
	assert.Equal(t, []test.TxEvent{{Buf: "a"}}, f.stack.Cleaned())
}

func TestTx_DrainFlushes(t *testing.T) {
	f, log := newLoggedFixture(t, 8)
	tx := f.rings.Tx

	require.NoError(t, tx.Send("a", f.chain(t, "a1234567", "b1234567")))
	require.NoError(t, tx.SendBuf("b", f.buffer(t, "c1234567")))
	log.reset()

	f.rings.Drain()
	assert.Equal(t, []string{"flush 0", "flush 1", "flush 2"}, log.events)
	for i := 0; i < 3; i++ {
		assert.Zero(t, tx.desc(i).CmdSts())
		assert.Zero(t, tx.desc(i).BufPtr())
	}
}
