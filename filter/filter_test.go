package filter

import (
	"net"
	"net/netip"
	"testing"

	"github.com/slackhq/ethdma/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mac(t *testing.T, s string) net.HardwareAddr {
	m, err := net.ParseMAC(s)
	require.NoError(t, err)
	return m
}

func TestCRC8(t *testing.T) {
	assert.Equal(t, uint8(0xf4), crc8([]byte("123456789")))
	assert.Equal(t, uint8(0), crc8(nil))
	assert.Equal(t, uint8(0x07), crc8Table[1])
}

func TestHash(t *testing.T) {
	special, slot := Hash(mac(t, "01:00:5e:00:00:fb"))
	assert.True(t, special)
	assert.Equal(t, uint8(0xfb), slot)

	addr := mac(t, "01:00:5e:7f:ff:fa")
	special, slot = Hash(addr)
	assert.False(t, special)
	assert.Equal(t, crc8(addr), slot)

	special, slot = Hash(net.HardwareAddr{1, 2, 3})
	assert.False(t, special)
	assert.Zero(t, slot)
}

// aliases returns two distinct group addresses sharing an "other" slot.
func aliases(t *testing.T) (net.HardwareAddr, net.HardwareAddr) {
	a := net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x00, 0x01}
	want := crc8(a)
	for x := 1; x < 256; x++ {
		for y := 0; y < 256; y++ {
			b := net.HardwareAddr{0x33, 0x33, 0x00, 0x00, byte(x), byte(y)}
			if crc8(b) == want {
				return a, b
			}
		}
	}
	t.Fatal("no alias found")
	return nil, nil
}

func TestEngine_AliasingRefcount(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)

	a, b := aliases(t)
	_, slot := Hash(a)
	reg := hw.OtherMcastTable + 4*uint32(slot/4)
	bit := uint32(entryPass) << (8 * uint32(slot%4))

	require.NoError(t, e.Accept(a))
	require.NoError(t, e.Accept(b))
	assert.Equal(t, uint32(2), e.Refs(a))
	assert.Equal(t, bit, regs.Read(reg))

	require.NoError(t, e.Reject(a))
	assert.Equal(t, uint32(1), e.Refs(b))
	assert.Equal(t, bit, regs.Read(reg), "entry must stay set while b still uses it")

	require.NoError(t, e.Reject(b))
	assert.Zero(t, e.Refs(b))
	assert.Zero(t, regs.Read(reg))

	assert.ErrorIs(t, e.Reject(b), ErrNotReferenced)
}

func TestEngine_SpecialTable(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)

	require.NoError(t, e.Accept(mac(t, "01:00:5e:00:00:fb")))
	assert.Equal(t, uint32(0x01000000), regs.Read(hw.SpecialMcastTable+0xf8))

	require.NoError(t, e.Accept(mac(t, "01:00:5e:00:00:f8")))
	assert.Equal(t, uint32(0x01000001), regs.Read(hw.SpecialMcastTable+0xf8))

	require.NoError(t, e.Reject(mac(t, "01:00:5e:00:00:fb")))
	assert.Equal(t, uint32(0x00000001), regs.Read(hw.SpecialMcastTable+0xf8))
}

func TestEngine_RejectsNonMulticast(t *testing.T) {
	e := New(hw.NewRegisterFile())

	assert.ErrorIs(t, e.Accept(mac(t, "ff:ff:ff:ff:ff:ff")), ErrNotMulticast)
	assert.ErrorIs(t, e.Accept(mac(t, "00:11:22:33:44:55")), ErrNotMulticast)
	assert.ErrorIs(t, e.Reject(mac(t, "00:11:22:33:44:55")), ErrNotMulticast)
	assert.ErrorIs(t, e.Accept(net.HardwareAddr{1}), ErrNotMulticast)

	assert.True(t, IsMulticast(mac(t, "01:00:5e:00:00:01")))
	assert.False(t, IsMulticast(mac(t, "ff:ff:ff:ff:ff:ff")))
}

func TestEngine_Promiscuous(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)
	addr := mac(t, "01:00:5e:00:00:01")

	e.SetPromiscuous(true)
	assert.True(t, e.Promiscuous())
	assert.Equal(t, uint32(hw.PortConfigUnicastPromisc), regs.Read(hw.PortConfig)&hw.PortConfigUnicastPromisc)
	for i := uint32(0); i < hw.McastTableRegs; i++ {
		assert.Equal(t, uint32(0x01010101), regs.Read(hw.SpecialMcastTable+4*i))
		assert.Equal(t, uint32(0x01010101), regs.Read(hw.OtherMcastTable+4*i))
	}
	assert.Equal(t, uint32(1), e.Refs(addr))

	require.NoError(t, e.Accept(addr))
	require.NoError(t, e.Reject(addr))
	assert.Equal(t, uint32(0x01010101), regs.Read(hw.SpecialMcastTable))

	e.SetPromiscuous(false)
	assert.Zero(t, regs.Read(hw.PortConfig)&hw.PortConfigUnicastPromisc)
	assert.Zero(t, regs.Read(hw.SpecialMcastTable))
	assert.Zero(t, e.Refs(addr))
}

func TestEngine_PromiscuousKeepsGroups(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)
	addr := mac(t, "01:00:5e:00:00:01")

	require.NoError(t, e.Accept(addr))
	e.SetPromiscuous(true)
	assert.Equal(t, uint32(2), e.Refs(addr))
	assert.Equal(t, uint32(1), e.Refs(mac(t, "01:00:5e:00:00:02")))

	// Leaving the group must not close the entry promiscuous mode opened
	require.NoError(t, e.Reject(addr))
	assert.Equal(t, uint32(1), e.Refs(addr))
	assert.Equal(t, uint32(0x01010101), regs.Read(hw.SpecialMcastTable))

	// Switching on twice takes no extra reference but restores the registers
	regs.Write(hw.PortConfig, 0)
	regs.Write(hw.SpecialMcastTable, 0)
	e.SetPromiscuous(true)
	assert.Equal(t, uint32(0x01010101), regs.Read(hw.SpecialMcastTable))
	assert.Equal(t, uint32(1), e.Refs(addr))
	assert.Equal(t, uint32(hw.PortConfigUnicastPromisc), regs.Read(hw.PortConfig)&hw.PortConfigUnicastPromisc)

	e.Clear()
	assert.Equal(t, uint32(1), e.Refs(addr), "clear in promiscuous mode keeps one reference")
	assert.Equal(t, uint32(0x01010101), regs.Read(hw.SpecialMcastTable))
}

func TestEngine_Clear(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)
	addr := mac(t, "01:00:5e:00:00:01")

	require.NoError(t, e.Accept(addr))
	e.Clear()
	assert.Zero(t, e.Refs(addr))
	assert.Zero(t, regs.Read(hw.SpecialMcastTable))
}

func TestEngine_SetUnicast(t *testing.T) {
	regs := hw.NewRegisterFile()
	e := New(regs)

	require.NoError(t, e.SetUnicast(mac(t, "00:11:22:33:44:5a")))
	assert.Equal(t, uint32(0x00112233), regs.Read(hw.MACAddrHigh))
	assert.Equal(t, uint32(0x0000445a), regs.Read(hw.MACAddrLow))
	assert.Equal(t, uint32(0x00010000), regs.Read(hw.UnicastTable+8))
	assert.Zero(t, regs.Read(hw.UnicastTable))

	assert.Error(t, e.SetUnicast(mac(t, "01:00:5e:00:00:01")))
	assert.Error(t, e.SetUnicast(net.HardwareAddr{1, 2}))
}

func TestGroupAddress(t *testing.T) {
	m, err := GroupAddress(netip.MustParseAddr("224.0.0.251"))
	require.NoError(t, err)
	assert.Equal(t, "01:00:5e:00:00:fb", m.String())

	m, err = GroupAddress(netip.MustParseAddr("239.255.1.2"))
	require.NoError(t, err)
	assert.Equal(t, "01:00:5e:7f:01:02", m.String())

	m, err = GroupAddress(netip.MustParseAddr("ff02::1"))
	require.NoError(t, err)
	assert.Equal(t, "33:33:00:00:00:01", m.String())

	_, err = GroupAddress(netip.MustParseAddr("10.0.0.1"))
	assert.Error(t, err)
}
