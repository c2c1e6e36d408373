package ethdma

import (
	"net"
	"testing"

	"github.com/slackhq/ethdma/config"
	"github.com/slackhq/ethdma/irq"
	"github.com/slackhq/ethdma/phy"
	"github.com/slackhq/ethdma/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadConfig(t *testing.T, raw string) *config.C {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestPortsFromConfig(t *testing.T) {
	c := loadConfig(t, `
ports:
  - mac: "02:00:00:00:00:01"
  - port: 2
    vector: 7
    phy: 8
    mac: "02:00:00:00:00:02"
    rx_ring: 16
    tx_ring: 32
    rx_buffer: 1500
    min_frame: 64
    promiscuous: true
    media: 100full
    irq_mask: [rx_done, rx_error]
    multicast:
      - 224.0.0.251
      - "33:33:00:00:00:01"
`)

	ports, err := PortsFromConfig(c)
	require.NoError(t, err)
	require.Len(t, ports, 2)

	assert.Equal(t, PortConfig{
		Port:     0,
		Vector:   0,
		MAC:      net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		PHY:      NoPHY,
		RxRing:   DefaultRxRing,
		TxRing:   DefaultTxRing,
		RxBuffer: DefaultRxBuffer,
		IrqMask:  irq.Default,
		Media:    phy.Media{Auto: true},
	}, ports[0])

	p := ports[1]
	assert.Equal(t, 2, p.Port)
	assert.Equal(t, 7, p.Vector)
	assert.Equal(t, 8, p.PHY)
	assert.Equal(t, 16, p.RxRing)
	assert.Equal(t, 32, p.TxRing)
	assert.Equal(t, 1500, p.RxBuffer)
	assert.Equal(t, 64, p.MinFrame)
	assert.True(t, p.Promiscuous)
	assert.Equal(t, phy.Media{Speed: phy.Speed100, FullDuplex: true}, p.Media)
	assert.Equal(t, irq.RxDone|irq.RxError, p.IrqMask)
	assert.Equal(t, []net.HardwareAddr{
		{0x01, 0x00, 0x5e, 0x00, 0x00, 0xfb},
		{0x33, 0x33, 0x00, 0x00, 0x00, 0x01},
	}, p.Multicast)
}

func TestPortsFromConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  string
	}{
		{"no ports", "hw: {}", "ports must contain at least one port"},
		{"missing mac", "ports: [{port: 0}]", "ports[0]: mac is required"},
		{"bad mac", `ports: [{mac: "nope"}]`, "ports[0]: mac: address nope: invalid MAC address"},
		{"port range", `ports: [{port: 3, mac: "02:00:00:00:00:01"}]`, "ports[0]: port 3 is out of range 0-2"},
		{"phy range", `ports: [{phy: 32, mac: "02:00:00:00:00:01"}]`, "ports[0]: phy 32 is out of range 0-31"},
		{"duplicate port", `ports: [{mac: "02:00:00:00:00:01"}, {port: 0, vector: 4, mac: "02:00:00:00:00:02"}]`, "ports[1]: port 0 is configured twice"},
		{"duplicate vector", `ports: [{mac: "02:00:00:00:00:01"}, {vector: 0, mac: "02:00:00:00:00:02"}]`, "ports[1]: vector 0 is already used by port 0"},
		{"small buffer", `ports: [{rx_buffer: 4, mac: "02:00:00:00:00:01"}]`, "ports[0]: rx_buffer 4 is out of range 8-65535"},
		{"negative min frame", `ports: [{min_frame: -1, mac: "02:00:00:00:00:01"}]`, "ports[0]: min_frame -1 is negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PortsFromConfig(loadConfig(t, tt.raw))
			assert.EqualError(t, err, tt.err)
		})
	}

	// Messages for these come from the parsers
	for _, raw := range []string{
		`ports: [{tx_ring: 1, mac: "02:00:00:00:00:01"}]`,
		`ports: [{media: 40full, mac: "02:00:00:00:00:01"}]`,
		`ports: [{irq_mask: [rx_done, bogus], mac: "02:00:00:00:00:01"}]`,
		`ports: [{multicast: [10.0.0.1], mac: "02:00:00:00:00:01"}]`,
		`ports: [{multicast: ["02:00:00:00:00:09"], mac: "02:00:00:00:00:01"}]`,
		`ports: [{multicast: [nonsense], mac: "02:00:00:00:00:01"}]`,
	} {
		_, err := PortsFromConfig(loadConfig(t, raw))
		assert.Error(t, err, raw)
	}
}
