package sim

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// UDPFrame builds an Ethernet frame carrying an IPv4 UDP datagram.
func UDPFrame(dstMAC, srcMAC net.HardwareAddr, src, dst netip.AddrPort, data []byte) ([]byte, error) {
	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	ip := layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    src.Addr().AsSlice(),
		DstIP:    dst.Addr().AsSlice(),
	}

	udp := layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(&ip); err != nil {
		return nil, err
	}

	buffer := gopacket.NewSerializeBuffer()
	opt := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	if err := gopacket.SerializeLayers(buffer, opt, &eth, &ip, &udp, gopacket.Payload(data)); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Payload returns the UDP payload of a frame built by UDPFrame, or nil.
func Payload(frame []byte) []byte {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Lazy)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		return nil
	}
	return udp.Payload
}
