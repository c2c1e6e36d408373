package filter

import "net"

// crc8Table is CRC-8 with polynomial x^8 + x^2 + x + 1, MSB first.
var crc8Table = func() (t [256]uint8) {
	for i := range t {
		c := uint8(i)
		for b := 0; b < 8; b++ {
			if c&0x80 != 0 {
				c = c<<1 ^ 0x07
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func crc8(b []byte) uint8 {
	var c uint8
	for _, v := range b {
		c = crc8Table[c^v]
	}
	return c
}

// specialPrefix is the group address range 01:00:5e:00:00:xx, the link layer
// addresses of the IPv4 local network control block.
var specialPrefix = [5]byte{0x01, 0x00, 0x5e, 0x00, 0x00}

// Hash returns which table addr belongs to and its slot there. Addresses in
// the special range use their last byte, all others the CRC-8 of the whole
// address.
func Hash(addr net.HardwareAddr) (special bool, slot uint8) {
	if len(addr) != 6 {
		return false, 0
	}
	if [5]byte(addr[:5]) == specialPrefix {
		return true, addr[5]
	}
	return false, crc8(addr)
}
