package sockcore

import (
	"encoding/binary"
	"net"

	"sockproxy.dev/core/netbackend"
)

// Wire encoding for a SockAddr payload: 1 byte family (4 or 6), 2 bytes
// port (big-endian), then 4 or 16 address bytes. An empty payload decodes
// to the null address (spec §4.7's explicit-address-vs-NULL distinction
// for datagram sendto/recvfrom).
const (
	addrFamilyV4 = 4
	addrFamilyV6 = 6
)

func decodeSockAddr(payload []byte) (netbackend.SockAddr, bool) {
	if len(payload) == 0 {
		return netbackend.SockAddr{}, true
	}
	if len(payload) < 3 {
		return netbackend.SockAddr{}, false
	}
	family := payload[0]
	port := binary.BigEndian.Uint16(payload[1:3])
	rest := payload[3:]

	switch family {
	case addrFamilyV4:
		if len(rest) != net.IPv4len {
			return netbackend.SockAddr{}, false
		}
		return netbackend.SockAddr{IP: net.IP(rest).To4(), Port: port}, true
	case addrFamilyV6:
		if len(rest) != net.IPv6len {
			return netbackend.SockAddr{}, false
		}
		return netbackend.SockAddr{IP: net.IP(rest).To16(), Port: port}, true
	default:
		return netbackend.SockAddr{}, false
	}
}

func encodeSockAddr(addr netbackend.SockAddr) []byte {
	if addr.IsNull() {
		return nil
	}
	if v4 := addr.IP.To4(); v4 != nil {
		out := make([]byte, 3+net.IPv4len)
		out[0] = addrFamilyV4
		binary.BigEndian.PutUint16(out[1:3], addr.Port)
		copy(out[3:], v4)
		return out
	}
	out := make([]byte, 3+net.IPv6len)
	out[0] = addrFamilyV6
	binary.BigEndian.PutUint16(out[1:3], addr.Port)
	copy(out[3:], addr.IP.To16())
	return out
}
