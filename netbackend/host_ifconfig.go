package netbackend

import (
	"fmt"
	"net"
	"sync"
)

// The management ioctls (spec §4.10, §6) mutate interface/gateway/DHCP/DNS
// configuration. Reads are backed by the real interface table
// (net.Interfaces); Host has no privilege model of its own for mutating
// routes or launching a DHCP client, so writes are held in an in-process
// overlay that GetIfGatewayV4/GetDHCPStatusV4/GetDNSServerV4 read back.
// A production deployment would shell out to (or link) a real netlink/
// DHCP client here; the overlay keeps the ioctl surface fully exercised
// and testable without requiring elevated privileges in CI.
type hostConfigOverlay struct {
	mu      sync.Mutex
	gateway map[int][4]byte
	dhcpOn  map[int]bool
	dnsAddr map[int][4]byte
}

var overlay = &hostConfigOverlay{
	gateway: map[int][4]byte{},
	dhcpOn:  map[int]bool{},
	dnsAddr: map[int][4]byte{},
}

func (Host) GetIfInfo(maxEntries int) ([]IfInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("getifinfo: %w", err)
	}
	var out []IfInfo
	for _, ifc := range ifaces {
		if len(out) >= maxEntries {
			break
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		info := IfInfo{
			Index: ifc.Index,
			Name:  ifc.Name,
			Up:    ifc.Flags&net.FlagUp != 0,
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				info.Addr = ip4
				info.Netmask = net.IP(ipnet.Mask)
				broad := make(net.IP, 4)
				for i := range ip4 {
					broad[i] = ip4[i] | ^ipnet.Mask[i]
				}
				info.Broadaddr = broad
				break
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// SetIfAddrV4 is not implemented against the live stack (it would need
// netlink/ioctl privileges this process is not guaranteed to have); it
// always returns a named "not supported" error instead of silently doing
// nothing. That error is not an errno, so the router's ioctl dispatch
// (spec §4.10) replies with the IO status for it.
func (Host) SetIfAddrV4(ifIndex int, addr, netmask [4]byte) error {
	return errNotSupported("setifaddr")
}

func (Host) GetIfGatewayV4(ifIndex int) ([4]byte, error) {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	return overlay.gateway[ifIndex], nil
}

func (Host) SetIfGatewayV4(ifIndex int, gw [4]byte) error {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	overlay.gateway[ifIndex] = gw
	return nil
}

func (Host) GetDHCPStatusV4(ifIndex int) (bool, error) {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	return overlay.dhcpOn[ifIndex], nil
}

func (Host) SetDHCPStatusV4(ifIndex int, enabled bool) error {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	overlay.dhcpOn[ifIndex] = enabled
	return nil
}

func (Host) GetDNSServerV4(ifIndex int) ([4]byte, error) {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	return overlay.dnsAddr[ifIndex], nil
}

func (Host) SetDNSServerV4(ifIndex int, dns [4]byte) error {
	overlay.mu.Lock()
	defer overlay.mu.Unlock()
	overlay.dnsAddr[ifIndex] = dns
	return nil
}

type notSupportedError string

func (e notSupportedError) Error() string { return "netbackend: " + string(e) + ": not supported" }

func errNotSupported(op string) error { return notSupportedError(op) }
