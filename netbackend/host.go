package netbackend

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Host backs Backend with real, non-blocking BSD sockets via
// golang.org/x/sys/unix — the "opaque backend" of spec §6, made
// concrete. Every syscall here is a direct, single-purpose wrapper; the
// state machine that decides when to call them lives in sockcore, not
// here (spec §1: "The network stack itself ... is an opaque backend").
type Host struct{}

var _ Backend = Host{}

func (Host) Socket(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		return -1, fmt.Errorf("socket(%d,%d,%d): %w", domain, typ, proto, err)
	}
	return fd, nil
}

func (Host) Close(fd int) error {
	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("close(%d): %w", fd, err)
	}
	return nil
}

func (Host) SetNonblock(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return fmt.Errorf("setnonblock(%d): %w", fd, err)
	}
	return nil
}

func toSockaddr(a SockAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: int(a.Port)}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(a.Port)}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}

func fromSockaddr(sa unix.Sockaddr) SockAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, 4)
		copy(ip, sa.Addr[:])
		return SockAddr{IP: ip, Port: uint16(sa.Port)}
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, sa.Addr[:])
		return SockAddr{IP: ip, Port: uint16(sa.Port)}
	default:
		return SockAddr{}
	}
}

func (Host) Connect(fd int, addr SockAddr) error {
	if err := unix.Connect(fd, toSockaddr(addr)); err != nil {
		return fmt.Errorf("connect(%d): %w", fd, err)
	}
	return nil
}

func (Host) Bind(fd int, addr SockAddr) error {
	if err := unix.Bind(fd, toSockaddr(addr)); err != nil {
		return fmt.Errorf("bind(%d): %w", fd, err)
	}
	return nil
}

func (Host) Listen(fd int, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return fmt.Errorf("listen(%d): %w", fd, err)
	}
	return nil
}

func (Host) Accept(fd int) (int, SockAddr, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, SockAddr{}, fmt.Errorf("accept(%d): %w", fd, err)
	}
	return nfd, fromSockaddr(sa), nil
}

func (Host) Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return n, fmt.Errorf("read(%d): %w", fd, err)
	}
	return n, nil
}

func (Host) Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		return n, fmt.Errorf("write(%d): %w", fd, err)
	}
	return n, nil
}

func (Host) RecvFrom(fd int, buf []byte) (int, SockAddr, error) {
	n, sa, err := unix.Recvfrom(fd, buf, 0)
	if err != nil {
		return n, SockAddr{}, fmt.Errorf("recvfrom(%d): %w", fd, err)
	}
	if sa == nil {
		return n, SockAddr{}, nil
	}
	return n, fromSockaddr(sa), nil
}

func (Host) SendTo(fd int, buf []byte, to SockAddr) (int, error) {
	if to.IsNull() {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return n, fmt.Errorf("sendto(%d, nil): %w", fd, err)
		}
		return n, nil
	}
	if err := unix.Sendto(fd, buf, 0, toSockaddr(to)); err != nil {
		return 0, fmt.Errorf("sendto(%d): %w", fd, err)
	}
	return len(buf), nil
}

func (Host) Shutdown(fd int, how ShutdownHow) error {
	var sysHow int
	switch how {
	case ShutRD:
		sysHow = unix.SHUT_RD
	case ShutWR:
		sysHow = unix.SHUT_WR
	default:
		sysHow = unix.SHUT_RDWR
	}
	if err := unix.Shutdown(fd, sysHow); err != nil {
		return fmt.Errorf("shutdown(%d): %w", fd, err)
	}
	return nil
}

func (Host) GetSockName(fd int) (SockAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return SockAddr{}, fmt.Errorf("getsockname(%d): %w", fd, err)
	}
	return fromSockaddr(sa), nil
}

func (Host) GetPeerName(fd int) (SockAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return SockAddr{}, fmt.Errorf("getpeername(%d): %w", fd, err)
	}
	return fromSockaddr(sa), nil
}

func (Host) GetSockOpt(fd int, level, name int) (int32, error) {
	v, err := unix.GetsockoptInt(fd, level, name)
	if err != nil {
		return 0, fmt.Errorf("getsockopt(%d,%d,%d): %w", fd, level, name, err)
	}
	return int32(v), nil
}

func (Host) SetSockOpt(fd int, level, name int, val int32) error {
	if err := unix.SetsockoptInt(fd, level, name, int(val)); err != nil {
		return fmt.Errorf("setsockopt(%d,%d,%d): %w", fd, level, name, err)
	}
	return nil
}

// GetAddrInfo resolves via net.LookupIP/net.LookupPort and keeps only the
// first address, per the explicit Non-goal in spec §1.
func (Host) GetAddrInfo(node, service string, wantStream bool) (AddrInfoResult, error) {
	var port int
	if service != "" {
		network := "udp"
		if wantStream {
			network = "tcp"
		}
		p, err := net.LookupPort(network, service)
		if err != nil {
			return AddrInfoResult{}, fmt.Errorf("getaddrinfo: lookupport %q: %w", service, err)
		}
		port = p
	}
	if node == "" {
		return AddrInfoResult{Addr: SockAddr{IP: net.IPv4zero, Port: uint16(port)}}, nil
	}
	ips, err := net.LookupIP(node)
	if err != nil {
		return AddrInfoResult{}, fmt.Errorf("getaddrinfo: lookupip %q: %w", node, err)
	}
	if len(ips) == 0 {
		return AddrInfoResult{}, fmt.Errorf("getaddrinfo: no addresses for %q", node)
	}
	return AddrInfoResult{Addr: SockAddr{IP: ips[0], Port: uint16(port)}}, nil
}

func (Host) FD(fd int) int { return fd }
