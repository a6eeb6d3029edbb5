// Package netbackend is the narrow interface the socket-proxy core uses
// to reach the real network stack (spec §6, "NetBackend"). The core
// never calls bind/connect/accept/read/write directly; every such call
// goes through a Backend so that the hard part of the system — the I/O
// state machine and its readiness multiplexer — can be exercised against
// a deterministic fake (see Fake) as well as the real kernel (see Host).
package netbackend

import "net"

// SockAddr is the backend-agnostic rendering of a sockaddr. Zero value
// (nil IP, port 0) represents the NULL address used for e.g. datagram
// sendto with addrlen == 0 (spec §4.7).
type SockAddr struct {
	IP   net.IP
	Port uint16
}

func (a SockAddr) IsNull() bool {
	return len(a.IP) == 0 && a.Port == 0
}

// Shutdown direction, mirroring SHUT_RD/SHUT_WR/SHUT_RDWR.
type ShutdownHow int

const (
	ShutRD ShutdownHow = iota
	ShutWR
	ShutRDWR
)

// AddrInfoResult is the single address entry spec §4.3/§9 keeps — per
// the explicit Non-goal, multi-address getaddrinfo results are dropped
// and only the first is returned.
type AddrInfoResult struct {
	Addr SockAddr
}

// IfInfo describes one network interface for the GET_IF_INFO ioctl
// (spec §4.10, §6).
type IfInfo struct {
	Index     int
	Name      string
	Addr      net.IP
	Netmask   net.IP
	Broadaddr net.IP
	Up        bool
}

// Backend is the opaque collaborator named in spec §6. All methods that
// can block on an unready socket return an error satisfying
// rio.WouldBlock; the core is responsible for requeueing.
type Backend interface {
	Socket(domain, typ, proto int) (fd int, err error)
	Close(fd int) error
	SetNonblock(fd int, nonblocking bool) error

	Connect(fd int, addr SockAddr) error
	Bind(fd int, addr SockAddr) error
	Listen(fd int, backlog int) error
	Accept(fd int) (newfd int, peer SockAddr, err error)

	Read(fd int, buf []byte) (n int, err error)
	Write(fd int, buf []byte) (n int, err error)
	RecvFrom(fd int, buf []byte) (n int, from SockAddr, err error)
	SendTo(fd int, buf []byte, to SockAddr) (n int, err error)

	Shutdown(fd int, how ShutdownHow) error

	GetSockName(fd int) (SockAddr, error)
	GetPeerName(fd int) (SockAddr, error)
	GetSockOpt(fd int, level, name int) (int32, error)
	SetSockOpt(fd int, level, name int, val int32) error

	// GetAddrInfo resolves node/service and returns only the first
	// result (spec §1 Non-goal: multi-address results are not supported).
	GetAddrInfo(node, service string, wantStream bool) (AddrInfoResult, error)

	// FD exposes the raw descriptor so the caller can register it with a
	// readiness multiplexer. Not part of the conceptual NetBackend
	// surface in spec §6, but required by any Go implementation of the
	// net multiplexer (spec §4.11), which needs a pollable fd.
	FD(fd int) int

	// Network-configuration management calls (spec §6, §4.10).
	GetIfInfo(maxEntries int) ([]IfInfo, error)
	SetIfAddrV4(ifIndex int, addr, netmask [4]byte) error
	GetIfGatewayV4(ifIndex int) ([4]byte, error)
	SetIfGatewayV4(ifIndex int, gw [4]byte) error
	GetDHCPStatusV4(ifIndex int) (bool, error)
	SetDHCPStatusV4(ifIndex int, enabled bool) error
	GetDNSServerV4(ifIndex int) ([4]byte, error)
	SetDNSServerV4(ifIndex int, dns [4]byte) error
}
