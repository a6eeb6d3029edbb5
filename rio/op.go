// Package rio defines the wire protocol spoken between a client and the
// socket-proxy core: operation codes, status codes, the message envelope,
// and the OPEN path grammar. Nothing in this package touches sockets or
// goroutines — it is pure encode/decode and validation.
package rio

// Op identifies a RIO operation. The first block is externally visible
// (clients issue these over the control channel and receive a STATUS
// reply); the last three are internal pseudo-ops synthesized by the core
// itself and never appear on the wire.
type Op int32

const (
	OpOpen Op = iota
	OpClose
	OpConnect
	OpBind
	OpListen
	OpIoctl
	OpGetAddrInfo
	OpGetSockName
	OpGetPeerName
	OpGetSockOpt
	OpSetSockOpt
	OpWrite
	OpRead
	OpStatus

	// Internal-only pseudo-ops. These never arrive over the wire and never
	// produce a STATUS reply; see spec §4.3 and §4.8.
	OpHalfClose
	OpSigConnR
	OpSigConnW
)

func (op Op) String() string {
	switch op {
	case OpOpen:
		return "OPEN"
	case OpClose:
		return "CLOSE"
	case OpConnect:
		return "CONNECT"
	case OpBind:
		return "BIND"
	case OpListen:
		return "LISTEN"
	case OpIoctl:
		return "IOCTL"
	case OpGetAddrInfo:
		return "GETADDRINFO"
	case OpGetSockName:
		return "GETSOCKNAME"
	case OpGetPeerName:
		return "GETPEERNAME"
	case OpGetSockOpt:
		return "GETSOCKOPT"
	case OpSetSockOpt:
		return "SETSOCKOPT"
	case OpWrite:
		return "WRITE"
	case OpRead:
		return "READ"
	case OpStatus:
		return "STATUS"
	case OpHalfClose:
		return "HALFCLOSE"
	case OpSigConnR:
		return "SIGCONN_R"
	case OpSigConnW:
		return "SIGCONN_W"
	default:
		return "UNKNOWN"
	}
}

// Internal reports whether op is one of the pseudo-ops that never emits a
// RIO reply (spec §4.3).
func (op Op) Internal() bool {
	switch op {
	case OpHalfClose, OpSigConnR, OpSigConnW, OpRead, OpWrite, OpClose:
		return true
	default:
		return false
	}
}
