// Package kernel implements the "kernel primitives" spec §6 treats as
// external: bidirectional message channels, bidirectional byte pipes,
// wait-sets keyed by cookie, a self-pipe interrupter, and per-object user
// signals. They are implemented here over real Linux primitives
// (AF_UNIX socketpairs and epoll via golang.org/x/sys/unix) so the rest
// of the module can be built and tested without a Zircon kernel.
package kernel

import "golang.org/x/sys/unix"

// Signals is the observed-readiness bitmask a wait-set event or a pipe
// read/write error translates to. It mirrors spec §3/§4.6's
// READABLE|WRITABLE|PEER_CLOSED|HALFCLOSED vocabulary.
type Signals uint32

const (
	Readable Signals = 1 << iota
	Writable
	PeerClosed
	HalfClosed
	Err
)

func (s Signals) Has(bit Signals) bool { return s&bit != 0 }

// fromEpoll translates raw epoll event bits into Signals. EPOLLRDHUP
// fires when the peer has shut down its write side (half-close);
// EPOLLHUP/EPOLLERR indicate the peer is fully gone.
func fromEpoll(events uint32) Signals {
	var s Signals
	if events&unix.EPOLLIN != 0 {
		s |= Readable
	}
	if events&unix.EPOLLOUT != 0 {
		s |= Writable
	}
	if events&unix.EPOLLRDHUP != 0 {
		s |= HalfClosed
	}
	if events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s |= PeerClosed
	}
	return s
}

// toEpoll translates the subset of Signals the caller wants to watch for
// into the epoll event bits to arm.
func toEpoll(want Signals) uint32 {
	var ev uint32
	if want.Has(Readable) {
		ev |= unix.EPOLLIN
	}
	if want.Has(Writable) {
		ev |= unix.EPOLLOUT
	}
	if want.Has(HalfClosed) || want.Has(PeerClosed) {
		ev |= unix.EPOLLRDHUP
	}
	return ev
}
