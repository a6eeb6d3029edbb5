package kernel

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Recv once the peer has closed its end
// and no more messages are queued.
var ErrChannelClosed = errors.New("kernel: channel closed")

// Channel is the bidirectional, message-granular, handle-carrying
// channel of spec §6 used for the RIO control channel. Unlike Pipe and
// MessageChannel, a Channel's payload (rio.Message) can itself carry
// opaque Handle values — the client end of a newly-created data endpoint,
// say — which only have meaning inside this process. A real multi-process
// transport would need OS-level handle passing (SCM_RIGHTS or a Zircon
// channel); since both ends of every Channel in this module live in the
// same address space, a pair of buffered Go channels carries the handles
// directly without needing to serialize them, which is both correct and
// the idiomatic Go rendition of "message channel that carries handles".
type Channel struct {
	send       chan<- any
	recv       <-chan any
	once       sync.Once
	closed     chan struct{}
	peerClosed <-chan struct{}
}

// NewChannelPair creates two Channel ends wired to each other.
func NewChannelPair() (a, b *Channel) {
	ab := make(chan any, 16)
	ba := make(chan any, 16)
	a = &Channel{send: ab, recv: ba, closed: make(chan struct{})}
	b = &Channel{send: ba, recv: ab, closed: make(chan struct{})}
	a.peerClosed, b.peerClosed = b.closed, a.closed
	return a, b
}

// Send enqueues msg for the peer. It returns ErrChannelClosed instead once
// either end has been closed.
func (c *Channel) Send(msg any) error {
	select {
	case <-c.peerClosed:
		return ErrChannelClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.closed:
		return ErrChannelClosed
	case <-c.peerClosed:
		return ErrChannelClosed
	}
}

// Recv blocks for the next message, or returns ErrChannelClosed once
// the peer is gone and the buffer is drained.
func (c *Channel) Recv() (any, error) {
	select {
	case m, ok := <-c.recv:
		if !ok {
			return nil, ErrChannelClosed
		}
		return m, nil
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-c.peerClosed:
		select {
		case m := <-c.recv:
			return m, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

// Close closes this end; Recv and Send on either end then report
// ErrChannelClosed (Recv only once the queued messages are drained).
// A Channel exposes no file descriptor and cannot be registered with a
// WaitSet directly. Readiness for a Channel is "a message is available",
// which the RIO dispatcher observes by blocking in Recv on a dedicated
// goroutine per registered channel (spec §4.12's "control channel to/from
// the watcher" follows the same shape).
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
