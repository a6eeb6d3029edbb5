package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MessageChannel is the bidirectional, message-granular channel of spec
// §6: one send is one receive, with boundaries preserved (P6). It backs
// the datagram data endpoint (carrying {addr, payload} envelopes); the
// RIO control channel is a Channel, not a MessageChannel.
// SOCK_SEQPACKET guarantees the message-boundary property without the
// datagram-socket's "may be silently truncated" pitfalls of SOCK_DGRAM.
type MessageChannel struct {
	fd int
}

// NewMessageChannelPair creates a connected pair; see NewPipePair for the
// server/client convention.
func NewMessageChannelPair() (server, client *MessageChannel, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: socketpair(seqpacket): %w", err)
	}
	return &MessageChannel{fd: fds[0]}, &MessageChannel{fd: fds[1]}, nil
}

func (c *MessageChannel) FD() int { return c.fd }

// Send writes exactly one message. Short writes cannot happen on a
// SEQPACKET socket; either the whole datagram is accepted or the call
// fails (e.g. EMSGSIZE, EWOULDBLOCK).
func (c *MessageChannel) Send(msg []byte) error {
	if _, err := unix.Write(c.fd, msg); err != nil {
		return fmt.Errorf("kernel.MessageChannel.Send: %w", err)
	}
	return nil
}

// Recv reads exactly one message into buf and returns its length. If buf
// is shorter than the pending message, the remainder is discarded by the
// kernel (matching SOCK_SEQPACKET/SOCK_DGRAM truncation semantics) — the
// caller is expected to size buf at MXIO_CHUNK_SIZE-plus-envelope.
func (c *MessageChannel) Recv(buf []byte) (int, error) {
	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return n, fmt.Errorf("kernel.MessageChannel.Recv: %w", err)
	}
	return n, nil
}

func (c *MessageChannel) Shutdown(write bool) error {
	how := unix.SHUT_RD
	if write {
		how = unix.SHUT_WR
	}
	if err := unix.Shutdown(c.fd, how); err != nil {
		return fmt.Errorf("kernel.MessageChannel.Shutdown: %w", err)
	}
	return nil
}

// Close implements rio.Handle.
func (c *MessageChannel) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	if err != nil {
		return fmt.Errorf("kernel.MessageChannel.Close: %w", err)
	}
	return nil
}
