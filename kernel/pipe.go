package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pipe is the bidirectional byte pipe of spec §6: a non-blocking,
// stream-oriented duplex endpoint. It is the data endpoint for STREAM
// sockets (spec §3). Two Pipe values, returned together by NewPipePair,
// are connected to each other: bytes written to one are read from the
// other.
type Pipe struct {
	fd int
}

// NewPipePair creates a connected pair backed by a SOCK_STREAM
// AF_UNIX socketpair. By convention the first return value is kept by
// the server (registered with the handle watcher) and the second is
// handed to the client.
func NewPipePair() (server, client *Pipe, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel: socketpair: %w", err)
	}
	return &Pipe{fd: fds[0]}, &Pipe{fd: fds[1]}, nil
}

func (p *Pipe) FD() int { return p.fd }

func (p *Pipe) Read(buf []byte) (int, error) {
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		return n, fmt.Errorf("kernel.Pipe.Read: %w", err)
	}
	return n, nil
}

func (p *Pipe) Write(buf []byte) (int, error) {
	n, err := unix.Write(p.fd, buf)
	if err != nil {
		return n, fmt.Errorf("kernel.Pipe.Write: %w", err)
	}
	return n, nil
}

// Shutdown sets the half-close bit described in spec §6 ("a write-mode
// flag to set the half-close bit"): shutting down the write side here
// causes the peer's next Read to observe HalfClosed via EPOLLRDHUP.
func (p *Pipe) Shutdown(write bool) error {
	how := unix.SHUT_RD
	if write {
		how = unix.SHUT_WR
	}
	if err := unix.Shutdown(p.fd, how); err != nil {
		return fmt.Errorf("kernel.Pipe.Shutdown: %w", err)
	}
	return nil
}

// Close implements rio.Handle.
func (p *Pipe) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		return fmt.Errorf("kernel.Pipe.Close: %w", err)
	}
	return nil
}
