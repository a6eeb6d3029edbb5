package netbackend

import (
	"fmt"
	"sync"
	"syscall"
)

// Fake is an in-memory Backend used to exercise sockcore's state machine
// deterministically, independent of the host kernel's scheduling. It
// models exactly the subset of socket behavior the core depends on:
// non-blocking reads/writes against a byte queue (stream) or a message
// queue (datagram), and manual control over readiness so tests can force
// EWOULDBLOCK at precise points (spec §8's "Backend returns EWOULDBLOCK
// on first read" boundary case).
type Fake struct {
	mu      sync.Mutex
	fds     map[int]*fakeSocket
	next    int
	Backlog map[int][]int // listening fd -> queued client fds, for Accept
}

type fakeSocket struct {
	stream     bool
	local      SockAddr
	peer       SockAddr
	readBuf    [][]byte // datagram: one entry per message; stream: chunks
	readBlock  bool     // force next Read/RecvFrom to return EWOULDBLOCK
	writeBlock bool
	writes     [][]byte // what was written, for assertions
	closed     bool
	sockErr    error
}

func NewFake() *Fake {
	return &Fake{fds: map[int]*fakeSocket{}, Backlog: map[int][]int{}}
}

var _ Backend = (*Fake)(nil)

func (f *Fake) Socket(domain, typ, proto int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	fd := f.next
	f.fds[fd] = &fakeSocket{stream: typ == 1}
	return fd, nil
}

func (f *Fake) get(fd int) (*fakeSocket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.fds[fd]
	if !ok || s.closed {
		return nil, syscall.EBADF
	}
	return s, nil
}

func (f *Fake) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.fds[fd]
	if !ok {
		return syscall.EBADF
	}
	s.closed = true
	delete(f.fds, fd)
	return nil
}

func (f *Fake) SetNonblock(fd int, nonblocking bool) error {
	_, err := f.get(fd)
	return err
}

func (f *Fake) Connect(fd int, addr SockAddr) error {
	s, err := f.get(fd)
	if err != nil {
		return err
	}
	s.peer = addr
	return nil
}

func (f *Fake) Bind(fd int, addr SockAddr) error {
	s, err := f.get(fd)
	if err != nil {
		return err
	}
	s.local = addr
	return nil
}

func (f *Fake) Listen(fd int, backlog int) error {
	_, err := f.get(fd)
	return err
}

func (f *Fake) Accept(fd int) (int, SockAddr, error) {
	f.mu.Lock()
	queue := f.Backlog[fd]
	if len(queue) == 0 {
		f.mu.Unlock()
		return -1, SockAddr{}, syscall.EWOULDBLOCK
	}
	nfd := queue[0]
	f.Backlog[fd] = queue[1:]
	s := f.fds[nfd]
	f.mu.Unlock()
	return nfd, s.peer, nil
}

// PushAccept lets a test enqueue a ready-to-accept connection on a
// listening fd.
func (f *Fake) PushAccept(listenFD int, clientFD int, peer SockAddr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[clientFD]; ok {
		s.peer = peer
	}
	f.Backlog[listenFD] = append(f.Backlog[listenFD], clientFD)
}

func (f *Fake) Read(fd int, buf []byte) (int, error) {
	s, err := f.get(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.readBlock {
		s.readBlock = false
		return 0, syscall.EWOULDBLOCK
	}
	if s.sockErr != nil {
		err := s.sockErr
		s.sockErr = nil
		return 0, err
	}
	if len(s.readBuf) == 0 {
		return 0, nil // EOF, per spec §4.5 "n = 0 ... peer-closed is tolerated"
	}
	chunk := s.readBuf[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		s.readBuf[0] = chunk[n:]
	} else {
		s.readBuf = s.readBuf[1:]
	}
	return n, nil
}

func (f *Fake) Write(fd int, buf []byte) (int, error) {
	s, err := f.get(fd)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.writeBlock {
		s.writeBlock = false
		return 0, syscall.EWOULDBLOCK
	}
	cp := append([]byte(nil), buf...)
	s.writes = append(s.writes, cp)
	return len(buf), nil
}

func (f *Fake) RecvFrom(fd int, buf []byte) (int, SockAddr, error) {
	s, err := f.get(fd)
	if err != nil {
		return 0, SockAddr{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.readBlock {
		s.readBlock = false
		return 0, SockAddr{}, syscall.EWOULDBLOCK
	}
	if len(s.readBuf) == 0 {
		return 0, SockAddr{}, syscall.EWOULDBLOCK
	}
	msg := s.readBuf[0]
	s.readBuf = s.readBuf[1:]
	n := copy(buf, msg)
	return n, s.peer, nil
}

func (f *Fake) SendTo(fd int, buf []byte, to SockAddr) (int, error) {
	return f.Write(fd, buf)
}

func (f *Fake) Shutdown(fd int, how ShutdownHow) error {
	_, err := f.get(fd)
	return err
}

func (f *Fake) GetSockName(fd int) (SockAddr, error) {
	s, err := f.get(fd)
	if err != nil {
		return SockAddr{}, err
	}
	return s.local, nil
}

func (f *Fake) GetPeerName(fd int) (SockAddr, error) {
	s, err := f.get(fd)
	if err != nil {
		return SockAddr{}, err
	}
	return s.peer, nil
}

func (f *Fake) GetSockOpt(fd int, level, name int) (int32, error) {
	s, err := f.get(fd)
	if err != nil {
		return 0, err
	}
	if s.sockErr != nil {
		return 1, nil
	}
	return 0, nil
}

func (f *Fake) SetSockOpt(fd int, level, name int, val int32) error {
	_, err := f.get(fd)
	return err
}

func (f *Fake) GetAddrInfo(node, service string, wantStream bool) (AddrInfoResult, error) {
	return AddrInfoResult{}, fmt.Errorf("fake: getaddrinfo not implemented")
}

func (f *Fake) FD(fd int) int { return fd }

func (f *Fake) GetIfInfo(maxEntries int) ([]IfInfo, error) { return nil, nil }
func (f *Fake) SetIfAddrV4(ifIndex int, addr, netmask [4]byte) error { return nil }
func (f *Fake) GetIfGatewayV4(ifIndex int) ([4]byte, error) { return [4]byte{}, nil }
func (f *Fake) SetIfGatewayV4(ifIndex int, gw [4]byte) error { return nil }
func (f *Fake) GetDHCPStatusV4(ifIndex int) (bool, error) { return false, nil }
func (f *Fake) SetDHCPStatusV4(ifIndex int, enabled bool) error { return nil }
func (f *Fake) GetDNSServerV4(ifIndex int) ([4]byte, error) { return [4]byte{}, nil }
func (f *Fake) SetDNSServerV4(ifIndex int, dns [4]byte) error { return nil }

// PushRead queues a chunk (stream) or message (datagram) to be returned
// by the next Read/RecvFrom.
func (f *Fake) PushRead(fd int, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[fd]; ok {
		s.readBuf = append(s.readBuf, append([]byte(nil), data...))
	}
}

// ForceWouldBlockRead arranges for the next Read/RecvFrom on fd to return
// EWOULDBLOCK regardless of queued data (spec §8 boundary case).
func (f *Fake) ForceWouldBlockRead(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[fd]; ok {
		s.readBlock = true
	}
}

func (f *Fake) ForceWouldBlockWrite(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[fd]; ok {
		s.writeBlock = true
	}
}

// ForceReadError arranges for the next Read to return a hard error
// instead of EOF/data (spec §9: "hard read error ... same half-close
// path as EOF" design note).
func (f *Fake) ForceReadError(fd int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[fd]; ok {
		s.sockErr = err
	}
}

// Written returns everything written to fd so far, for assertions.
func (f *Fake) Written(fd int) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.fds[fd]; ok {
		return s.writes
	}
	return nil
}
