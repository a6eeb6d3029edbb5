package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is one observation returned from WaitSet.Wait: the caller-chosen
// cookie for the entry that fired, and the signals observed on it.
type Event struct {
	Cookie   int32
	Observed Signals
}

// WaitSet is the wait-set of spec §6: "add(cookie, handle, mask),
// remove(cookie), wait(timeout) -> [{cookie, observed}]". It is used both
// by the handle watcher (one entry per IOState's data endpoint) and by
// the net multiplexer (one entry per socket fd) — each owns its own
// WaitSet instance; they do not share an epoll fd.
type WaitSet struct {
	epfd int
}

func NewWaitSet() (*WaitSet, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("kernel: epoll_create1: %w", err)
	}
	return &WaitSet{epfd: fd}, nil
}

// Add registers fd in the wait-set, keyed by cookie, watching for want.
func (w *WaitSet) Add(cookie int32, fd int, want Signals) error {
	ev := unix.EpollEvent{Events: toEpoll(want), Fd: cookie}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("kernel: epoll_ctl(add, fd=%d): %w", fd, err)
	}
	return nil
}

// Modify replaces the watched signal set for an already-registered fd.
func (w *WaitSet) Modify(cookie int32, fd int, want Signals) error {
	ev := unix.EpollEvent{Events: toEpoll(want), Fd: cookie}
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("kernel: epoll_ctl(mod, fd=%d): %w", fd, err)
	}
	return nil
}

// Remove drops fd's entry. Per spec P1, the caller must not call Remove
// unless it is also clearing watching_signals to empty.
func (w *WaitSet) Remove(fd int) error {
	if err := unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("kernel: epoll_ctl(del, fd=%d): %w", fd, err)
	}
	return nil
}

// Wait blocks for up to timeoutMS (negative means forever, matching
// TIME_INFINITE in spec §5) and returns every entry that fired.
func (w *WaitSet) Wait(timeoutMS int) ([]Event, error) {
	var raw [64]unix.EpollEvent
	n, err := unix.EpollWait(w.epfd, raw[:], timeoutMS)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("kernel: epoll_wait: %w", err)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = Event{Cookie: raw[i].Fd, Observed: fromEpoll(raw[i].Events)}
	}
	return out, nil
}

func (w *WaitSet) Close() error {
	if err := unix.Close(w.epfd); err != nil {
		return fmt.Errorf("kernel: close epoll fd: %w", err)
	}
	return nil
}
