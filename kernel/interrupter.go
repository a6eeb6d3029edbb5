package kernel

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Interrupter is the self-pipe of spec §6, used by the handle watcher to
// wake the net multiplexer's blocking wait so it re-evaluates its fd set
// (spec §4.11, §4.12).
type Interrupter struct {
	r, w int
}

func NewInterrupter() (*Interrupter, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("kernel: pipe2: %w", err)
	}
	return &Interrupter{r: fds[0], w: fds[1]}, nil
}

// ReadFD is what the net multiplexer registers in its own WaitSet.
func (i *Interrupter) ReadFD() int { return i.r }

// Interrupt wakes a blocked Wait. It is safe to call from any goroutine,
// any number of times; excess wakeups beyond what Drain consumes are
// harmless spurious wakeups.
func (i *Interrupter) Interrupt() error {
	_, err := unix.Write(i.w, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("kernel: interrupt: %w", err)
	}
	return nil
}

// Drain consumes all pending wakeup bytes so the read side doesn't stay
// perpetually readable.
func (i *Interrupter) Drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(i.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (i *Interrupter) Close() error {
	err1 := unix.Close(i.r)
	err2 := unix.Close(i.w)
	if err1 != nil {
		return fmt.Errorf("kernel: close interrupter read end: %w", err1)
	}
	if err2 != nil {
		return fmt.Errorf("kernel: close interrupter write end: %w", err2)
	}
	return nil
}
