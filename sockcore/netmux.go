package sockcore

import (
	"context"

	"sockproxy.dev/core/kernel"
)

// armNet registers req on the net-wait queue for fd, wanting want, and
// (re)arms the net multiplexer's wait-set entry for fd to the resulting
// union. fd is used directly as the epoll cookie since the net
// multiplexer only ever watches real backend socket fds.
func (c *Core) armNet(fd int, want kernel.Signals, req *Request) {
	union := c.netWait.Push(fd, req, want)

	c.netArmedMu.Lock()
	prev, had := c.netArmed[fd]
	c.netArmed[fd] = union
	c.netArmedMu.Unlock()

	if prev == union && had {
		return
	}
	var err error
	if !had {
		err = c.netMux.Add(int32(fd), fd, union)
	} else {
		err = c.netMux.Modify(int32(fd), fd, union)
	}
	if err != nil {
		c.log.WithError(err).WithField("fd", fd).Warn("sockcore: arm net fd")
	}
}

// disarmNet removes fd's net multiplexer registration entirely; used by
// CLOSE once both queues have been drained for fd.
func (c *Core) disarmNet(fd int) {
	c.netArmedMu.Lock()
	_, had := c.netArmed[fd]
	delete(c.netArmed, fd)
	c.netArmedMu.Unlock()
	if had {
		if err := c.netMux.Remove(fd); err != nil {
			c.log.WithError(err).WithField("fd", fd).Warn("sockcore: disarm net fd")
		}
	}
}

func (c *Core) runNetMux(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := c.netMux.Wait(-1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Cookie == -1 {
				c.netInterupt.Drain()
				continue
			}
			fd := int(ev.Cookie)
			ready, remaining := c.netWait.Drain(fd, ev.Observed)

			c.netArmedMu.Lock()
			if remaining == 0 {
				delete(c.netArmed, fd)
				c.netArmedMu.Unlock()
				_ = c.netMux.Remove(fd)
			} else {
				c.netArmed[fd] = remaining
				c.netArmedMu.Unlock()
				_ = c.netMux.Modify(int32(fd), fd, remaining)
			}

			for _, req := range ready {
				select {
				case c.runnerCh <- req:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
