package sockcore

import (
	"context"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// armClient registers req on the client-wait queue for ios's socket fd,
// wanting want on ios's data endpoint, and (re)arms the handle watcher's
// wait-set entry to the resulting union. ios.WatchingSignals is kept
// exactly equal to what's armed, which is the P1 invariant this type is
// named after.
func (c *Core) armClient(ios *IOState, want kernel.Signals, req *Request) {
	fd := ios.SockFD
	// PeerClosed is always watched regardless of what the pump asked for,
	// so a client dropping its handle is noticed even with nothing else
	// queued (handled specially in runWatcher, not via the queue union).
	union := c.clientWait.Push(fd, req, want) | kernel.PeerClosed
	ios.WatchingSignals = union

	c.watchArmedMu.Lock()
	prev, had := c.watchArmed[ios.Cookie]
	c.watchArmed[ios.Cookie] = union
	c.cookieFD[ios.Cookie] = ios.Data.FD()
	c.cookieIOState[ios.Cookie] = ios
	c.watchArmedMu.Unlock()

	if prev == union && had {
		return
	}
	var err error
	if !had {
		err = c.watcher.Add(ios.Cookie, ios.Data.FD(), union)
	} else {
		err = c.watcher.Modify(ios.Cookie, ios.Data.FD(), union)
	}
	if err != nil {
		c.log.WithError(err).WithField("cookie", ios.Cookie).Warn("sockcore: arm client fd")
	}
}

// disarmClient removes ios's handle-watcher registration entirely; used
// by CLOSE once client-wait has been drained for ios.
func (c *Core) disarmClient(ios *IOState) {
	c.watchArmedMu.Lock()
	_, had := c.watchArmed[ios.Cookie]
	delete(c.watchArmed, ios.Cookie)
	delete(c.cookieFD, ios.Cookie)
	delete(c.cookieIOState, ios.Cookie)
	c.watchArmedMu.Unlock()
	ios.WatchingSignals = 0
	if had {
		if err := c.watcher.Remove(ios.Data.FD()); err != nil {
			c.log.WithError(err).WithField("cookie", ios.Cookie).Warn("sockcore: disarm client fd")
		}
	}
}

func (c *Core) runWatcher(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		events, err := c.watcher.Wait(-1)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.Cookie == -1 {
				c.watcherInterupt.Drain()
				continue
			}
			// fd is the data endpoint's own fd (what the watcher's epoll
			// set is actually keyed by, for Modify/Remove); ios is the
			// owning IOState, whose SockFD is the key every other
			// registration (sockets, clientWait) uses. The two fd
			// namespaces are unrelated — a backend sockfd (or, in tests,
			// a Fake counter) has no reason to coincide with the data
			// pipe's fd — so both must be looked up, never one derived
			// from the other.
			c.watchArmedMu.Lock()
			fd, ok := c.cookieFD[ev.Cookie]
			ios, iosOK := c.cookieIOState[ev.Cookie]
			c.watchArmedMu.Unlock()
			if !ok || !iosOK {
				continue
			}

			if ev.Observed.Has(kernel.PeerClosed) {
				// The client dropped its handle entirely: force a close
				// regardless of whatever was queued, discarding it.
				select {
				case c.runnerCh <- &Request{Op: rio.OpClose, IOState: ios}:
				case <-ctx.Done():
					return ctx.Err()
				}
				continue
			}

			ready, remaining := c.clientWait.Drain(ios.SockFD, ev.Observed)
			armed := remaining | kernel.PeerClosed

			c.watchArmedMu.Lock()
			c.watchArmed[ev.Cookie] = armed
			c.watchArmedMu.Unlock()
			_ = c.watcher.Modify(ev.Cookie, fd, armed)

			for _, req := range ready {
				req.IOState.WatchingSignals = remaining
				select {
				case c.runnerCh <- req:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}
