package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

// handleClose is reached whichever of an IOState's two handles (control
// channel, data endpoint) goes away first: the control channel's recv
// loop posts it when Recv errors, the handle watcher posts it when it
// observes PeerClosed on the data endpoint, and a client can also request
// it explicitly over the control channel. Refcount discipline (spec
// §3/§9, P2): create_handles takes one ref for the data endpoint on top
// of the ref held for the RIO endpoint itself. An implicit trigger (the
// recv loop's peer-close repost, or the watcher's PeerClosed branch)
// releases that one ref only — req.RioEndpoint is nil for both, since
// neither ever writes a reply. An explicit CLOSE request arrives with
// RioEndpoint set and releases both refs at once, since it means the
// client is done with the object entirely regardless of which handle(s)
// it still holds. Teardown only runs once the refcount reaches zero;
// closeOnce guards the single caller that observes that crossing (spec
// P4: both queues empty, no leaked registrations, after CLOSE).
func handleClose(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	remaining := ios.Unref()
	if req.RioEndpoint != nil && ios.HandleType != HandleNone {
		remaining = ios.Unref()
	}
	if remaining == 0 {
		ios.closeOnce.Do(func() { c.teardown(ios) })
	}
	return HandlerResult{Status: rio.OK}
}

func (c *Core) teardown(ios *IOState) {
	fd := ios.SockFD
	if fd >= 0 {
		c.netWait.DiscardAll(fd)
		c.clientWait.DiscardAll(fd)
		c.disarmNet(fd)
		c.disarmClient(ios)
		if err := c.backend.Close(fd); err != nil {
			c.log.WithError(err).WithField("fd", fd).Debug("sockcore: backend close")
		}
		c.dropSocket(fd)
		ios.SockFD = -1
	}
	if ios.Data != nil {
		_ = ios.Data.Close()
	}
	if ios.RioEndpoint != nil {
		_ = ios.RioEndpoint.Close()
	}
	if ios.RBuf != nil {
		c.pool.Put(ios.RBuf)
		ios.RBuf = nil
	}
	if ios.WBuf != nil {
		c.pool.Put(ios.WBuf)
		ios.WBuf = nil
	}
}

// handleHalfClose propagates a client's half-close of the data endpoint's
// write direction onto the backend socket and signals SigHalfClosed; it
// does not tear down the IOState (spec §4.8 — only CLOSE does that).
func handleHalfClose(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if err := c.backend.Shutdown(ios.SockFD, netbackend.ShutWR); err != nil {
		return HandlerResult{Status: rio.FromErrno(err)}
	}
	ios.Signaler.SignalPeer(kernel.SigHalfClosed, 0)
	return HandlerResult{Status: rio.OK}
}
