package sockcore

import (
	"sockproxy.dev/core/rio"
)

// runRunner is the single logical request-runner of spec §5: every
// handler invocation happens here, serialized, regardless of which of the
// three loops produced the Request. This is what makes IOState mutation
// safe without per-IOState locking.
//
// It keeps draining runnerCh until stop is closed rather than tying its
// lifetime to ctx directly: shutdown closes every control channel so each
// dispatch goroutine's blocked Recv unblocks and posts one final OpClose
// here, and that post would deadlock against dispatchWG.Wait() if the
// runner had already stopped reading.
func (c *Core) runRunner(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case req := <-c.runnerCh:
			c.handleRequest(req)
		}
	}
}

func (c *Core) handleRequest(req *Request) {
	result := dispatch(c, req)

	switch result.Status {
	case rio.PendingNet:
		c.armNet(req.IOState.SockFD, result.Arm.NetWant, req)
		return
	case rio.PendingClient:
		c.armClient(req.IOState, result.Arm.ClientWant, req)
		return
	}

	if req.Op.Internal() || req.RioEndpoint == nil {
		return // internal pseudo-ops never reply (spec §4.3)
	}
	if err := req.RioEndpoint.Send(result.Reply); err != nil {
		// Writing the reply failed (peer gone); drop any handles it
		// carried so they don't leak (spec §7).
		for _, h := range result.Reply.Handles {
			_ = h.Close()
		}
	}
}
