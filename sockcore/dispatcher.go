package sockcore

import (
	"go.uber.org/multierr"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// spawnDispatch starts the per-channel recv loop that is this
// implementation's rendition of the RIO dispatcher (spec §4.12): it reads
// messages off ios.RioEndpoint and hands each one to the single runner
// goroutine over Core.runnerCh. The loop exits cleanly once the channel is
// closed, which happens when the IOState is torn down by CLOSE.
func (c *Core) spawnDispatch(ios *IOState) {
	c.dispatchWG.Add(1)
	go func() {
		defer c.dispatchWG.Done()
		for {
			m, err := ios.RioEndpoint.Recv()
			if err != nil {
				break
			}
			msg, ok := m.(rio.Message)
			if !ok {
				continue
			}
			if err := msg.Validate(); err != nil {
				// Oversize payload or too many handles: rejected before
				// any handler sees it.
				_ = ios.RioEndpoint.Send(rio.StatusReply(rio.InvalidArgs))
				continue
			}
			c.runnerCh <- &Request{Op: msg.Op, Message: msg, IOState: ios, RioEndpoint: ios.RioEndpoint}
		}
		// Peer dropped the control channel: that's one reference gone.
		c.runnerCh <- &Request{Op: rio.OpClose, IOState: ios}
	}()
}

// createHandles implements spec §4.3's create_handles: it allocates the
// RIO channel pair and, for socket IOStates, the matching data endpoint,
// registers the server sides, and returns the client sides to hand back
// to the caller in an OPEN reply. Any failure partway through tears down
// whatever was already created and aggregates every close error alongside
// the original failure via multierr, rather than leaking a half-built
// IOState.
func (c *Core) createHandles(ios *IOState) (rioClient *kernel.Channel, dataClient rio.Handle, err error) {
	rioServer, rioClientLocal := kernel.NewChannelPair()
	ios.RioEndpoint = rioServer

	switch ios.HandleType {
	case HandleStream:
		server, client, perr := kernel.NewPipePair()
		if perr != nil {
			return nil, nil, multierr.Append(perr, rioServer.Close())
		}
		ios.Data = server
		dataClient = client
		ios.Ref() // +1 for the data endpoint (spec P2/§9)
	case HandleDgram:
		server, client, perr := kernel.NewMessageChannelPair()
		if perr != nil {
			return nil, nil, multierr.Append(perr, rioServer.Close())
		}
		ios.Data = server
		dataClient = client
		ios.Ref() // +1 for the data endpoint (spec P2/§9)
	case HandleNone:
		// no data endpoint
	}

	c.spawnDispatch(ios)
	if ios.SockFD >= 0 {
		c.putSocket(ios)
	}
	return rioClientLocal, dataClient, nil
}
