package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

// queueStreamRead arms the backend-socket-readable pump: drain bytes from
// the backend into the client's pipe. queueStreamWrite arms the
// pipe-readable pump: drain bytes the client wrote into the pipe onto the
// backend socket. Both are started once a stream socket is connected
// (immediately for an accepted connection, on CONNECT's completion for an
// outbound one) and run until CLOSE tears the IOState down.
func queueStreamRead(c *Core, ios *IOState) {
	c.armNet(ios.SockFD, kernel.Readable, &Request{Op: rio.OpRead, IOState: ios})
}

func queueStreamWrite(c *Core, ios *IOState) {
	c.armClient(ios, kernel.Readable, &Request{Op: rio.OpWrite, IOState: ios})
}

// handleStreamRead pumps backend -> client pipe (do_read_stream of spec
// §4.5). RBuf/RLen/ROff track a partially-flushed slab across suspensions
// so no byte is read twice or dropped (P5).
func handleStreamRead(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if ios.RBuf == nil {
		ios.RBuf = c.pool.Get()
	}

	if ios.ROff < ios.RLen {
		if res, done := flushReadBuf(ios); !done {
			return res
		}
	}

	n, err := c.backend.Read(ios.SockFD, ios.RBuf)
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Readable}}
		}
		// A hard read error has no richer channel to reach the client
		// through than EOF does, so it takes the same half-close path;
		// LastErrno and the log line are what let an operator tell a
		// truncated read apart from a graceful close after the fact.
		ios.LastErrno = err
		c.log.WithError(err).WithField("fd", ios.SockFD).Warn("sockcore: hard read error, half-closing")
		_ = ios.streamPipe().Shutdown(true)
		return HandlerResult{Status: rio.OK}
	}
	if n == 0 {
		_ = ios.streamPipe().Shutdown(true) // backend EOF -> half-close toward the client
		return HandlerResult{Status: rio.OK}
	}

	ios.RLen = n
	ios.ROff = 0
	if res, done := flushReadBuf(ios); !done {
		return res
	}
	return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Readable}}
}

// flushReadBuf writes ios.RBuf[ios.ROff:ios.RLen] to the client pipe. It
// returns done=true once the buffer is fully flushed (ROff==RLen reset to
// 0,0); otherwise it returns the HandlerResult the caller should return
// immediately (either a PENDING_CLIENT suspension or a terminal OK on a
// broken pipe).
func flushReadBuf(ios *IOState) (HandlerResult, bool) {
	n, err := ios.streamPipe().Write(ios.RBuf[ios.ROff:ios.RLen])
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Writable}}, false
		}
		return HandlerResult{Status: rio.OK}, false
	}
	ios.ROff += n
	if ios.ROff < ios.RLen {
		return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Writable}}, false
	}
	ios.RLen, ios.ROff = 0, 0
	return HandlerResult{}, true
}

// handleStreamWrite pumps client pipe -> backend (do_write_stream of spec
// §4.5).
func handleStreamWrite(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if ios.WBuf == nil {
		ios.WBuf = c.pool.Get()
	}

	if ios.WOff < ios.WLen {
		if res, done := flushWriteBuf(c, ios); !done {
			return res
		}
	}

	n, err := ios.streamPipe().Read(ios.WBuf)
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Readable}}
		}
		return HandlerResult{Status: rio.OK}
	}
	if n == 0 {
		_ = c.backend.Shutdown(ios.SockFD, netbackend.ShutWR)
		ios.Signaler.SignalPeer(kernel.SigHalfClosed, 0)
		return HandlerResult{Status: rio.OK}
	}

	ios.WLen, ios.WOff = n, 0
	if res, done := flushWriteBuf(c, ios); !done {
		return res
	}
	return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Readable}}
}

func flushWriteBuf(c *Core, ios *IOState) (HandlerResult, bool) {
	n, err := c.backend.Write(ios.SockFD, ios.WBuf[ios.WOff:ios.WLen])
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Writable}}, false
		}
		return HandlerResult{Status: rio.OK}, false
	}
	ios.WOff += n
	if ios.WOff < ios.WLen {
		return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Writable}}, false
	}
	ios.WLen, ios.WOff = 0, 0
	return HandlerResult{}, true
}
