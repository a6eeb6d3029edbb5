package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

func toSockAddr(payload []byte) (netbackend.SockAddr, rio.Status) {
	addr, ok := decodeSockAddr(payload)
	if !ok {
		return netbackend.SockAddr{}, rio.InvalidArgs
	}
	return addr, rio.OK
}

// handleConnect always produces exactly one STATUS reply (spec: CONNECT
// is externally visible and only ever replies once), even when the
// backend connect is still in progress. Completion is then reported
// asynchronously via the SigConnected/SigOutgoing user signals rather
// than a second reply, driven by the internal SIGCONN_W pseudo-op.
func handleConnect(c *Core, req *Request) HandlerResult {
	addr, status := toSockAddr(req.Message.Payload)
	if status != rio.OK {
		return statusResult(status)
	}

	err := c.backend.Connect(req.IOState.SockFD, addr)
	if err == nil {
		req.IOState.Signaler.SignalPeer(kernel.SigConnected, 0)
		queueStreamRead(c, req.IOState)
		queueStreamWrite(c, req.IOState)
		return statusResult(rio.OK)
	}
	if rio.WouldBlock(err) {
		queueSigConnW(c, req.IOState)
		return statusResult(rio.ShouldWait)
	}
	return statusResult(rio.FromErrno(err))
}

func handleBind(c *Core, req *Request) HandlerResult {
	addr, status := toSockAddr(req.Message.Payload)
	if status != rio.OK {
		return statusResult(status)
	}
	if err := c.backend.Bind(req.IOState.SockFD, addr); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}

func handleListen(c *Core, req *Request) HandlerResult {
	backlog := int(req.Message.Arg)
	if backlog <= 0 {
		backlog = c.cfg.AcceptBacklog
	}
	if err := c.backend.Listen(req.IOState.SockFD, backlog); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	req.IOState.Listening = true
	queueSigConnR(c, req.IOState)
	return statusResult(rio.OK)
}

// queueSigConnR arms net-wait Readable on a listening socket's fd with an
// internal SIGCONN_R pseudo-request: each time a connection arrives, it
// sets SigIncoming and rearms itself so the watch survives indefinitely.
func queueSigConnR(c *Core, ios *IOState) {
	req := &Request{Op: rio.OpSigConnR, IOState: ios}
	c.armNet(ios.SockFD, kernel.Readable, req)
}

func handleSigConnR(c *Core, req *Request) HandlerResult {
	req.IOState.Signaler.SignalPeer(kernel.SigIncoming, 0)
	queueSigConnR(c, req.IOState)
	return HandlerResult{Status: rio.OK}
}

// queueSigConnW arms net-wait Writable on a connecting socket's fd with an
// internal SIGCONN_W pseudo-request: fires once, when connect() resolves.
func queueSigConnW(c *Core, ios *IOState) {
	req := &Request{Op: rio.OpSigConnW, IOState: ios}
	c.armNet(ios.SockFD, kernel.Writable, req)
}

func handleSigConnW(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	errno, err := c.backend.GetSockOpt(ios.SockFD, sockOptLevelSocket, sockOptNameError)
	if err == nil && errno == 0 {
		ios.Signaler.SignalPeer(kernel.SigConnected|kernel.SigOutgoing, 0)
		queueStreamRead(c, ios)
		queueStreamWrite(c, ios)
	} else {
		ios.Signaler.SignalPeer(kernel.SigOutgoing, 0)
	}
	return HandlerResult{Status: rio.OK}
}

// SO_ERROR probing constants; named locally rather than importing
// golang.org/x/sys/unix here since netbackend.Backend already hides the
// platform-specific level/name numbers behind GetSockOpt/SetSockOpt.
const (
	sockOptLevelSocket = 1 // SOL_SOCKET
	sockOptNameError   = 4 // SO_ERROR
)
