package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// handleOpen implements the OPEN path grammar of spec §4.4: none |
// socket/<d>/<t>/<p> | accept. It is the only handler that creates a new
// IOState; each of the three paths creates one. The accept path also
// uses the IOState the request arrived on, which must be listening.
func handleOpen(c *Core, req *Request) HandlerResult {
	path, status := rio.ParsePath(string(req.Message.Payload))
	if status != rio.OK {
		return statusResult(status)
	}

	switch path.Kind {
	case rio.PathNone:
		return openNone(c, req)
	case rio.PathSocket:
		return openSocket(c, req, path)
	case rio.PathAccept:
		return openAccept(c, req)
	default:
		return statusResult(rio.InvalidArgs)
	}
}

// openNone allocates a new socket-less IOState with its own control
// channel, the same shape as the provider root itself. The new object
// shares no state with the one the request arrived on.
func openNone(c *Core, req *Request) HandlerResult {
	dup := newIOState(HandleNone)
	rioClient, _, err := c.createHandles(dup)
	if err != nil {
		return statusResult(rio.NoResources)
	}
	return HandlerResult{Status: rio.OK, Reply: rio.OpenReply(rio.OK, rioClient, nil)}
}

func openSocket(c *Core, req *Request, path rio.OpenPath) HandlerResult {
	handleType := HandleStream
	if path.Type == rio.SockDgram {
		handleType = HandleDgram
	}

	fd, err := c.backend.Socket(int(path.Domain), int(path.Type), int(path.Protocol))
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	if err := c.backend.SetNonblock(fd, true); err != nil {
		_ = c.backend.Close(fd)
		return statusResult(rio.FromErrno(err))
	}

	ios := newIOState(handleType)
	ios.SockFD = fd

	rioClient, dataClient, err := c.createHandles(ios)
	if err != nil {
		_ = c.backend.Close(fd)
		return statusResult(rio.NoResources)
	}

	// Datagram sockets need no connection step before they can move
	// traffic; a stream socket's pumps start once it is actually
	// connected (handleConnect / openAccept).
	if handleType == HandleDgram {
		queueDgramRead(c, ios)
		queueDgramWrite(c, ios)
	}

	return HandlerResult{Status: rio.OK, Reply: rio.OpenReply(rio.OK, rioClient, dataClient)}
}

// openAccept dequeues one pending connection from the listening socket
// the request arrived on. If none is ready it suspends on net-wait for
// Readable, matching the EAGAIN-on-accept() path of a real BSD listener.
func openAccept(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if !ios.Listening {
		return statusResult(rio.BadHandle)
	}

	newfd, peer, err := c.backend.Accept(ios.SockFD)
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Readable}}
		}
		return statusResult(rio.FromErrno(err))
	}
	_ = peer

	if err := c.backend.SetNonblock(newfd, true); err != nil {
		_ = c.backend.Close(newfd)
		return statusResult(rio.FromErrno(err))
	}

	child := newIOState(HandleStream)
	child.SockFD = newfd
	rioClient, dataClient, err := c.createHandles(child)
	if err != nil {
		_ = c.backend.Close(newfd)
		return statusResult(rio.NoResources)
	}
	child.Signaler.SignalPeer(kernel.SigConnected, 0)
	queueStreamRead(c, child)
	queueStreamWrite(c, child)

	// One connection was drained; clear INCOMING and rearm the listening
	// watch so future connections are signaled again (spec: "ACCEPT clears INCOMING then rearms SIGCONN_R").
	ios.Signaler.SignalPeer(0, kernel.SigIncoming)
	queueSigConnR(c, ios)

	return HandlerResult{Status: rio.OK, Reply: rio.OpenReply(rio.OK, rioClient, dataClient)}
}
