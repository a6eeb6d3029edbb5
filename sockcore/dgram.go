package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

func queueDgramRead(c *Core, ios *IOState) {
	c.armNet(ios.SockFD, kernel.Readable, &Request{Op: rio.OpRead, IOState: ios})
}

func queueDgramWrite(c *Core, ios *IOState) {
	c.armClient(ios, kernel.Readable, &Request{Op: rio.OpWrite, IOState: ios})
}

// encodeEnvelope/decodeEnvelope frame the {addr, payload} envelope P6
// requires datagram message boundaries to preserve: one backend
// RecvFrom becomes exactly one MessageChannel.Send, and vice versa.
func encodeEnvelope(addr netbackend.SockAddr, payload []byte) []byte {
	head := encodeSockAddr(addr)
	if head == nil {
		head = []byte{0}
	}
	out := make([]byte, len(head)+len(payload))
	copy(out, head)
	copy(out[len(head):], payload)
	return out
}

func decodeEnvelope(buf []byte) (netbackend.SockAddr, []byte, bool) {
	if len(buf) < 1 {
		return netbackend.SockAddr{}, nil, false
	}
	switch buf[0] {
	case 0:
		return netbackend.SockAddr{}, buf[1:], true
	case addrFamilyV4:
		if len(buf) < 7 {
			return netbackend.SockAddr{}, nil, false
		}
		addr, ok := decodeSockAddr(buf[:7])
		return addr, buf[7:], ok
	case addrFamilyV6:
		if len(buf) < 19 {
			return netbackend.SockAddr{}, nil, false
		}
		addr, ok := decodeSockAddr(buf[:19])
		return addr, buf[19:], ok
	default:
		return netbackend.SockAddr{}, nil, false
	}
}

// handleDgramRead pumps one backend RecvFrom into one MessageChannel.Send
// carrying the source address, preserving message boundaries (P6). No
// partial-buffer bookkeeping is needed: SOCK_SEQPACKET either accepts the
// whole envelope or blocks, it never partially writes one.
func handleDgramRead(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if ios.RBuf == nil {
		ios.RBuf = c.pool.Get()
	}

	n, from, err := c.backend.RecvFrom(ios.SockFD, ios.RBuf)
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Readable}}
		}
		return HandlerResult{Status: rio.OK}
	}

	envelope := encodeEnvelope(from, ios.RBuf[:n])
	if err := ios.dgramChannel().Send(envelope); err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Writable}}
		}
		return HandlerResult{Status: rio.OK}
	}
	return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Readable}}
}

// handleDgramWrite pumps one client-supplied envelope to exactly one
// backend SendTo. A NULL address in the envelope means "use the socket's
// connected peer" (spec §4.7's explicit-address vs NULL distinction).
func handleDgramWrite(c *Core, req *Request) HandlerResult {
	ios := req.IOState
	if ios.WBuf == nil {
		ios.WBuf = c.pool.Get()
	}

	n, err := ios.dgramChannel().Recv(ios.WBuf)
	if err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Readable}}
		}
		return HandlerResult{Status: rio.OK}
	}

	addr, payload, ok := decodeEnvelope(ios.WBuf[:n])
	if !ok {
		return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Readable}}
	}

	if _, err := c.backend.SendTo(ios.SockFD, payload, addr); err != nil {
		if rio.WouldBlock(err) {
			return HandlerResult{Status: rio.PendingNet, Arm: ArmSpec{NetWant: kernel.Writable}}
		}
		return HandlerResult{Status: rio.OK}
	}
	return HandlerResult{Status: rio.PendingClient, Arm: ArmSpec{ClientWant: kernel.Readable}}
}
