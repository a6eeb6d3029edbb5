package sockcore

import (
	"encoding/binary"
	"strings"

	"sockproxy.dev/core/rio"
)

func handleGetSockName(c *Core, req *Request) HandlerResult {
	addr, err := c.backend.GetSockName(req.IOState.SockFD)
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = encodeSockAddr(addr)
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func handleGetPeerName(c *Core, req *Request) HandlerResult {
	addr, err := c.backend.GetPeerName(req.IOState.SockFD)
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = encodeSockAddr(addr)
	return HandlerResult{Status: rio.OK, Reply: reply}
}

// handleGetSockOpt/handleSetSockOpt carry level/name packed into Arg (high
// 16 bits level, low 16 bits name) since a RIO request has only one
// scalar field; GETSOCKOPT's reply payload is the 4-byte option value,
// SETSOCKOPT's request payload is the 4-byte value to set.
func packLevelName(level, name int) int32 {
	return int32(uint32(level)<<16 | uint32(uint16(name)))
}

func unpackLevelName(arg int32) (level, name int) {
	u := uint32(arg)
	return int(u >> 16), int(int16(u & 0xffff))
}

func handleGetSockOpt(c *Core, req *Request) HandlerResult {
	level, name := unpackLevelName(req.Message.Arg)
	val, err := c.backend.GetSockOpt(req.IOState.SockFD, level, name)
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = make([]byte, 4)
	binary.LittleEndian.PutUint32(reply.Payload, uint32(val))
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func handleSetSockOpt(c *Core, req *Request) HandlerResult {
	if len(req.Message.Payload) != 4 {
		return statusResult(rio.InvalidArgs)
	}
	level, name := unpackLevelName(req.Message.Arg)
	val := int32(binary.LittleEndian.Uint32(req.Message.Payload))
	if err := c.backend.SetSockOpt(req.IOState.SockFD, level, name, val); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}

// handleGetAddrInfo resolves "<node>\x00<service>" payload (Arg nonzero
// means SOCK_STREAM was requested, matching the hint passed to the real
// getaddrinfo(3)) and returns only the first address (spec's explicit
// Non-goal on multi-address results).
func handleGetAddrInfo(c *Core, req *Request) HandlerResult {
	parts := strings.SplitN(string(req.Message.Payload), "\x00", 2)
	node := parts[0]
	var service string
	if len(parts) == 2 {
		service = parts[1]
	}
	result, err := c.backend.GetAddrInfo(node, service, req.Message.Arg != 0)
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = encodeSockAddr(result.Addr)
	return HandlerResult{Status: rio.OK, Reply: reply}
}
