package sockcore

import "sockproxy.dev/core/rio"

type handlerFunc func(c *Core, req *Request) HandlerResult

// handlers is the operation router of spec §4.2: one entry per Op, each
// returning OK / PENDING_NET / PENDING_CLIENT / a negative status. Every
// op, CLOSE and HALFCLOSE included, goes through this table; an op with
// no entry gets NOT_SUPPORTED.
var handlers = map[rio.Op]handlerFunc{
	rio.OpOpen:        handleOpen,
	rio.OpClose:       handleClose,
	rio.OpConnect:     handleConnect,
	rio.OpBind:        handleBind,
	rio.OpListen:      handleListen,
	rio.OpIoctl:       handleIoctl,
	rio.OpGetAddrInfo: handleGetAddrInfo,
	rio.OpGetSockName: handleGetSockName,
	rio.OpGetPeerName: handleGetPeerName,
	rio.OpGetSockOpt:  handleGetSockOpt,
	rio.OpSetSockOpt:  handleSetSockOpt,
	rio.OpWrite:       handleWrite,
	rio.OpRead:        handleRead,
	rio.OpHalfClose:   handleHalfClose,
	rio.OpSigConnR:    handleSigConnR,
	rio.OpSigConnW:    handleSigConnW,
}

func dispatch(c *Core, req *Request) HandlerResult {
	h, ok := handlers[req.Op]
	if !ok {
		return statusResult(rio.NotSupported)
	}
	return h(c, req)
}
