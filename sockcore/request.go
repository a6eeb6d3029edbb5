package sockcore

import (
	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// Request is one unit of work handed to a handler, matching spec §4.2's
// "request record": the operation, the IOState it concerns, and — for
// externally visible ops — the originating control channel so a STATUS
// reply can be written back. Internal pseudo-ops (read/write pumps,
// SIGCONN_R/W) carry a nil RioEndpoint since they never reply.
type Request struct {
	Op          rio.Op
	Message     rio.Message
	IOState     *IOState
	RioEndpoint *kernel.Channel
}

// ArmSpec tells the caller which readiness to arm before requeuing a
// PENDING_NET or PENDING_CLIENT request.
type ArmSpec struct {
	NetWant    kernel.Signals
	ClientWant kernel.Signals
}

// HandlerResult is what every router handler returns: a status plus,
// for the two pending sentinels, what to arm before requeuing, and for a
// terminal externally-visible status, the reply to write.
type HandlerResult struct {
	Status rio.Status
	Reply  rio.Message
	Arm    ArmSpec
}

func statusResult(s rio.Status) HandlerResult {
	return HandlerResult{Status: s, Reply: rio.StatusReply(s)}
}
