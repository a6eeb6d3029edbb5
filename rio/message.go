package rio

import "fmt"

// Wire limits (spec §6). A real multi-process transport would enforce
// these at the transport layer; the in-process kernel.Channel has no
// framing of its own, so Message.Validate checks them instead.
const (
	MaxChunkSize = 8192
	MaxHandles   = 2
)

// Handle is anything the core can hand across the RIO boundary: the
// client end of a channel or data endpoint. It is opaque to this
// package; sockcore supplies the concrete types.
type Handle interface {
	Close() error
}

// Message is the fixed header + payload + handles envelope described in
// spec §6. Arg carries the STATUS code for replies, or op-specific
// scalars (e.g. ioctl request code) for requests.
type Message struct {
	Op      Op
	Arg     int32
	Payload []byte
	Handles []Handle
}

func (m Message) String() string {
	return fmt.Sprintf("%s(arg=%d, payload=%dB, handles=%d)", m.Op, m.Arg, len(m.Payload), len(m.Handles))
}

// Validate enforces the size limits from spec §6 before a message is
// dispatched; a transport-level violation is a protocol error, not a
// per-op validation error, so it is reported distinctly from
// ParsePath's INVALID_ARGS path even though both end up as the same
// wire status.
func (m Message) Validate() error {
	if len(m.Payload) > MaxChunkSize {
		return fmt.Errorf("rio: payload %d exceeds MXIO_CHUNK_SIZE %d", len(m.Payload), MaxChunkSize)
	}
	if len(m.Handles) > MaxHandles {
		return fmt.Errorf("rio: %d handles exceeds MXIO_MAX_HANDLES %d", len(m.Handles), MaxHandles)
	}
	return nil
}

// StatusReply builds the STATUS reply envelope for externally-visible
// ops (spec §4.3): {status} with no payload or handles.
func StatusReply(status Status) Message {
	return Message{Op: OpStatus, Arg: int32(status)}
}

// ProtocolSocket is the reply subtype accompanying a successful OPEN,
// named MXIO_PROTOCOL_SOCKET in spec §4.3.
const ProtocolSocket int32 = 1

// OpenReply builds the {status, MXIO_PROTOCOL_SOCKET} + handles reply for
// a successful OPEN.
func OpenReply(status Status, rioClient, dataClient Handle) Message {
	m := Message{Op: OpStatus, Arg: int32(status)}
	if status != OK {
		return m
	}
	m.Payload = []byte{byte(ProtocolSocket)}
	if rioClient != nil {
		m.Handles = append(m.Handles, rioClient)
	}
	if dataClient != nil {
		m.Handles = append(m.Handles, dataClient)
	}
	return m
}
