package sockcore

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// HandleType distinguishes the three shapes an IOState can take (spec §3).
type HandleType int

const (
	HandleNone HandleType = iota
	HandleStream
	HandleDgram
)

func (h HandleType) String() string {
	switch h {
	case HandleStream:
		return "stream"
	case HandleDgram:
		return "dgram"
	default:
		return "none"
	}
}

// dataEndpoint is the common surface of kernel.Pipe and kernel.MessageChannel
// that sockcore needs generically (registration with the handle watcher);
// the type-specific Read/Write/Send/Recv calls are reached by asserting
// back to the concrete type once HandleType says which one it is.
type dataEndpoint interface {
	rio.Handle
	FD() int
	Shutdown(write bool) error
}

// IOState is the per-connection record of spec §3: everything the core
// keeps about one open socket (or the handle-type-less root object).
// Every field here is only ever mutated from the single runner goroutine
// (spec §5). The refcount is additionally read and written only through
// atomic operations (Ref/Unref/Refcount); createHandles takes the
// data-endpoint ref and handleClose releases refs.
type IOState struct {
	ID         uuid.UUID
	Cookie     int32
	HandleType HandleType

	SockFD int // -1 until a real socket exists (the "none" root object)

	RioEndpoint *kernel.Channel // server side; client side was handed out by create_handles
	Data        dataEndpoint    // server side of the stream pipe or dgram channel; nil for HandleNone
	Signaler    *kernel.Signaler

	RBuf []byte
	RLen int
	ROff int

	WBuf []byte
	WLen int
	WOff int

	LastErrno error

	// WatchingSignals mirrors exactly what's armed for Data in the handle
	// watcher's wait-set (P1); NetWatching does the same for the backend
	// fd in the net multiplexer.
	WatchingSignals kernel.Signals
	NetWatching     kernel.Signals

	Listening bool

	refcount  int32
	closeOnce sync.Once
}

var cookieCounter int32

func nextCookie() int32 {
	return atomic.AddInt32(&cookieCounter, 1)
}

func newIOState(handleType HandleType) *IOState {
	return &IOState{
		ID:         uuid.New(),
		Cookie:     nextCookie(),
		HandleType: handleType,
		SockFD:     -1,
		Signaler:   kernel.NewSignaler(),
		refcount:   1,
	}
}

func (ios *IOState) Ref() int32   { return atomic.AddInt32(&ios.refcount, 1) }
func (ios *IOState) Unref() int32 { return atomic.AddInt32(&ios.refcount, -1) }
func (ios *IOState) Refcount() int32 {
	return atomic.LoadInt32(&ios.refcount)
}

// streamPipe / dgramChannel assert Data back to its concrete type; callers
// only use these once HandleType has confirmed which is valid.
func (ios *IOState) streamPipe() *kernel.Pipe { return ios.Data.(*kernel.Pipe) }
func (ios *IOState) dgramChannel() *kernel.MessageChannel {
	return ios.Data.(*kernel.MessageChannel)
}
