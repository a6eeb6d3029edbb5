package sockcore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/rio"
)

// TestCloseTearsDownQueuesAndRegistration covers P4: after CLOSE, both
// queues are empty and the net/client registrations are gone.
func TestCloseTearsDownQueuesAndRegistration(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, client := newStreamIOState(t, c, fd)

	// Queue up a pending read so both maps are non-empty before close.
	fake.ForceWouldBlockRead(fd)
	result := handleStreamRead(c, &Request{Op: rio.OpRead, IOState: ios})
	require.Equal(t, rio.PendingNet, result.Status)
	c.armNet(fd, result.Arm.NetWant, &Request{Op: rio.OpRead, IOState: ios})
	c.armClient(ios, kernel.Readable, &Request{Op: rio.OpWrite, IOState: ios})

	require.False(t, c.netWait.Empty(fd))
	require.False(t, c.clientWait.Empty(fd))

	// Simulate an explicit CLOSE request from the client (RioEndpoint set):
	// this releases both the RIO-endpoint ref and the data-endpoint ref
	// create_handles took, in one shot, so a single call fully tears down.
	result = handleClose(c, &Request{Op: rio.OpClose, IOState: ios, RioEndpoint: ios.RioEndpoint})
	require.Equal(t, rio.OK, result.Status)

	require.True(t, c.netWait.Empty(fd))
	require.True(t, c.clientWait.Empty(fd))
	_, stillRegistered := c.getSocket(fd)
	require.False(t, stillRegistered)
	require.Equal(t, -1, ios.SockFD)

	// The client pipe's peer is gone; reading observes EOF rather than
	// hanging.
	buf := make([]byte, 4)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

// TestCloseRequiresBothRefsReleased covers the refcount discipline of
// spec §3/§9 (P2): create_handles takes a ref for the data endpoint on
// top of the ref held for the RIO endpoint, so a peer dropping only one
// of the two handles (e.g. the client drops its data pipe but keeps the
// control channel open) must not tear the IOState down by itself.
func TestCloseRequiresBothRefsReleased(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	// An implicit trigger (RioEndpoint nil) releases one ref only: here,
	// the watcher detecting the data endpoint's peer closed.
	result := handleClose(c, &Request{Op: rio.OpClose, IOState: ios})
	require.Equal(t, rio.OK, result.Status)
	_, stillRegistered := c.getSocket(fd)
	require.True(t, stillRegistered)
	require.Equal(t, fd, ios.SockFD)

	// The control channel's peer drops second (the recv loop's own
	// implicit repost); now both refs are gone and teardown runs.
	result = handleClose(c, &Request{Op: rio.OpClose, IOState: ios})
	require.Equal(t, rio.OK, result.Status)
	_, stillRegistered = c.getSocket(fd)
	require.False(t, stillRegistered)
	require.Equal(t, -1, ios.SockFD)
}

// TestCloseIsIdempotentUnderDoubleTrigger covers the cascade-close case:
// an explicit CLOSE tears the object down in one call, and any further
// trigger that still manages to fire (e.g. the recv loop's repost right
// behind it) must not re-run teardown.
func TestCloseIsIdempotentUnderDoubleTrigger(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	r1 := handleClose(c, &Request{Op: rio.OpClose, IOState: ios, RioEndpoint: ios.RioEndpoint})
	r2 := handleClose(c, &Request{Op: rio.OpClose, IOState: ios})

	require.Equal(t, rio.OK, r1.Status)
	require.Equal(t, rio.OK, r2.Status)
	require.Equal(t, -1, ios.SockFD)
}

// TestHalfCloseDoesNotTearDownIOState covers spec §4.8: HALFCLOSE only
// shuts down the write direction on the backend and signals, it never
// removes the socket registration.
func TestHalfCloseDoesNotTearDownIOState(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	result := handleHalfClose(c, &Request{Op: rio.OpHalfClose, IOState: ios})
	require.Equal(t, rio.OK, result.Status)

	_, stillRegistered := c.getSocket(fd)
	require.True(t, stillRegistered)
	require.Equal(t, kernel.SigHalfClosed, ios.Signaler.Observed()&kernel.SigHalfClosed)
}
