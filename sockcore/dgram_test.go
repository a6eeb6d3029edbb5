package sockcore

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

func newDgramIOState(t *testing.T, c *Core, fd int) (*IOState, *kernel.MessageChannel) {
	t.Helper()
	ios := newIOState(HandleDgram)
	ios.SockFD = fd
	_, dataClient, err := c.createHandles(ios)
	require.NoError(t, err)
	return ios, dataClient.(*kernel.MessageChannel)
}

// TestDgramReadPreservesMessageBoundary covers P6/R2: one backend
// RecvFrom becomes exactly one client-visible envelope carrying the
// source address.
func TestDgramReadPreservesMessageBoundary(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 2, 0)
	require.NoError(t, err)
	ios, client := newDgramIOState(t, c, fd)

	peer := netbackend.SockAddr{IP: net.IPv4(8, 8, 8, 8), Port: 53}
	require.NoError(t, fake.Connect(fd, peer)) // fake.RecvFrom reports s.peer as "from"
	fake.PushRead(fd, []byte("query"))

	result := handleDgramRead(c, &Request{Op: rio.OpRead, IOState: ios})
	require.Equal(t, rio.PendingNet, result.Status)

	buf := make([]byte, 512)
	n, err := client.Recv(buf)
	require.NoError(t, err)
	gotAddr, gotPayload, ok := decodeEnvelope(buf[:n])
	require.True(t, ok)
	require.Equal(t, peer.Port, gotAddr.Port)
	require.True(t, peer.IP.Equal(gotAddr.IP))
	require.Equal(t, "query", string(gotPayload))
}

// TestDgramWriteSendsExplicitAddress covers the explicit-address sendto
// path of spec §4.7: an envelope carrying a destination address is
// decoded and its payload reaches the backend as exactly one SendTo.
// netbackend.Fake does not record the destination, so the address that
// reaches SendTo is not checked here.
func TestDgramWriteSendsExplicitAddress(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 2, 0)
	require.NoError(t, err)
	ios, client := newDgramIOState(t, c, fd)

	dest := netbackend.SockAddr{IP: net.IPv4(1, 1, 1, 1), Port: 53}
	envelope := encodeEnvelope(dest, []byte("answer"))
	require.NoError(t, client.Send(envelope))

	result := handleDgramWrite(c, &Request{Op: rio.OpWrite, IOState: ios})
	require.Equal(t, rio.PendingClient, result.Status)

	written := fake.Written(fd)
	require.Len(t, written, 1)
	require.Equal(t, "answer", string(written[0]))
}
