package sockcore

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

func TestEncodeIfInfoRoundTripLayout(t *testing.T) {
	info := netbackend.IfInfo{
		Index:     3,
		Name:      "eth0",
		Addr:      net.IPv4(192, 168, 1, 5),
		Netmask:   net.IPv4(255, 255, 255, 0),
		Broadaddr: net.IPv4(192, 168, 1, 255),
		Up:        true,
	}
	buf := encodeIfInfo(info)

	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(buf[0:4]))
	nameLen := int(buf[4])
	require.Equal(t, len("eth0"), nameLen)
	require.Equal(t, "eth0", string(buf[5:5+nameLen]))

	off := 5 + nameLen
	require.Equal(t, []byte{192, 168, 1, 5}, buf[off:off+4])
	require.Equal(t, []byte{255, 255, 255, 0}, buf[off+4:off+8])
	require.Equal(t, []byte{192, 168, 1, 255}, buf[off+8:off+12])
	require.Equal(t, byte(1), buf[off+12])
}

func TestIoctlDispatchUnknownCodeIsNotSupported(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	result := handleIoctl(c, &Request{Op: rio.OpIoctl, Message: rio.Message{Arg: 9999}, IOState: ios})
	require.Equal(t, rio.NotSupported, result.Status)
}

func TestIoctlSetIfAddrV4RejectsWrongLength(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	result := handleIoctl(c, &Request{
		Op:      rio.OpIoctl,
		Message: rio.Message{Arg: IoctlSetIfAddrV4, Payload: []byte{1, 2, 3}},
		IOState: ios,
	})
	require.Equal(t, rio.InvalidArgs, result.Status)
}

func TestIoctlGetIfGatewayV4RoundTrip(t *testing.T) {
	c, fake := newTestCore(t)
	fd, err := fake.Socket(2, 1, 0)
	require.NoError(t, err)
	ios, _ := newStreamIOState(t, c, fd)

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], 1)
	result := handleIoctl(c, &Request{
		Op:      rio.OpIoctl,
		Message: rio.Message{Arg: IoctlGetIfGatewayV4, Payload: idx[:]},
		IOState: ios,
	})
	require.Equal(t, rio.OK, result.Status)
	require.Len(t, result.Reply.Payload, 4)
}

func TestIoctlGetIfInfoBoundsToConfiguredMax(t *testing.T) {
	c, _ := newTestCore(t)
	c.cfg.NetcIfInfoMax = 2
	// Fake.GetIfInfo always reports zero interfaces, but the bound applies
	// regardless of how many the backend actually returns.
	result := ioctlGetIfInfo(c)
	require.Equal(t, rio.OK, result.Status)
	require.LessOrEqual(t, len(result.Reply.Payload), 2*encodedIfInfoUpperBound)
}

// encodedIfInfoUpperBound is a generous per-entry byte ceiling (4 index +
// 1 name-len + 255 name + 12 addr bytes + 1 up) used only to bound the
// assertion above, not a wire constant.
const encodedIfInfoUpperBound = 4 + 1 + 255 + 12 + 1
