// Command sockclient is a small harness exercising the client side of the
// RIO wire protocol: it speaks the same OPEN/CONNECT/WRITE/READ sequence a
// real client runtime shim would, against an in-process sockcore.Core
// driving the real network backend. Production clients would implement
// this encode/decode logic in a libc-style shim instead of a CLI; this
// binary exists so that sequence can be smoke-tested by hand (spec §2.1).
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"sockproxy.dev/core/kernel"
	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
	"sockproxy.dev/core/sockcore"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:80", "host:port to CONNECT to")
	payload := flag.String("send", "GET / HTTP/1.0\r\n\r\n", "bytes to WRITE once connected")
	flag.Parse()

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	core, err := sockcore.New(sockcore.Config{}, netbackend.Host{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sockclient: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := core.Run(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("sockclient: core exited")
		}
	}()

	if err := run(core.RootClient, *addr, *payload); err != nil {
		fmt.Fprintf(os.Stderr, "sockclient: %v\n", err)
		os.Exit(1)
	}
}

func run(root *kernel.Channel, addr, payload string) error {
	openReply, err := roundTrip(root, rio.Message{Op: rio.OpOpen, Payload: []byte("socket/2/1/0")})
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	if rio.Status(openReply.Arg) != rio.OK {
		return fmt.Errorf("open socket: status %s", rio.Status(openReply.Arg))
	}
	if len(openReply.Handles) != 2 {
		return fmt.Errorf("open socket: expected 2 handles, got %d", len(openReply.Handles))
	}
	sockClient, ok := openReply.Handles[0].(*kernel.Channel)
	if !ok {
		return fmt.Errorf("open socket: unexpected control handle type %T", openReply.Handles[0])
	}
	dataClient, ok := openReply.Handles[1].(*kernel.Pipe)
	if !ok {
		return fmt.Errorf("open socket: unexpected data handle type %T", openReply.Handles[1])
	}
	defer sockClient.Close()
	defer dataClient.Close()

	wire, err := encodeHostPort(addr)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", addr, err)
	}
	connReply, err := roundTrip(sockClient, rio.Message{Op: rio.OpConnect, Payload: wire})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if rio.Status(connReply.Arg) != rio.OK && rio.Status(connReply.Arg) != rio.ShouldWait {
		return fmt.Errorf("connect: status %s", rio.Status(connReply.Arg))
	}

	// Real production clients watch SigConnected on the data handle's
	// user-signal side channel instead of sleeping; a fixed pause keeps
	// this smoke harness simple.
	time.Sleep(100 * time.Millisecond)

	if _, err := dataClient.Write([]byte(payload)); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	buf := make([]byte, 4096)
	n, err := dataClient.Read(buf)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	fmt.Printf("%s", buf[:n])
	return nil
}

// roundTrip sends msg and returns the STATUS reply, matching the
// synchronous request/reply shape every externally-visible RIO op uses.
func roundTrip(ch *kernel.Channel, msg rio.Message) (rio.Message, error) {
	if err := ch.Send(msg); err != nil {
		return rio.Message{}, err
	}
	reply, err := ch.Recv()
	if err != nil {
		return rio.Message{}, err
	}
	m, ok := reply.(rio.Message)
	if !ok {
		return rio.Message{}, fmt.Errorf("unexpected reply value %T", reply)
	}
	return m, nil
}

// encodeHostPort mirrors sockcore's SockAddr wire format: 1 byte family (4
// or 6), 2 bytes big-endian port, then 4 or 16 address bytes. A real client
// runtime would have this baked into its libc shim; here it's inlined
// since this binary plays that role.
func encodeHostPort(hostport string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, err
	}
	var ip net.IP
	for _, candidate := range ips {
		if v4 := candidate.To4(); v4 != nil {
			ip = v4
			break
		}
	}
	if ip == nil {
		return nil, fmt.Errorf("no IPv4 address found for %q", host)
	}

	out := make([]byte, 3+net.IPv4len)
	out[0] = 4
	binary.BigEndian.PutUint16(out[1:3], uint16(port))
	copy(out[3:], ip)
	return out, nil
}
