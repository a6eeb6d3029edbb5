package sockcore

import (
	"encoding/binary"
	"net"

	"sockproxy.dev/core/netbackend"
	"sockproxy.dev/core/rio"
)

// Ioctl request codes carried in Message.Arg (spec §4.10/§4.16's
// management surface).
const (
	IoctlGetIfInfo int32 = iota + 1
	IoctlSetIfAddrV4
	IoctlGetIfGatewayV4
	IoctlSetIfGatewayV4
	IoctlGetDHCPStatusV4
	IoctlSetDHCPStatusV4
	IoctlGetDNSServerV4
	IoctlSetDNSServerV4
)

func handleIoctl(c *Core, req *Request) HandlerResult {
	switch req.Message.Arg {
	case IoctlGetIfInfo:
		return ioctlGetIfInfo(c)
	case IoctlSetIfAddrV4:
		return ioctlSetIfAddrV4(c, req)
	case IoctlGetIfGatewayV4:
		return ioctlGetIfGatewayV4(c, req)
	case IoctlSetIfGatewayV4:
		return ioctlSetIfGatewayV4(c, req)
	case IoctlGetDHCPStatusV4:
		return ioctlGetDHCPStatusV4(c, req)
	case IoctlSetDHCPStatusV4:
		return ioctlSetDHCPStatusV4(c, req)
	case IoctlGetDNSServerV4:
		return ioctlGetDNSServerV4(c, req)
	case IoctlSetDNSServerV4:
		return ioctlSetDNSServerV4(c, req)
	default:
		return statusResult(rio.NotSupported)
	}
}

// ioctlGetIfInfo bounds its reply to cfg.NetcIfInfoMax entries (the
// boundary case "GET_IF_INFO exactly NETC_IF_INFO_MAX entries" is about
// this cutoff being exact, neither off-by-one truncating a full set nor
// silently growing past it).
func ioctlGetIfInfo(c *Core) HandlerResult {
	infos, err := c.backend.GetIfInfo(c.cfg.NetcIfInfoMax)
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	if len(infos) > c.cfg.NetcIfInfoMax {
		infos = infos[:c.cfg.NetcIfInfoMax]
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = encodeIfInfos(infos)
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func encodeIfInfos(infos []netbackend.IfInfo) []byte {
	var buf []byte
	for _, info := range infos {
		buf = append(buf, encodeIfInfo(info)...)
	}
	return buf
}

func encodeIfInfo(info netbackend.IfInfo) []byte {
	name := []byte(info.Name)
	if len(name) > 255 {
		name = name[:255]
	}
	out := make([]byte, 0, 4+1+len(name)+4+4+4+1)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(info.Index))
	out = append(out, idx[:]...)
	out = append(out, byte(len(name)))
	out = append(out, name...)
	out = append(out, ipv4Bytes(info.Addr)...)
	out = append(out, ipv4Bytes(info.Netmask)...)
	out = append(out, ipv4Bytes(info.Broadaddr)...)
	up := byte(0)
	if info.Up {
		up = 1
	}
	return append(out, up)
}

func ipv4Bytes(ip net.IP) []byte {
	v4 := ip.To4()
	if v4 == nil {
		return make([]byte, 4)
	}
	return v4
}

func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func ioctlSetIfAddrV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 12 {
		return statusResult(rio.InvalidArgs)
	}
	idx := int(le32(p[0:4]))
	var addr, mask [4]byte
	copy(addr[:], p[4:8])
	copy(mask[:], p[8:12])
	if err := c.backend.SetIfAddrV4(idx, addr, mask); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}

func ioctlGetIfGatewayV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 4 {
		return statusResult(rio.InvalidArgs)
	}
	gw, err := c.backend.GetIfGatewayV4(int(le32(p)))
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = gw[:]
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func ioctlSetIfGatewayV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 8 {
		return statusResult(rio.InvalidArgs)
	}
	var gw [4]byte
	copy(gw[:], p[4:8])
	if err := c.backend.SetIfGatewayV4(int(le32(p[0:4])), gw); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}

func ioctlGetDHCPStatusV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 4 {
		return statusResult(rio.InvalidArgs)
	}
	enabled, err := c.backend.GetDHCPStatusV4(int(le32(p)))
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	if enabled {
		reply.Payload = []byte{1}
	} else {
		reply.Payload = []byte{0}
	}
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func ioctlSetDHCPStatusV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 5 {
		return statusResult(rio.InvalidArgs)
	}
	if err := c.backend.SetDHCPStatusV4(int(le32(p[0:4])), p[4] != 0); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}

func ioctlGetDNSServerV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 4 {
		return statusResult(rio.InvalidArgs)
	}
	dns, err := c.backend.GetDNSServerV4(int(le32(p)))
	if err != nil {
		return statusResult(rio.FromErrno(err))
	}
	reply := rio.StatusReply(rio.OK)
	reply.Payload = dns[:]
	return HandlerResult{Status: rio.OK, Reply: reply}
}

func ioctlSetDNSServerV4(c *Core, req *Request) HandlerResult {
	p := req.Message.Payload
	if len(p) != 8 {
		return statusResult(rio.InvalidArgs)
	}
	var dns [4]byte
	copy(dns[:], p[4:8])
	if err := c.backend.SetDNSServerV4(int(le32(p[0:4])), dns); err != nil {
		return statusResult(rio.FromErrno(err))
	}
	return statusResult(rio.OK)
}
