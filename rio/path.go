package rio

import (
	"strconv"
	"strings"
)

// MaxPathLen is the OPEN payload length bound from spec §4.4: "length
// 1-1024". The payload is the bare path: ParsePath expects no NUL
// terminator, and a trailing NUL fails the strict decimal check.
const MaxPathLen = 1024

// PathKind distinguishes the three OPEN sub-handlers (spec §4.4).
type PathKind int

const (
	PathNone PathKind = iota
	PathSocket
	PathAccept
)

// SockAddrFamily mirrors the <d> segment of socket/<d>/<t>/<p>.
type SockAddrFamily int32

// SockType mirrors the <t> segment; spec §4.4 only allows STREAM/DGRAM.
type SockType int32

const (
	SockStream SockType = 1
	SockDgram  SockType = 2
)

// OpenPath is the result of parsing a validated OPEN payload.
type OpenPath struct {
	Kind     PathKind
	Domain   SockAddrFamily
	Type     SockType
	Protocol int32
}

// ParsePath implements the grammar of spec §4.4 and §6:
//
//	none | socket/<d>/<t>/<p> | accept
//
// where <d>, <t>, <p> are strict decimal integers (no leading '+', no
// whitespace, no trailing garbage). Per design note "Path parser", this
// is a two-pass split on '/' with strict parsing and an end-of-string
// check — deliberately not the strtol-and-hope approach the original
// took.
func ParsePath(path string) (OpenPath, Status) {
	if len(path) < 1 || len(path) > MaxPathLen {
		return OpenPath{}, InvalidArgs
	}

	segments := strings.Split(path, "/")
	switch segments[0] {
	case "none":
		if len(segments) != 1 {
			return OpenPath{}, InvalidArgs
		}
		return OpenPath{Kind: PathNone}, OK

	case "accept":
		if len(segments) != 1 {
			return OpenPath{}, InvalidArgs
		}
		return OpenPath{Kind: PathAccept}, OK

	case "socket":
		if len(segments) != 4 {
			return OpenPath{}, InvalidArgs
		}
		d, err := parseStrictDecimal(segments[1])
		if err != nil {
			return OpenPath{}, InvalidArgs
		}
		t, err := parseStrictDecimal(segments[2])
		if err != nil {
			return OpenPath{}, InvalidArgs
		}
		p, err := parseStrictDecimal(segments[3])
		if err != nil {
			return OpenPath{}, InvalidArgs
		}
		switch SockType(t) {
		case SockStream, SockDgram:
		default:
			return OpenPath{}, NotSupported
		}
		return OpenPath{
			Kind:     PathSocket,
			Domain:   SockAddrFamily(d),
			Type:     SockType(t),
			Protocol: int32(p),
		}, OK

	default:
		return OpenPath{}, InvalidArgs
	}
}

// parseStrictDecimal rejects empty segments, signs, whitespace and any
// trailing garbage — strconv.Atoi alone accepts a leading '+' and
// "-0", neither of which this grammar allows.
func parseStrictDecimal(s string) (int64, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(s, 10, 32)
}
