// Package uri implements URI value types used in SIP signaling:
// sip/sips URIs, tel URIs and a generic fallback for everything else.
package uri

//go:generate go tool errtrace -w .

import (
	"net/url"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
)

// Addr is a host with an optional port.
type Addr = types.Addr

// Host creates an Addr without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr with an explicit port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// ParseAddr parses a host, optionally followed by a colon and port,
// from s (string or []byte).
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) { return errtrace.Wrap2(types.ParseAddr(s)) }

// Values holds URI parameters or URI headers as a multimap.
type Values = types.Values

// RenderOptions tunes wire-format rendering.
type RenderOptions = types.RenderOptions

// TransportProto names a SIP transport, the value of the transport
// URI parameter.
type TransportProto = types.TransportProto

// RequestMethod is a SIP request method, the value of the method URI
// parameter.
type RequestMethod = types.RequestMethod

// ErrMalformedURI is returned by the parse functions on input that does
// not form a URI of the expected scheme.
const ErrMalformedURI errorutil.Error = "malformed URI"

// URI is the common interface of all URI types in this package.
type URI interface {
	types.Renderer
	types.Cloneable[URI]
	types.ValidFlag
	types.Equalable
}

// Parse parses a URI of any scheme from s (string or []byte) and
// dispatches on the scheme: sip and sips input yields [SIP], tel
// yields [Tel], anything else yields [Any].
func Parse[T ~string | ~[]byte](s T) (URI, error) {
	if len(s) >= 3 {
		switch util.LCase(string(s[:3])) {
		case "sip":
			return errtrace.Wrap2(ParseSIP(s))
		case "tel":
			return errtrace.Wrap2(ParseTel(s))
		}
	}
	return errtrace.Wrap2(ParseAny(s))
}

// GetScheme returns the scheme of u, empty for nil. Panics on a URI
// type this package does not know.
func GetScheme(u URI) string {
	if u == nil {
		return ""
	}

	switch u := u.(type) {
	case *SIP:
		return u.scheme()
	case *Tel:
		return "tel"
	case *Any:
		return u.URL.Scheme
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

// GetAddr returns the addressable part of u: the host and port of a
// [SIP] URI, the number of a [Tel] URI, host plus path of an [Any]
// URI, empty for nil. Panics on a URI type this package does not know.
func GetAddr(u URI) string {
	if u == nil {
		return ""
	}

	switch u := u.(type) {
	case *SIP:
		return u.Addr.String()
	case *Tel:
		return u.Number
	case *Any:
		return u.Host + u.Path
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

// GetParams returns the parameters of u, for an [Any] URI the parsed
// query string, nil for nil. Panics on a URI type this package does
// not know.
func GetParams(u URI) Values {
	if u == nil {
		return nil
	}

	switch u := u.(type) {
	case *SIP:
		return u.Params
	case *Tel:
		return u.Params
	case *Any:
		p, _ := url.ParseQuery(u.RawQuery)
		return Values(p)
	default:
		panic(newUnexpectURITypeErr(u))
	}
}

func newUnexpectURITypeErr(u URI) error {
	return errorutil.Errorf("unexpected URI type %T", u) //errtrace:skip
}
