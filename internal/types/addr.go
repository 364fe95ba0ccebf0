package types

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/util"
)

// Addr is a host with an optional port. A host that parses as an IP
// literal is kept in both textual and [net.IP] form, so comparisons
// treat "::ffff:1.2.3.4" and "1.2.3.4" as the same host.
type Addr struct {
	host    string
	ip      net.IP
	port    uint16
	hasPort bool
}

// Host returns an [Addr] without a port. Brackets around an IPv6
// literal are stripped.
func Host(host string) Addr {
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	if v := ip.To4(); v != nil {
		ip = v
	}
	return Addr{
		host: host,
		ip:   ip,
	}
}

// HostPort returns an [Addr] with an explicit port.
func HostPort(host string, port uint16) Addr {
	addr := Host(host)
	addr.port = port
	addr.hasPort = true
	return addr
}

// ErrMalformedAddr is returned by [ParseAddr] on input that is not a
// valid host or host:port string.
const ErrMalformedAddr errorutil.Error = "malformed address"

// ParseAddr parses a "host[:port]" string into an [Addr].
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) {
	str := string(s)
	if str == "" {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedAddr, "empty input"))
	}

	host, portStr, err := net.SplitHostPort(str)
	if err != nil {
		// No port part: the whole input is the host.
		host, portStr = str, ""
	}
	host = strings.Trim(host, "[]")
	if !util.IsHost(host) {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedAddr, "%q", str))
	}
	if portStr == "" {
		return Host(host), nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Addr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedAddr, err))
	}
	return HostPort(host, uint16(port)), nil
}

// Host returns the host part as given at construction.
func (addr Addr) Host() string { return addr.host }

// IP returns the parsed IP when the host is an IP literal, nil
// otherwise.
func (addr Addr) IP() net.IP { return addr.ip }

// Port returns the port and whether one is set.
func (addr Addr) Port() (uint16, bool) { return addr.port, addr.hasPort }

// String renders the address as host or host:port, IPv6 literals get
// bracketed when needed.
func (addr Addr) String() string {
	var host string
	if addr.ip == nil {
		host = addr.host
	} else {
		host = addr.ip.String()
	}
	if !addr.hasPort {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(int(addr.port)))
}

// Format implements [fmt.Formatter].
func (addr Addr) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, addr.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(addr.String()))
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, addr.String())
			return
		}

		type hideMethods Addr
		type Addr hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Addr(addr))
	}
}

// Clone deep-copies the address, the underlying IP slice included.
func (addr Addr) Clone() Addr {
	addr.ip = slices.Clone(addr.ip)
	return addr
}

// Equal accepts an Addr value or pointer. Hostnames compare
// case-insensitively, IP literals by [net.IP.Equal], a name never
// equals a literal. Both sides must agree on whether a port is set.
func (addr Addr) Equal(val any) bool {
	switch v := val.(type) {
	case Addr:
		if addr.port != v.port || addr.hasPort != v.hasPort {
			return false
		}
		switch {
		case addr.ip == nil && v.ip == nil:
			return util.EqFold(addr.host, v.host)
		case addr.ip != nil && v.ip != nil:
			return addr.ip.Equal(v.ip)
		default:
			return false
		}
	case *Addr:
		return v != nil && addr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the host part is well formed.
func (addr Addr) IsValid() bool { return util.IsHost(addr.host) }

// IsZero reports whether the address is entirely empty.
func (addr Addr) IsZero() bool { return addr.host == "" && addr.ip == nil && !addr.hasPort }

// MarshalText implements [encoding.TextMarshaler].
func (addr Addr) MarshalText() (text []byte, err error) {
	return []byte(addr.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler], empty input
// yields the zero address.
func (addr *Addr) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*addr = Addr{}
		return nil
	}
	var err error
	*addr, err = ParseAddr(text)
	return errtrace.Wrap(err)
}
