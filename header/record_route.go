package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// RecordRoute is the proxy-inserted route set. Proxies that want to
// see in-dialog requests add themselves here, endpoints mirror it back
// as the Route header.
type RecordRoute Route

// CanonicName returns "Record-Route".
func (RecordRoute) CanonicName() Name { return "Record-Route" }

// CompactName returns "Record-Route", the header has no compact form.
func (RecordRoute) CompactName() Name { return "Record-Route" }

// RenderTo writes the header in wire format.
func (hdr RecordRoute) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr RecordRoute) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr RecordRoute) RenderValue() string { return Route(hdr).RenderValue() }

// String returns the header value without the name prefix.
func (hdr RecordRoute) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr RecordRoute) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
		} else {
			fmt.Fprint(f, hdr.String())
		}
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(hdr.Render(nil)))
		} else {
			fmt.Fprint(f, strconv.Quote(hdr.String()))
		}
	default:
		type hideMethods RecordRoute
		type RecordRoute hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), RecordRoute(hdr))
	}
}

// Clone deep-copies the header.
func (hdr RecordRoute) Clone() Header {
	if hdr == nil {
		return RecordRoute(nil)
	}
	return RecordRoute(cloneHdrEntries(Route(hdr)))
}

// Equal accepts a RecordRoute value or pointer, hops must match
// pairwise in order.
func (hdr RecordRoute) Equal(val any) bool {
	switch v := val.(type) {
	case RecordRoute:
		return Route(hdr).Equal(Route(v))
	case *RecordRoute:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header is well formed.
func (hdr RecordRoute) IsValid() bool { return Route(hdr).IsValid() }

func (hdr RecordRoute) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(Route(hdr)))
}

func (hdr *RecordRoute) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]RouteHop)(hdr)))
}
