package header

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// RouteHop is one entry of the Route header.
type RouteHop = NameAddr

// Route steers the request through the listed proxies before it
// reaches the request URI, built from the Record-Route set learned
// during dialog establishment.
type Route []RouteHop

// CanonicName returns "Route".
func (Route) CanonicName() Name { return "Route" }

// CompactName returns "Route", the header has no compact form.
func (Route) CompactName() Name { return "Route" }

// RenderTo writes the header in wire format.
func (hdr Route) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr Route) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the header in wire format.
func (hdr Route) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr Route) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr Route) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Route) Format(f fmt.State, verb rune) {
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
		type hideMethods Route
		type Route hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Route(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Route) Clone() Header { return cloneHdrEntries(hdr) }

// Equal accepts a Route value or pointer, hops must match pairwise in
// order.
func (hdr Route) Equal(val any) bool {
	switch v := val.(type) {
	case Route:
		return slices.EqualFunc(hdr, v, func(h1, h2 RouteHop) bool { return h1.Equal(h2) })
	case *Route:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header has at least one hop and all hops
// are well formed.
func (hdr Route) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(h RouteHop) bool { return !h.IsValid() })
}

func (hdr Route) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(hdr))
}

func (hdr *Route) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]RouteHop)(hdr)))
}
