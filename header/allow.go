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

// Allow advertises the request methods the sender accepts, a request
// with a method outside the set earns a 405 Method Not Allowed.
type Allow []RequestMethod

// CanonicName returns "Allow".
func (Allow) CanonicName() Name { return "Allow" }

// CompactName returns "Allow", the header has no compact form.
func (Allow) CompactName() Name { return "Allow" }

// RenderTo writes the header in wire format.
func (hdr Allow) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr Allow) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the header in wire format.
func (hdr Allow) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr Allow) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr Allow) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Allow) Format(f fmt.State, verb rune) {
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
		type hideMethods Allow
		type Allow hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Allow(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Allow) Clone() Header { return slices.Clone(hdr) }

// Equal accepts an Allow value or pointer, methods must match pairwise
// in order.
func (hdr Allow) Equal(val any) bool {
	switch v := val.(type) {
	case Allow:
		return slices.EqualFunc(hdr, v, func(m1, m2 RequestMethod) bool { return m1.Equal(m2) })
	case *Allow:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header has at least one method and all
// methods are well formed.
func (hdr Allow) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(m RequestMethod) bool { return !m.IsValid() })
}

// Has reports whether the header contains the given method.
func (hdr Allow) Has(mtd RequestMethod) bool {
	return slices.ContainsFunc(hdr, func(m RequestMethod) bool { return m.Equal(mtd) })
}

func (hdr Allow) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(hdr))
}

func (hdr *Allow) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]RequestMethod)(hdr)))
}
