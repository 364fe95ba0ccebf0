package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// Any carries a header field this package has no dedicated type for,
// the value kept as an opaque string.
type Any struct {
	Name  string
	Value string
}

// CanonicName returns the header name in canonical form.
func (hdr *Any) CanonicName() Name { return CanonicName(hdr.Name) }

// CompactName returns the header name in canonical form, unknown
// headers have no compact mapping.
func (hdr *Any) CompactName() Name { return CanonicName(hdr.Name) }

// RenderTo writes the header in wire format.
func (hdr *Any) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr *Any) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *Any) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *Any) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return hdr.Value
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr *Any) Format(f fmt.State, verb rune) {
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
		type hideMethods Any
		type Any hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Any)(hdr))
	}
}

// Clone returns a copy of the header.
func (hdr *Any) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	return &hdr2
}

// Equal accepts an Any value or pointer. Names compare in canonical
// form, values compare verbatim.
func (hdr *Any) Equal(val any) bool {
	switch v := val.(type) {
	case Any:
		return hdr != nil && CanonicName(hdr.Name) == CanonicName(v.Name) && hdr.Value == v.Value
	case *Any:
		if hdr == v {
			return true
		}
		return hdr != nil && v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header name is a valid token.
func (hdr *Any) IsValid() bool { return hdr != nil && util.IsToken(hdr.Name) }

type anyData struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (hdr *Any) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(anyData(*hdr)))
}

func (hdr *Any) UnmarshalJSON(data []byte) error {
	var ad anyData
	if err := json.Unmarshal(data, &ad); err != nil {
		*hdr = Any{}
		return errtrace.Wrap(err)
	}
	*hdr = Any(ad)
	return nil
}
