package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// CallID is the globally unique identifier shared by all messages of
// one call, one third of the dialog ID alongside the From and To tags.
type CallID string

// CanonicName returns "Call-ID".
func (CallID) CanonicName() Name { return "Call-ID" }

// CompactName returns "i".
func (CallID) CompactName() Name { return "i" }

// RenderTo writes the header in wire format.
func (hdr CallID) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

func (hdr CallID) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// Render returns the header in wire format.
func (hdr CallID) Render(opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr CallID) RenderValue() string { return string(hdr) }

// String returns the header value without the name prefix.
func (hdr CallID) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr CallID) Format(f fmt.State, verb rune) {
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
		type hideMethods CallID
		type CallID hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), CallID(hdr))
	}
}

// Clone returns the header, the type is a plain value.
func (hdr CallID) Clone() Header { return hdr }

// Equal accepts a CallID value or pointer, the comparison is
// case-sensitive.
func (hdr CallID) Equal(val any) bool {
	switch v := val.(type) {
	case CallID:
		return hdr == v
	case *CallID:
		return v != nil && hdr == *v
	default:
		return false
	}
}

// IsValid reports whether the header is non-empty.
func (hdr CallID) IsValid() bool { return hdr != "" }

func (hdr CallID) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(string(hdr)))
}

func (hdr *CallID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		*hdr = ""
		return errtrace.Wrap(err)
	}
	*hdr = CallID(s)
	return nil
}
