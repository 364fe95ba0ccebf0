package header

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// Unsupported names the option tags a 420 Bad Extension response
// rejects out of the request's Require header.
type Unsupported Require

// CanonicName returns "Unsupported".
func (Unsupported) CanonicName() Name { return "Unsupported" }

// CompactName returns "Unsupported", the header has no compact form.
func (Unsupported) CompactName() Name { return "Unsupported" }

// RenderTo writes the header in wire format.
func (hdr Unsupported) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr Unsupported) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr Unsupported) RenderValue() string { return Require(hdr).RenderValue() }

// String returns the header value without the name prefix.
func (hdr Unsupported) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Unsupported) Format(f fmt.State, verb rune) {
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
		type hideMethods Unsupported
		type Unsupported hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Unsupported(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Unsupported) Clone() Header { return Unsupported(slices.Clone(hdr)) }

// Equal accepts an Unsupported value or pointer, option tags must
// match pairwise in order.
func (hdr Unsupported) Equal(val any) bool {
	switch v := val.(type) {
	case Unsupported:
		return Require(hdr).Equal(Require(v))
	case *Unsupported:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header is well formed.
func (hdr Unsupported) IsValid() bool { return Require(hdr).IsValid() }

// Has reports whether the header contains the given option tag.
func (hdr Unsupported) Has(opt Option) bool { return Require(hdr).Has(opt) }

func (hdr Unsupported) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(Require(hdr)))
}

func (hdr *Unsupported) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]Option)(hdr)))
}
