package header

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// Supported advertises the extension option tags the sender
// understands, the peer may pick any of them via Require.
type Supported Require

// CanonicName returns "Supported".
func (Supported) CanonicName() Name { return "Supported" }

// CompactName returns "k".
func (Supported) CompactName() Name { return "k" }

// RenderTo writes the header in wire format.
func (hdr Supported) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

func (hdr Supported) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// Render returns the header in wire format.
func (hdr Supported) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr Supported) RenderValue() string { return Require(hdr).RenderValue() }

// String returns the header value without the name prefix.
func (hdr Supported) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Supported) Format(f fmt.State, verb rune) {
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
		type hideMethods Supported
		type Supported hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Supported(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Supported) Clone() Header { return Supported(slices.Clone(hdr)) }

// Equal accepts a Supported value or pointer, option tags must match
// pairwise in order.
func (hdr Supported) Equal(val any) bool {
	switch v := val.(type) {
	case Supported:
		return Require(hdr).Equal(Require(v))
	case *Supported:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header is well formed.
func (hdr Supported) IsValid() bool { return Require(hdr).IsValid() }

// Has reports whether the header contains the given option tag.
func (hdr Supported) Has(opt Option) bool { return Require(hdr).Has(opt) }

func (hdr Supported) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(Require(hdr)))
}

func (hdr *Supported) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]Option)(hdr)))
}
