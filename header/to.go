package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// To carries the logical recipient of the request together with the
// dialog tag parameter.
type To NameAddr

// CanonicName returns "To".
func (*To) CanonicName() Name { return "To" }

// CompactName returns "t".
func (*To) CompactName() Name { return "t" }

func (hdr *To) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// RenderTo writes the header in wire format.
func (hdr *To) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr *To) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *To) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *To) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr *To) Format(f fmt.State, verb rune) {
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
		type hideMethods To
		type To hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*To)(hdr))
	}
}

// Clone deep-copies the header.
func (hdr *To) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := To(NameAddr(*hdr).Clone())
	return &hdr2
}

// Equal accepts a To value or pointer and compares by name-addr
// equality rules.
func (hdr *To) Equal(val any) bool {
	switch v := val.(type) {
	case To:
		return hdr.Equal(&v)
	case *To:
		if hdr == v {
			return true
		}
		if hdr == nil || v == nil {
			return false
		}
		return NameAddr(*hdr).Equal(NameAddr(*v))
	default:
		return false
	}
}

// IsValid reports whether the header is well formed.
func (hdr *To) IsValid() bool { return hdr != nil && NameAddr(*hdr).IsValid() }

func (hdr *To) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(NameAddr(*hdr).MarshalJSON())
}

func (hdr *To) UnmarshalJSON(data []byte) error {
	var na NameAddr
	if err := na.UnmarshalJSON(data); err != nil {
		*hdr = To{}
		return errtrace.Wrap(err)
	}
	*hdr = To(na)
	return nil
}

// Tag returns the tag parameter.
func (hdr *To) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}
