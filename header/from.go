package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// From carries the logical initiator of the request together with the
// dialog tag parameter.
type From NameAddr

// CanonicName returns "From".
func (*From) CanonicName() Name { return "From" }

// CompactName returns "f".
func (*From) CompactName() Name { return "f" }

func (hdr *From) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// RenderTo writes the header in wire format.
func (hdr *From) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr *From) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *From) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *From) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr *From) Format(f fmt.State, verb rune) {
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
		type hideMethods From
		type From hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*From)(hdr))
	}
}

// Clone deep-copies the header.
func (hdr *From) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := From(NameAddr(*hdr).Clone())
	return &hdr2
}

// Equal accepts a From value or pointer and compares by name-addr
// equality rules.
func (hdr *From) Equal(val any) bool {
	switch v := val.(type) {
	case From:
		return hdr.Equal(&v)
	case *From:
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
func (hdr *From) IsValid() bool { return hdr != nil && NameAddr(*hdr).IsValid() }

func (hdr *From) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(NameAddr(*hdr).MarshalJSON())
}

func (hdr *From) UnmarshalJSON(data []byte) error {
	var na NameAddr
	if err := na.UnmarshalJSON(data); err != nil {
		*hdr = From{}
		return errtrace.Wrap(err)
	}
	*hdr = From(na)
	return nil
}

// Tag returns the tag parameter.
func (hdr *From) Tag() (string, bool) {
	if hdr == nil {
		return "", false
	}
	return NameAddr(*hdr).Tag()
}
