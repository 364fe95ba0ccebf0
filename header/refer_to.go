package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// ReferTo represents the Refer-To header field (RFC 3515).
// The Refer-To header field carries the target URI the recipient of a
// REFER request is asked to contact.
type ReferTo NameAddr

// CanonicName returns the canonical name of the header.
func (*ReferTo) CanonicName() Name { return "Refer-To" }

// CompactName returns the compact name of the header.
func (*ReferTo) CompactName() Name { return "r" }

// RenderTo writes the header to the provided writer.
func (hdr *ReferTo) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

func (hdr *ReferTo) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// Render returns the string representation of the header.
func (hdr *ReferTo) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the string representation of the header value.
func (hdr *ReferTo) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *ReferTo) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return NameAddr(*hdr).String()
}

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *ReferTo) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			hdr.RenderTo(f, nil) //nolint:errcheck
			return
		}
		fmt.Fprint(f, hdr.String())
		return
	case 'q':
		if f.Flag('+') {
			fmt.Fprint(f, strconv.Quote(hdr.Render(nil)))
			return
		}
		fmt.Fprint(f, strconv.Quote(hdr.String()))
		return
	default:
		type hideMethods ReferTo
		type ReferTo hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*ReferTo)(hdr))
		return
	}
}

// Clone returns a copy of the header.
func (hdr *ReferTo) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := ReferTo(NameAddr(*hdr).Clone())
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *ReferTo) Equal(val any) bool {
	var other *ReferTo
	switch v := val.(type) {
	case ReferTo:
		other = &v
	case *ReferTo:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}

	return NameAddr(*hdr).Equal(NameAddr(*other))
}

// IsValid checks whether the header is syntactically valid.
func (hdr *ReferTo) IsValid() bool { return hdr != nil && NameAddr(*hdr).IsValid() }

func (hdr *ReferTo) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(NameAddr(*hdr).MarshalJSON())
}

func (hdr *ReferTo) UnmarshalJSON(data []byte) error {
	var na NameAddr
	if err := na.UnmarshalJSON(data); err != nil {
		*hdr = ReferTo{}
		return errtrace.Wrap(err)
	}
	*hdr = ReferTo(na)
	return nil
}
