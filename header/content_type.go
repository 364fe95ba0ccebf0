package header

import (
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// ContentType names the media type of the message body.
type ContentType MIMEType

// CanonicName returns "Content-Type".
func (*ContentType) CanonicName() Name { return "Content-Type" }

// CompactName returns "c".
func (*ContentType) CompactName() Name { return "c" }

// RenderTo writes the header in wire format.
func (hdr *ContentType) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

func (hdr *ContentType) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// Render returns the header in wire format.
func (hdr *ContentType) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *ContentType) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *ContentType) RenderValue() string {
	if hdr == nil {
		return ""
	}
	return MIMEType(*hdr).String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr *ContentType) Format(f fmt.State, verb rune) {
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
		type hideMethods ContentType
		type ContentType hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*ContentType)(hdr))
	}
}

// Clone deep-copies the header.
func (hdr *ContentType) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := ContentType(MIMEType(*hdr).Clone())
	return &hdr2
}

// Equal accepts a ContentType value or pointer, the comparison rules
// are those of [MIMEType].
func (hdr *ContentType) Equal(val any) bool {
	switch v := val.(type) {
	case ContentType:
		return hdr != nil && MIMEType(*hdr).Equal(MIMEType(v))
	case *ContentType:
		if hdr == v {
			return true
		}
		return hdr != nil && v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the media type is well formed.
func (hdr *ContentType) IsValid() bool { return hdr != nil && MIMEType(*hdr).IsValid() }

func (hdr *ContentType) MarshalJSON() ([]byte, error) {
	text, err := MIMEType(*hdr).MarshalText()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return errtrace.Wrap2(marshalJSONString(string(text)))
}

func (hdr *ContentType) UnmarshalJSON(data []byte) error {
	s, err := unmarshalJSONString(data)
	if err != nil {
		*hdr = ContentType{}
		return errtrace.Wrap(err)
	}

	var mt MIMEType
	if err := mt.UnmarshalText([]byte(s)); err != nil {
		*hdr = ContentType{}
		return errtrace.Wrap(err)
	}
	*hdr = ContentType(mt)
	return nil
}
