package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// ContentLength is the size of the message body in bytes.
type ContentLength uint

// CanonicName returns "Content-Length".
func (ContentLength) CanonicName() Name { return "Content-Length" }

// CompactName returns "l".
func (ContentLength) CompactName() Name { return "l" }

func (hdr ContentLength) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// RenderTo writes the header in wire format.
func (hdr ContentLength) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.name(opts), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr ContentLength) Render(opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr ContentLength) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

// String returns the header value without the name prefix.
func (hdr ContentLength) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr ContentLength) Format(f fmt.State, verb rune) {
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
		type hideMethods ContentLength
		type ContentLength hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ContentLength(hdr))
	}
}

// Clone returns the header, the type is a plain value.
func (hdr ContentLength) Clone() Header { return hdr }

// Equal accepts a ContentLength value or pointer.
func (hdr ContentLength) Equal(val any) bool {
	switch v := val.(type) {
	case ContentLength:
		return hdr == v
	case *ContentLength:
		return v != nil && hdr == *v
	default:
		return false
	}
}

// IsValid reports whether the header is well formed, always true for
// an unsigned count.
func (ContentLength) IsValid() bool { return true }

func (hdr ContentLength) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(uint(hdr)))
}

func (hdr *ContentLength) UnmarshalJSON(data []byte) error {
	var n uint
	if err := json.Unmarshal(data, &n); err != nil {
		*hdr = 0
		return errtrace.Wrap(err)
	}
	*hdr = ContentLength(n)
	return nil
}
