package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// RSeq represents the RSeq header field (RFC 3262).
// The RSeq header field carries the sequence number of a reliable
// provisional response.
type RSeq uint

// CanonicName returns the canonical name of the header.
func (RSeq) CanonicName() Name { return "RSeq" }

// CompactName returns the compact name of the header (RSeq has no compact form).
func (RSeq) CompactName() Name { return "RSeq" }

// RenderTo writes the header to the provided writer.
func (hdr RSeq) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the string representation of the header.
func (hdr RSeq) Render(opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr RSeq) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

// String returns the string representation of the header value.
func (hdr RSeq) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr RSeq) Format(f fmt.State, verb rune) {
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
		type hideMethods RSeq
		type RSeq hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), RSeq(hdr))
		return
	}
}

// Clone returns a copy of the header.
func (hdr RSeq) Clone() Header { return hdr }

// Equal compares this header with another for equality.
func (hdr RSeq) Equal(val any) bool {
	var other RSeq
	switch v := val.(type) {
	case RSeq:
		other = v
	case *RSeq:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}
	return hdr == other
}

// IsValid checks whether the header is syntactically valid.
func (hdr RSeq) IsValid() bool { return hdr > 0 }

func (hdr RSeq) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(uint(hdr)))
}

func (hdr *RSeq) UnmarshalJSON(data []byte) error {
	var n uint
	if err := json.Unmarshal(data, &n); err != nil {
		*hdr = 0
		return errtrace.Wrap(err)
	}
	*hdr = RSeq(n)
	return nil
}
