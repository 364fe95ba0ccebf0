package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/util"
)

// MaxForwards bounds the number of hops a request may take before it
// is rejected with 483 Too Many Hops.
type MaxForwards uint

// CanonicName returns "Max-Forwards".
func (MaxForwards) CanonicName() Name { return "Max-Forwards" }

// CompactName returns "Max-Forwards", the header has no compact form.
func (MaxForwards) CompactName() Name { return "Max-Forwards" }

// RenderTo writes the header in wire format.
func (hdr MaxForwards) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.CanonicName(), ": ", hdr.RenderValue()))
}

// Render returns the header in wire format.
func (hdr MaxForwards) Render(opts *RenderOptions) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr MaxForwards) RenderValue() string { return strconv.FormatUint(uint64(hdr), 10) }

// String returns the header value without the name prefix.
func (hdr MaxForwards) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr MaxForwards) Format(f fmt.State, verb rune) {
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
		type hideMethods MaxForwards
		type MaxForwards hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), MaxForwards(hdr))
	}
}

// Clone returns the header, the type is a plain value.
func (hdr MaxForwards) Clone() Header { return hdr }

// Equal accepts a MaxForwards value or pointer.
func (hdr MaxForwards) Equal(val any) bool {
	switch v := val.(type) {
	case MaxForwards:
		return hdr == v
	case *MaxForwards:
		return v != nil && hdr == *v
	default:
		return false
	}
}

// IsValid reports whether the header is well formed, always true for
// an unsigned count.
func (MaxForwards) IsValid() bool { return true }

func (hdr MaxForwards) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(uint(hdr)))
}

func (hdr *MaxForwards) UnmarshalJSON(data []byte) error {
	var n uint
	if err := json.Unmarshal(data, &n); err != nil {
		*hdr = 0
		return errtrace.Wrap(err)
	}
	*hdr = MaxForwards(n)
	return nil
}
