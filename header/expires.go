package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// Expires caps how long the message or the state it creates stays
// valid. Rendered as whole seconds, sub-second precision is dropped.
type Expires struct {
	time.Duration
}

// CanonicName returns "Expires".
func (*Expires) CanonicName() Name { return "Expires" }

// CompactName returns "Expires", the header has no compact form.
func (*Expires) CompactName() Name { return "Expires" }

// RenderTo writes the header in wire format.
func (hdr *Expires) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr *Expires) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, int64(hdr.Seconds())))
}

// Render returns the header in wire format.
func (hdr *Expires) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr *Expires) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *Expires) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr *Expires) Format(f fmt.State, verb rune) {
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
		type hideMethods Expires
		type Expires hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Expires)(hdr))
	}
}

// Clone returns a copy of the header.
func (hdr *Expires) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	return &hdr2
}

// Equal accepts an Expires value or pointer, durations compare at
// whole-second granularity to match the wire form.
func (hdr *Expires) Equal(val any) bool {
	switch v := val.(type) {
	case Expires:
		return hdr != nil && int64(hdr.Seconds()) == int64(v.Seconds())
	case *Expires:
		if hdr == v {
			return true
		}
		return hdr != nil && v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header is present.
func (hdr *Expires) IsValid() bool { return hdr != nil }

func (hdr *Expires) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(int64(hdr.Seconds())))
}

func (hdr *Expires) UnmarshalJSON(data []byte) error {
	var sec int64
	if err := json.Unmarshal(data, &sec); err != nil {
		*hdr = Expires{}
		return errtrace.Wrap(err)
	}
	*hdr = Expires{time.Duration(sec) * time.Second}
	return nil
}
