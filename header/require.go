package header

import (
	"fmt"
	"io"
	"slices"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// Option is an extension option tag, "100rel" for example.
type Option = string

// Require lists the option tags the recipient must support to process
// the request, a miss earns a 420 Bad Extension.
type Require []Option

// CanonicName returns "Require".
func (Require) CanonicName() Name { return "Require" }

// CompactName returns "Require", the header has no compact form.
func (Require) CompactName() Name { return "Require" }

// RenderTo writes the header in wire format.
func (hdr Require) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr Require) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the header in wire format.
func (hdr Require) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr Require) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr Require) String() string { return hdr.RenderValue() }

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Require) Format(f fmt.State, verb rune) {
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
		type hideMethods Require
		type Require hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Require(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Require) Clone() Header { return slices.Clone(hdr) }

// Equal accepts a Require value or pointer, option tags must match
// pairwise in order, case-insensitively.
func (hdr Require) Equal(val any) bool {
	switch v := val.(type) {
	case Require:
		return slices.EqualFunc(hdr, v, util.EqFold)
	case *Require:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header has at least one option tag and
// all of them are valid tokens.
func (hdr Require) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(opt Option) bool { return !util.IsToken(opt) })
}

// Has reports whether the header contains the given option tag.
func (hdr Require) Has(opt Option) bool {
	return slices.ContainsFunc(hdr, func(o Option) bool { return util.EqFold(o, opt) })
}

func (hdr Require) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(hdr))
}

func (hdr *Require) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]Option)(hdr)))
}
