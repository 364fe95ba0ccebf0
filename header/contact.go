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

// ContactAddr is one entry of the Contact header.
type ContactAddr = NameAddr

// Contact lists reachable URIs of the sender. In a request it names
// where subsequent in-dialog requests should go, in a redirect
// response it names the alternative targets.
type Contact []ContactAddr

// CanonicName returns "Contact".
func (Contact) CanonicName() Name { return "Contact" }

// CompactName returns "m".
func (Contact) CompactName() Name { return "m" }

func (hdr Contact) name(opts *RenderOptions) Name {
	if opts != nil && opts.Compact {
		return hdr.CompactName()
	}
	return hdr.CanonicName()
}

// RenderTo writes the header in wire format.
func (hdr Contact) RenderTo(w io.Writer, opts *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.name(opts))
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr Contact) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(renderHdrEntries(w, hdr))
}

// Render returns the header in wire format.
func (hdr Contact) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr Contact) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr Contact) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// Format implements [fmt.Formatter]. The plus flag on %s and %q
// renders the whole header instead of just the value.
func (hdr Contact) Format(f fmt.State, verb rune) {
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
		type hideMethods Contact
		type Contact hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), Contact(hdr))
	}
}

// Clone deep-copies the header.
func (hdr Contact) Clone() Header { return cloneHdrEntries(hdr) }

// Equal accepts a Contact value or pointer, entries must match
// pairwise in order.
func (hdr Contact) Equal(val any) bool {
	switch v := val.(type) {
	case Contact:
		return slices.EqualFunc(hdr, v, func(a1, a2 ContactAddr) bool { return a1.Equal(a2) })
	case *Contact:
		return v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header has at least one entry and all
// entries are well formed.
func (hdr Contact) IsValid() bool {
	return len(hdr) > 0 && !slices.ContainsFunc(hdr, func(a ContactAddr) bool { return !a.IsValid() })
}

func (hdr Contact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(marshalHdrEntries(hdr))
}

func (hdr *Contact) UnmarshalJSON(data []byte) error {
	return errtrace.Wrap(unmarshalHdrEntries(data, (*[]ContactAddr)(hdr)))
}
