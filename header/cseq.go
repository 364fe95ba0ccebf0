package header

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// CSeq orders requests within a dialog, a sequence number paired with
// the request method.
type CSeq struct {
	SeqNum uint
	Method RequestMethod
}

// CanonicName returns "CSeq".
func (*CSeq) CanonicName() Name { return "CSeq" }

// CompactName returns "CSeq", the header has no compact form.
func (*CSeq) CompactName() Name { return "CSeq" }

// RenderTo writes the header in wire format.
func (hdr *CSeq) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr *CSeq) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.SeqNum, " ", hdr.Method))
}

// Render returns the header in wire format.
func (hdr *CSeq) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the header value without the name prefix.
func (hdr *CSeq) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *CSeq) RenderValue() string {
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
func (hdr *CSeq) Format(f fmt.State, verb rune) {
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
		type hideMethods CSeq
		type CSeq hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*CSeq)(hdr))
	}
}

// Clone returns a copy of the header.
func (hdr *CSeq) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	return &hdr2
}

// Equal accepts a CSeq value or pointer, both the sequence number and
// the method must match.
func (hdr *CSeq) Equal(val any) bool {
	switch v := val.(type) {
	case CSeq:
		return hdr != nil && hdr.SeqNum == v.SeqNum && hdr.Method.Equal(v.Method)
	case *CSeq:
		if hdr == v {
			return true
		}
		return hdr != nil && v != nil && hdr.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the header is well formed, the sequence
// number must be positive and the method known.
func (hdr *CSeq) IsValid() bool { return hdr != nil && hdr.SeqNum > 0 && hdr.Method.IsValid() }

type cseqData struct {
	SeqNum uint          `json:"seq_num"`
	Method RequestMethod `json:"method"`
}

func (hdr *CSeq) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(cseqData(*hdr)))
}

func (hdr *CSeq) UnmarshalJSON(data []byte) error {
	var cd cseqData
	if err := json.Unmarshal(data, &cd); err != nil {
		*hdr = CSeq{}
		return errtrace.Wrap(err)
	}
	*hdr = CSeq(cd)
	return nil
}
