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

// RAck represents the RAck header field (RFC 3262).
// The RAck header field is sent in a PRACK request to acknowledge the
// reliable provisional response it answers.
type RAck struct {
	RSeqNum uint
	CSeqNum uint
	Method  RequestMethod
}

// CanonicName returns the canonical name of the header.
func (*RAck) CanonicName() Name { return "RAck" }

// CompactName returns the compact name of the header (RAck has no compact form).
func (*RAck) CompactName() Name { return "RAck" }

// RenderTo writes the header to the provided writer.
func (hdr *RAck) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr *RAck) renderValueTo(w io.Writer) (num int, err error) {
	return errtrace.Wrap2(fmt.Fprint(w, hdr.RSeqNum, " ", hdr.CSeqNum, " ", hdr.Method))
}

// Render returns the string representation of the header.
func (hdr *RAck) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the string representation of the header value.
func (hdr *RAck) String() string { return hdr.RenderValue() }

// RenderValue returns the header value without the name prefix.
func (hdr *RAck) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *RAck) Format(f fmt.State, verb rune) {
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
		type hideMethods RAck
		type RAck hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*RAck)(hdr))
		return
	}
}

// Clone returns a copy of the header.
func (hdr *RAck) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *RAck) Equal(val any) bool {
	var other *RAck
	switch v := val.(type) {
	case RAck:
		other = &v
	case *RAck:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}

	return hdr.RSeqNum == other.RSeqNum &&
		hdr.CSeqNum == other.CSeqNum &&
		hdr.Method.Equal(other.Method)
}

// IsValid checks whether the header is syntactically valid.
func (hdr *RAck) IsValid() bool {
	return hdr != nil && hdr.RSeqNum > 0 && hdr.CSeqNum > 0 && hdr.Method.IsValid()
}

type rackData struct {
	RSeqNum uint          `json:"rseq_num"`
	CSeqNum uint          `json:"cseq_num"`
	Method  RequestMethod `json:"method"`
}

func (hdr *RAck) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(rackData(*hdr)))
}

func (hdr *RAck) UnmarshalJSON(data []byte) error {
	var rd rackData
	if err := json.Unmarshal(data, &rd); err != nil {
		*hdr = RAck{}
		return errtrace.Wrap(err)
	}
	*hdr = RAck(rd)
	return nil
}
