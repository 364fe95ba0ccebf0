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

// RetryAfter represents the Retry-After header field.
// The Retry-After header field indicates how long the service is expected
// to be unavailable.
type RetryAfter struct {
	Delay   time.Duration
	Comment string
	Params  Values
}

// CanonicName returns the canonical name of the header.
func (*RetryAfter) CanonicName() Name { return "Retry-After" }

// CompactName returns the compact name of the header (Retry-After has no compact form).
func (*RetryAfter) CompactName() Name { return "Retry-After" }

// RenderTo writes the header to the provided writer.
func (hdr *RetryAfter) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if hdr == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s: ", hdr.CanonicName())
	cw.Call(hdr.renderValueTo)
	return errtrace.Wrap2(cw.Result())
}

func (hdr *RetryAfter) renderValueTo(w io.Writer) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)

	cw.Fprintf("%d", int64(hdr.Delay.Seconds()))

	if hdr.Comment != "" {
		cw.Fprintf(" (%s)", hdr.Comment)
	}

	cw.Call(func(w io.Writer) (int, error) {
		return errtrace.Wrap2(renderHdrParams(w, hdr.Params, false))
	})

	return errtrace.Wrap2(cw.Result())
}

// Render returns the string representation of the header.
func (hdr *RetryAfter) Render(opts *RenderOptions) string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// RenderValue returns the header value without the name prefix.
func (hdr *RetryAfter) RenderValue() string {
	if hdr == nil {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	hdr.renderValueTo(sb) //nolint:errcheck
	return sb.String()
}

// String returns the string representation of the header value.
func (hdr *RetryAfter) String() string { return hdr.RenderValue() }

// Format implements fmt.Formatter for custom formatting of the header.
func (hdr *RetryAfter) Format(f fmt.State, verb rune) {
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
		type hideMethods RetryAfter
		type RetryAfter hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*RetryAfter)(hdr))
		return
	}
}

// Clone returns a copy of the header.
func (hdr *RetryAfter) Clone() Header {
	if hdr == nil {
		return nil
	}
	hdr2 := *hdr
	hdr2.Params = hdr.Params.Clone()
	return &hdr2
}

// Equal compares this header with another for equality.
func (hdr *RetryAfter) Equal(val any) bool {
	var other *RetryAfter
	switch v := val.(type) {
	case RetryAfter:
		other = &v
	case *RetryAfter:
		other = v
	default:
		return false
	}

	if hdr == other {
		return true
	} else if hdr == nil || other == nil {
		return false
	}

	return int64(hdr.Delay.Seconds()) == int64(other.Delay.Seconds()) &&
		hdr.Comment == other.Comment &&
		compareHdrParams(hdr.Params, other.Params, map[string]bool{"duration": true})
}

// IsValid checks whether the header is syntactically valid.
func (hdr *RetryAfter) IsValid() bool {
	return hdr != nil && hdr.Delay >= 0 && validateHdrParams(hdr.Params)
}

// Duration returns the value of the "duration" parameter.
func (hdr *RetryAfter) Duration() (time.Duration, bool) {
	v, ok := hdr.Params.Last("duration")
	if !ok {
		return 0, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

type retryAfterData struct {
	DelaySec int64  `json:"delay_sec"`
	Comment  string `json:"comment,omitempty"`
	Params   Values `json:"params,omitempty"`
}

func (hdr *RetryAfter) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(retryAfterData{
		DelaySec: int64(hdr.Delay.Seconds()),
		Comment:  hdr.Comment,
		Params:   hdr.Params,
	}))
}

func (hdr *RetryAfter) UnmarshalJSON(data []byte) error {
	var rd retryAfterData
	if err := json.Unmarshal(data, &rd); err != nil {
		*hdr = RetryAfter{}
		return errtrace.Wrap(err)
	}
	*hdr = RetryAfter{
		Delay:   time.Duration(rd.DelaySec) * time.Second,
		Comment: rd.Comment,
		Params:  rd.Params,
	}
	return nil
}
