package header

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
	"github.com/onsip/sipcore/uri"
)

// NameAddr represents a single element in From, To, Contact, Route headers.
// It contains a display name, URI, and parameters.
type NameAddr struct {
	DisplayName string
	URI         uri.URI
	Params      Values
}

// String returns the string representation of the NameAddr.
func (addr NameAddr) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if addr.DisplayName != "" {
		fmt.Fprint(sb, util.Quote(addr.DisplayName), " ")
	}

	fmt.Fprint(sb, "<")
	if addr.URI != nil {
		addr.URI.RenderTo(sb, nil) //nolint:errcheck
	}
	fmt.Fprint(sb, ">")

	renderHdrParams(sb, addr.Params, false) //nolint:errcheck

	return sb.String()
}

// Format implements fmt.Formatter for custom formatting of the NameAddr.
func (addr NameAddr) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, addr.String())
		return
	case 'q':
		fmt.Fprint(f, strconv.Quote(addr.String()))
		return
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, addr.String())
			return
		}

		type hideMethods NameAddr
		type NameAddr hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), NameAddr(addr))
		return
	}
}

// Equal compares this NameAddr with another for equality.
func (addr NameAddr) Equal(val any) bool {
	var other NameAddr
	switch v := val.(type) {
	case NameAddr:
		other = v
	case *NameAddr:
		if v == nil {
			return false
		}
		other = *v
	default:
		return false
	}

	return types.IsEqual(addr.URI, other.URI) &&
		compareHdrParams(addr.Params, other.Params, map[string]bool{
			"q":       true,
			"tag":     true,
			"expires": true,
		})
}

// IsValid checks whether the NameAddr is syntactically valid.
func (addr NameAddr) IsValid() bool {
	return types.IsValid(addr.URI) && validateHdrParams(addr.Params)
}

// IsZero checks whether the NameAddr is empty.
func (addr NameAddr) IsZero() bool {
	return addr.DisplayName == "" && addr.URI == nil && len(addr.Params) == 0
}

// Clone returns a copy of the NameAddr.
func (addr NameAddr) Clone() NameAddr {
	addr.URI = types.Clone[uri.URI](addr.URI)
	addr.Params = addr.Params.Clone()
	return addr
}

func (addr NameAddr) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

func (addr *NameAddr) UnmarshalText(data []byte) error {
	na, err := ParseNameAddr(string(data))
	if err != nil {
		*addr = NameAddr{}
		return errtrace.Wrap(err)
	}
	*addr = na
	return nil
}

type nameAddrData struct {
	DisplayName string `json:"display_name,omitempty"`
	URI         string `json:"uri,omitempty"`
	Params      Values `json:"params,omitempty"`
}

func (addr NameAddr) MarshalJSON() ([]byte, error) {
	var u string
	if addr.URI != nil {
		u = addr.URI.Render(nil)
	}
	return errtrace.Wrap2(json.Marshal(nameAddrData{
		DisplayName: addr.DisplayName,
		URI:         u,
		Params:      addr.Params,
	}))
}

func (addr *NameAddr) UnmarshalJSON(data []byte) error {
	var nad nameAddrData
	if err := json.Unmarshal(data, &nad); err != nil {
		*addr = NameAddr{}
		return errtrace.Wrap(err)
	}

	*addr = NameAddr{
		DisplayName: nad.DisplayName,
		Params:      nad.Params,
	}
	if nad.URI != "" {
		u, err := uri.Parse(nad.URI)
		if err != nil {
			*addr = NameAddr{}
			return errtrace.Wrap(err)
		}
		addr.URI = u
	}
	return nil
}

func (addr NameAddr) Tag() (string, bool) {
	return addr.Params.Last("tag")
}

func (addr NameAddr) Expires() (time.Duration, bool) {
	v, ok := addr.Params.Last("expires")
	if !ok {
		return 0, false
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(sec) * time.Second, true
}

// ErrMalformedNameAddr is returned by [ParseNameAddr] on input that is not
// a name-addr or addr-spec form.
const ErrMalformedNameAddr errorutil.Error = "malformed name-addr"

// ParseNameAddr parses a name-addr or addr-spec form,
// e.g. `"Alice" <sip:alice@voip.com>;tag=qwerty`.
func ParseNameAddr(s string) (NameAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NameAddr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedNameAddr, "empty input"))
	}

	var addr NameAddr
	if s[0] == '"' {
		end := quotedStringEnd(s)
		if end < 0 {
			return NameAddr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedNameAddr, "%q: unterminated display name", s))
		}
		addr.DisplayName = util.Unquote(s[:end+1])
		s = strings.TrimSpace(s[end+1:])
	} else if i := strings.IndexByte(s, '<'); i > 0 {
		addr.DisplayName = strings.TrimSpace(s[:i])
		s = s[i:]
	}

	var rawURI, rawParams string
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return NameAddr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedNameAddr, "%q: missing closing bracket", s))
		}
		rawURI = s[1:end]
		rawParams = strings.TrimPrefix(strings.TrimSpace(s[end+1:]), ";")
	} else {
		// addr-spec form, everything after the first ";" belongs to the header
		rawURI, rawParams, _ = strings.Cut(s, ";")
	}

	u, err := uri.Parse(rawURI)
	if err != nil {
		return NameAddr{}, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedNameAddr, err))
	}
	addr.URI = u

	if rawParams != "" {
		addr.Params = make(Values)
		for _, kv := range strings.Split(rawParams, ";") {
			if kv = strings.TrimSpace(kv); kv == "" {
				continue
			}
			k, v, _ := strings.Cut(kv, "=")
			addr.Params.Append(k, v)
		}
	}
	return addr, nil
}

// quotedStringEnd returns the index of the closing quote of the quoted
// string opening at s[0], or -1.
func quotedStringEnd(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}
