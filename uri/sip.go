package uri

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/util"
)

// SIP is a sip or sips URI, the Secured flag picks the scheme.
type SIP struct {
	User    UserInfo
	Addr    Addr
	Params  Values
	Headers Values
	Secured bool
}

// ParseSIP parses a sip or sips URI from src (string or []byte).
func ParseSIP[T ~string | ~[]byte](src T) (*SIP, error) {
	s := string(src)
	u := &SIP{}
	switch {
	case len(s) >= 5 && util.EqFold(s[:5], "sips:"):
		u.Secured = true
		s = s[5:]
	case len(s) >= 4 && util.EqFold(s[:4], "sip:"):
		s = s[4:]
	default:
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, "%q: missing sip scheme", string(src)))
	}

	if rest, hdrs, ok := strings.Cut(s, "?"); ok {
		s = rest
		u.Headers = parseURIValues(hdrs, "&")
	}
	if ui, rest, ok := strings.Cut(s, "@"); ok {
		s = rest
		usrname, passwd, hasPasswd := strings.Cut(ui, ":")
		if hasPasswd {
			u.User = UserPassword(util.Unescape(usrname), util.Unescape(passwd))
		} else {
			u.User = User(util.Unescape(usrname))
		}
	}
	if hostport, params, ok := strings.Cut(s, ";"); ok {
		s = hostport
		u.Params = parseURIValues(params, ";")
	}

	addr, err := ParseAddr(s)
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, err))
	}
	u.Addr = addr
	return u, nil
}

// Clone deep-copies the URI, parameters and headers included.
func (u *SIP) Clone() URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Addr = u.Addr.Clone()
	u2.Params = u.Params.Clone()
	u2.Headers = u.Headers.Clone()
	return &u2
}

// Scheme returns the URI scheme.
func (u *SIP) Scheme() string {
	if u == nil {
		return ""
	}
	return u.scheme()
}

// RenderTo writes the URI in wire format. Parameters render in
// lexicographical order, headers after a question mark.
func (u *SIP) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if u == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("%s:", u.scheme())
	if !u.User.IsZero() {
		cw.Fprintf("%s@", u.User)
	}
	cw.Fprintf("%s", u.Addr)
	cw.Call(u.renderParams)
	cw.Call(u.renderHeaders)
	return errtrace.Wrap2(cw.Result())
}

func (u *SIP) scheme() string {
	if u.Secured {
		return "sips"
	}
	return "sip"
}

func (u *SIP) renderParams(w io.Writer) (num int, err error) {
	if len(u.Params) == 0 {
		return 0, nil
	}

	kvs := make([][]string, 0, len(u.Params))
	for k := range u.Params {
		v, _ := u.Params.Last(k)
		kvs = append(kvs, []string{util.LCase(k), v})
	}
	slices.SortFunc(kvs, util.CmpKVs)

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, kv := range kvs {
		cw.Fprintf(";%s", util.Escape(kv[0], shouldEscapeURIParamChar))
		if kv[1] != "" {
			cw.Fprintf("=%s", util.Escape(kv[1], shouldEscapeURIParamChar))
		}
	}
	return errtrace.Wrap2(cw.Result())
}

func (u *SIP) renderHeaders(w io.Writer) (num int, err error) {
	if len(u.Headers) == 0 {
		return 0, nil
	}

	kvs := make([][]string, 0, len(u.Headers))
	for k := range u.Headers {
		kvs = append(kvs, append([]string{util.LCase(k)}, u.Headers.Get(k)...))
	}
	slices.SortFunc(kvs, util.CmpKVs)

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("?")

	var i int
	for _, kv := range kvs {
		for _, v := range kv[1:] {
			if i > 0 {
				cw.Fprintf("&")
			}
			cw.Fprintf("%s=%s",
				util.Escape(kv[0], shouldEscapeURIHeaderChar),
				util.Escape(v, shouldEscapeURIHeaderChar),
			)
			i++
		}
	}
	return errtrace.Wrap2(cw.Result())
}

// Render returns the URI in wire format.
func (u *SIP) Render(opts *RenderOptions) string {
	if u == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	u.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the URI in wire format.
func (u *SIP) String() string {
	if u == nil {
		return ""
	}
	return u.Render(nil)
}

// Format implements [fmt.Formatter].
func (u *SIP) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		if f.Flag('+') {
			u.RenderTo(f, nil) //nolint:errcheck
		} else {
			fmt.Fprint(f, u.String())
		}
	case 'q':
		fmt.Fprint(f, strconv.Quote(u.String()))
	default:
		type hideMethods SIP
		type SIP hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*SIP)(u))
	}
}

// Equal accepts a SIP value or pointer and follows RFC 3261
// Section 19.1.4: scheme, userinfo and address must match, parameters
// and headers compare by the rules of compareParams and
// compareHeaders.
func (u *SIP) Equal(val any) bool {
	switch v := val.(type) {
	case SIP:
		return u.Equal(&v)
	case *SIP:
		if u == v {
			return true
		}
		if u == nil || v == nil {
			return false
		}
		return u.Secured == v.Secured &&
			u.User.Equal(v.User) &&
			u.Addr.Equal(v.Addr) &&
			u.compareParams(v.Params) &&
			u.compareHeaders(v.Headers)
	default:
		return false
	}
}

// compareParams follows RFC 3261 Section 19.1.4: a parameter present
// on both sides must match case-insensitively, a special parameter
// (transport, user, method, maddr, ttl, lr) present on one side only
// makes the URIs unequal, any other one-sided parameter is ignored.
func (u *SIP) compareParams(params Values) bool {
	switch {
	case len(u.Params) == 0 && len(params) == 0:
		return true
	case len(u.Params) == 0:
		return !hasSIPURISpecParam(params)
	case len(params) == 0:
		return !hasSIPURISpecParam(u.Params)
	}

	checked := map[string]bool{}
	for k := range u.Params {
		if params.Has(k) {
			v1, _ := u.Params.Last(k)
			v2, _ := params.Last(k)
			if !util.EqFold(v1, v2) {
				return false
			}
		} else if sipURISpecParams[util.LCase(k)] {
			return false
		}
		checked[util.LCase(k)] = true
	}
	// Special parameters only on the other side remain to be ruled out.
	for k := range sipURISpecParams {
		if checked[k] {
			continue
		}
		if params.Has(k) {
			return false
		}
	}
	return true
}

var sipURISpecParams = map[string]bool{
	"transport": true,
	"user":      true,
	"method":    true,
	"maddr":     true,
	"ttl":       true,
	"lr":        true,
}

func hasSIPURISpecParam(ps Values) bool {
	for k := range sipURISpecParams {
		if _, ok := ps[k]; ok {
			return true
		}
	}
	return false
}

// compareHeaders requires every URI header to be present on both
// sides. Values compare joined and lower-cased, a simplification that
// treats header values as opaque strings.
func (u *SIP) compareHeaders(hdrs Values) bool {
	if len(u.Headers) != len(hdrs) {
		return false
	}

	for k := range u.Headers {
		if !hdrs.Has(k) {
			return false
		}
		v1, v2 := util.LCase(strings.Join(u.Headers.Get(k), ", ")), util.LCase(strings.Join(hdrs.Get(k), ", "))
		if v1 != v2 {
			return false
		}
	}
	return true
}

// IsValid reports whether the URI is well formed, the address is
// required and the userinfo, when present, must be valid.
func (u *SIP) IsValid() bool {
	return u != nil && u.Addr.IsValid() && (u.User.IsZero() || u.User.IsValid())
}

// MarshalText implements [encoding.TextMarshaler].
func (u *SIP) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (u *SIP) UnmarshalText(text []byte) error {
	u1, err := ParseSIP(string(text))
	if err != nil {
		*u = SIP{}
		return errtrace.Wrap(err)
	}
	*u = *u1
	return nil
}

// Transport returns the transport parameter.
func (u *SIP) Transport() (TransportProto, bool) {
	tp, ok := u.Params.Last("transport")
	return TransportProto(tp), ok
}

// UserType returns the user parameter.
func (u *SIP) UserType() (string, bool) { return u.Params.Last("user") }

// Method returns the method parameter.
func (u *SIP) Method() (RequestMethod, bool) {
	mtd, ok := u.Params.Last("method")
	return RequestMethod(mtd), ok
}

// MAddr returns the maddr parameter.
func (u *SIP) MAddr() (string, bool) { return u.Params.Last("maddr") }

// TTL returns the ttl parameter, false when absent or not a number in
// the 0..255 range.
func (u *SIP) TTL() (uint8, bool) {
	val, ok := u.Params.Last("ttl")
	if !ok {
		return 0, false
	}
	tts, err := strconv.ParseUint(val, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(tts), true
}

// LR reports whether the lr parameter is present.
func (u *SIP) LR() bool { return u.Params.Has("lr") }

func parseURIValues(s, sep string) Values {
	if s == "" {
		return nil
	}
	vals := make(Values)
	for _, kv := range strings.Split(s, sep) {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		vals.Append(util.Unescape(k), util.Unescape(v))
	}
	return vals
}

// UserInfo is the userinfo part of a [SIP] URI. A set-but-empty
// password is distinguished from no password at all.
type UserInfo struct {
	usrname, passwd string
	hasPasswd       bool
}

// User returns a [UserInfo] with a username and no password.
func User(usrname string) UserInfo {
	return UserInfo{usrname: usrname}
}

// UserPassword returns a [UserInfo] with both a username and a
// password.
func UserPassword(usrname, passwd string) UserInfo {
	return UserInfo{usrname: usrname, passwd: passwd, hasPasswd: true}
}

// Username returns the username.
func (ui UserInfo) Username() string { return ui.usrname }

// Password returns the password and whether one is set.
func (ui UserInfo) Password() (string, bool) { return ui.passwd, ui.hasPasswd }

// String renders the userinfo in wire format with reserved characters
// escaped.
func (ui UserInfo) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	if ui.usrname != "" {
		sb.WriteString(util.Escape(ui.usrname, shouldEscapeUserChar))
	}
	if ui.hasPasswd {
		sb.WriteString(":")
		sb.WriteString(util.Escape(ui.passwd, shouldEscapePasswdChar))
	}
	return sb.String()
}

// Equal accepts a UserInfo value or pointer, the comparison is
// case-sensitive on all parts.
func (ui UserInfo) Equal(val any) bool {
	switch v := val.(type) {
	case UserInfo:
		return ui == v
	case *UserInfo:
		return v != nil && ui == *v
	default:
		return false
	}
}

// IsValid reports whether a username is present.
func (ui UserInfo) IsValid() bool { return ui.usrname != "" }

// IsZero reports whether the userinfo is entirely empty.
func (ui UserInfo) IsZero() bool { return ui == UserInfo{} }
