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

// Tel is a telephone-number URI per RFC 3966.
type Tel struct {
	// Number holds the telephone-subscriber part. Required.
	Number string
	// Params holds the URI parameters. A local number must carry at
	// least a "phone-context" parameter, a global number may omit
	// them entirely.
	Params Values
}

// ParseTel parses a tel URI from src (string or []byte).
func ParseTel[T ~string | ~[]byte](src T) (*Tel, error) {
	s := string(src)
	if len(s) < 4 || !util.EqFold(s[:4], "tel:") {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, "%q: missing tel scheme", string(src)))
	}
	s = s[4:]

	u := &Tel{}
	if num, params, ok := strings.Cut(s, ";"); ok {
		s = num
		u.Params = parseURIValues(params, ";")
	}
	u.Number = util.Unescape(s)
	if !isTelNum(u.Number) {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, "%q: invalid telephone number", string(src)))
	}
	return u, nil
}

// IsGlob reports whether the number is global, that is starts with a
// plus sign (RFC 3966 Section 5.1.4).
func (u *Tel) IsGlob() bool { return u != nil && strings.HasPrefix(u.number(), "+") }

// Clone deep-copies the URI, parameters included.
func (u *Tel) Clone() URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	return &u2
}

// RenderTo writes the URI in wire format. Parameters are ordered per
// RFC 3966 Section 3: isub and ext first, then phone-context, then the
// rest lexicographically.
func (u *Tel) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if u == nil {
		return 0, nil
	}

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	cw.Fprintf("tel:%s", u.number())

	if len(u.Params) > 0 {
		kvs := make([][]string, 0, len(u.Params))
		for k := range u.Params {
			v, _ := u.Params.Last(k)
			kvs = append(kvs, []string{util.LCase(k), v})
		}

		slices.SortFunc(kvs, func(a, b []string) int {
			if r1, r2 := telParamRank(a[0]), telParamRank(b[0]); r1 != r2 {
				return r1 - r2
			}
			return util.CmpKVs(a, b)
		})

		for _, kv := range kvs {
			cw.Fprintf(";%s", kv[0])
			if kv[1] != "" {
				cw.Fprintf("=%s", util.Escape(kv[1], shouldEscapeURIParamChar))
			}
		}
	}

	return errtrace.Wrap2(cw.Result())
}

func telParamRank(name string) int {
	switch name {
	case "isub", "ext":
		return 0
	case "phone-context":
		return 1
	default:
		return 2
	}
}

func (u *Tel) number() string { return strings.ReplaceAll(u.Number, " ", "") }

// Render returns the URI in wire format.
func (u *Tel) Render(opts *RenderOptions) string {
	if u == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	u.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the URI in wire format.
func (u *Tel) String() string {
	if u == nil {
		return ""
	}
	return u.Render(nil)
}

// Format implements [fmt.Formatter].
func (u *Tel) Format(f fmt.State, verb rune) {
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
		type hideMethods Tel
		type Tel hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Tel)(u))
	}
}

// Equal accepts a Tel value or pointer and follows RFC 3966 Section 4.
// Numbers compare case-insensitively with visual separators stripped,
// so both sides must be global or both local.
func (u *Tel) Equal(val any) bool {
	switch v := val.(type) {
	case Tel:
		return u.Equal(&v)
	case *Tel:
		if u == v {
			return true
		}
		if u == nil || v == nil {
			return false
		}
		return util.EqFold(cleanTelNum(u.number()), cleanTelNum(v.number())) &&
			u.compareParams(v.Params)
	default:
		return false
	}
}

// compareParams matches parameter sets by name regardless of order, a
// name present on one side only makes the URIs unequal. Values compare
// case-insensitively, ext and numeric phone-context values with visual
// separators stripped (RFC 3966 Section 4).
func (u *Tel) compareParams(params Values) bool {
	if len(u.Params) != len(params) {
		return false
	}

	for k := range u.Params {
		if !params.Has(k) {
			return false
		}

		v1, _ := u.Params.Last(k)
		v2, _ := params.Last(k)
		switch util.LCase(k) {
		case "ext", "phone-context":
			if isTelNum(v1) {
				v1 = cleanTelNum(v1)
			}
			if isTelNum(v2) {
				v2 = cleanTelNum(v2)
			}
		}
		if !util.EqFold(v1, v2) {
			return false
		}
	}
	return true
}

// IsValid reports whether the URI is well formed. A local number must
// carry a non-empty phone-context parameter.
func (u *Tel) IsValid() bool {
	if u == nil {
		return false
	}
	if u.number() == "" {
		return false
	}
	if !u.IsGlob() {
		if ctx, ok := u.Params.Last("phone-context"); !ok || cleanTelNum(ctx) == "" {
			return false
		}
	}
	for k := range u.Params {
		if !isTelParamName(k) {
			return false
		}
	}
	return true
}

// ToSIP converts the URI to a SIP URI per RFC 3966 Section 5.1.7. A
// domain-shaped phone-context becomes the SIP host part, everything
// else lands in the user part with the user=phone parameter set.
func (u *Tel) ToSIP() *SIP {
	if u == nil {
		return nil
	}

	u2, _ := u.Clone().(*Tel)
	u2.Number = cleanTelNum(u2.Number)

	var host string
	if !u2.IsGlob() {
		if ctx, _ := u2.Params.Last("phone-context"); util.IsHost(ctx) {
			host = ctx
			u2.Params.Del("phone-context")
		} else if ctx != "" {
			u2.Params.Set("phone-context", cleanTelNum(ctx))
		}
	}
	if ext, _ := u2.Params.Last("ext"); ext != "" {
		u2.Params.Set("ext", cleanTelNum(ext))
	}
	// Lower case throughout, tel URIs may land in case-sensitive
	// comparison contexts (RFC 3966 Section 4).
	return &SIP{
		User:   User(util.LCase(u2.Render(nil)[4:])),
		Addr:   Host(host),
		Params: make(Values).Set("user", "phone"),
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (u *Tel) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (u *Tel) UnmarshalText(text []byte) error {
	u1, err := ParseTel(string(text))
	if err != nil {
		*u = Tel{}
		return errtrace.Wrap(err)
	}
	*u = *u1
	return nil
}

// PhoneContext returns the phone-context parameter.
func (u *Tel) PhoneContext() (string, bool) { return u.Params.Last("phone-context") }

// Extension returns the ext parameter.
func (u *Tel) Extension() (string, bool) { return u.Params.Last("ext") }

// ISDNSubAddr returns the isub parameter.
func (u *Tel) ISDNSubAddr() (string, bool) { return u.Params.Last("isub") }

