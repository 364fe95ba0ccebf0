package uri

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/util"
)

// Any holds a URI of any scheme this package has no dedicated type
// for, backed by [net/url.URL].
type Any struct {
	url.URL
}

// ParseAny parses an arbitrary URI from src (string or []byte).
func ParseAny[T ~string | ~[]byte](src T) (*Any, error) {
	if len(src) == 0 {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, "empty input"))
	}

	u, err := url.Parse(string(src))
	if err != nil {
		return nil, errtrace.Wrap(errorutil.NewWrapperError(ErrMalformedURI, err))
	}
	return &Any{URL: *u}, nil
}

// Scheme returns the URI scheme.
func (u *Any) Scheme() string {
	if u == nil {
		return ""
	}
	return u.URL.Scheme
}

// Clone deep-copies the URI, including the userinfo.
func (u *Any) Clone() URI {
	if u == nil {
		return nil
	}
	u2 := *u
	if u.User != nil {
		if pwd, ok := u.User.Password(); ok {
			u2.User = url.UserPassword(u.User.Username(), pwd)
		} else {
			u2.User = url.User(u.User.Username())
		}
	}
	return &u2
}

// RenderTo writes the URI in wire format.
func (u *Any) RenderTo(w io.Writer, _ *RenderOptions) (num int, err error) {
	if u == nil {
		return 0, nil
	}
	return errtrace.Wrap2(fmt.Fprint(w, u.URL.String()))
}

// Render returns the URI in wire format.
func (u *Any) Render(opts *RenderOptions) string {
	if u == nil {
		return ""
	}
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)
	u.RenderTo(sb, opts) //nolint:errcheck
	return sb.String()
}

// String returns the URI in wire format.
func (u *Any) String() string {
	if u == nil {
		return ""
	}
	return u.Render(nil)
}

// Format implements [fmt.Formatter].
func (u *Any) Format(f fmt.State, verb rune) {
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
		type hideMethods Any
		type Any hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), (*Any)(u))
	}
}

// Equal accepts an Any value or pointer. URIs compare equal when their
// rendered forms match case-insensitively.
func (u *Any) Equal(val any) bool {
	switch v := val.(type) {
	case Any:
		return u.Equal(&v)
	case *Any:
		if u == v {
			return true
		}
		if u == nil || v == nil {
			return false
		}
		return util.EqFold(u.Render(nil), v.Render(nil))
	default:
		return false
	}
}

// IsValid reports whether the URI carries any addressable part.
func (u *Any) IsValid() bool {
	return u != nil &&
		(util.TrimSP(u.Opaque) != "" ||
			util.TrimSP(u.Host) != "" ||
			util.TrimSP(u.Path) != "" ||
			util.TrimSP(u.RawPath) != "")
}

// MarshalText implements [encoding.TextMarshaler].
func (u *Any) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (u *Any) UnmarshalText(text []byte) error {
	u1, err := ParseAny(string(text))
	if err != nil {
		*u = Any{}
		return errtrace.Wrap(err)
	}
	*u = *u1
	return nil
}
