// Package header implements SIP header field value types.
//
// Every header satisfies the [Header] interface and knows how to render
// itself into wire form, compare itself against another value and encode
// itself into a structural JSON form for snapshots.
package header

//go:generate go tool errtrace -w .

import (
	"encoding/json"
	"io"
	"net/textproto"
	"slices"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
)

// Addr is a host with an optional port.
type Addr = types.Addr

// Host creates an Addr without a port.
func Host(host string) Addr { return types.Host(host) }

// HostPort creates an Addr with an explicit port.
func HostPort(host string, port uint16) Addr { return types.HostPort(host, port) }

// ParseAddr parses a host, optionally followed by a colon and port,
// from s (string or []byte).
func ParseAddr[T ~string | ~[]byte](s T) (Addr, error) { return errtrace.Wrap2(types.ParseAddr(s)) }

// Values holds header parameters as a multimap.
type Values = types.Values

// ProtoInfo is a protocol name and version pair, "SIP/2.0" in this
// stack.
type ProtoInfo = types.ProtoInfo

// TransportProto names a SIP transport such as UDP, TCP, TLS or WS.
type TransportProto = types.TransportProto

// RequestMethod is a SIP request method such as INVITE, ACK or BYE.
type RequestMethod = types.RequestMethod

// RenderOptions tunes wire-format rendering.
type RenderOptions = types.RenderOptions

// Header is the common interface of all header field types in this
// package.
type Header interface {
	types.Renderer
	types.Cloneable[Header]
	types.ValidFlag
	types.Equalable
	CanonicName() Name
	CompactName() Name
	RenderValue() string
}

// Name is a header field name.
type Name string

// ToCanonic converts the name to canonical form.
func (n Name) ToCanonic() Name { return CanonicName(n) }

// IsValid reports whether the name is a valid token.
func (n Name) IsValid() bool { return util.IsToken(n) }

// Equal accepts a Name value or pointer, names compare in canonical
// form.
func (n Name) Equal(val any) bool {
	switch v := val.(type) {
	case Name:
		return CanonicName(n) == CanonicName(v)
	case *Name:
		return v != nil && n.Equal(*v)
	default:
		return false
	}
}

var hdrNames = map[string]Name{
	"c":                "Content-Type",
	"e":                "Content-Encoding",
	"f":                "From",
	"i":                "Call-ID",
	"k":                "Supported",
	"l":                "Content-Length",
	"m":                "Contact",
	"s":                "Subject",
	"t":                "To",
	"v":                "Via",
	"Call-Id":          "Call-ID",
	"Cseq":             "CSeq",
	"Mime-Version":     "MIME-Version",
	"Rack":             "RAck",
	"Rseq":             "RSeq",
	"Www-Authenticate": "WWW-Authenticate",
}

// CanonicName converts name to canonical form: the first letter and
// every letter after a hyphen upper-cased, the rest lower-cased, so
// "accept-encoding" becomes "Accept-Encoding". Compact names expand to
// the full form, "c" becomes "Content-Type". Names with irregular
// capitalization like "Call-ID" and "CSeq" come from a fixup table.
func CanonicName[T ~string](name T) Name {
	name = util.TrimSP(name)
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}

	name = T(textproto.CanonicalMIMEHeaderKey(string(name)))
	if n, ok := hdrNames[string(name)]; ok {
		return n
	}
	return Name(name)
}

func renderHdrEntries[H ~[]E, E any](w io.Writer, hdr H) (num int, err error) {
	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for i := range hdr {
		if i > 0 {
			cw.Fprintf(", ")
		}
		cw.Fprintf("%v", hdr[i])
	}
	return errtrace.Wrap2(cw.Result())
}

func renderHdrParams(w io.Writer, params Values, addQParam bool) (num int, err error) {
	if len(params) == 0 {
		return 0, nil
	}

	// The q parameter sorts first and, when requested, is emitted
	// with its default value of 1 even if absent (RFC 2616
	// Section 14.1). The rest follow in lexicographical order.
	var kvs [][]string //nolint:prealloc
	if addQParam && !params.Has("q") {
		kvs = append(kvs, []string{"q", "1"})
	}
	for k := range params {
		v, _ := params.Last(k)
		kvs = append(kvs, []string{util.LCase(k), v})
	}
	slices.SortFunc(kvs, func(a, b []string) int {
		if a[0] == "q" && b[0] != "q" {
			return -1
		} else if a[0] != "q" && b[0] == "q" {
			return 1
		}
		return util.CmpKVs(a, b)
	})

	cw := ioutil.GetCountingWriter(w)
	defer ioutil.FreeCountingWriter(cw)
	for _, kv := range kvs {
		cw.Fprintf(";%s", kv[0])
		if kv[1] != "" {
			cw.Fprintf("=%s", kv[1])
		}
	}
	return errtrace.Wrap2(cw.Result())
}

func isQuoted(s string) bool {
	return len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"'
}

func compareHdrParams(params1, params2 Values, specParams map[string]bool) bool {
	switch {
	case len(params1) == 0 && len(params2) == 0:
		return true
	case len(params1) == 0:
		return !hasSpecHdrParam(params2, specParams)
	case len(params2) == 0:
		return !hasSpecHdrParam(params1, specParams)
	}

	// A parameter present on both sides must match, unquoted values
	// case-insensitively. A special parameter present on one side
	// only makes the headers unequal, any other one-sided parameter
	// is ignored.
	checked := map[string]bool{}
	for k := range params1 {
		if params2.Has(k) {
			v1, _ := params1.Last(k)
			v2, _ := params2.Last(k)
			if !isQuoted(v1) {
				v1 = util.LCase(v1)
			}
			if !isQuoted(v2) {
				v2 = util.LCase(v2)
			}
			if v1 != v2 {
				return false
			}
		} else if specParams[util.LCase(k)] {
			return false
		}
		checked[util.LCase(k)] = true
	}
	// Special parameters only in params2 remain to be ruled out.
	for k := range specParams {
		if checked[k] {
			continue
		}
		if params2.Has(k) {
			return false
		}
	}
	return true
}

func hasSpecHdrParam(params Values, specParams map[string]bool) bool {
	for k := range specParams {
		if params.Has(k) {
			return true
		}
	}
	return false
}

func validateHdrParams(params Values) bool {
	for k := range params {
		if !util.IsToken(k) {
			return false
		}
		v, _ := params.Last(k)
		if v != "" && !(util.IsToken(v) || util.IsHost(v) || isQuoted(v)) {
			return false
		}
	}
	return true
}

func marshalJSONString(s string) ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(s))
}

func unmarshalJSONString(data []byte) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", errtrace.Wrap(err)
	}
	return s, nil
}

func marshalHdrEntries[H ~[]E, E any](hdr H) ([]byte, error) {
	return errtrace.Wrap2(json.Marshal([]E(hdr)))
}

func unmarshalHdrEntries[E any](data []byte, out *[]E) error {
	var es []E
	if err := json.Unmarshal(data, &es); err != nil {
		*out = nil
		return errtrace.Wrap(err)
	}
	*out = es
	return nil
}

func cloneHdrEntries[H ~[]E, E interface{ Clone() E }](hdr H) H {
	var hdr2 H
	if hdr == nil {
		return hdr2
	}
	hdr2 = make(H, len(hdr))
	for i := range hdr {
		hdr2[i] = hdr[i].Clone()
	}
	return hdr2
}
