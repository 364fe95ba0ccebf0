package types

import (
	"fmt"
	"strconv"

	"github.com/onsip/sipcore/internal/util"
)

// ProtoInfo is the protocol name and version pair from a start line or
// Via header, "SIP/2.0" in this stack.
type ProtoInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

func (p ProtoInfo) String() string { return p.Name + "/" + p.Version }

// Format renders the pair as its wire form for %s, %q and plain %v.
// The + and # flags fall through to the default struct formatting.
func (p ProtoInfo) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		fmt.Fprint(f, p.String())
	case 'q':
		fmt.Fprint(f, strconv.Quote(p.String()))
	default:
		if !f.Flag('+') && !f.Flag('#') {
			fmt.Fprint(f, p.String())
			return
		}

		type hideMethods ProtoInfo
		type ProtoInfo hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ProtoInfo(p))
	}
}

// Equal compares name and version case-insensitively. Accepts a
// ProtoInfo value or pointer.
func (p ProtoInfo) Equal(val any) bool {
	switch v := val.(type) {
	case ProtoInfo:
		return util.EqFold(p.Name, v.Name) && util.EqFold(p.Version, v.Version)
	case *ProtoInfo:
		return v != nil && p.Equal(*v)
	default:
		return false
	}
}

func (p ProtoInfo) IsValid() bool { return util.IsToken(p.Name) && util.IsToken(p.Version) }

func (p ProtoInfo) IsZero() bool { return p.Name == "" && p.Version == "" }
