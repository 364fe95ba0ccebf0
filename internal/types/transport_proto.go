package types

import "github.com/onsip/sipcore/internal/util"

// TransportProto names a SIP transport, "UDP", "TCP", "TLS" and so on.
// Comparison is case-insensitive.
type TransportProto string

func (p TransportProto) ToUpper() TransportProto { return util.UCase(p) }

func (p TransportProto) ToLower() TransportProto { return util.LCase(p) }

func (p TransportProto) IsValid() bool { return util.IsToken(p) }

// Equal accepts a TransportProto value or pointer.
func (p TransportProto) Equal(val any) bool {
	switch v := val.(type) {
	case TransportProto:
		return util.EqFold(p, v)
	case *TransportProto:
		return v != nil && util.EqFold(p, *v)
	default:
		return false
	}
}
