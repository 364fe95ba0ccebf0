package sip

import (
	"net/netip"
	"strings"
	"time"

	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
)

// MagicCookie is the mandatory prefix of RFC 3261 compliant branch values.
const MagicCookie = "z9hG4bK"

const msgSendTimeout = time.Minute

var zeroAddrPort netip.AddrPort

// ProtoVer20 returns the SIP/2.0 protocol info.
func ProtoVer20() ProtoInfo {
	return types.ProtoInfo{Name: "SIP", Version: "2.0"}
}

// GenerateBranch generates a new RFC 3261 compliant branch value.
func GenerateBranch(n uint) string {
	if n == 0 {
		n = 32
	}
	return MagicCookie + util.RandString(int(n))
}

// IsRFC3261Branch reports whether the branch value starts with the RFC 3261
// magic cookie.
func IsRFC3261Branch(branch string) bool {
	return strings.HasPrefix(branch, MagicCookie)
}

// GenerateTag generates a new tag value suitable for From/To header tag
// parameters.
func GenerateTag(n uint) string {
	if n == 0 {
		n = 16
	}
	return util.RandStringLC(int(n))
}

// GenerateCallID generates a new globally unique Call-ID value.
func GenerateCallID() string {
	return util.RandString(32)
}

// Option100Rel is the option tag for reliable provisional responses (RFC 3262).
const Option100Rel = "100rel"
