package util

import "net/netip"

// IsToken reports whether s is a valid RFC 3261 token:
// one or more alphanumeric or "-.!%*_+`'~" characters.
func IsToken[T ~string](s T) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '-', '.', '!', '%', '*', '_', '+', '`', '\'', '~':
		return true
	}
	return false
}

// IsHost reports whether s is an IP literal or a plausible hostname.
func IsHost[T ~string](s T) bool {
	if len(s) == 0 {
		return false
	}
	if _, err := netip.ParseAddr(string(s)); err == nil {
		return true
	}
	return isHostname(string(s))
}

func isHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	lblLen := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '.':
			if lblLen == 0 || s[i-1] == '-' {
				return false
			}
			lblLen = 0
		case c == '-':
			if lblLen == 0 {
				return false
			}
			lblLen++
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			lblLen++
		default:
			return false
		}
		if lblLen > 63 {
			return false
		}
	}
	return lblLen > 0
}
