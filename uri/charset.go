package uri

import (
	"strings"

	"github.com/onsip/sipcore/internal/util"
)

// Character class predicates from RFC 3261 Section 25.1 and RFC 3966.
// Bytes outside the class get percent-encoded on rendering.

func isUnreservedChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

func shouldEscapeURIParamChar(c byte) bool {
	if isUnreservedChar(c) {
		return false
	}
	switch c {
	case '[', ']', '/', ':', '&', '+', '$':
		return false
	}
	return true
}

func shouldEscapeURIHeaderChar(c byte) bool {
	if isUnreservedChar(c) {
		return false
	}
	switch c {
	case '[', ']', '/', '?', ':', '+', '$':
		return false
	}
	return true
}

func shouldEscapeUserChar(c byte) bool {
	if isUnreservedChar(c) {
		return false
	}
	switch c {
	case '&', '=', '+', '$', ',', ';', '?', '/':
		return false
	}
	return true
}

func shouldEscapePasswdChar(c byte) bool {
	if isUnreservedChar(c) {
		return false
	}
	switch c {
	case '&', '=', '+', '$', ',':
		return false
	}
	return true
}

// cleanTelNum strips the visual separators "-", ".", "(" and ")" from a
// telephone number.
func cleanTelNum(num string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '.', '(', ')', ' ':
			return -1
		}
		return r
	}, num)
}

// isTelNum reports whether s looks like a telephone number: an optional
// leading "+" followed by digits, pause/wait characters and visual
// separators.
func isTelNum(s string) bool {
	s = cleanTelNum(s)
	if s == "" {
		return false
	}
	if s[0] == '+' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for i := range len(s) {
		switch c := s[i]; {
		case '0' <= c && c <= '9':
		case 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		case c == '*' || c == '#' || c == 'p' || c == 'w':
		default:
			return false
		}
	}
	return true
}

func isTelParamName(s string) bool { return util.IsToken(s) }
