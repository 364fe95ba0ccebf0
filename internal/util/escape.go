package util

import "strings"

const upperhex = "0123456789ABCDEF"

// Escape percent-encodes every byte of s for which shouldEscape returns true.
func Escape(s string, shouldEscape func(byte) bool) string {
	var cnt int
	for i := range len(s) {
		if shouldEscape(s[i]) {
			cnt++
		}
	}
	if cnt == 0 {
		return s
	}

	buf := make([]byte, 0, len(s)+2*cnt)
	for i := range len(s) {
		if c := s[i]; shouldEscape(c) {
			buf = append(buf, '%', upperhex[c>>4], upperhex[c&0xf])
		} else {
			buf = append(buf, c)
		}
	}
	return string(buf)
}

// Unescape decodes percent-encoded triplets in s.
// Malformed triplets are passed through untouched.
func Unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}

	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if hi, ok1 := unhex(s[i+1]); ok1 {
				if lo, ok2 := unhex(s[i+2]); ok2 {
					buf = append(buf, hi<<4|lo)
					i += 2
					continue
				}
			}
		}
		buf = append(buf, s[i])
	}
	return string(buf)
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Quote wraps s into double quotes escaping inner quotes and backslashes.
func Quote(s string) string {
	buf := make([]byte, 0, len(s)+2)
	buf = append(buf, '"')
	for i := range len(s) {
		if c := s[i]; c == '"' || c == '\\' {
			buf = append(buf, '\\', c)
		} else {
			buf = append(buf, c)
		}
	}
	return string(append(buf, '"'))
}

// Unquote removes surrounding double quotes and unescapes inner characters.
// Input without surrounding quotes is returned as is.
func Unquote(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	s = s[1 : len(s)-1]
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	buf := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		buf = append(buf, s[i])
	}
	return string(buf)
}
