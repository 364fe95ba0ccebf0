package util

import (
	"cmp"
	"strings"
	"sync"
)

// UCase upper-cases any string-kinded value.
func UCase[T ~string](s T) T { return T(strings.ToUpper(string(s))) }

// LCase lower-cases any string-kinded value.
func LCase[T ~string](s T) T { return T(strings.ToLower(string(s))) }

// TrimSP trims surrounding whitespace from any string-kinded value.
func TrimSP[T ~string](s T) T { return T(strings.TrimSpace(string(s))) }

// EqFold compares two string-kinded values case-insensitively.
func EqFold[T1, T2 ~string](s1 T1, s2 T2) bool {
	return strings.EqualFold(string(s1), string(s2))
}

// CmpKVs orders key/value pairs by key, for sorting parameter lists
// before comparison or rendering.
func CmpKVs[T ~string](kv1, kv2 []T) int { return cmp.Compare(kv1[0], kv2[0]) }

var strBldrPool = sync.Pool{
	New: func() any {
		sb := new(strings.Builder)
		sb.Grow(1 << 10)
		return sb
	},
}

// GetStringBuilder borrows a pooled builder. Return it with
// [FreeStringBuilder] when done.
func GetStringBuilder() *strings.Builder {
	return strBldrPool.Get().(*strings.Builder) //nolint:forcetypeassert
}

// FreeStringBuilder resets sb and puts it back into the pool.
func FreeStringBuilder(sb *strings.Builder) {
	sb.Reset()
	strBldrPool.Put(sb)
}
