package util

import "iter"

// IterFirst returns the first element of seq, or false when the sequence
// is empty.
func IterFirst[V any](seq iter.Seq[V]) (V, bool) {
	for v := range seq {
		return v, true
	}
	var zero V
	return zero, false
}
