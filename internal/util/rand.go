package util

import "crypto/rand"

const (
	alnumLC = "0123456789abcdefghijklmnopqrstuvwxyz"
	alnum   = alnumLC + "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

func randFrom(n int, cs string) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i, b := range buf {
		buf[i] = cs[int(b)%len(cs)]
	}
	return string(buf)
}

// RandString returns n random alphanumeric characters.
func RandString(n int) string { return randFrom(n, alnum) }

// RandStringLC returns n random lower-case alphanumeric characters,
// suitable for tags and branch suffixes compared case-insensitively.
func RandStringLC(n int) string { return randFrom(n, alnumLC) }
