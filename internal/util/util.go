// Package util holds small string, byte and iterator primitives shared
// across the module.
package util

//go:generate errtrace -w .
