// Package types holds the value types and small interfaces shared by
// the uri, header and sip packages.
package types

//go:generate go tool errtrace -w .

import (
	"io"

	"github.com/google/go-cmp/cmp"
)

// ContextKey is the key type for values this module stores in a
// [context.Context].
type ContextKey string

// Renderer is a value with a wire-format representation.
type Renderer interface {
	// Render returns the value in wire format.
	Render(opts *RenderOptions) string
	// RenderTo writes the value in wire format.
	RenderTo(w io.Writer, opts *RenderOptions) (int, error)
}

// RenderOptions tunes wire-format rendering.
type RenderOptions struct {
	// Compact renders compact header names where they exist.
	Compact bool `json:"compact,omitempty"`
}

// ValidFlag is a value that can report its own well-formedness.
type ValidFlag interface {
	IsValid() bool
}

// IsValid reports whether v implements [ValidFlag] and claims to be
// valid.
func IsValid(v any) bool {
	vv, ok := v.(ValidFlag)
	return ok && vv.IsValid()
}

// Equalable is a value with a domain-specific equality relation.
type Equalable interface {
	Equal(val any) bool
}

// IsEqual reports whether the values compare equal.
func IsEqual(v1, v2 any) bool {
	return cmp.Equal(v1, v2)
}

// Cloneable is a value that can deep-copy itself.
type Cloneable[T any] interface {
	Clone() T
}

// Clone returns v's Clone result when it implements [Cloneable],
// otherwise v itself when it is already a T, otherwise the zero value.
func Clone[T any](v any) T {
	if v1, ok := v.(Cloneable[T]); ok {
		return v1.Clone()
	}
	if v == nil {
		var zero T
		return zero
	}
	v1, _ := v.(T)
	return v1
}
