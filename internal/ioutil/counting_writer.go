// Package ioutil provides small I/O helpers shared by message rendering code.
package ioutil

//go:generate errtrace -w .

import (
	"fmt"
	"io"
	"sync"

	"braces.dev/errtrace"
)

// CountingWriter wraps an io.Writer and accumulates the byte count.
// The first write failure sticks: later writes are no-ops returning
// the stored error, so render code can chain writes and check the
// error once at the end.
type CountingWriter struct {
	w   io.Writer
	num int
	err error
}

func NewCountingWriter(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w}
}

// account records the outcome of one underlying write.
func (cw *CountingWriter) account(n int, err error) (int, error) {
	cw.num += n
	if err != nil {
		cw.err = errtrace.Wrap(err)
		return n, errtrace.Wrap(cw.err)
	}
	return n, nil
}

func (cw *CountingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, errtrace.Wrap(cw.err)
	}
	return cw.account(cw.w.Write(p))
}

func (cw *CountingWriter) WriteString(s string) (int, error) {
	if cw.err != nil {
		return 0, errtrace.Wrap(cw.err)
	}
	return cw.account(io.WriteString(cw.w, s))
}

func (cw *CountingWriter) Fprintf(format string, args ...any) (int, error) {
	if cw.err != nil {
		return 0, errtrace.Wrap(cw.err)
	}
	return cw.account(fmt.Fprintf(cw.w, format, args...))
}

// Call runs a RenderTo-style function against the underlying writer
// and folds its outcome into the totals.
func (cw *CountingWriter) Call(fn func(io.Writer) (int, error)) *CountingWriter {
	if cw.err == nil {
		cw.account(fn(cw.w)) //nolint:errcheck
	}
	return cw
}

// Result returns the total byte count and the sticky error, if any.
func (cw *CountingWriter) Result() (num int, err error) {
	return cw.num, errtrace.Wrap(cw.err)
}

func (cw *CountingWriter) Err() error {
	return errtrace.Wrap(cw.err)
}

func (cw *CountingWriter) Count() int {
	return cw.num
}

var cntWrtPool = &sync.Pool{
	New: func() any { return &CountingWriter{} },
}

func GetCountingWriter(w io.Writer) *CountingWriter {
	cw := cntWrtPool.Get().(*CountingWriter) //nolint:forcetypeassert
	cw.w = w
	return cw
}

func FreeCountingWriter(cw *CountingWriter) {
	cw.w = nil
	cw.num = 0
	cw.err = nil
	cntWrtPool.Put(cw)
}
