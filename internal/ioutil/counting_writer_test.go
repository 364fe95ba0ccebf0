package ioutil_test

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/ioutil"
)

// capWriter accepts at most cap bytes, then fails every write.
type capWriter struct {
	cap     int
	written int
}

func (w *capWriter) Write(p []byte) (int, error) {
	if w.written >= w.cap {
		return 0, errtrace.Wrap(errors.New("write failed"))
	}
	n := len(p)
	if w.written+n > w.cap {
		n = w.cap - w.written
	}
	w.written += n
	if n < len(p) {
		return n, errtrace.Wrap(errors.New("write failed"))
	}
	return n, nil
}

func TestCountingWriter_Counts(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	cw := ioutil.NewCountingWriter(buf)

	steps := []struct {
		write func() (int, error)
		n     int
	}{
		{func() (int, error) { return cw.Write([]byte("hello")) }, 5},
		{func() (int, error) { return cw.WriteString(" world") }, 6},
		{func() (int, error) { return cw.Fprintf(", n=%d", 42) }, 5},
	}

	total := 0
	for i, step := range steps {
		n, err := step.write()
		if err != nil {
			t.Fatalf("step %d error = %v, want nil", i, err)
		}
		if n != step.n {
			t.Fatalf("step %d wrote %d bytes, want %d", i, n, step.n)
		}
		total += n
	}

	if got := cw.Count(); got != total {
		t.Errorf("cw.Count() = %d, want %d", got, total)
	}
	if got, want := buf.String(), "hello world, n=42"; got != want {
		t.Errorf("buffer = %q, want %q", got, want)
	}
}

func TestCountingWriter_StickyError(t *testing.T) {
	t.Parallel()

	cw := ioutil.NewCountingWriter(&capWriter{cap: 5})

	n, err := cw.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("first write error = %v, want nil", err)
	}
	if n != 5 {
		t.Fatalf("first write n = %d, want 5", n)
	}

	if _, err := cw.Write([]byte(" world")); err == nil {
		t.Fatal("second write error = nil, want error")
	}

	// the stored error short-circuits everything that follows
	n, err = cw.Write([]byte("test"))
	if err == nil {
		t.Fatal("write after failure error = nil, want sticky error")
	}
	if n != 0 {
		t.Errorf("write after failure n = %d, want 0", n)
	}
	if got := cw.Count(); got != 5 {
		t.Errorf("cw.Count() = %d, want 5", got)
	}
}

func TestCountingWriter_CallChaining(t *testing.T) {
	t.Parallel()

	render := func(s string) func(io.Writer) (int, error) {
		return func(w io.Writer) (int, error) {
			return errtrace.Wrap2(fmt.Fprint(w, s))
		}
	}

	buf := &bytes.Buffer{}
	cw := ioutil.NewCountingWriter(buf)

	num, err := cw.Call(render("a")).Call(render("b")).Result()
	if err != nil {
		t.Fatalf("cw.Result() error = %v, want nil", err)
	}
	if num != 2 {
		t.Errorf("cw.Result() num = %d, want 2", num)
	}
	if got, want := buf.String(), "ab"; got != want {
		t.Errorf("buffer = %q, want %q", got, want)
	}
}

func TestCountingWriter_CallErrorStopsChain(t *testing.T) {
	t.Parallel()

	render := func(s string) func(io.Writer) (int, error) {
		return func(w io.Writer) (int, error) {
			return errtrace.Wrap2(fmt.Fprint(w, s))
		}
	}
	renderErr := func(io.Writer) (int, error) {
		return 0, errtrace.Wrap(errors.New("render error"))
	}

	buf := &bytes.Buffer{}
	cw := ioutil.NewCountingWriter(buf)

	num, err := cw.Call(render("a")).Call(renderErr).Call(render("b")).Result()
	if err == nil {
		t.Fatal("cw.Result() error = nil, want error")
	}
	if num != 1 {
		t.Errorf("cw.Result() num = %d, want 1", num)
	}
	if got, want := buf.String(), "a"; got != want {
		t.Errorf("buffer = %q, want %q", got, want)
	}
}
