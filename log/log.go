// Package log provides slog handler constructors and helpers used across
// the module. The default logger writes human-readable console output,
// the dev logger is verbose and colorized for local debugging, and the
// noop logger discards everything.
package log

import (
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

func newHandler(next slog.Handler) slog.Handler {
	return slogformatter.NewFormatterHandler(
		slogformatter.ErrorFormatter("error"),
		slogformatter.FormatByType(func(ls net.Listener) slog.Value {
			if ls == nil {
				return slog.StringValue("<nil>")
			}
			return slog.StringValue(ls.Addr().String())
		}),
		slogformatter.FormatByType(func(conn net.PacketConn) slog.Value {
			if conn == nil {
				return slog.StringValue("<nil>")
			}
			return slog.StringValue(conn.LocalAddr().String())
		}),
		slogformatter.FormatByType(func(conn net.Conn) slog.Value {
			if conn == nil {
				return slog.StringValue("<nil>")
			}
			return slog.StringValue(conn.LocalAddr().String() + "->" + conn.RemoteAddr().String())
		}),
	)(next)
}

// Def creates a console logger suitable for regular use.
func Def(w io.Writer, lvl slog.Leveler) *slog.Logger {
	return slog.New(newHandler(console.NewHandler(w, &console.HandlerOptions{
		AddSource:  true,
		Level:      lvl,
		TimeFormat: time.RFC3339Nano,
	})))
}

// Dev creates a verbose development logger.
func Dev(w io.Writer, lvl slog.Leveler) *slog.Logger {
	return slog.New(newHandler(devslog.NewHandler(w, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     lvl,
		},
		SortKeys: true,
	})))
}

// Noop creates a logger that discards all records.
func Noop() *slog.Logger { return slog.New(noopHandler{}) }

var defLogger atomic.Pointer[slog.Logger]

func init() {
	defLogger.Store(Noop())
}

// Default returns the module-wide default logger.
// Unless overridden with [SetDefault] it is a noop logger, so embedding
// applications opt in to the library's logging explicitly.
func Default() *slog.Logger { return defLogger.Load() }

// SetDefault overrides the module-wide default logger.
func SetDefault(l *slog.Logger) {
	if l == nil {
		l = Noop()
	}
	defLogger.Store(l)
}
