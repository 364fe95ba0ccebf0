package types_test

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/onsip/sipcore/internal/types"
)

func TestAddrConstructors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		host     string
		port     uint16
		withPort bool
	}{
		{name: "empty host", host: ""},
		{name: "domain", host: "ExAmplE.COM"},
		{name: "IPv4", host: "192.168.0.1"},
		{name: "IPv6", host: "2001:db8::9:1"},
		{name: "empty host with port", port: 5060, withPort: true},
		{name: "domain with port", host: "example.com", port: 5060, withPort: true},
		{name: "IPv4 with port", host: "192.168.0.1", port: 5060, withPort: true},
		{name: "IPv6 with port", host: "2001:db8::9:1", port: 5060, withPort: true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			addr := types.Host(c.host)
			if c.withPort {
				addr = types.HostPort(c.host, c.port)
			}

			if got, want := addr.Host(), c.host; got != want {
				t.Errorf("addr.Host() = %q, want %q", got, want)
			}
			if want := net.ParseIP(c.host); want != nil {
				if got := addr.IP(); !got.Equal(want) {
					t.Errorf("addr.IP() = %v, want %v", got, want)
				}
			}

			port, ok := addr.Port()
			if ok != c.withPort {
				t.Fatalf("addr.Port() ok = %v, want %v", ok, c.withPort)
			}
			if c.withPort && port != c.port {
				t.Errorf("addr.Port() = %v, want %v", port, c.port)
			}
		})
	}
}

func TestAddr_String(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		addr types.Addr
		want string
	}{
		{"zero", types.Addr{}, ""},
		{"empty host", types.Host(""), ""},
		{"empty host with port", types.HostPort("", 5060), ":5060"},
		{"space host with port", types.HostPort(" ", 5060), " :5060"},
		{"domain", types.Host("example.com"), "example.com"},
		{"domain with port", types.HostPort("example.com", 5060), "example.com:5060"},
		{"domain with zero port", types.HostPort("example.com", 0), "example.com:0"},
		{"IPv4", types.Host("192.168.0.1"), "192.168.0.1"},
		{"IPv4 with port", types.HostPort("192.168.0.1", 5060), "192.168.0.1:5060"},
		{"IPv6", types.Host("2001:db8::9:1"), "[2001:db8::9:1]"},
		{"IPv6 with port", types.HostPort("2001:db8::9:1", 5060), "[2001:db8::9:1]:5060"},
		{"IPv6 with zero port", types.HostPort("2001:db8::9:1", 0), "[2001:db8::9:1]:0"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.addr.String(); got != c.want {
				t.Errorf("addr.String() = %q, want %q", got, c.want)
			}
		})
	}
}

func TestAddr_Equal(t *testing.T) {
	t.Parallel()

	ptrTo := func(addr types.Addr) *types.Addr { return &addr }

	cases := []struct {
		name string
		addr types.Addr
		val  any
		want bool
	}{
		{"zero vs nil", types.Addr{}, nil, false},
		{"zero vs zero", types.Addr{}, types.Addr{}, true},
		{"zero vs nil pointer", types.Addr{}, (*types.Addr)(nil), false},
		{"host vs zero", types.Host("example.com"), types.Addr{}, false},
		{"zero port vs no port", types.HostPort("example.com", 0), types.Host("example.com"), false},
		{"case-insensitive host", types.HostPort("example.com", 5060), types.HostPort("EXAMPLE.COM", 5060), true},
		{"same IPv4", types.HostPort("192.0.2.128", 5060), types.HostPort("192.0.2.128", 5060), true},
		{"pointer value", types.HostPort("192.0.2.128", 5060), ptrTo(types.HostPort("192.0.2.128", 5060)), true},
		{"IPv4 vs mapped IPv6", types.HostPort("192.0.2.128", 5060), types.HostPort("::ffff:192.0.2.128", 5060), true},
		{"IPv6 leading zero", types.HostPort("2001:db8::9:1", 5060), types.HostPort("2001:db8::9:01", 5060), true},
		{"name vs address", types.HostPort("localhost", 5060), types.HostPort("127.0.0.1", 5060), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.addr.Equal(c.val); got != c.want {
				t.Errorf("addr.Equal(val) = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAddr_IsValid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		addr types.Addr
		want bool
	}{
		{"zero", types.Addr{}, false},
		{"empty host", types.HostPort("", 5060), false},
		{"host only", types.Host("example.com"), true},
		{"host with zero port", types.HostPort("example.com", 0), true},
		{"host with port", types.HostPort("example.com", 999), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.addr.IsValid(); got != c.want {
				t.Errorf("addr.IsValid() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAddr_IsZero(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		addr types.Addr
		want bool
	}{
		{"zero", types.Addr{}, true},
		{"empty host", types.Host(""), true},
		{"empty host with zero port", types.HostPort("", 0), false},
		{"host", types.Host("example.com"), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			if got := c.addr.IsZero(); got != c.want {
				t.Errorf("addr.IsZero() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestAddr_Clone(t *testing.T) {
	t.Parallel()

	for _, addr := range []types.Addr{
		{},
		types.HostPort("", 5060),
		types.Host("example.com"),
		types.HostPort("192.168.0.1", 555),
	} {
		got := addr.Clone()
		if diff := cmp.Diff(got, addr, cmp.AllowUnexported(types.Addr{})); diff != "" {
			t.Errorf("addr.Clone() = %+v, want %+v\ndiff (-got +want):\n%v", got, addr, diff)
		}
	}
}

func TestAddr_RoundTripText(t *testing.T) {
	t.Parallel()

	for _, addr := range []types.Addr{
		types.Host("example.com"),
		types.HostPort("example.com", 5060),
		types.HostPort("192.168.0.1", 5060),
		types.Host("2001:db8::9:1"),
		types.HostPort("2001:db8::9:1", 5060),
	} {
		text, err := addr.MarshalText()
		if err != nil {
			t.Fatalf("addr.MarshalText() error = %v, want nil", err)
		}

		var got types.Addr
		if err := got.UnmarshalText(text); err != nil {
			t.Fatalf("addr.UnmarshalText(%q) error = %v, want nil", text, err)
		}

		if diff := cmp.Diff(got, addr, cmp.AllowUnexported(types.Addr{})); diff != "" {
			t.Errorf("round-trip of %q mismatch\ndiff (-got +want):\n%v", text, diff)
		}
	}
}

func TestAddr_UnmarshalTextError(t *testing.T) {
	t.Parallel()

	var addr types.Addr
	if err := addr.UnmarshalText([]byte("://bad")); err == nil {
		t.Fatal("addr.UnmarshalText(\"://bad\") error = nil, want error")
	}

	if diff := cmp.Diff(addr, types.Addr{}, cmp.AllowUnexported(types.Addr{})); diff != "" {
		t.Errorf("addr.UnmarshalText(\"://bad\") wrote %+v, want types.Addr{}\ndiff (-got +want):\n%v", addr, diff)
	}
}
