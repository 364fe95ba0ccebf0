package uri_test

import (
	"testing"

	"github.com/onsip/sipcore/uri"
)

func TestParseTel(t *testing.T) {
	t.Parallel()

	got, err := uri.ParseTel("tel:+1-201-555-0123")
	if err != nil {
		t.Fatalf("ParseTel() = error %v, want nil", err)
	}
	if !got.IsGlob() {
		t.Fatalf("IsGlob() = false, want true")
	}
	want := &uri.Tel{Number: "+12015550123"}
	if !got.Equal(want) {
		t.Fatalf("ParseTel() = %s, want %s", got, want)
	}

	got, err = uri.ParseTel("tel:7042;phone-context=example.com")
	if err != nil {
		t.Fatalf("ParseTel() = error %v, want nil", err)
	}
	if got.IsGlob() {
		t.Fatalf("IsGlob() = true, want false")
	}
	if ctx, ok := got.PhoneContext(); !ok || ctx != "example.com" {
		t.Fatalf("PhoneContext() = %q, %v, want %q, true", ctx, ok, "example.com")
	}
	if !got.IsValid() {
		t.Fatalf("IsValid() = false, want true")
	}
}

func TestTelToSIP(t *testing.T) {
	t.Parallel()

	u := &uri.Tel{Number: "7042", Params: make(uri.Values).Set("phone-context", "example.com")}
	got := u.ToSIP()
	want := &uri.SIP{
		User:   uri.User("7042"),
		Addr:   uri.Host("example.com"),
		Params: make(uri.Values).Set("user", "phone"),
	}
	if !got.Equal(want) {
		t.Fatalf("ToSIP() = %s, want %s", got, want)
	}
}
