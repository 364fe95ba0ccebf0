package sip_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/sip"
	"github.com/onsip/sipcore/uri"
)

func newTestRequest() *sip.Request {
	return &sip.Request{
		Method: sip.RequestMethodInvite,
		URI: &uri.SIP{
			User: uri.User("bob"),
			Addr: uri.Host("b.example.com"),
		},
		Proto: sip.ProtoVer20(),
		Headers: make(sip.Headers).
			Set(header.Via{
				{
					Proto:     sip.ProtoVer20(),
					Transport: "UDP",
					Addr:      header.Host("a.example.com"),
					Params:    make(header.Values).Set("branch", sip.MagicCookie+".qwerty"),
				},
			}).
			Set(&header.From{
				URI: &uri.SIP{
					User: uri.User("alice"),
					Addr: uri.Host("a.example.com"),
				},
				Params: make(header.Values).Set("tag", "abc"),
			}).
			Set(&header.To{
				URI: &uri.SIP{
					User: uri.User("bob"),
					Addr: uri.Host("b.example.com"),
				},
			}).
			Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodInvite}).
			Set(header.CallID("zxc")).
			Set(header.MaxForwards(70)),
	}
}

func TestRequest_Render(t *testing.T) {
	t.Parallel()

	req := newTestRequest()
	req.Headers.
		Set(header.Contact{
			{
				URI: &uri.SIP{
					User: uri.User("alice"),
					Addr: uri.HostPort("a.example.com", 5060),
				},
			},
		}).
		Set(&header.ContentType{Type: "text", Subtype: "plain"}).
		Set(header.ContentLength(14))
	req.Body = []byte("Hello world!\r\n")

	want := "INVITE sip:bob@b.example.com SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP a.example.com;branch=" + sip.MagicCookie + ".qwerty\r\n" +
		"Max-Forwards: 70\r\n" +
		"From: <sip:alice@a.example.com>;tag=abc\r\n" +
		"To: <sip:bob@b.example.com>\r\n" +
		"Call-ID: zxc\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Contact: <sip:alice@a.example.com:5060>\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 14\r\n" +
		"\r\n" +
		"Hello world!\r\n"

	if got := req.Render(nil); got != want {
		t.Fatalf("req.Render(nil) = %q, want %q", got, want)
	}

	if got := (*sip.Request)(nil).Render(nil); got != "" {
		t.Fatalf("nil request Render(nil) = %q, want empty", got)
	}
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  *sip.Request
		ok   bool
	}{
		{name: "nil", req: nil, ok: false},
		{name: "empty", req: &sip.Request{}, ok: false},
		{
			name: "no headers",
			req: &sip.Request{
				Method: sip.RequestMethodInvite,
				URI:    &uri.SIP{User: uri.User("bob"), Addr: uri.Host("b.example.com")},
				Proto:  sip.ProtoVer20(),
			},
			ok: false,
		},
		{
			name: "missing max-forwards",
			req: func() *sip.Request {
				req := newTestRequest()
				req.Headers.Del("Max-Forwards")
				return req
			}(),
			ok: false,
		},
		{
			name: "content length mismatch",
			req: func() *sip.Request {
				req := newTestRequest()
				req.Headers.Set(header.ContentLength(100))
				req.Body = []byte("short")
				return req
			}(),
			ok: false,
		},
		{name: "complete", req: newTestRequest(), ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.req.IsValid(); got != tc.ok {
				t.Fatalf("req.IsValid() = %v, want %v (Validate() = %v)", got, tc.ok, tc.req.Validate())
			}
		})
	}
}

func TestRequest_Validate_MissingHeaderError(t *testing.T) {
	t.Parallel()

	req := newTestRequest()
	req.Headers.Del("Max-Forwards")

	err := req.Validate()
	if err == nil {
		t.Fatal("req.Validate() error = nil, want error")
	}
	if want := "missing mandatory headers: Max-Forwards"; !strings.Contains(err.Error(), want) {
		t.Fatalf("req.Validate() error = %q, want containing %q", err, want)
	}
}

func TestRequest_Clone(t *testing.T) {
	t.Parallel()

	req := newTestRequest()
	req.Body = []byte("Hello world!\r\n")

	clone := req.Clone().(*sip.Request) //nolint:forcetypeassert
	if clone == req {
		t.Fatal("clone points to the original request")
	}
	if !req.Equal(clone) {
		t.Fatalf("clone is not equal to the original:\noriginal: %+s\nclone: %+s", req, clone)
	}

	// mutating the clone must not leak into the original
	clone.Headers.Set(header.CallID("other-call-id"))
	clone.Body[0] = 'h'

	if callID, _ := req.Headers.CallID(); callID != "zxc" {
		t.Fatalf("original Call-ID changed after clone mutation: got %q", callID)
	}
	if req.Body[0] != 'H' {
		t.Fatalf("original body changed after clone mutation: got %q", req.Body)
	}
}

func TestRequest_Equal(t *testing.T) {
	t.Parallel()

	req := newTestRequest()

	if !req.Equal(newTestRequest()) {
		t.Fatal("req.Equal(same) = false, want true")
	}
	if !req.Equal(*newTestRequest()) {
		t.Fatal("req.Equal(same value) = false, want true")
	}

	other := newTestRequest()
	other.Method = sip.RequestMethodBye
	if req.Equal(other) {
		t.Fatal("req.Equal(different method) = true, want false")
	}

	other = newTestRequest()
	other.Body = []byte("different")
	if req.Equal(other) {
		t.Fatal("req.Equal(different body) = true, want false")
	}

	if req.Equal("not a request") {
		t.Fatal("req.Equal(string) = true, want false")
	}
	if (*sip.Request)(nil).Equal(req) {
		t.Fatal("nil request Equal(req) = true, want false")
	}
	if !(*sip.Request)(nil).Equal((*sip.Request)(nil)) {
		t.Fatal("nil request Equal(nil) = false, want true")
	}
}

func TestRequest_NewResponse(t *testing.T) {
	t.Parallel()

	req := newTestRequest()

	res, err := req.NewResponse(sip.ResponseStatusRinging, nil)
	if err != nil {
		t.Fatalf("req.NewResponse(180, nil) error = %v, want nil", err)
	}

	if res.Status != sip.ResponseStatusRinging {
		t.Fatalf("res.Status = %v, want %v", res.Status, sip.ResponseStatusRinging)
	}
	if !res.Proto.Equal(req.Proto) {
		t.Fatalf("res.Proto = %v, want %v", res.Proto, req.Proto)
	}

	// Via, From, Call-ID and CSeq are copied from the request untouched
	via, ok := res.Headers.FirstVia()
	if !ok {
		t.Fatal("response missing Via header")
	}
	if branch, _ := via.Branch(); branch != sip.MagicCookie+".qwerty" {
		t.Fatalf("response Via branch = %q, want %q", branch, sip.MagicCookie+".qwerty")
	}
	if callID, _ := res.Headers.CallID(); callID != "zxc" {
		t.Fatalf("response Call-ID = %q, want %q", callID, "zxc")
	}
	cseq, ok := res.Headers.CSeq()
	if !ok || cseq.SeqNum != 1 || !cseq.Method.Equal(sip.RequestMethodInvite) {
		t.Fatalf("response CSeq = %v, want 1 INVITE", cseq)
	}

	// non-100 responses get a generated To tag
	to, ok := res.Headers.To()
	if !ok {
		t.Fatal("response missing To header")
	}
	if tag, ok := to.Params.Last("tag"); !ok || tag == "" {
		t.Fatal("response To header has no tag")
	}

	// the request's own To header stays untagged
	if reqTo, _ := req.Headers.To(); reqTo.Params.Has("tag") {
		t.Fatal("request To header gained a tag")
	}
}

func TestRequest_NewResponse_TryingNoTag(t *testing.T) {
	t.Parallel()

	req := newTestRequest()

	res, err := req.NewResponse(sip.ResponseStatusTrying, nil)
	if err != nil {
		t.Fatalf("req.NewResponse(100, nil) error = %v, want nil", err)
	}

	to, ok := res.Headers.To()
	if !ok {
		t.Fatal("response missing To header")
	}
	if to.Params.Has("tag") {
		t.Fatal("100 Trying response must not get a To tag")
	}
}

func TestRequest_NewResponse_Options(t *testing.T) {
	t.Parallel()

	req := newTestRequest()

	res, err := req.NewResponse(sip.ResponseStatusOK, &sip.ResponseOptions{
		Reason:   "All Good",
		LocalTag: "local-777",
		Headers:  make(sip.Headers).Set(&header.Any{Name: "X-Custom-Header", Value: "123"}),
		Body:     []byte("v=0\r\n"),
	})
	if err != nil {
		t.Fatalf("req.NewResponse(200, opts) error = %v, want nil", err)
	}

	if res.Reason != "All Good" {
		t.Fatalf("res.Reason = %q, want %q", res.Reason, "All Good")
	}
	to, _ := res.Headers.To()
	if tag, _ := to.Params.Last("tag"); tag != "local-777" {
		t.Fatalf("response To tag = %q, want %q", tag, "local-777")
	}
	if !res.Headers.Has("X-Custom-Header") {
		t.Fatal("response missing appended X-Custom-Header")
	}
	if string(res.Body) != "v=0\r\n" {
		t.Fatalf("res.Body = %q, want %q", res.Body, "v=0\r\n")
	}
}

func TestRequest_NewResponse_AckNotAllowed(t *testing.T) {
	t.Parallel()

	req := newTestRequest()
	req.Method = sip.RequestMethodAck
	req.Headers.Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodAck})

	if _, err := req.NewResponse(sip.ResponseStatusOK, nil); !errors.Is(err, sip.ErrMethodNotAllowed) {
		t.Fatalf("req.NewResponse(200, nil) error = %v, want %v", err, sip.ErrMethodNotAllowed)
	}
}

func TestRequest_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	req := newTestRequest()
	req.Body = []byte("Hello world!\r\n")

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("json.Marshal(req) error = %v, want nil", err)
	}

	var restored sip.Request
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("json.Unmarshal(req) error = %v, want nil", err)
	}

	if !req.Equal(&restored) {
		t.Fatalf("restored request differs from the original:\noriginal: %+s\nrestored: %+s", req, &restored)
	}
}
