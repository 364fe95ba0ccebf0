package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/sip"
)

// injectRequest feeds a raw request to the harness transport.
func (h *serverHarness) injectRequest(t *testing.T, req *sip.Request) {
	t.Helper()
	h.tp.recvRequest(t.Context(), sip.NewInboundRequest(req, h.tp.LocalAddr(), h.rmtAddr))
}

func TestUserAgent_OptionsAdvertisesCapabilities(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)

	req := newNonInviteReq(t, h.tp.Proto(), sip.MagicCookie+".ua-options", h.rmtAddr)
	req.Method = sip.RequestMethodOptions
	req.Headers.
		Set(header.CallID("call-ua-options@bob.voip.com")).
		Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodOptions})
	h.injectRequest(t, req)

	call := h.tp.waitSendRes(t, time.Second)
	if got, want := call.res.Status(), sip.ResponseStatusOK; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}

	hdrs := call.res.Headers()
	allowHdr, ok := hdrs.First("Allow")
	if !ok {
		t.Fatal("no Allow header in OPTIONS response")
	}
	allow, ok := allowHdr.(header.Allow)
	if !ok {
		t.Fatalf("Allow header type = %T", allowHdr)
	}
	var hasInvite bool
	for _, m := range allow {
		if m.Equal(sip.RequestMethodInvite) {
			hasInvite = true
		}
	}
	if !hasInvite {
		t.Fatalf("Allow = %v, want INVITE listed", allow)
	}
	if !hdrs.HasOption("Supported", sip.Option100Rel) {
		t.Fatal("OPTIONS response does not advertise 100rel support")
	}
}

func TestUserAgent_StrayAckAbsorbed(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)

	req := newNonInviteReq(t, h.tp.Proto(), sip.MagicCookie+".ua-ack", h.rmtAddr)
	req.Method = sip.RequestMethodAck
	req.Headers.
		Set(header.CallID("call-ua-ack@bob.voip.com")).
		Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodAck})
	h.injectRequest(t, req)

	h.tp.ensureNoSendRes(t, 50*time.Millisecond)
}

func TestUserAgent_InDialogRequestWithoutDialog(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)

	req := newNonInviteReq(t, h.tp.Proto(), sip.MagicCookie+".ua-bye", h.rmtAddr)
	req.Method = sip.RequestMethodBye
	req.Headers.
		Set(header.CallID("call-ua-bye@bob.voip.com")).
		Set(&header.CSeq{SeqNum: 2, Method: sip.RequestMethodBye})
	if to, ok := req.Headers.To(); ok {
		to.Params = make(header.Values).Set("tag", "to-gone")
	}
	h.injectRequest(t, req)

	call := h.tp.waitSendRes(t, time.Second)
	if got, want := call.res.Status(), sip.ResponseStatusCallTransactionDoesNotExist; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
}

func TestUserAgent_UnsupportedMethodRejected(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)

	req := newNonInviteReq(t, h.tp.Proto(), sip.MagicCookie+".ua-subscribe", h.rmtAddr)
	req.Method = sip.RequestMethodSubscribe
	req.Headers.
		Set(header.CallID("call-ua-subscribe@bob.voip.com")).
		Set(&header.CSeq{SeqNum: 1, Method: sip.RequestMethodSubscribe})
	h.injectRequest(t, req)

	call := h.tp.waitSendRes(t, time.Second)
	if got, want := call.res.Status(), sip.ResponseStatusMethodNotAllowed; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
}

// newBareUA builds a user agent with no incoming session handlers.
func newBareUA(t *testing.T) (*stubTransport, *sip.UserAgent) {
	t.Helper()

	addr := netip.MustParseAddrPort("192.168.0.2:5060")
	tp := newStubTransportExt(sip.TransportProto("UDP"), "udp", addr, false)

	ctrl := gomock.NewController(t)
	opts := newSessionUAOpts(ctrl, "bob", addr, "v=0\r\no=bob\r\n")
	opts.Timings = shortTimings()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}
	ua, err := sip.NewUserAgent(tp, txl, opts)
	if err != nil {
		t.Fatalf("NewUserAgent() error = %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ua.Close(ctx)  //nolint:errcheck
		txl.Close(ctx) //nolint:errcheck
	})
	return tp, ua
}

func TestUserAgent_InviteWithoutSessionHandlers(t *testing.T) {
	t.Parallel()

	tp, _ := newBareUA(t)
	rmtAddr := netip.MustParseAddrPort("192.168.0.1:5060")

	req := newInviteReq(t, tp.Proto(), sip.MagicCookie+".ua-unwanted", rmtAddr)
	req.Headers.Set(header.CallID("call-ua-unwanted@bob.voip.com"))
	tp.recvRequest(t.Context(), sip.NewInboundRequest(req, tp.LocalAddr(), rmtAddr))

	call := tp.waitSendRes(t, time.Second)
	if got, want := call.res.Status(), sip.ResponseStatusServiceUnavailable; got != want {
		t.Fatalf("response status = %v, want %v", got, want)
	}
}

func TestUserAgent_InviteValidatesTarget(t *testing.T) {
	t.Parallel()

	_, ua := newBareUA(t)

	if _, err := ua.Invite(t.Context(), nil, nil); err == nil {
		t.Fatal("Invite(nil target) succeeded, want error")
	}
}

func TestUserAgent_InviteAfterClose(t *testing.T) {
	t.Parallel()

	_, ua := newBareUA(t)

	if err := ua.Close(t.Context()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := ua.Invite(t.Context(), uasTarget(), nil); !errors.Is(err, sip.ErrSessionClosed) {
		t.Fatalf("Invite() after close error = %v, want %v", err, sip.ErrSessionClosed)
	}
}
