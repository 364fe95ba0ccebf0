package sip_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/sip"
	"github.com/onsip/sipcore/uri"
)

// serverHarness hosts a lone UAS over a stub transport so tests can feed
// it raw INVITEs and watch everything it sends back.
type serverHarness struct {
	tp      *stubTransport
	ua      *sip.UserAgent
	rmtAddr netip.AddrPort
	sessCh  chan *sip.ServerSession
}

// shortTimings compresses the retransmission schedule so give-up timers
// fire within a test run. TimeH works out to 640ms.
func shortTimings() sip.TimingConfig {
	return sip.NewTimings(
		10*time.Millisecond,
		80*time.Millisecond,
		40*time.Millisecond,
		40*time.Millisecond,
		5*time.Millisecond,
		time.Minute,
	)
}

func newServerHarness(t *testing.T, mod func(opts *sip.UserAgentOptions)) *serverHarness {
	t.Helper()

	addr := netip.MustParseAddrPort("192.168.0.2:5060")
	tp := newStubTransportExt(sip.TransportProto("UDP"), "udp", addr, false)

	ctrl := gomock.NewController(t)
	opts := newSessionUAOpts(ctrl, "bob", addr, "v=0\r\no=bob\r\n")
	opts.Timings = shortTimings()
	if mod != nil {
		mod(opts)
	}

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}
	ua, err := sip.NewUserAgent(tp, txl, opts)
	if err != nil {
		t.Fatalf("NewUserAgent() error = %v", err)
	}

	h := &serverHarness{
		tp:      tp,
		ua:      ua,
		rmtAddr: netip.MustParseAddrPort("192.168.0.1:5060"),
		sessCh:  make(chan *sip.ServerSession, 1),
	}
	ua.OnSession(func(_ context.Context, ss *sip.ServerSession) {
		select {
		case h.sessCh <- ss:
		default:
		}
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ua.Close(ctx)  //nolint:errcheck
		txl.Close(ctx) //nolint:errcheck
	})
	return h
}

// inject delivers an INVITE carrying an offer and a contact, the way it
// would arrive off the wire.
func (h *serverHarness) inject(t *testing.T, callID, branch string, mod func(req *sip.Request)) {
	t.Helper()

	req := newInviteReq(t, h.tp.Proto(), branch, h.rmtAddr)
	req.Headers.
		Set(header.CallID(callID)).
		Set(header.Contact{
			{URI: &uri.SIP{User: uri.User("bob"), Addr: uri.HostPort(h.rmtAddr.Addr().String(), h.rmtAddr.Port())}},
		})
	req.Body = []byte("v=0\r\no=remote\r\n")
	if mod != nil {
		mod(req)
	}
	h.tp.recvRequest(t.Context(), sip.NewInboundRequest(req, h.tp.LocalAddr(), h.rmtAddr))
}

// drainResponses reads sent responses until one matches stop or the
// deadline passes, returning how many matched count along the way.
func (h *serverHarness) drainResponses(t *testing.T, count, stop sip.ResponseStatus) int {
	t.Helper()

	var n int
	deadline := time.After(3 * time.Second)
	for {
		select {
		case call := <-h.tp.sendResCh:
			switch call.res.Status() {
			case count:
				n++
			case stop:
				return n
			}
		case <-deadline:
			t.Fatalf("no %v response sent, saw %d of %v", stop, n, count)
		}
	}
}

func TestServerSession_ReliableProvisionalTimeout(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)
	h.inject(t, "call-noprack@bob.voip.com", sip.MagicCookie+".noprack", func(req *sip.Request) {
		req.Headers.Set(header.Require{sip.Option100Rel})
	})
	ss := waitServerSession(t, h.sessCh)

	if err := ss.Progress(t.Context(), nil); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}

	// the unacknowledged 180 is retransmitted until the session gives up
	ringing := h.drainResponses(t, sip.ResponseStatusRinging, sip.ResponseStatusGatewayTimeout)
	if ringing < 2 {
		t.Fatalf("got %d ringing retransmissions, want at least 2", ringing)
	}

	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := ss.EndCause(), sip.SessionEndCauseNoPrack; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}

func TestServerSession_NoAckTearsDownWithBye(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)
	h.inject(t, "call-noack@bob.voip.com", sip.MagicCookie+".noack", nil)
	ss := waitServerSession(t, h.sessCh)

	if err := ss.Accept(t.Context(), nil); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	// the 2xx keeps going out while no ACK arrives
	var oks int
	deadline := time.After(3 * time.Second)
	var bye *sip.OutboundRequest
	for bye == nil {
		select {
		case call := <-h.tp.sendResCh:
			if call.res.Status() == sip.ResponseStatusOK {
				oks++
			}
		case call := <-h.tp.sendReqCh:
			if call.req.Method().Equal(sip.RequestMethodBye) {
				bye = call.req
			}
		case <-deadline:
			t.Fatalf("no BYE sent, saw %d OK responses", oks)
		}
	}
	if oks < 2 {
		t.Fatalf("got %d OK retransmissions before BYE, want at least 2", oks)
	}

	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := ss.EndCause(), sip.SessionEndCauseNoAck; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}

func TestServerSession_ExpiresRejectsUnanswered(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, nil)
	h.inject(t, "call-expires@bob.voip.com", sip.MagicCookie+".expires", func(req *sip.Request) {
		req.Headers.Set(&header.Expires{Duration: 50 * time.Millisecond})
	})
	ss := waitServerSession(t, h.sessCh)

	h.drainResponses(t, sip.ResponseStatusTrying, sip.ResponseStatusRequestTerminated)

	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := ss.EndCause(), sip.SessionEndCauseExpired; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}

func TestServerSession_NoAnswerTimeout(t *testing.T) {
	t.Parallel()

	h := newServerHarness(t, func(opts *sip.UserAgentOptions) {
		opts.NoAnswerTimeout = 50 * time.Millisecond
	})
	h.inject(t, "call-noanswer@bob.voip.com", sip.MagicCookie+".noanswer", nil)
	ss := waitServerSession(t, h.sessCh)

	h.drainResponses(t, sip.ResponseStatusTrying, sip.ResponseStatusTemporarilyUnavailable)

	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := ss.EndCause(), sip.SessionEndCauseNoAnswer; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}
