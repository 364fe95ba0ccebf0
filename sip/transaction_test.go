package sip_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/sip"
	"github.com/onsip/sipcore/uri"
)

// newReq builds a request from bob to alice with the given method and
// top Via branch. All transaction tests derive their messages from it.
func newReq(
	tb testing.TB,
	method sip.RequestMethod,
	tp sip.TransportProto,
	branch string,
	rmtAddr netip.AddrPort,
) *sip.Request {
	tb.Helper()

	if branch == "" {
		branch = sip.MagicCookie + ".stub-branch"
	}
	return &sip.Request{
		Proto:  sip.ProtoVer20(),
		Method: method,
		URI: &uri.SIP{
			User: uri.User("alice"),
			Addr: uri.Host("alice.voip.com"),
		},
		Headers: make(sip.Headers).
			Set(header.Via{
				{
					Proto:     sip.ProtoVer20(),
					Transport: tp,
					Addr:      header.HostPort(rmtAddr.Addr().String(), rmtAddr.Port()),
					Params:    make(header.Values).Set("branch", branch),
				},
			}).
			Set(&header.From{
				URI:    &uri.SIP{User: uri.User("bob"), Addr: uri.Host("bob.voip.com")},
				Params: make(header.Values).Set("tag", "from-1234"),
			}).
			Set(&header.To{
				URI: &uri.SIP{User: uri.User("alice"), Addr: uri.Host("alice.voip.com")},
			}).
			Set(header.CallID("call-1234@bob.voip.com")).
			Set(&header.CSeq{SeqNum: 1, Method: method}).
			Set(header.MaxForwards(70)),
	}
}

func newInviteReq(tb testing.TB, tp sip.TransportProto, branch string, rmtAddr netip.AddrPort) *sip.Request {
	tb.Helper()
	return newReq(tb, sip.RequestMethodInvite, tp, branch, rmtAddr)
}

func newNonInviteReq(tb testing.TB, tp sip.TransportProto, branch string, rmtAddr netip.AddrPort) *sip.Request {
	tb.Helper()
	return newReq(tb, sip.RequestMethodInfo, tp, branch, rmtAddr)
}

func newInboundReq(tb testing.TB, req *sip.Request, locAddr, rmtAddr netip.AddrPort) *sip.InboundRequest {
	tb.Helper()
	return sip.NewInboundRequest(req, locAddr, rmtAddr)
}

func newOutboundReq(tb testing.TB, req *sip.Request, locAddr, rmtAddr netip.AddrPort) *sip.OutboundRequest {
	tb.Helper()

	out := sip.NewOutboundRequest(req)
	out.SetLocalAddr(locAddr)
	out.SetRemoteAddr(rmtAddr)
	return out
}

func newInInviteReq(tb testing.TB, tp sip.TransportProto, branch string, locAddr, rmtAddr netip.AddrPort) *sip.InboundRequest {
	tb.Helper()
	return newInboundReq(tb, newInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutInviteReq(tb testing.TB, tp sip.TransportProto, branch string, locAddr, rmtAddr netip.AddrPort) *sip.OutboundRequest {
	tb.Helper()
	return newOutboundReq(tb, newInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newInNonInviteReq(tb testing.TB, tp sip.TransportProto, branch string, locAddr, rmtAddr netip.AddrPort) *sip.InboundRequest {
	tb.Helper()
	return newInboundReq(tb, newNonInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

func newOutNonInviteReq(tb testing.TB, tp sip.TransportProto, branch string, locAddr, rmtAddr netip.AddrPort) *sip.OutboundRequest {
	tb.Helper()
	return newOutboundReq(tb, newNonInviteReq(tb, tp, branch, rmtAddr), locAddr, rmtAddr)
}

// newAckReq derives an ACK from the INVITE and the final response it
// acknowledges. ACKs to a 2xx get a fresh branch, ACKs to a non-2xx
// reuse the INVITE branch as the transaction layer expects.
func newAckReq(tb testing.TB, invite *sip.Request, res *sip.Response) *sip.Request {
	tb.Helper()

	ack := invite.Clone().(*sip.Request) //nolint:forcetypeassert
	ack.Method = sip.RequestMethodAck
	if via, ok := ack.Headers.FirstVia(); ok && res.Status.IsSuccessful() {
		if branch, _ := via.Branch(); sip.IsRFC3261Branch(branch) {
			via.Params.Set("branch", branch+".ack")
		}
	}
	if cseq, ok := ack.Headers.CSeq(); ok {
		ack.Headers.Set(&header.CSeq{SeqNum: cseq.SeqNum, Method: sip.RequestMethodAck})
	}
	if to, ok := res.Headers.To(); ok {
		ack.Headers.Set(to.Clone())
	}
	return ack
}

func newInAckReq(tb testing.TB, invite *sip.InboundRequest, res *sip.OutboundResponse) *sip.InboundRequest {
	tb.Helper()

	return sip.NewInboundRequest(
		newAckReq(tb, invite.Message(), res.Message()),
		invite.RemoteAddr(),
		invite.LocalAddr(),
	)
}

func newInRes(tb testing.TB, req *sip.OutboundRequest, sts sip.ResponseStatus) *sip.InboundResponse {
	tb.Helper()

	msg, err := req.Message().NewResponse(sts, nil)
	if err != nil {
		tb.Fatalf("failed to create response: %v", err)
	}
	return sip.NewInboundResponse(msg, req.LocalAddr(), req.RemoteAddr())
}

func assertResponseStatus(tb testing.TB, resCh <-chan *sip.InboundResponse, want sip.ResponseStatus) {
	tb.Helper()

	select {
	case res := <-resCh:
		if res.Status() != want {
			tb.Fatalf("response status = %v, want %v", res.Status(), want)
		}
	case <-time.After(100 * time.Millisecond):
		tb.Fatalf("expected response with status %v", want)
	}
}

//nolint:unparam
func waitForTransactState(tb testing.TB, tx sip.Transaction, want sip.TransactionState, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if tx.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatalf("transaction state did not reach %q, got %q", want, tx.State())
}
