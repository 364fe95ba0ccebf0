package sip_test

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/onsip/sipcore/sip"
)

type clnInviteFixture struct {
	tp      *stubTransport
	req     *sip.OutboundRequest
	tx      *sip.InviteClientTransaction
	timings sip.TimingConfig
	resCh   chan *sip.InboundResponse
}

// newClnInviteFixture starts an INVITE client transaction over an
// unreliable stub transport and consumes the initial send. T1 is scaled
// up a little so timer A does not race the injected responses on
// slower runs.
func newClnInviteFixture(tb testing.TB, branch string, t1 time.Duration) *clnInviteFixture {
	tb.Helper()

	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute, time.Minute)
	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("UDP", "udp", local, false)
	req := newOutInviteReq(tb, tp.Proto(), sip.MagicCookie+branch, local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		tb.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	call := tp.waitSendReq(tb, 100*time.Millisecond)
	if call.req.Method() != sip.RequestMethodInvite {
		tb.Fatalf("initial send method = %q, want %q", call.req.Method(), sip.RequestMethodInvite)
	}
	if call.req.RemoteAddr() != remote {
		tb.Fatalf("initial send remote addr = %v, want %v", call.req.RemoteAddr(), remote)
	}

	f := &clnInviteFixture{
		tp:      tp,
		req:     req,
		tx:      tx,
		timings: timings,
		resCh:   make(chan *sip.InboundResponse, 3),
	}
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		f.resCh <- res
	})
	return f
}

// recv injects a response built from the transaction's request.
func (f *clnInviteFixture) recv(tb testing.TB, ctx context.Context, sts sip.ResponseStatus) *sip.InboundResponse {
	tb.Helper()

	res := newInRes(tb, f.req, sts)
	if err := f.tx.RecvResponse(ctx, res); err != nil {
		tb.Fatalf("tx.RecvResponse(ctx, %d) error = %v, want nil", sts, err)
	}
	return res
}

func TestInviteClientTransaction_Accepted(t *testing.T) {
	t.Parallel()

	f := newClnInviteFixture(t, ".client-accepted", 20*time.Millisecond)
	ctx := t.Context()

	if got, want := f.tx.State(), sip.TransactionStateCalling; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	f.recv(t, ctx, sip.ResponseStatusRinging)
	if got, want := f.tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, f.resCh, sip.ResponseStatusRinging)
	f.tp.drainSendReqs()

	ok := f.recv(t, ctx, sip.ResponseStatusOK)
	if got, want := f.tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	assertResponseStatus(t, f.resCh, sip.ResponseStatusOK)

	// acknowledging the first 2xx is the TU's job, not the transaction's
	f.tp.ensureNoSendReq(t, 50*time.Millisecond)

	// retransmissions of the same 2xx resend one cached ACK and never
	// reach the TU again
	for range 3 {
		retrans := ok.Clone().(*sip.InboundResponse) //nolint:forcetypeassert
		if err := f.tx.RecvResponse(ctx, retrans); err != nil {
			t.Fatalf("tx.RecvResponse(ctx, 200 repeat) error = %v, want nil", err)
		}
		ack := f.tp.waitSendReq(t, 100*time.Millisecond)
		assertAckFor(t, ack.req, ok)
	}
	select {
	case res := <-f.resCh:
		t.Fatalf("unexpected response %v passed up", res.Status())
	default:
	}

	// a 2xx with a new to-tag comes from another branch and reaches the
	// TU once, later repeats only resend its own ACK
	forked := f.recv(t, ctx, sip.ResponseStatusOK)
	assertResponseStatus(t, f.resCh, sip.ResponseStatusOK)

	forkedRetrans := forked.Clone().(*sip.InboundResponse) //nolint:forcetypeassert
	if err := f.tx.RecvResponse(ctx, forkedRetrans); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, forked 200 repeat) error = %v, want nil", err)
	}
	ack := f.tp.waitSendReq(t, 100*time.Millisecond)
	assertAckFor(t, ack.req, forked)
	select {
	case res := <-f.resCh:
		t.Fatalf("unexpected response %v passed up", res.Status())
	default:
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeM()+100*time.Millisecond)

	f.tp.ensureNoSendReq(t, 100*time.Millisecond)
}

// assertAckFor checks that ack acknowledges the 2xx res: ACK in the
// start line and the CSeq, and the To tag of res.
func assertAckFor(tb testing.TB, ack *sip.OutboundRequest, res *sip.InboundResponse) {
	tb.Helper()

	if ack.Method() != sip.RequestMethodAck {
		tb.Fatalf("sent %v, want ACK", ack.Method())
	}
	if cseq, ok := ack.Headers().CSeq(); !ok || !cseq.Method.Equal(sip.RequestMethodAck) {
		tb.Fatalf("ACK CSeq method = %v, want %v", cseq.Method, sip.RequestMethodAck)
	}

	to, _ := ack.Headers().To()
	tag, _ := to.Tag()
	resTo, _ := res.Headers().To()
	resTag, _ := resTo.Tag()
	if tag != resTag {
		tb.Fatalf("ACK To tag = %q, want %q", tag, resTag)
	}
}

func TestInviteClientTransaction_Rejected(t *testing.T) {
	t.Parallel()

	f := newClnInviteFixture(t, ".client-rejected", 20*time.Millisecond)
	ctx := t.Context()

	f.recv(t, ctx, sip.ResponseStatusRinging)
	assertResponseStatus(t, f.resCh, sip.ResponseStatusRinging)
	f.tp.drainSendReqs()

	decline := f.recv(t, ctx, sip.ResponseStatusDecline)
	assertResponseStatus(t, f.resCh, sip.ResponseStatusDecline)

	if got, want := f.tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	ackCall := f.tp.waitSendReq(t, 100*time.Millisecond)
	if ackCall.req.Method() != sip.RequestMethodAck {
		t.Fatalf("sent %v, want ACK", ackCall.req.Method())
	}

	// a retransmitted final response triggers another ACK
	secondDecline := decline.Clone().(*sip.InboundResponse) //nolint:forcetypeassert
	if err := f.tx.RecvResponse(ctx, secondDecline); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603 retransmit) error = %v, want nil", err)
	}
	retransAck := f.tp.waitSendReq(t, 100*time.Millisecond)
	if retransAck.req.Method() != sip.RequestMethodAck {
		t.Fatalf("sent %v, want ACK retransmit", retransAck.req.Method())
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeD()+200*time.Millisecond)
	f.tp.ensureNoSendReq(t, 100*time.Millisecond)
}

func TestInviteClientTransaction_Timeout(t *testing.T) {
	t.Parallel()

	f := newClnInviteFixture(t, ".client-timeout", 5*time.Millisecond)

	timeout := f.timings.TimeB() + 200*time.Millisecond
	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, timeout)

	select {
	case res := <-f.resCh:
		t.Fatalf("unexpected response %v", res.Status())
	default:
	}

	if res := f.tx.LastResponse(); res != nil {
		t.Fatalf("tx.LastResponse() = %v, want nil", res.Status())
	}

	f.tp.drainSendReqs()
	f.tp.ensureNoSendReq(t, 50*time.Millisecond)
}

func TestInviteClientTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	origTP := newStubTransportExt("UDP", "udp", local, false)
	req := newOutInviteReq(t, origTP.Proto(), sip.MagicCookie+".client-snapshot", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, origTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}

	initial := origTP.waitSendReq(t, 100*time.Millisecond)
	if initial.req.Method() != sip.RequestMethodInvite {
		t.Fatalf("initial send method = %q, want %q", initial.req.Method(), sip.RequestMethodInvite)
	}
	origTP.drainSendReqs()

	ctx := t.Context()
	decline := newInRes(t, req, sip.ResponseStatusDecline)
	if err := tx.RecvResponse(ctx, decline); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	// timer A may slip in an INVITE retransmit before the 603 lands
	ackCall := origTP.waitSendReq(t, 200*time.Millisecond)
	for ackCall.req.Method().Equal(sip.RequestMethodInvite) {
		ackCall = origTP.waitSendReq(t, 200*time.Millisecond)
	}
	if ackCall.req.Method() != sip.RequestMethodAck {
		t.Fatalf("sent %v, want ACK", ackCall.req.Method())
	}

	snap := tx.Snapshot()
	if snap == nil {
		t.Fatal("tx.Snapshot() = nil, want snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("json.Marshal(snapshot) error = %v, want nil", err)
	}

	var snapCopy sip.ClientTransactionSnapshot
	if err := json.Unmarshal(data, &snapCopy); err != nil {
		t.Fatalf("json.Unmarshal(snapshot) error = %v, want nil", err)
	}

	restoredTP := newStubTransportExt("UDP", "udp", local, false)
	restored, err := sip.RestoreInviteClientTransaction(&snapCopy, restoredTP, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreInviteClientTransaction(snap, tp, opts) error = %v, want nil", err)
	}

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if got, want := restored.Key(), tx.Key(); !got.Equal(want) {
		t.Fatalf("restored.Key() = %v, want %v", got, want)
	}
	if res := restored.LastResponse(); res.Status() != sip.ResponseStatusDecline {
		t.Fatalf("restored.LastResponse().Status() = %v, want %v", res.Status(), sip.ResponseStatusDecline)
	}

	retransmit := decline.Clone().(*sip.InboundResponse) //nolint:forcetypeassert
	if err := restored.RecvResponse(ctx, retransmit); err != nil {
		t.Fatalf("restored.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	ack := restoredTP.waitSendReq(t, 100*time.Millisecond)
	if ack.req.Method() != sip.RequestMethodAck {
		t.Fatalf("sent %v, want ACK retransmit", ack.req.Method())
	}

	waitForTransactState(t, restored, sip.TransactionStateTerminated, timings.TimeD()+200*time.Millisecond)
}

func TestInviteClientTransaction_CompletedReliable(t *testing.T) {
	t.Parallel()

	t1 := 20 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, time.Minute, time.Minute, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	tp := newStubTransportExt("TCP", "tcp", local, true)
	req := newOutInviteReq(t, tp.Proto(), sip.MagicCookie+".client-rel-completed", local, remote)

	tx, err := sip.NewInviteClientTransaction(req, tp, &sip.ClientTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteClientTransaction() error = %v, want nil", err)
	}
	tp.waitSendReq(t, 100*time.Millisecond)

	ctx := t.Context()
	decline := newInRes(t, req, sip.ResponseStatusDecline)
	if err := tx.RecvResponse(ctx, decline); err != nil {
		t.Fatalf("tx.RecvResponse(ctx, 603) error = %v, want nil", err)
	}
	ack := tp.waitSendReq(t, 100*time.Millisecond)
	if ack.req.Method() != sip.RequestMethodAck {
		t.Fatalf("sent %v, want ACK", ack.req.Method())
	}

	// timer D is zero on a reliable transport, completed collapses at once
	waitForTransactState(t, tx, sip.TransactionStateTerminated, time.Second)
}

func TestInviteClientTransaction_Terminate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  sip.TransactionState
		setup func(t *testing.T, ctx context.Context, f *clnInviteFixture)
	}{
		{
			name: "from calling",
			from: sip.TransactionStateCalling,
		},
		{
			name: "from proceeding",
			from: sip.TransactionStateProceeding,
			setup: func(t *testing.T, ctx context.Context, f *clnInviteFixture) {
				f.recv(t, ctx, sip.ResponseStatusRinging)
			},
		},
		{
			name: "from accepted",
			from: sip.TransactionStateAccepted,
			setup: func(t *testing.T, ctx context.Context, f *clnInviteFixture) {
				f.recv(t, ctx, sip.ResponseStatusOK)
			},
		},
		{
			name: "from completed",
			from: sip.TransactionStateCompleted,
			setup: func(t *testing.T, ctx context.Context, f *clnInviteFixture) {
				f.recv(t, ctx, sip.ResponseStatusDecline)
				f.tp.waitSendReq(t, 100*time.Millisecond) // the ACK
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newClnInviteFixture(t, ".terminate", 50*time.Millisecond)
			ctx := t.Context()

			if tt.setup != nil {
				tt.setup(t, ctx, f)
				f.tp.drainSendReqs()
			}
			if got := f.tx.State(); got != tt.from {
				t.Fatalf("tx.State() = %q, want %q", got, tt.from)
			}

			if err := f.tx.Terminate(ctx); err != nil {
				t.Fatalf("tx.Terminate() error = %v, want nil", err)
			}
			waitForTransactState(t, f.tx, sip.TransactionStateTerminated, time.Second)

			f.tp.ensureNoSendReq(t, 100*time.Millisecond)
		})
	}
}

func TestInviteClientTransaction_Terminate_Idempotent(t *testing.T) {
	t.Parallel()

	f := newClnInviteFixture(t, ".terminate-idempotent", 50*time.Millisecond)
	ctx := t.Context()

	if err := f.tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
	if err := f.tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}

	if got := f.tx.State(); got != sip.TransactionStateTerminated {
		t.Fatalf("tx.State() = %q, want %q", got, sip.TransactionStateTerminated)
	}
}
