package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/sip"
)

type srvInviteFixture struct {
	tp      *stubTransport
	req     *sip.InboundRequest
	tx      *sip.InviteServerTransaction
	timings sip.TimingConfig
}

// newSrvInviteFixture builds an INVITE server transaction. The branch
// is used as-is, so RFC 2543 style branches without the magic cookie
// can be tested too. The 100 Trying timer is pushed out far enough to
// not interfere.
func newSrvInviteFixture(tb testing.TB, branch string, t1 time.Duration, reliable bool) *srvInviteFixture {
	tb.Helper()

	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute, time.Minute)
	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("33.33.33.33:5060")

	proto, netw := sip.TransportProto("UDP"), "udp"
	if reliable {
		proto, netw = "TCP", "tcp"
	}
	tp := newStubTransportExt(proto, netw, netip.AddrPortFrom(netip.IPv4Unspecified(), 5060), reliable)
	req := newInInviteReq(tb, tp.Proto(), branch, local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		tb.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}
	return &srvInviteFixture{tp: tp, req: req, tx: tx, timings: timings}
}

func (f *srvInviteFixture) respond(tb testing.TB, ctx context.Context, sts sip.ResponseStatus) {
	tb.Helper()

	if err := f.tx.Respond(ctx, sts, nil); err != nil {
		tb.Fatalf("tx.Respond(ctx, %d, nil) error = %v, want nil", sts, err)
	}
	call := f.tp.waitSendRes(tb, 100*time.Millisecond)
	if call.res.Status() != sts {
		tb.Fatalf("sent response status = %v, want %v", call.res.Status(), sts)
	}
}

func TestInviteServerTransaction_AutoTrying(t *testing.T) {
	t.Parallel()

	timings := sip.NewTimings(0, 0, 0, 0, 10*time.Millisecond, 0)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("33.33.33.33:5060")

	tp := newStubTransportExt("UDP", "udp", netip.AddrPortFrom(netip.IPv4Unspecified(), 5060), false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".auto-trying", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	// with no response from the TU a 100 Trying goes out automatically
	call := tp.waitSendRes(t, 2*timings.TimeG())
	if call.res.Status() != sip.ResponseStatusTrying {
		t.Fatalf("auto response status = %v, want %v", call.res.Status(), sip.ResponseStatusTrying)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180, nil) error = %v, want nil", err)
	}
	call = tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusRinging {
		t.Fatalf("provisional status = %v, want %v", call.res.Status(), sip.ResponseStatusRinging)
	}

	tp.ensureNoSendRes(t, 100*time.Millisecond)

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestInviteServerTransaction_ProgressRetransmit(t *testing.T) {
	t.Parallel()

	t1 := 10 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute, 50*time.Millisecond)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("33.33.33.33:5060")

	tp := newStubTransportExt("UDP", "udp", netip.AddrPortFrom(netip.IPv4Unspecified(), 5060), false)
	req := newInInviteReq(t, tp.Proto(), sip.MagicCookie+".progress", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 180, nil) error = %v, want nil", err)
	}
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusRinging {
		t.Fatalf("provisional status = %v, want %v", call.res.Status(), sip.ResponseStatusRinging)
	}

	// the last provisional goes out again on every progress interval
	for range 2 {
		call = tp.waitSendRes(t, 300*time.Millisecond)
		if call.res.Status() != sip.ResponseStatusRinging {
			t.Fatalf("progress retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusRinging)
		}
	}

	// a final response stops the progress retransmissions
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}
	call = tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusOK {
		t.Fatalf("final status = %v, want %v", call.res.Status(), sip.ResponseStatusOK)
	}
	tp.ensureNoSendRes(t, 150*time.Millisecond)

	if err := tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestInviteServerTransaction_CompletedTimedOut(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".timed-out", 100*time.Millisecond, false)
	ctx := t.Context()

	f.respond(t, ctx, sip.ResponseStatusBusyHere)
	if got, want := f.tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// timer G retransmits the final response until timer H gives up
	deadline := time.NewTimer(f.timings.TimeH() + f.timings.TimeG())
	defer deadline.Stop()

	for i := range 10 {
		select {
		case call := <-f.tp.sendResCh:
			if call.res.Status() != sip.ResponseStatusBusyHere {
				t.Fatalf("retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
			}
		case <-deadline.C:
			t.Fatalf("expected 10 retransmits before timer H, got %d", i)
		}
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeH()+2*f.timings.TimeG())

	if err := f.tx.Err(); !errors.Is(err, sip.ErrTransactionTimedOut) {
		t.Fatalf("tx.Err() = %v, want %v", err, sip.ErrTransactionTimedOut)
	}

	f.tp.ensureNoSendRes(t, 2*f.timings.TimeG())
}

func TestInviteServerTransaction_Confirmed(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".confirmed", 50*time.Millisecond, false)
	ctx := t.Context()

	f.respond(t, ctx, sip.ResponseStatusBusyHere)
	if got, want := f.tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// an INVITE retransmission resends the final response
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE) error = %v, want nil", err)
	}
	call := f.tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusBusyHere {
		t.Fatalf("retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
	}

	// timer G resends the final response too
	// a select, because under -race timer G may have fired already
	select {
	case call := <-f.tp.sendResCh:
		if call.res.Status() != sip.ResponseStatusBusyHere {
			t.Fatalf("timer G retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
		}
	default:
		call := f.tp.waitSendRes(t, f.timings.TimeG())
		if call.res.Status() != sip.ResponseStatusBusyHere {
			t.Fatalf("timer G retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
		}
	}

	ack := newInAckReq(t, f.req, f.tx.LastResponse())
	if err := f.tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}

	//nolint:exhaustive
	switch state := f.tx.State(); state {
	case sip.TransactionStateConfirmed:
	case sip.TransactionStateTerminated:
		// timer I may have fired between the ACK and this check
	default:
		t.Fatalf("tx.State() = %q, want %q or %q", state, sip.TransactionStateConfirmed, sip.TransactionStateTerminated)
	}

	// INVITE and ACK retransmissions are absorbed from here on
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE) error = %v, want nil", err)
	}
	if err := f.tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeI()+100*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_ConfirmedRelTransp(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".confirmed-rel", 50*time.Millisecond, true)
	ctx := t.Context()

	f.respond(t, ctx, sip.ResponseStatusBusyHere)
	if got, want := f.tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// an INVITE retransmission resends the final response
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE) error = %v, want nil", err)
	}
	call := f.tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusBusyHere {
		t.Fatalf("retransmit status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
	}

	// timer G stays off on reliable transports
	f.tp.ensureNoSendRes(t, 2*f.timings.T2())

	ack := newInAckReq(t, f.req, f.tx.LastResponse())
	if err := f.tx.RecvRequest(ctx, ack); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}

	// timer I is zero on reliable transports
	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, 100*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_Accepted(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".accepted", 50*time.Millisecond, false)
	ctx := t.Context()

	f.respond(t, ctx, sip.ResponseStatusOK)
	if got, want := f.tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// INVITE retransmissions are absorbed after a 2xx
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE) error = %v, want nil", err)
	}
	f.tp.ensureNoSendRes(t, f.timings.T2())

	// the TU retransmits the 2xx through the transaction
	f.respond(t, ctx, sip.ResponseStatusOK)

	// an RFC 3261 ACK to a 2xx has its own branch and must not match
	if err := f.tx.RecvRequest(ctx, newInAckReq(t, f.req, f.tx.LastResponse())); err == nil {
		t.Fatal("tx.RecvRequest(ctx, ACK) error = nil, want error")
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeL()+100*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_AcceptedRFC2543(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, "rfc2543.accepted", 50*time.Millisecond, false)
	ctx := t.Context()

	f.respond(t, ctx, sip.ResponseStatusOK)
	if got, want := f.tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, INVITE) error = %v, want nil", err)
	}
	f.tp.ensureNoSendRes(t, f.timings.T2())

	f.respond(t, ctx, sip.ResponseStatusOK)

	ackCh := make(chan *sip.InboundRequest, 1)
	f.tx.OnAck(func(_ context.Context, ack *sip.InboundRequest) {
		select {
		case ackCh <- ack:
		default:
		}
	})

	// without the magic cookie the 2xx ACK matches on the RFC 2543 key
	if err := f.tx.RecvRequest(ctx, newInAckReq(t, f.req, f.tx.LastResponse())); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
	}

	select {
	case ack := <-ackCh:
		if ack.Method() != sip.RequestMethodAck {
			t.Fatalf("ack.Method() = %v, want %v", ack.Method(), sip.RequestMethodAck)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected ACK callback")
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeL()+100*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_AcceptedTranspErr(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".accepted-transp-err", 50*time.Millisecond, false)

	sendErr := errors.New("transport test error")
	f.tp.setSendResHook(func(_ sendResCall, idx int) error {
		if idx >= 1 {
			return errtrace.Wrap(sendErr)
		}
		return nil
	})

	ctx := t.Context()
	f.respond(t, ctx, sip.ResponseStatusOK)
	if got, want := f.tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// the failed 2xx retransmit records the error but the transaction
	// stays accepted
	if err := f.tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if f.tx.Err() != nil {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := f.tx.Err(); !errors.Is(err, sendErr) {
		t.Fatalf("tx.Err() = %v, want %v", err, sendErr)
	}
	if got, want := f.tx.State(), sip.TransactionStateAccepted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeL()+100*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestInviteServerTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1, time.Minute)

	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("33.33.33.33:5060")

	origTP := newStubTransportExt("UDP", "udp", netip.AddrPortFrom(netip.IPv4Unspecified(), 5060), false)
	req := newInInviteReq(t, origTP.Proto(), sip.MagicCookie+".snapshot", local, remote)

	tx, err := sip.NewInviteServerTransaction(req, origTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 486, nil) error = %v, want nil", err)
	}

	snap := tx.Snapshot()
	if snap == nil {
		t.Fatal("tx.Snapshot() = nil, want snapshot")
	}

	// the automatic 100 Trying may have slipped out before the 486
	call := origTP.waitSendRes(t, 200*time.Millisecond)
	if call.res.Status() == sip.ResponseStatusTrying {
		call = origTP.waitSendRes(t, 200*time.Millisecond)
	}
	if call.res.Status() != sip.ResponseStatusBusyHere {
		t.Fatalf("final response status = %v, want %v", call.res.Status(), sip.ResponseStatusBusyHere)
	}

	restoredTP := newStubTransportExt(origTP.Proto(), origTP.Network(), origTP.LocalAddr(), origTP.Reliable())
	restored, err := sip.RestoreInviteServerTransaction(snap, restoredTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreInviteServerTransaction(snap, tp, opts) error = %v, want nil", err)
	}

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if got, want := restored.Key(), tx.Key(); got != want {
		t.Fatalf("restored.Key() = %v, want %v", got, want)
	}
	if res := restored.LastResponse(); res.Status() != sip.ResponseStatusBusyHere {
		t.Fatalf("restored.LastResponse().Status() = %v, want %v", res.Status(), sip.ResponseStatusBusyHere)
	}

	// timer G survives the round trip and keeps retransmitting
	retransmit := restoredTP.waitSendRes(t, 200*time.Millisecond)
	if retransmit.res.Status() != sip.ResponseStatusBusyHere {
		t.Fatalf("timer G retransmit status = %v, want %v", retransmit.res.Status(), sip.ResponseStatusBusyHere)
	}

	waitForTransactState(t, restored, sip.TransactionStateTerminated, timings.TimeH()+200*time.Millisecond)
}

func TestInviteServerTransaction_Terminate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  sip.TransactionState
		setup func(t *testing.T, ctx context.Context, f *srvInviteFixture)
	}{
		{
			name: "from proceeding",
			from: sip.TransactionStateProceeding,
		},
		{
			name: "from accepted",
			from: sip.TransactionStateAccepted,
			setup: func(t *testing.T, ctx context.Context, f *srvInviteFixture) {
				f.respond(t, ctx, sip.ResponseStatusOK)
			},
		},
		{
			name: "from completed",
			from: sip.TransactionStateCompleted,
			setup: func(t *testing.T, ctx context.Context, f *srvInviteFixture) {
				f.respond(t, ctx, sip.ResponseStatusBusyHere)
			},
		},
		{
			name: "from confirmed",
			from: sip.TransactionStateConfirmed,
			setup: func(t *testing.T, ctx context.Context, f *srvInviteFixture) {
				f.respond(t, ctx, sip.ResponseStatusBusyHere)
				ack := newInAckReq(t, f.req, f.tx.LastResponse())
				if err := f.tx.RecvRequest(ctx, ack); err != nil {
					t.Fatalf("tx.RecvRequest(ctx, ACK) error = %v, want nil", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newSrvInviteFixture(t, sip.MagicCookie+".terminate", 50*time.Millisecond, false)
			ctx := t.Context()

			if tt.setup != nil {
				tt.setup(t, ctx, f)
			}
			f.tp.drainSendRess()

			if got := f.tx.State(); got != tt.from {
				t.Fatalf("tx.State() = %q, want %q", got, tt.from)
			}

			if err := f.tx.Terminate(ctx); err != nil {
				t.Fatalf("tx.Terminate() error = %v, want nil", err)
			}
			waitForTransactState(t, f.tx, sip.TransactionStateTerminated, time.Second)

			f.tp.ensureNoSendRes(t, 100*time.Millisecond)
		})
	}
}

func TestInviteServerTransaction_Terminate_Idempotent(t *testing.T) {
	t.Parallel()

	f := newSrvInviteFixture(t, sip.MagicCookie+".terminate-idempotent", 50*time.Millisecond, false)
	f.tp.drainSendRess()
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
