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

type srvNonInviteFixture struct {
	tp      *stubTransport
	req     *sip.InboundRequest
	tx      *sip.NonInviteServerTransaction
	timings sip.TimingConfig
}

// newSrvNonInviteFixture builds a non-INVITE server transaction on top
// of an unreliable stub transport. The transaction starts in Trying and
// has sent nothing yet.
func newSrvNonInviteFixture(tb testing.TB, branch string, t1 time.Duration) *srvNonInviteFixture {
	tb.Helper()

	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, time.Minute, time.Minute)
	remote := netip.MustParseAddrPort("55.55.55.55:5060")
	local := netip.MustParseAddrPort("33.33.33.33:5070")

	tp := newStubTransportExt("UDP", "udp", netip.AddrPortFrom(netip.IPv4Unspecified(), 5070), false)
	req := newInNonInviteReq(tb, tp.Proto(), sip.MagicCookie+branch, local, remote)

	tx, err := sip.NewNonInviteServerTransaction(req, tp, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		tb.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}
	return &srvNonInviteFixture{tp: tp, req: req, tx: tx, timings: timings}
}

// respond sends a response through the transaction and asserts the
// transport saw it.
func (f *srvNonInviteFixture) respond(tb testing.TB, ctx context.Context, sts sip.ResponseStatus) {
	tb.Helper()

	if err := f.tx.Respond(ctx, sts, nil); err != nil {
		tb.Fatalf("tx.Respond(ctx, %d, nil) error = %v, want nil", sts, err)
	}
	call := f.tp.waitSendRes(tb, 100*time.Millisecond)
	if call.res.Status() != sts {
		tb.Fatalf("sent response status = %v, want %v", call.res.Status(), sts)
	}
}

func TestNonInviteServerTransaction_LifecycleUnrelTransp(t *testing.T) {
	t.Parallel()

	f := newSrvNonInviteFixture(t, ".unreliable", 5*time.Millisecond)
	ctx := t.Context()

	if got, want := f.tx.State(), sip.TransactionStateTrying; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	f.respond(t, ctx, sip.ResponseStatusTrying)
	if got, want := f.tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// a request retransmission resends the provisional
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmit) error = %v, want nil", err)
	}
	call := f.tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusTrying {
		t.Fatalf("retransmit provisional status = %v, want %v", call.res.Status(), sip.ResponseStatusTrying)
	}

	// 100 is the only provisional a non-INVITE transaction may send
	if err := f.tx.Respond(ctx, sip.ResponseStatusRinging, nil); !errors.Is(err, sip.ErrInvalidArgument) {
		t.Fatalf("tx.Respond(ctx, 180, nil) error = %v, want %v", err, sip.ErrInvalidArgument)
	}
	if got, want := f.tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}
	f.tp.ensureNoSendRes(t, 50*time.Millisecond)

	f.respond(t, ctx, sip.ResponseStatusOK)
	if got, want := f.tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// a request retransmission now resends the final response
	if err := f.tx.RecvRequest(ctx, f.req); err != nil {
		t.Fatalf("tx.RecvRequest(ctx, retransmit) error = %v, want nil", err)
	}
	call = f.tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusOK {
		t.Fatalf("retransmit final status = %v, want %v", call.res.Status(), sip.ResponseStatusOK)
	}

	// provisionals are rejected once the final response went out
	if err := f.tx.Respond(ctx, sip.ResponseStatusTrying, nil); err == nil {
		t.Fatal("tx.Respond(ctx, 100, nil) error = nil, want error")
	}

	// repeated final responses from the TU are absorbed
	if err := f.tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, f.timings.TimeJ()+200*time.Millisecond)
	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestNonInviteServerTransaction_RecvRequestMismatch(t *testing.T) {
	t.Parallel()

	f := newSrvNonInviteFixture(t, ".mismatch", 50*time.Millisecond)

	other := newInNonInviteReq(t, f.tp.Proto(), sip.MagicCookie+".other-branch",
		netip.MustParseAddrPort("33.33.33.33:5070"),
		netip.MustParseAddrPort("55.55.55.55:5060"),
	)

	ctx := t.Context()
	if err := f.tx.RecvRequest(ctx, other); err == nil {
		t.Fatal("tx.RecvRequest(ctx, other) error = nil, want error")
	}

	f.tp.ensureNoSendRes(t, 100*time.Millisecond)

	if err := f.tx.Terminate(ctx); err != nil {
		t.Fatalf("tx.Terminate() error = %v, want nil", err)
	}
}

func TestNonInviteServerTransaction_ProceedingTranspErr(t *testing.T) {
	t.Parallel()

	f := newSrvNonInviteFixture(t, ".transp-err", 5*time.Millisecond)

	sendErr := errors.New("transport test error")
	f.tp.setSendResHook(func(_ sendResCall, idx int) error {
		if idx >= 1 {
			return errtrace.Wrap(sendErr)
		}
		return nil
	})

	ctx := t.Context()
	f.respond(t, ctx, sip.ResponseStatusTrying)
	if got, want := f.tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	// the second send fails in transport and kills the transaction
	if err := f.tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}

	waitForTransactState(t, f.tx, sip.TransactionStateTerminated, 200*time.Millisecond)

	if err := f.tx.Err(); !errors.Is(err, sendErr) {
		t.Fatalf("tx.Err() = %v, want wrapped %v", err, sendErr)
	}

	f.tp.ensureNoSendRes(t, 100*time.Millisecond)
}

func TestNonInviteServerTransaction_RoundTripSnapshot(t *testing.T) {
	t.Parallel()

	t1 := 5 * time.Millisecond
	timings := sip.NewTimings(t1, 8*t1, 10*t1, 64*t1, 2*t1, time.Minute)

	remote := netip.MustParseAddrPort("44.44.44.44:5060")
	local := netip.MustParseAddrPort("11.11.11.11:5070")

	origTP := newStubTransportExt("UDP", "udp", netip.AddrPortFrom(netip.IPv4Unspecified(), 5070), false)
	req := newInNonInviteReq(t, origTP.Proto(), sip.MagicCookie+".snapshot", local, remote)

	tx, err := sip.NewNonInviteServerTransaction(req, origTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.NewNonInviteServerTransaction() error = %v, want nil", err)
	}

	ctx := t.Context()
	if err := tx.Respond(ctx, sip.ResponseStatusOK, nil); err != nil {
		t.Fatalf("tx.Respond(ctx, 200, nil) error = %v, want nil", err)
	}
	call := origTP.waitSendRes(t, 50*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusOK {
		t.Fatalf("final response status = %v, want %v", call.res.Status(), sip.ResponseStatusOK)
	}
	if got, want := tx.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	snap := tx.Snapshot()
	if snap == nil || snap.TimerJ == nil {
		t.Fatal("tx.Snapshot().TimerJ = nil, want non-nil")
	}

	restoredTP := newStubTransportExt(origTP.Proto(), origTP.Network(), origTP.LocalAddr(), origTP.Reliable())
	restored, err := sip.RestoreNonInviteServerTransaction(snap, restoredTP, &sip.ServerTransactionOptions{Timings: timings})
	if err != nil {
		t.Fatalf("sip.RestoreNonInviteServerTransaction(snap, tp, opts) error = %v, want nil", err)
	}

	if got, want := restored.State(), sip.TransactionStateCompleted; got != want {
		t.Fatalf("restored.State() = %q, want %q", got, want)
	}
	if got, want := restored.Key(), tx.Key(); got != want {
		t.Fatalf("restored.Key() = %v, want %v", got, want)
	}
	if res := restored.LastResponse(); res.Status() != sip.ResponseStatusOK {
		t.Fatalf("restored.LastResponse().Status() = %v, want %v", res.Status(), sip.ResponseStatusOK)
	}

	waitForTransactState(t, restored, sip.TransactionStateTerminated, timings.TimeJ()+200*time.Millisecond)
}

func TestNonInviteServerTransaction_Terminate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		from  sip.TransactionState
		setup func(t *testing.T, ctx context.Context, f *srvNonInviteFixture)
	}{
		{
			name: "from trying",
			from: sip.TransactionStateTrying,
		},
		{
			name: "from proceeding",
			from: sip.TransactionStateProceeding,
			setup: func(t *testing.T, ctx context.Context, f *srvNonInviteFixture) {
				f.respond(t, ctx, sip.ResponseStatusTrying)
			},
		},
		{
			name: "from completed",
			from: sip.TransactionStateCompleted,
			setup: func(t *testing.T, ctx context.Context, f *srvNonInviteFixture) {
				f.respond(t, ctx, sip.ResponseStatusOK)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newSrvNonInviteFixture(t, ".terminate", 50*time.Millisecond)
			ctx := t.Context()

			if tt.setup != nil {
				tt.setup(t, ctx, f)
				f.tp.drainSendRess()
			}
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

func TestNonInviteServerTransaction_Terminate_Idempotent(t *testing.T) {
	t.Parallel()

	f := newSrvNonInviteFixture(t, ".terminate-idempotent", 50*time.Millisecond)
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
