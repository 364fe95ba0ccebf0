package sip_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/onsip/sipcore/sip"
)

func TestTransactionLayer_MatchesServerTransaction(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	req := newInInviteReq(t, sip.TransportProto("UDP"), sip.MagicCookie+".layer-match", laddr, raddr)
	tx, err := txl.NewServerTransaction(ctx, req, tp, nil)
	if err != nil {
		t.Fatalf("NewServerTransaction() error = %v", err)
	}

	if err := tx.Respond(ctx, sip.ResponseStatusRinging, nil); err != nil {
		t.Fatalf("Respond(180) error = %v", err)
	}
	tp.drainSendRess()

	// retransmit arriving through the transport must hit the existing
	// transaction and resend the latest provisional
	tp.recvRequest(ctx, req)

	call := tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusRinging {
		t.Fatalf("retransmit response mismatch: got %v, want %v", call.res.Status(), sip.ResponseStatusRinging)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestTransactionLayer_UnmatchedRequestToHandler(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	reqCh := make(chan *sip.InboundRequest, 1)
	txl.OnRequest(func(_ context.Context, req *sip.InboundRequest) {
		select {
		case reqCh <- req:
		default:
		}
	})

	ctx := t.Context()
	req := newInInviteReq(t, sip.TransportProto("UDP"), sip.MagicCookie+".layer-unmatched", laddr, raddr)
	tp.recvRequest(ctx, req)

	select {
	case got := <-reqCh:
		if got.Method() != sip.RequestMethodInvite {
			t.Fatalf("handler request method = %q, want %q", got.Method(), sip.RequestMethodInvite)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("unmatched request not passed to handler")
	}

	if got := tp.responseCount(); got != 0 {
		t.Fatalf("unexpected sends on transport: got %d, want 0", got)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestTransactionLayer_UnmatchedRequestNoHandlers(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()
	req := newInInviteReq(t, sip.TransportProto("UDP"), sip.MagicCookie+".layer-no-handlers", laddr, raddr)
	tp.recvRequest(ctx, req)

	// without a request handler the layer answers statelessly
	call := tp.waitSendRes(t, 100*time.Millisecond)
	if call.res.Status() != sip.ResponseStatusServiceUnavailable {
		t.Fatalf("stateless response status = %v, want %v", call.res.Status(), sip.ResponseStatusServiceUnavailable)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestTransactionLayer_MatchesClientTransaction(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	req := newOutInviteReq(t, sip.TransportProto("UDP"), sip.MagicCookie+".layer-client", laddr, raddr)
	tx, err := txl.NewClientTransaction(ctx, req, tp, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v", err)
	}
	tp.drainSendReqs()

	resCh := make(chan *sip.InboundResponse, 1)
	tx.OnResponse(func(_ context.Context, _ sip.ClientTransaction, res *sip.InboundResponse) {
		select {
		case resCh <- res:
		default:
		}
	})

	tp.recvResponse(ctx, newInRes(t, req, sip.ResponseStatusRinging))

	assertResponseStatus(t, resCh, sip.ResponseStatusRinging)

	if got, want := tx.State(), sip.TransactionStateProceeding; got != want {
		t.Fatalf("tx.State() = %q, want %q", got, want)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestTransactionLayer_Close_Idempotent(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportProto("UDP"), 5060)

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestTransactionLayer_Close_RejectsNewClientTransaction(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := newOutInviteReq(t, sip.TransportProto("UDP"), "", laddr, raddr)
	_, err = txl.NewClientTransaction(ctx, req, tp, nil)
	if !errors.Is(err, sip.ErrTransactionLayerClosed) {
		t.Fatalf("NewClientTransaction() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
	}
}

func TestTransactionLayer_Close_RejectsNewServerTransaction(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := newInInviteReq(t, sip.TransportProto("UDP"), "", laddr, raddr)
	_, err = txl.NewServerTransaction(ctx, req, tp, nil)
	if !errors.Is(err, sip.ErrTransactionLayerClosed) {
		t.Fatalf("NewServerTransaction() error = %v, want %v", err, sip.ErrTransactionLayerClosed)
	}
}

func TestTransactionLayer_Close_TerminatesActiveTransactions(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	clnReq := newOutInviteReq(t, sip.TransportProto("UDP"), "", laddr, raddr)
	clnTx, err := txl.NewClientTransaction(ctx, clnReq, tp, nil)
	if err != nil {
		t.Fatalf("NewClientTransaction() error = %v", err)
	}

	srvReq := newInInviteReq(t, sip.TransportProto("UDP"), sip.MagicCookie+".srv-branch", laddr, raddr)
	srvTx, err := txl.NewServerTransaction(ctx, srvReq, tp, nil)
	if err != nil {
		t.Fatalf("NewServerTransaction() error = %v", err)
	}

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	waitForTransactState(t, clnTx, sip.TransactionStateTerminated, 100*time.Millisecond)
	waitForTransactState(t, srvTx, sip.TransactionStateTerminated, 100*time.Millisecond)
}

func TestTransactionLayer_Close_UnmatchedACKSilentlyDiscarded(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	inviteReq := newInInviteReq(t, sip.TransportProto("UDP"), "", laddr, raddr)
	res, err := inviteReq.NewResponse(sip.ResponseStatusOK, nil)
	if err != nil {
		t.Fatalf("NewResponse() error = %v", err)
	}
	ackReq := newInAckReq(t, inviteReq, res)

	tp.recvRequest(ctx, ackReq)

	if got := tp.responseCount(); got != 0 {
		t.Fatalf("unexpected sends on transport: got %d, want 0", got)
	}
}

func TestTransactionLayer_Close_UnmatchedResponseSilentlyDiscarded(t *testing.T) {
	t.Parallel()

	raddr := netip.MustParseAddrPort("192.168.1.100:5060")
	tp := newStubTransport(sip.TransportProto("UDP"), 5060)
	laddr := tp.LocalAddr()

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx := t.Context()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	req := newOutInviteReq(t, sip.TransportProto("UDP"), "", laddr, raddr)
	res := newInRes(t, req, sip.ResponseStatusOK)

	tp.recvResponse(ctx, res)

	if got := tp.responseCount(); got != 0 {
		t.Fatalf("unexpected sends on transport: got %d, want 0", got)
	}
}

func TestTransactionLayer_Close_WithContextTimeout(t *testing.T) {
	t.Parallel()

	tp := newStubTransport(sip.TransportProto("UDP"), 5060)

	txl, err := sip.NewTransactionLayer(tp, nil)
	if err != nil {
		t.Fatalf("NewTransactionLayer() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	if err := txl.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
