package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
)

// InviteClientTransaction runs the INVITE client state machine of
// RFC 3261 section 17.1.1 with the Accepted state from RFC 6026.
type InviteClientTransaction struct {
	*clientTransact

	tmrA txTimerSlot
	tmrB txTimerSlot
	tmrD txTimerSlot
	tmrM txTimerSlot

	ack atomic.Pointer[OutboundRequest]

	acksMu  sync.Mutex
	acks2xx map[string]*OutboundRequest
}

// NewInviteClientTransaction creates an INVITE client transaction, sends
// the request and starts its state machine.
//
// Request must be a valid INVITE, transport must be non-nil. Options may
// be nil. The transaction key is derived from the request when the
// options do not carry one.
func NewInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	if err := tx.initFSM(TransactionStateCalling); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actCalling(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerA = "timer_a"
	txEvtTimerB = "timer_b"
	txEvtTimerD = "timer_d"
	txEvtTimerM = "timer_m"
)

func (tx *InviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateCalling).
		InternalTransition(txEvtTimerA, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerB, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateAccepted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv300699, tx.actPassResSendAck).
		InternalTransition(txEvtRecv300699, tx.actSendAck).
		Permit(txEvtTimerD, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtRecv2xx, tx.actRecv2xx).
		InternalTransition(txEvtRecv2xx, tx.actRecv2xx).
		Permit(txEvtTimerM, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerB, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

func (tx *InviteClientTransaction) actPassResSendAck(ctx context.Context, args ...any) error {
	tx.actPassRes(ctx, args...) //nolint:errcheck
	tx.actSendAck(ctx, args...) //nolint:errcheck
	return nil
}

// buildAck derives the transaction ACK for res: the original request
// with method ACK, a single Via, and the To of the response.
func (tx *InviteClientTransaction) buildAck(res *InboundResponse) *OutboundRequest {
	ack := tx.req.Clone().(*OutboundRequest) //nolint:forcetypeassert
	ack.msg.Method = RequestMethodAck

	via, _ := ack.msg.Headers.FirstVia()
	ack.msg.Headers.Set(header.Via{via})

	cseq, _ := ack.msg.Headers.CSeq()
	cseq.Method = RequestMethodAck

	to, _ := res.Headers().To()
	ack.msg.Headers.Set(to)

	ack.msg.Headers.Set(header.MaxForwards(70))
	return ack
}

// actSendAck builds the non-2xx ACK on first use and retransmits it on
// later 3xx-6xx retransmissions.
func (tx *InviteClientTransaction) actSendAck(ctx context.Context, _ ...any) error {
	ack := tx.ack.Load()
	if ack == nil {
		ack = tx.buildAck(tx.LastResponse())
		tx.ack.Store(ack)
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", ack))

	tx.sendReq(ctx, ack) //nolint:errcheck
	return nil
}

// actRecv2xx dispatches a 2xx into the accepted state. The first 2xx
// per to-tag goes up to the TU, which acknowledges it itself, and
// primes the ACK cache for its branch. A repeat of an already seen
// to-tag is a retransmission: the cached ACK is resent and the TU is
// not notified again (RFC 6026).
func (tx *InviteClientTransaction) actRecv2xx(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	toTag := responseToTag(res)

	tx.acksMu.Lock()
	ack, seen := tx.acks2xx[toTag]
	if !seen {
		if tx.acks2xx == nil {
			tx.acks2xx = make(map[string]*OutboundRequest)
		}
		tx.acks2xx[toTag] = tx.buildAck(res)
	}
	tx.acksMu.Unlock()

	if seen {
		tx.log.LogAttrs(ctx, slog.LevelDebug, "absorb 2xx retransmission",
			slog.Any("transaction", tx.impl),
			slog.Any("response", res),
		)
		tx.sendReq(ctx, ack) //nolint:errcheck
		return nil
	}
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *InviteClientTransaction) actCalling(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction calling", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrA, "timer A", tx.timings.TimeA(), tx.onTimerA)
	}
	tx.startTimer(ctx, &tx.tmrB, "timer B", tx.timings.TimeB(), tx.onTimerB)

	return nil
}

func (tx *InviteClientTransaction) onTimerA() {
	tx.fireRetransmitTimer(&tx.tmrA, "timer A", txEvtTimerA,
		func(cur time.Duration) time.Duration { return 2 * cur },
		TransactionStateCalling,
	)
}

func (tx *InviteClientTransaction) onTimerB() {
	tx.fireTimer(&tx.tmrB, "timer B", txEvtTimerB, TransactionStateCalling)
}

func (tx *InviteClientTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.clientTransact.actProceeding(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")

	return nil
}

func (tx *InviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")

	// timer D is zero on reliable transports, so it fires at once
	var timeD time.Duration
	if !IsReliableTransport(tx.tp) {
		timeD = tx.timings.TimeD()
	}
	tx.startTimer(ctx, &tx.tmrD, "timer D", timeD, tx.onTimerD)

	return nil
}

func (tx *InviteClientTransaction) onTimerD() {
	tx.fireTimer(&tx.tmrD, "timer D", txEvtTimerD, TransactionStateCompleted)
}

func (tx *InviteClientTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")

	tx.startTimer(ctx, &tx.tmrM, "timer M", tx.timings.TimeM(), tx.onTimerM)

	return nil
}

func (tx *InviteClientTransaction) onTimerM() {
	tx.fireTimer(&tx.tmrM, "timer M", txEvtTimerM, TransactionStateAccepted)
}

func (tx *InviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrA, "timer A")
	tx.stopTimer(ctx, &tx.tmrB, "timer B")
	tx.stopTimer(ctx, &tx.tmrD, "timer D")
	tx.stopTimer(ctx, &tx.tmrM, "timer M")

	return nil
}

func (tx *InviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendReqOpts(tx.sendOpts),
		Timings:      tx.timings,
		TimerA:       tx.tmrA.Load().Snapshot(),
		TimerB:       tx.tmrB.Load().Snapshot(),
		TimerD:       tx.tmrD.Load().Snapshot(),
		TimerM:       tx.tmrM.Load().Snapshot(),
	}
}

// RestoreInviteClientTransaction rebuilds an INVITE client transaction
// from a snapshot taken with [ClientTransaction.Snapshot].
//
// The state machine resumes in the snapshotted state, timers resume
// with their remaining durations and timers the snapshot recorded as
// expired are not restarted. The key from the options is ignored, the
// snapshot key wins.
func RestoreInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*InviteClientTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeClientInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	var restoreOpts ClientTransactionOptions
	if opts != nil {
		restoreOpts = *opts
	}
	restoreOpts.Key = snap.Key
	restoreOpts.SendOptions = cloneSendReqOpts(snap.SendOptions)
	restoreOpts.Timings = snap.Timings

	tx := new(InviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientInvite, tx, snap.Request, tp, &restoreOpts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.restoreTimers(snap)

	return tx, nil
}

func (tx *InviteClientTransaction) restoreTimers(snap *ClientTransactionSnapshot) {
	tx.restoreTimer(&tx.tmrA, snap.TimerA, tx.onTimerA)
	tx.restoreTimer(&tx.tmrB, snap.TimerB, tx.onTimerB)
	tx.restoreTimer(&tx.tmrD, snap.TimerD, tx.onTimerD)
	tx.restoreTimer(&tx.tmrM, snap.TimerM, tx.onTimerM)
}
