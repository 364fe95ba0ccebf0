package sip

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/types"
)

// InviteServerTransaction runs the INVITE server state machine of
// RFC 3261 section 17.2.1 with the Accepted state from RFC 6026.
type InviteServerTransaction struct {
	*serverTransact

	tmr1xx  txTimerSlot
	tmrProg txTimerSlot
	tmrG    txTimerSlot
	tmrH    txTimerSlot
	tmrI    txTimerSlot
	tmrL    txTimerSlot

	onAck       types.CallbackManager[RequestHandler]
	pendingAcks types.Queue[*InboundRequest]
}

// NewInviteServerTransaction creates an INVITE server transaction and
// starts its state machine.
//
// Request must be a valid INVITE, transport must be non-nil. Options may
// be nil. The transaction key is derived from the request when the
// options do not carry one.
func NewInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !req.Method().Equal(RequestMethodInvite) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	if err := tx.initFSM(TransactionStateProceeding); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actProceeding(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtRecvAck   = "recv_ack"
	txEvtTimer1xx  = "timer_1xx"
	txEvtTimerProg = "timer_progress"
	txEvtTimerG    = "timer_g"
	txEvtTimerH    = "timer_h"
	txEvtTimerI    = "timer_i"
	txEvtTimerL    = "timer_l"
)

func (tx *InviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvAck, reflect.TypeOf((*InboundRequest)(nil)))

	tx.fsm.Configure(TransactionStateProceeding).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtTimer1xx, tx.actSend100).
		InternalTransition(txEvtTimerProg, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtSend2xx, TransactionStateAccepted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateAccepted).
		OnEntry(tx.actAccepted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actPassAck).
		InternalTransition(txEvtSend2xx, tx.actSendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtTimerL, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtTimerG, tx.actResendRes).
		InternalTransition(txEvtTranspErr, tx.actTranspErr).
		Permit(txEvtRecvAck, TransactionStateConfirmed).
		Permit(txEvtTimerH, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateConfirmed).
		OnEntry(tx.actConfirmed).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		InternalTransition(txEvtRecvAck, tx.actNoop).
		Permit(txEvtTimerI, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerH, tx.actTimedOut)

	return nil
}

// actSend100 sends the automatic 100 Trying when the TU has not
// produced a provisional response within the 1xx interval.
func (tx *InviteServerTransaction) actSend100(ctx context.Context, _ ...any) error {
	res, err := tx.req.NewResponse(ResponseStatusTrying, nil)
	if err != nil {
		// the stored request already passed validation
		panic(fmt.Errorf("create auto %q response: %w", ResponseStatusTrying, err))
	}

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx), slog.Any("response", res))

	tx.sendRes(ctx, res, nil) //nolint:errcheck
	return nil
}

// actSendRes sends the TU response. A non-100 provisional arms the
// progress timer that keeps retransmitting it, a final response stops
// the retransmissions.
func (tx *InviteServerTransaction) actSendRes(ctx context.Context, args ...any) error {
	tx.stopTimer(ctx, &tx.tmr1xx, "1xx timer")

	res := args[0].(*OutboundResponse) //nolint:forcetypeassert
	switch sts := res.Status(); {
	case sts.IsProvisional() && sts != ResponseStatusTrying:
		tx.startTimer(ctx, &tx.tmrProg, "progress timer", tx.timings.TimeProgress(), tx.onTimerProg)
	case !sts.IsProvisional():
		tx.stopTimer(ctx, &tx.tmrProg, "progress timer")
	}

	return errtrace.Wrap(tx.serverTransact.actSendRes(ctx, args...))
}

func (tx *InviteServerTransaction) onTimerProg() {
	tx.fireRetransmitTimer(&tx.tmrProg, "progress timer", txEvtTimerProg,
		func(time.Duration) time.Duration { return tx.timings.TimeProgress() },
		TransactionStateProceeding,
	)
}

func (tx *InviteServerTransaction) actPassAck(ctx context.Context, args ...any) error {
	ack := args[0].(*InboundRequest) //nolint:forcetypeassert

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass ACK", slog.Any("transaction", tx), slog.Any("ack", ack))

	tx.pendingAcks.Append(ack)
	if tx.onAck.Len() > 0 {
		tx.deliverPendingAcks()
	}
	return nil
}

func (tx *InviteServerTransaction) deliverPendingAcks() {
	acks := tx.pendingAcks.Drain()
	if len(acks) == 0 {
		return
	}

	tx.onAck.Range(func(fn RequestHandler) {
		for _, ack := range acks {
			fn(tx.ctx, ack)
		}
	})
}

//nolint:unparam
func (tx *InviteServerTransaction) actProceeding(ctx context.Context, args ...any) error {
	tx.serverTransact.actProceeding(ctx, args...) //nolint:errcheck

	tx.startTimer(ctx, &tx.tmr1xx, "1xx timer", tx.timings.Time100(), tx.onTimer1xx)

	return nil
}

func (tx *InviteServerTransaction) onTimer1xx() {
	tx.fireTimer(&tx.tmr1xx, "1xx timer", txEvtTimer1xx, TransactionStateProceeding)
}

func (tx *InviteServerTransaction) actAccepted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction accepted", slog.Any("transaction", tx))

	tx.startTimer(ctx, &tx.tmrL, "timer L", tx.timings.TimeL(), tx.onTimerL)

	return nil
}

func (tx *InviteServerTransaction) onTimerL() {
	tx.fireTimer(&tx.tmrL, "timer L", txEvtTimerL, TransactionStateAccepted)
}

func (tx *InviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrG, "timer G", tx.timings.TimeG(), tx.onTimerG)
	}
	tx.startTimer(ctx, &tx.tmrH, "timer H", tx.timings.TimeH(), tx.onTimerH)

	return nil
}

func (tx *InviteServerTransaction) onTimerH() {
	tx.fireTimer(&tx.tmrH, "timer H", txEvtTimerH, TransactionStateCompleted)
}

func (tx *InviteServerTransaction) onTimerG() {
	tx.fireRetransmitTimer(&tx.tmrG, "timer G", txEvtTimerG,
		func(cur time.Duration) time.Duration { return min(2*cur, tx.timings.T2()) },
		TransactionStateCompleted,
	)
}

func (tx *InviteServerTransaction) actConfirmed(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction confirmed", slog.Any("transaction", tx))

	tx.stopTimer(ctx, &tx.tmrH, "timer H")
	tx.stopTimer(ctx, &tx.tmrG, "timer G")

	// timer I is zero on reliable transports, so it fires at once
	var timeI time.Duration
	if !IsReliableTransport(tx.tp) {
		timeI = tx.timings.TimeI()
	}
	tx.startTimer(ctx, &tx.tmrI, "timer I", timeI, tx.onTimerI)

	return nil
}

func (tx *InviteServerTransaction) onTimerI() {
	tx.fireTimer(&tx.tmrI, "timer I", txEvtTimerI, TransactionStateConfirmed)
}

func (tx *InviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	// timer G can be active after transition to here by timer H
	tx.stopTimer(ctx, &tx.tmrProg, "progress timer")
	tx.stopTimer(ctx, &tx.tmrG, "timer G")
	tx.stopTimer(ctx, &tx.tmrH, "timer H")
	tx.stopTimer(ctx, &tx.tmrI, "timer I")
	tx.stopTimer(ctx, &tx.tmrL, "timer L")

	return nil
}

func (tx *InviteServerTransaction) adjustKeys(txKey, reqKey *ServerTransactionKey, req *InboundRequest) {
	if !IsRFC3261Branch(txKey.Branch) && req.Method().Equal(RequestMethodAck) {
		to, _ := req.Headers().To()
		reqKey.ToTag, _ = to.Tag()

		if res := tx.LastResponse(); res != nil {
			to, _ := res.Headers().To()
			txKey.ToTag, _ = to.Tag()
		}
	}
}

func (tx *InviteServerTransaction) recvReq(ctx context.Context, req *InboundRequest) error {
	if req.Method().Equal(RequestMethodAck) {
		return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvAck, req))
	}
	return errtrace.Wrap(tx.serverTransact.recvReq(ctx, req))
}

// OnAck registers a callback for ACKs absorbed by this transaction.
//
// Only an RFC 2543 style ACK, matched without a branch cookie, lands
// here. An RFC 3261 ACK for a 2xx travels outside the INVITE
// transaction and never reaches this callback.
//
// The callback runs with the transaction context, see [Transaction.Context].
// The transaction can be retrieved from the context with [TransactionFromContext].
//
// The returned cancel function removes the callback.
// Multiple callbacks can be registered.
func (tx *InviteServerTransaction) OnAck(fn RequestHandler) (cancel func()) {
	cancel = tx.onAck.Add(fn)
	tx.deliverPendingAcks()
	return cancel
}

func (tx *InviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendResOpts(tx.sendOpts.Load()),
		Timings:      tx.timings,
		Timer1xx:     tx.tmr1xx.Load().Snapshot(),
		TimerProg:    tx.tmrProg.Load().Snapshot(),
		TimerG:       tx.tmrG.Load().Snapshot(),
		TimerH:       tx.tmrH.Load().Snapshot(),
		TimerI:       tx.tmrI.Load().Snapshot(),
		TimerL:       tx.tmrL.Load().Snapshot(),
	}
}

// RestoreInviteServerTransaction rebuilds an INVITE server transaction
// from a snapshot taken with [ServerTransaction.Snapshot].
//
// The state machine resumes in the snapshotted state, timers resume
// with their remaining durations and timers the snapshot recorded as
// expired are not restarted. The key from the options is ignored, the
// snapshot key wins.
func RestoreInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*InviteServerTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeServerInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	var restoreOpts ServerTransactionOptions
	if opts != nil {
		restoreOpts = *opts
	}
	restoreOpts.Key = snap.Key
	restoreOpts.Timings = snap.Timings

	tx := new(InviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerInvite, tx, snap.Request, tp, &restoreOpts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	if snap.LastResponse != nil {
		tx.lastRes.Store(snap.LastResponse)
	}

	if snap.SendOptions != nil {
		tx.sendOpts.Store(cloneSendResOpts(snap.SendOptions))
	}

	if err := tx.initFSM(snap.State); err != nil {
		return nil, errtrace.Wrap(err)
	}

	tx.restoreTimers(snap)

	return tx, nil
}

func (tx *InviteServerTransaction) restoreTimers(snap *ServerTransactionSnapshot) {
	tx.restoreTimer(&tx.tmr1xx, snap.Timer1xx, tx.onTimer1xx)
	tx.restoreTimer(&tx.tmrProg, snap.TimerProg, tx.onTimerProg)
	tx.restoreTimer(&tx.tmrG, snap.TimerG, tx.onTimerG)
	tx.restoreTimer(&tx.tmrH, snap.TimerH, tx.onTimerH)
	tx.restoreTimer(&tx.tmrI, snap.TimerI, tx.onTimerI)
	tx.restoreTimer(&tx.tmrL, snap.TimerL, tx.onTimerL)
}
