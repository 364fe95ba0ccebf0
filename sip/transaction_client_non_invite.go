package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteClientTransaction runs the non-INVITE client state machine
// of RFC 3261 section 17.1.2.
type NonInviteClientTransaction struct {
	*clientTransact

	tmrE txTimerSlot
	tmrF txTimerSlot
	tmrK txTimerSlot
}

// NewNonInviteClientTransaction creates a non-INVITE client
// transaction, sends the request and starts its state machine.
//
// Request must be valid and carry any method except INVITE or ACK,
// transport must be non-nil. Options may be nil. The transaction key is
// derived from the request when the options do not carry one.
func NewNonInviteClientTransaction(
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if mtd := req.Method(); mtd.Equal(RequestMethodInvite) || mtd.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.clientTransact = clnTx

	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const (
	txEvtTimerE = "timer_e"
	txEvtTimerF = "timer_f"
	txEvtTimerK = "timer_k"
)

func (tx *NonInviteClientTransaction) initFSM(start TransactionState) error {
	if err := tx.clientTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		Permit(txEvtRecv1xx, TransactionStateProceeding).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtRecv1xx, tx.actPassRes).
		InternalTransition(txEvtTimerE, tx.actSendReq).
		InternalTransition(txEvtRecv1xx, tx.actPassRes).
		Permit(txEvtRecv2xx, TransactionStateCompleted).
		Permit(txEvtRecv300699, TransactionStateCompleted).
		Permit(txEvtTimerF, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtRecv2xx, tx.actPassFinalRes).
		OnEntryFrom(txEvtRecv300699, tx.actPassFinalRes).
		Permit(txEvtTimerK, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTimerF, tx.actTimedOut).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

func (tx *NonInviteClientTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	if err := tx.sendReq(ctx, tx.req); err != nil {
		return errtrace.Wrap(err)
	}

	if !IsReliableTransport(tx.tp) {
		tx.startTimer(ctx, &tx.tmrE, "timer E", tx.timings.TimeE(), tx.onTimerE)
	}
	tx.startTimer(ctx, &tx.tmrF, "timer F", tx.timings.TimeF(), tx.onTimerF)

	return nil
}

func (tx *NonInviteClientTransaction) onTimerE() {
	tx.fireRetransmitTimer(&tx.tmrE, "timer E", txEvtTimerE,
		// retransmissions back off while trying, then settle at T2
		func(cur time.Duration) time.Duration {
			if tx.State() == TransactionStateTrying {
				return min(2*cur, tx.timings.T2())
			}
			return tx.timings.T2()
		},
		TransactionStateTrying, TransactionStateProceeding,
	)
}

func (tx *NonInviteClientTransaction) onTimerF() {
	tx.fireTimer(&tx.tmrF, "timer F", txEvtTimerF, TransactionStateTrying, TransactionStateProceeding)
}

// actPassFinalRes forwards the final response to the TU. A 408 is the
// remote form of the timer F timeout and is never surfaced as a
// response (RFC 4320).
func (tx *NonInviteClientTransaction) actPassFinalRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	if res.Status() == ResponseStatusRequestTimeout {
		return errtrace.Wrap(tx.actTimedOut(ctx, args...))
	}
	return errtrace.Wrap(tx.actPassRes(ctx, args...))
}

func (tx *NonInviteClientTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.clientTransact.actCompleted(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrE, "timer E")
	tx.stopTimer(ctx, &tx.tmrF, "timer F")

	// timer K is zero on reliable transports, so it fires at once
	var timeK time.Duration
	if !IsReliableTransport(tx.tp) {
		timeK = tx.timings.TimeK()
	}
	tx.startTimer(ctx, &tx.tmrK, "timer K", timeK, tx.onTimerK)

	return nil
}

func (tx *NonInviteClientTransaction) onTimerK() {
	tx.fireTimer(&tx.tmrK, "timer K", txEvtTimerK, TransactionStateCompleted)
}

func (tx *NonInviteClientTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.clientTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrE, "timer E")
	tx.stopTimer(ctx, &tx.tmrF, "timer F")
	tx.stopTimer(ctx, &tx.tmrK, "timer K")

	return nil
}

func (tx *NonInviteClientTransaction) takeSnapshot() *ClientTransactionSnapshot {
	return &ClientTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendReqOpts(tx.sendOpts),
		Timings:      tx.timings,
		TimerE:       tx.tmrE.Load().Snapshot(),
		TimerF:       tx.tmrF.Load().Snapshot(),
		TimerK:       tx.tmrK.Load().Snapshot(),
	}
}

// RestoreNonInviteClientTransaction rebuilds a non-INVITE client
// transaction from a snapshot taken with [ClientTransaction.Snapshot].
//
// The state machine resumes in the snapshotted state, timers resume
// with their remaining durations and timers the snapshot recorded as
// expired are not restarted. The key from the options is ignored, the
// snapshot key wins.
func RestoreNonInviteClientTransaction(
	snap *ClientTransactionSnapshot,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*NonInviteClientTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeClientNonInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	var restoreOpts ClientTransactionOptions
	if opts != nil {
		restoreOpts = *opts
	}
	restoreOpts.Key = snap.Key
	restoreOpts.SendOptions = cloneSendReqOpts(snap.SendOptions)
	restoreOpts.Timings = snap.Timings

	tx := new(NonInviteClientTransaction)
	clnTx, err := newClientTransact(TransactionTypeClientNonInvite, tx, snap.Request, tp, &restoreOpts)
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

func (tx *NonInviteClientTransaction) restoreTimers(snap *ClientTransactionSnapshot) {
	tx.restoreTimer(&tx.tmrE, snap.TimerE, tx.onTimerE)
	tx.restoreTimer(&tx.tmrF, snap.TimerF, tx.onTimerF)
	tx.restoreTimer(&tx.tmrK, snap.TimerK, tx.onTimerK)
}
