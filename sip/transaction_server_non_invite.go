package sip

import (
	"context"
	"log/slog"
	"time"

	"braces.dev/errtrace"
)

// NonInviteServerTransaction runs the non-INVITE server state machine
// of RFC 3261 section 17.2.2.
type NonInviteServerTransaction struct {
	*serverTransact

	tmrJ txTimerSlot
}

// NewNonInviteServerTransaction creates a non-INVITE server transaction
// and starts its state machine.
//
// Request must be valid and carry any method except INVITE or ACK,
// transport must be non-nil. Options may be nil. The transaction key is
// derived from the request when the options do not carry one.
func NewNonInviteServerTransaction(
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if mtd := req.Method(); mtd.Equal(RequestMethodInvite) || mtd.Equal(RequestMethodAck) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, req, tp, opts)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	tx.serverTransact = srvTx

	if err := tx.initFSM(TransactionStateTrying); err != nil {
		return nil, errtrace.Wrap(err)
	}
	if err := tx.actTrying(tx.ctx); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return tx, nil
}

const txEvtTimerJ = "timer_j"

// Respond sends a response through the transaction. Provisional
// responses other than 100 Trying are banned on non-INVITE
// transactions (RFC 4320) and are rejected here.
func (tx *NonInviteServerTransaction) Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error {
	if sts.IsProvisional() && sts != ResponseStatusTrying {
		return errtrace.Wrap(NewInvalidArgumentError("non-INVITE provisional response other than 100"))
	}
	return errtrace.Wrap(tx.serverTransact.Respond(ctx, sts, opts))
}

func (tx *NonInviteServerTransaction) initFSM(start TransactionState) error {
	if err := tx.serverTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.Configure(TransactionStateTrying).
		InternalTransition(txEvtRecvReq, tx.actNoop).
		Permit(txEvtSend1xx, TransactionStateProceeding).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateProceeding).
		OnEntry(tx.actProceeding).
		OnEntryFrom(txEvtSend1xx, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend1xx, tx.actSendRes).
		Permit(txEvtSend2xx, TransactionStateCompleted).
		Permit(txEvtSend300699, TransactionStateCompleted).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateCompleted).
		OnEntry(tx.actCompleted).
		OnEntryFrom(txEvtSend2xx, tx.actSendRes).
		OnEntryFrom(txEvtSend300699, tx.actSendRes).
		InternalTransition(txEvtRecvReq, tx.actResendRes).
		InternalTransition(txEvtSend2xx, tx.actNoop).
		InternalTransition(txEvtSend300699, tx.actNoop).
		Permit(txEvtTimerJ, TransactionStateTerminated).
		Permit(txEvtTranspErr, TransactionStateTerminated).
		Permit(txEvtTerminate, TransactionStateTerminated)

	tx.fsm.Configure(TransactionStateTerminated).
		OnEntry(tx.actTerminated).
		OnEntryFrom(txEvtTranspErr, tx.actTranspErr)

	return nil
}

//nolint:unparam
func (tx *NonInviteServerTransaction) actTrying(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction trying", slog.Any("transaction", tx))

	return nil
}

func (tx *NonInviteServerTransaction) actCompleted(ctx context.Context, args ...any) error {
	tx.serverTransact.actCompleted(ctx, args...) //nolint:errcheck

	// timer J is zero on reliable transports, so it fires at once
	var timeJ time.Duration
	if !IsReliableTransport(tx.tp) {
		timeJ = tx.timings.TimeJ()
	}
	tx.startTimer(ctx, &tx.tmrJ, "timer J", timeJ, tx.onTimerJ)

	return nil
}

func (tx *NonInviteServerTransaction) onTimerJ() {
	tx.fireTimer(&tx.tmrJ, "timer J", txEvtTimerJ, TransactionStateCompleted)
}

func (tx *NonInviteServerTransaction) actTerminated(ctx context.Context, args ...any) error {
	tx.serverTransact.actTerminated(ctx, args...) //nolint:errcheck

	tx.stopTimer(ctx, &tx.tmrJ, "timer J")

	return nil
}

func (tx *NonInviteServerTransaction) takeSnapshot() *ServerTransactionSnapshot {
	return &ServerTransactionSnapshot{
		Time:         time.Now(),
		Type:         tx.typ,
		State:        tx.State(),
		Key:          tx.key,
		Request:      tx.req,
		LastResponse: tx.LastResponse(),
		SendOptions:  cloneSendResOpts(tx.sendOpts.Load()),
		Timings:      tx.timings,
		TimerJ:       tx.tmrJ.Load().Snapshot(),
	}
}

// RestoreNonInviteServerTransaction rebuilds a non-INVITE server
// transaction from a snapshot taken with [ServerTransaction.Snapshot].
//
// The state machine resumes in the snapshotted state, timer J resumes
// with its remaining duration unless the snapshot recorded it as
// expired. The key from the options is ignored, the snapshot key wins.
func RestoreNonInviteServerTransaction(
	snap *ServerTransactionSnapshot,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*NonInviteServerTransaction, error) {
	if !snap.IsValid() || snap.Type != TransactionTypeServerNonInvite {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	var restoreOpts ServerTransactionOptions
	if opts != nil {
		restoreOpts = *opts
	}
	restoreOpts.Key = snap.Key
	restoreOpts.Timings = snap.Timings

	tx := new(NonInviteServerTransaction)
	srvTx, err := newServerTransact(TransactionTypeServerNonInvite, tx, snap.Request, tp, &restoreOpts)
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

func (tx *NonInviteServerTransaction) restoreTimers(snap *ServerTransactionSnapshot) {
	tx.restoreTimer(&tx.tmrJ, snap.TimerJ, tx.onTimerJ)
}
