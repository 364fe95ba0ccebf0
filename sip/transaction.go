package sip

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"reflect"
	"slices"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/onsip/sipcore/internal/syncutil"
	"github.com/onsip/sipcore/internal/timeutil"
	"github.com/onsip/sipcore/internal/types"
)

// TransactionType represents the type of a SIP transaction.
type TransactionType string

// Transaction type constants.
const (
	TransactionTypeClientInvite    TransactionType = "client_invite"
	TransactionTypeClientNonInvite TransactionType = "client_non_invite"
	TransactionTypeServerInvite    TransactionType = "server_invite"
	TransactionTypeServerNonInvite TransactionType = "server_non_invite"
)

// TransactionState represents the state of a SIP transaction
// as described in RFC 3261 Section 17 and RFC 6026.
type TransactionState string

// Transaction state constants.
const (
	TransactionStateCalling    TransactionState = "calling"
	TransactionStateTrying     TransactionState = "trying"
	TransactionStateProceeding TransactionState = "proceeding"
	TransactionStateAccepted   TransactionState = "accepted"
	TransactionStateCompleted  TransactionState = "completed"
	TransactionStateConfirmed  TransactionState = "confirmed"
	TransactionStateTerminated TransactionState = "terminated"
)

// Transaction represents a SIP transaction.
type Transaction interface {
	// Type returns the transaction type.
	Type() TransactionType
	// State returns the current transaction state.
	State() TransactionState
	// Context returns the transaction context.
	// The context is canceled when the transaction is terminated.
	Context() context.Context
	// Err returns the error that moved the transaction to the terminated state,
	// or nil if the transaction completed normally or is still running.
	Err() error
	// OnStateChanged registers a callback to be called on each state transition.
	OnStateChanged(fn TransactionStateHandler) (cancel func())
	// Terminate moves the transaction to the terminated state.
	// It is a no-op on an already terminated transaction.
	Terminate(ctx context.Context) error
}

// TransactionStateHandler is called on each transaction state transition.
type TransactionStateHandler = func(ctx context.Context, from, to TransactionState)

// TransactionStore is a storage of active transactions keyed by the
// transaction key. Implementations must be safe for concurrent use.
type TransactionStore[K comparable, V any] interface {
	// Load returns the transaction stored under the key.
	// Returns [ErrTransactionNotFound] if there is no such transaction.
	Load(ctx context.Context, key K) (V, error)
	// Store puts the transaction under the key.
	Store(ctx context.Context, key K, val V) error
	// Delete removes the transaction stored under the key.
	// Returns [ErrTransactionNotFound] if there is no such transaction.
	Delete(ctx context.Context, key K) error
	// All iterates over all stored transactions.
	All(ctx context.Context) (iter.Seq2[K, V], error)
}

// NewMemoryTransactionStore creates a new in-memory [TransactionStore].
func NewMemoryTransactionStore[K comparable, V any]() TransactionStore[K, V] {
	return &memTransactionStore[K, V]{
		items: syncutil.NewShardMap[K, V](),
	}
}

type memTransactionStore[K comparable, V any] struct {
	items *syncutil.ShardMap[K, V]
}

func (s *memTransactionStore[K, V]) Load(_ context.Context, key K) (V, error) {
	v, ok := s.items.Get(key)
	if !ok {
		var zero V
		return zero, errtrace.Wrap(ErrTransactionNotFound)
	}
	return v, nil
}

func (s *memTransactionStore[K, V]) Store(_ context.Context, key K, val V) error {
	s.items.Set(key, val)
	return nil
}

func (s *memTransactionStore[K, V]) Delete(_ context.Context, key K) error {
	if _, ok := s.items.Del(key); !ok {
		return errtrace.Wrap(ErrTransactionNotFound)
	}
	return nil
}

func (s *memTransactionStore[K, V]) All(_ context.Context) (iter.Seq2[K, V], error) {
	return s.items.Items(), nil
}

// TransactionFromContext returns the client or server transaction
// carried by the context.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	if tx, ok := ClientTransactionFromContext(ctx); ok {
		return tx, true
	}
	if tx, ok := ServerTransactionFromContext(ctx); ok {
		return tx, true
	}
	return nil, false
}

// Common transaction FSM events.
const (
	txEvtTerminate = "terminate"
	txEvtTranspErr = "transp_err"
)

// transactImpl is the concrete transaction type behind a [baseTransact].
type transactImpl interface {
	Transaction
}

type baseTransact struct {
	ctx    context.Context
	cancel context.CancelFunc
	typ    TransactionType
	impl   transactImpl
	fsm    *stateless.StateMachine
	log    *slog.Logger

	lastErr atomic.Pointer[error]

	onStateChanged types.CallbackManager[TransactionStateHandler]
}

func newBaseTransact(ctx context.Context, typ TransactionType, impl transactImpl, logger *slog.Logger) *baseTransact {
	ctx, cancel := context.WithCancel(ctx)
	return &baseTransact{
		ctx:    ctx,
		cancel: cancel,
		typ:    typ,
		impl:   impl,
		log:    logger,
	}
}

func (tx *baseTransact) initFSM(start TransactionState) error {
	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	fsm.SetTriggerParameters(txEvtTranspErr, reflect.TypeOf((*error)(nil)).Elem())
	fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from, _ := tr.Source.(TransactionState)
		to, _ := tr.Destination.(TransactionState)
		if from == to {
			return
		}

		tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction state changed",
			slog.Any("transaction", tx.impl),
			slog.Any("from", from),
			slog.Any("to", to),
		)

		tx.onStateChanged.Range(func(fn TransactionStateHandler) {
			fn(ctx, from, to)
		})
	})
	tx.fsm = fsm
	return nil
}

// Type returns the transaction type.
func (tx *baseTransact) Type() TransactionType { return tx.typ }

// State returns the current transaction state.
func (tx *baseTransact) State() TransactionState {
	st, _ := tx.fsm.MustState().(TransactionState)
	return st
}

// Context returns the transaction context.
func (tx *baseTransact) Context() context.Context { return tx.ctx }

// Err returns the transaction error.
func (tx *baseTransact) Err() error {
	if p := tx.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (tx *baseTransact) setErr(err error) {
	if err == nil {
		return
	}
	tx.lastErr.Store(&err)
}

// Log returns the transaction logger.
func (tx *baseTransact) Log() *slog.Logger { return tx.log }

// OnStateChanged registers a callback to be called on each state transition.
func (tx *baseTransact) OnStateChanged(fn TransactionStateHandler) (cancel func()) {
	return tx.onStateChanged.Add(fn)
}

// Terminate moves the transaction to the terminated state.
func (tx *baseTransact) Terminate(ctx context.Context) error {
	if tx.State() == TransactionStateTerminated {
		return nil
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtTerminate))
}

func (tx *baseTransact) actNoop(context.Context, ...any) error { return nil }

func (tx *baseTransact) actTerminated(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction terminated", slog.Any("transaction", tx.impl))

	tx.cancel()
	return nil
}

func (tx *baseTransact) actTimedOut(ctx context.Context, _ ...any) error {
	tx.setErr(ErrTransactionTimedOut)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction timed out", slog.Any("transaction", tx.impl))

	return nil
}

func (tx *baseTransact) actTranspErr(ctx context.Context, args ...any) error {
	err, _ := args[0].(error)
	tx.setErr(err)

	tx.log.LogAttrs(ctx, slog.LevelWarn, "transaction transport error",
		slog.Any("transaction", tx.impl),
		slog.Any("error", err),
	)

	return nil
}

// txTimerSlot is a timer slot of a transaction state machine.
type txTimerSlot = atomic.Pointer[timeutil.SerializableTimer]

// startTimer arms the slot with a fresh timer for d and logs it.
func (tx *baseTransact) startTimer(ctx context.Context, slot *txTimerSlot, name string, d time.Duration, fn func()) {
	tmr := timeutil.AfterFunc(d, fn)
	slot.Store(tmr)

	tx.log.LogAttrs(ctx, slog.LevelDebug, name+" started",
		slog.Any("transaction", tx.impl),
		slog.Time("expires_at", time.Now().Add(tmr.Left())),
	)
}

// stopTimer disarms the slot. Stopping an empty or already fired slot is a no-op.
func (tx *baseTransact) stopTimer(ctx context.Context, slot *txTimerSlot, name string) {
	if tmr := slot.Swap(nil); tmr != nil && tmr.Stop() {
		tx.log.LogAttrs(ctx, slog.LevelDebug, name+" stopped", slog.Any("transaction", tx.impl))
	}
}

// fireTimer is the expiry callback body of a one-shot timer: it clears
// the slot and fires evt, unless the machine already left the want states.
func (tx *baseTransact) fireTimer(slot *txTimerSlot, name, evt string, want ...TransactionState) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, name+" expired", slog.Any("transaction", tx.impl))

	slot.Store(nil)

	if !slices.Contains(want, tx.State()) {
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.State(), err))
	}
}

// fireRetransmitTimer is the expiry callback body of a retransmission
// timer: while the machine stays in the want states it fires evt and
// re-arms the slot with the next backoff interval.
func (tx *baseTransact) fireRetransmitTimer(
	slot *txTimerSlot,
	name, evt string,
	next func(cur time.Duration) time.Duration,
	want ...TransactionState,
) {
	tx.log.LogAttrs(tx.ctx, slog.LevelDebug, name+" expired", slog.Any("transaction", tx.impl))

	if !slices.Contains(want, tx.State()) {
		slot.Store(nil)
		return
	}

	if err := tx.fsm.FireCtx(tx.ctx, evt); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", evt, tx.State(), err))
	}

	// the slot is emptied when the state transition cancels the timer
	if tmr := slot.Load(); tmr != nil {
		tmr.Reset(next(tmr.Duration()))

		tx.log.LogAttrs(tx.ctx, slog.LevelDebug, name+" reset",
			slog.Any("transaction", tx.impl),
			slog.Time("expires_at", time.Now().Add(tmr.Left())),
		)
	}
}

// restoreTimer rebuilds a timer from its snapshot and rebinds the expiry callback.
func (tx *baseTransact) restoreTimer(slot *txTimerSlot, snap *timeutil.TimerSnapshot, fn func()) {
	if snap == nil {
		return
	}
	tmr := timeutil.RestoreTimer(snap)
	tmr.SetCallback(fn)
	slot.Store(tmr)
}
