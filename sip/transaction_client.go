package sip

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/internal/timeutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/internal/util"
	"github.com/onsip/sipcore/log"
)

// ClientTransaction is the UAC side of a SIP transaction.
type ClientTransaction interface {
	Transaction
	// MatchResponse reports whether the response belongs to this transaction.
	MatchResponse(res *InboundResponse) error
	// RecvResponse feeds an inbound response from the transport layer
	// into the state machine.
	RecvResponse(ctx context.Context, res *InboundResponse) error
	// OnResponse registers a callback for responses passed up to the TU.
	OnResponse(fn TransactionResponseHandler) (cancel func())
}

// TransactionResponseHandler consumes responses a client transaction
// passes up.
type TransactionResponseHandler = func(ctx context.Context, tx ClientTransaction, res *InboundResponse)

// ClientTransactionStore keeps client transactions indexed by key.
type ClientTransactionStore = TransactionStore[ClientTransactionKey, ClientTransaction]

// NewMemoryClientTransactionStore returns an in-memory
// [ClientTransactionStore].
func NewMemoryClientTransactionStore() ClientTransactionStore {
	return NewMemoryTransactionStore[ClientTransactionKey, ClientTransaction]()
}

// ClientTransactionFactory builds client transactions for outbound
// requests.
type ClientTransactionFactory interface {
	NewClientTransaction(
		ctx context.Context,
		req *OutboundRequest,
		tp ClientTransport,
		opts *ClientTransactionOptions,
	) (ClientTransaction, error)
}

// StdClientTransactionFactory builds the RFC 3261 transaction for the
// request method, INVITE or non-INVITE.
type StdClientTransactionFactory struct{}

var defClnTxFactory = &StdClientTransactionFactory{}

// DefaultClientTransactionFactory returns the shared
// [StdClientTransactionFactory].
func DefaultClientTransactionFactory() *StdClientTransactionFactory { return defClnTxFactory }

func (*StdClientTransactionFactory) NewClientTransaction(
	ctx context.Context,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (ClientTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteClientTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteClientTransaction(req, tp, opts))
}

const clnTransactCtxKey types.ContextKey = "client_transaction"

// ClientTransactionFromContext extracts the [ClientTransaction] a
// callback context carries.
func ClientTransactionFromContext(ctx context.Context) (ClientTransaction, bool) {
	tx, ok := ctx.Value(clnTransactCtxKey).(ClientTransaction)
	return tx, ok
}

// ClientTransactionOptions tune a client transaction.
type ClientTransactionOptions struct {
	// Key overrides the transaction key. A zero key is derived from the
	// request. The key must be unique and must match the responses to
	// the request that created the transaction.
	Key ClientTransactionKey
	// Timings overrides the timing configuration.
	// Zero means the RFC 3261 defaults.
	Timings TimingConfig
	// SendOptions are passed to the transport on every send.
	SendOptions *SendRequestOptions
	// Log is the transaction logger, [log.Default] when nil.
	Log *slog.Logger
}

func (o *ClientTransactionOptions) key() ClientTransactionKey {
	if o == nil {
		return zeroClnTxKey
	}
	return o.Key
}

func (o *ClientTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ClientTransactionOptions) sendOpts() *SendRequestOptions {
	if o == nil {
		return nil
	}
	return o.SendOptions
}

func (o *ClientTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

type clientTransact struct {
	*baseTransact
	key      ClientTransactionKey
	tp       ClientTransport
	timings  TimingConfig
	req      *OutboundRequest
	sendOpts *SendRequestOptions
	lastRes  atomic.Pointer[InboundResponse]

	onRes       types.CallbackManager[TransactionResponseHandler]
	pendingRess types.Queue[*InboundResponse]
}

func newClientTransact(
	typ TransactionType,
	impl clientTransactImpl,
	req *OutboundRequest,
	tp ClientTransport,
	opts *ClientTransactionOptions,
) (*clientTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}

	tx := &clientTransact{
		key:      opts.key(),
		tp:       tp,
		req:      req,
		sendOpts: opts.sendOpts(),
		timings:  opts.timings(),
	}
	if !tx.key.IsValid() {
		if err := tx.key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	ctx := context.WithValue(context.Background(), clnTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, opts.log())
	return tx, nil
}

type clientTransactImpl interface {
	transactImpl
	takeSnapshot() *ClientTransactionSnapshot
}

func (tx *clientTransact) clnTxImpl() clientTransactImpl {
	return tx.impl.(clientTransactImpl) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *clientTransact) LogValue() slog.Value {
	if tx == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", tx.key),
		slog.Any("type", tx.typ),
		slog.Any("state", tx.State()),
	)
}

// Key returns the transaction key.
func (tx *clientTransact) Key() ClientTransactionKey {
	if tx == nil {
		return zeroClnTxKey
	}
	return tx.key
}

func (tx *clientTransact) Request() *OutboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response received by the transaction.
func (tx *clientTransact) LastResponse() *InboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchResponse applies the response matching rules of RFC 3261
// section 17.1.3: top Via branch plus CSeq method.
func (tx *clientTransact) MatchResponse(res *InboundResponse) error {
	var resKey ClientTransactionKey
	if err := resKey.FillFromMessage(res); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	if !tx.key.Equal(resKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvResponse feeds an inbound response into the state machine.
func (tx *clientTransact) RecvResponse(ctx context.Context, res *InboundResponse) error {
	if err := tx.MatchResponse(res); err != nil {
		return errtrace.Wrap(err)
	}

	evt := txEvtRecv300699
	switch sts := res.Status(); {
	case sts.IsProvisional():
		evt = txEvtRecv1xx
	case sts.IsSuccessful():
		evt = txEvtRecv2xx
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, res))
}

func (tx *clientTransact) sendReq(ctx context.Context, req *OutboundRequest) error {
	if err := tx.tp.SendRequest(ctx, req, tx.sendOpts); err != nil {
		err = fmt.Errorf("send %q request: %w", req.Method(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecv1xx    = "recv_1xx"
	txEvtRecv2xx    = "recv_2xx"
	txEvtRecv300699 = "recv_300-699"
)

func (tx *clientTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	resType := reflect.TypeOf((*InboundResponse)(nil))
	for _, evt := range []string{txEvtRecv1xx, txEvtRecv2xx, txEvtRecv300699} {
		tx.fsm.SetTriggerParameters(evt, resType)
	}
	return nil
}

func (tx *clientTransact) actSendReq(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "send request", slog.Any("transaction", tx.impl), slog.Any("request", tx.req))

	tx.sendReq(ctx, tx.req) //nolint:errcheck
	return nil
}

func (tx *clientTransact) actPassRes(ctx context.Context, args ...any) error {
	res := args[0].(*InboundResponse) //nolint:forcetypeassert
	tx.lastRes.Store(res)

	tx.log.LogAttrs(ctx, slog.LevelDebug, "pass response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.pendingRess.Append(res)
	tx.deliverPendingRess()
	return nil
}

// deliverPendingRess flushes queued responses to the registered
// callbacks. Without callbacks the queue stays intact, responses are
// delivered once the first callback registers.
func (tx *clientTransact) deliverPendingRess() {
	if tx.onRes.Len() == 0 {
		return
	}
	resps := tx.pendingRess.Drain()
	if len(resps) == 0 {
		return
	}

	tx.onRes.Range(func(fn TransactionResponseHandler) {
		for _, res := range resps {
			fn(tx.ctx, tx.impl.(ClientTransaction), res)
		}
	})
}

func (tx *clientTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx))

	return nil
}

//nolint:unparam
func (tx *clientTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx))

	return nil
}

// OnResponse registers a callback for responses passed up to the TU.
// Responses that arrived before any callback was registered are
// delivered on registration, in arrival order.
//
// The callback runs with the transaction context, see [Transaction.Context].
// The transaction can be retrieved from the context with [TransactionFromContext].
//
// The returned cancel function removes the callback.
// Multiple callbacks can be registered.
func (tx *clientTransact) OnResponse(fn TransactionResponseHandler) (cancel func()) {
	cancel = tx.onRes.Add(fn)
	tx.deliverPendingRess()
	return cancel
}

// Snapshot captures the serializable state of the transaction, enough
// to restore it after a process restart.
func (tx *clientTransact) Snapshot() *ClientTransactionSnapshot {
	if tx == nil {
		return nil
	}
	return tx.clnTxImpl().takeSnapshot()
}

// MarshalJSON implements [json.Marshaler].
func (tx *clientTransact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(tx.Snapshot()))
}

// ClientTransactionSnapshot is the serializable state of a client
// transaction, taken with [ClientTransaction.Snapshot].
type ClientTransactionSnapshot struct {
	// Time is the snapshot timestamp.
	Time time.Time `json:"time"`
	// Type is the transaction type.
	Type TransactionType `json:"type"`
	// State is the current transaction state.
	State TransactionState `json:"state"`
	// Key is the transaction key.
	Key ClientTransactionKey `json:"key"`
	// Request is the request that created the transaction.
	Request *OutboundRequest `json:"request"`
	// SendOptions are the options used to send the request.
	SendOptions *SendRequestOptions `json:"send_options,omitempty"`
	// LastResponse is the last response received by the transaction.
	LastResponse *InboundResponse `json:"last_response,omitempty"`
	// Timings are the timing configuration used to create the transaction.
	Timings TimingConfig `json:"timing_config,omitzero"`

	// TimerA is the request retransmission timer (INVITE only).
	TimerA *timeutil.TimerSnapshot `json:"timer_a,omitempty"`
	// TimerB is the INVITE client transaction timeout (INVITE only).
	TimerB *timeutil.TimerSnapshot `json:"timer_b,omitempty"`
	// TimerD waits for final-response retransmits on unreliable transports (INVITE only).
	TimerD *timeutil.TimerSnapshot `json:"timer_d,omitempty"`
	// TimerM waits for 2xx retransmits before terminating an accepted INVITE (INVITE only).
	TimerM *timeutil.TimerSnapshot `json:"timer_m,omitempty"`

	// TimerE is the request retransmission timer (non-INVITE only).
	TimerE *timeutil.TimerSnapshot `json:"timer_e,omitempty"`
	// TimerF is the overall non-INVITE client transaction timeout (non-INVITE only).
	TimerF *timeutil.TimerSnapshot `json:"timer_f,omitempty"`
	// TimerK waits for final-response retransmits on unreliable transports (non-INVITE only).
	TimerK *timeutil.TimerSnapshot `json:"timer_k,omitempty"`
}

// IsValid reports whether the snapshot holds enough state to restore a
// transaction.
func (snap *ClientTransactionSnapshot) IsValid() bool {
	return snap != nil &&
		snap.Type != "" &&
		snap.State != "" &&
		snap.Key.IsValid() &&
		snap.Request.IsValid() &&
		(snap.LastResponse == nil || snap.LastResponse.IsValid())
}

// ClientTransactionKey identifies a client transaction and matches
// inbound responses back to the request that created it.
//
//nolint:recvcheck
type ClientTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	Branch string `json:"branch"`
	// Method of the request that created the transaction.
	Method string `json:"method"`
}

var zeroClnTxKey ClientTransactionKey

// FillFromMessage derives the key from a request or response.
func (k *ClientTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	hdrs := GetMessageHeaders(msg)
	via, _ := hdrs.FirstVia()
	cseq, _ := hdrs.CSeq()

	k.Branch, _ = via.Branch()
	k.Method = util.UCase(string(cseq.Method))
	return nil
}

// Equal accepts a key value or pointer, the method compares
// case-insensitively.
func (k ClientTransactionKey) Equal(val any) bool {
	switch v := val.(type) {
	case ClientTransactionKey:
		return k.Branch == v.Branch && util.EqFold(k.Method, v.Method)
	case *ClientTransactionKey:
		return v != nil && k.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether both key fields are set.
func (k ClientTransactionKey) IsValid() bool {
	return k.Branch != "" && k.Method != ""
}

// IsZero reports whether the key is empty.
func (k ClientTransactionKey) IsZero() bool {
	return k == ClientTransactionKey{}
}

// LogValue implements [slog.LogValuer].
func (k ClientTransactionKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Any("branch", k.Branch),
		slog.Any("method", k.Method),
	)
}

// MarshalBinary implements [encoding.BinaryMarshaler]. Both fields are
// length-prefixed, the method upper-cased so equal keys encode equally.
func (k ClientTransactionKey) MarshalBinary() ([]byte, error) {
	method := util.UCase(k.Method)

	buf := make([]byte, 0, util.SizePrefixedString(k.Branch)+util.SizePrefixedString(method))
	buf = util.AppendPrefixedString(buf, k.Branch)
	buf = util.AppendPrefixedString(buf, method)
	return buf, nil
}

// UnmarshalBinary implements [encoding.BinaryUnmarshaler].
func (k *ClientTransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid data"))
	}

	var key ClientTransactionKey
	rest, err := data, error(nil)
	if key.Branch, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}
	if key.Method, rest, err = util.ConsumePrefixedString(rest); err != nil {
		return errtrace.Wrap(err)
	}
	if len(rest) != 0 {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = key
	return nil
}

// String returns the hex form of the binary encoding.
func (k ClientTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

// Format implements [fmt.Formatter].
func (k ClientTransactionKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		f.Write([]byte(k.String()))
	case 'q':
		f.Write([]byte(strconv.Quote(k.String())))
	default:
		if !f.Flag('+') && !f.Flag('#') {
			f.Write([]byte(k.String()))
			return
		}

		type hideMethods ClientTransactionKey
		type ClientTransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ClientTransactionKey(k))
	}
}

// GetClientTransactionKey probes tx for a Key method.
func GetClientTransactionKey(tx ClientTransaction) (ClientTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ClientTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroClnTxKey, false
}
