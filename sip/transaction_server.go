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

// ServerTransaction is the UAS side of a SIP transaction.
type ServerTransaction interface {
	Transaction
	// MatchRequest reports whether the request belongs to this transaction.
	MatchRequest(req *InboundRequest) error
	// RecvRequest feeds an inbound request from the transport layer
	// into the state machine.
	RecvRequest(ctx context.Context, req *InboundRequest) error
	// Respond builds a response to the stored request and sends it.
	Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error
}

// TransactionRequestHandler consumes requests a server transaction
// passes up.
type TransactionRequestHandler = func(ctx context.Context, tx ServerTransaction, req *InboundRequest)

// ServerTransactionStore keeps server transactions indexed by key.
type ServerTransactionStore = TransactionStore[ServerTransactionKey, ServerTransaction]

// NewMemoryServerTransactionStore returns an in-memory
// [ServerTransactionStore].
func NewMemoryServerTransactionStore() ServerTransactionStore {
	return NewMemoryTransactionStore[ServerTransactionKey, ServerTransaction]()
}

// ServerTransactionFactory builds server transactions for inbound
// requests.
type ServerTransactionFactory interface {
	NewServerTransaction(
		ctx context.Context,
		req *InboundRequest,
		tp ServerTransport,
		opts *ServerTransactionOptions,
	) (ServerTransaction, error)
}

// StdServerTransactionFactory builds the RFC 3261 transaction for the
// request method, INVITE or non-INVITE.
type StdServerTransactionFactory struct{}

var defSrvTxFactory = &StdServerTransactionFactory{}

// DefaultServerTransactionFactory returns the shared
// [StdServerTransactionFactory].
func DefaultServerTransactionFactory() *StdServerTransactionFactory { return defSrvTxFactory }

func (*StdServerTransactionFactory) NewServerTransaction(
	ctx context.Context,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (ServerTransaction, error) {
	if req.Method().Equal(RequestMethodInvite) {
		return errtrace.Wrap2(NewInviteServerTransaction(req, tp, opts))
	}
	return errtrace.Wrap2(NewNonInviteServerTransaction(req, tp, opts))
}

const srvTransactCtxKey types.ContextKey = "server_transaction"

// ServerTransactionFromContext extracts the [ServerTransaction] a
// callback context carries.
func ServerTransactionFromContext(ctx context.Context) (ServerTransaction, bool) {
	tx, ok := ctx.Value(srvTransactCtxKey).(ServerTransaction)
	return tx, ok
}

// ServerTransactionOptions tune a server transaction.
type ServerTransactionOptions struct {
	// Key overrides the transaction key. A zero key is derived from the
	// request. The key must be unique and must match retransmissions of
	// the request that created the transaction.
	Key ServerTransactionKey
	// Timings overrides the timing configuration.
	// Zero means the RFC 3261 defaults.
	Timings TimingConfig
	// Log is the transaction logger, [log.Default] when nil.
	Log *slog.Logger
}

func (o *ServerTransactionOptions) key() ServerTransactionKey {
	if o == nil {
		return zeroSrvTxKey
	}
	return o.Key
}

func (o *ServerTransactionOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *ServerTransactionOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// RespondOptions shape the response a server transaction builds and sends.
type RespondOptions struct {
	// Reason overrides the default reason phrase of the status code.
	Reason ResponseReason
	// Headers are extra headers copied into the response.
	Headers Headers
	// Body is the response body.
	Body []byte
	// LocalTag goes into the To header tag, random when empty.
	LocalTag string
	// SendOptions are passed to the transport on send.
	SendOptions *SendResponseOptions
}

func (o *RespondOptions) resOpts() *ResponseOptions {
	if o == nil {
		return nil
	}
	return &ResponseOptions{
		Reason:   o.Reason,
		Headers:  o.Headers,
		Body:     o.Body,
		LocalTag: o.LocalTag,
	}
}

func (o *RespondOptions) sendOpts() *SendResponseOptions {
	if o == nil {
		return nil
	}
	return o.SendOptions
}

type serverTransact struct {
	*baseTransact
	key      ServerTransactionKey
	tp       ServerTransport
	timings  TimingConfig
	req      *InboundRequest
	lastRes  atomic.Pointer[OutboundResponse]
	sendOpts atomic.Pointer[SendResponseOptions]
}

func newServerTransact(
	typ TransactionType,
	impl serverTransactImpl,
	req *InboundRequest,
	tp ServerTransport,
	opts *ServerTransactionOptions,
) (*serverTransact, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if opts == nil {
		opts = &ServerTransactionOptions{}
	}

	tx := &serverTransact{
		key:     opts.key(),
		tp:      tp,
		timings: opts.timings(),
		req:     req,
	}
	if !tx.key.IsValid() {
		if err := tx.key.FillFromMessage(req); err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
	}

	ctx := context.WithValue(context.Background(), srvTransactCtxKey, impl)
	tx.baseTransact = newBaseTransact(ctx, typ, impl, opts.log())
	return tx, nil
}

type serverTransactImpl interface {
	transactImpl
	takeSnapshot() *ServerTransactionSnapshot
}

func (tx *serverTransact) srvTxImpl() serverTransactImpl {
	return tx.impl.(serverTransactImpl) //nolint:forcetypeassert
}

// LogValue implements [slog.LogValuer].
func (tx *serverTransact) LogValue() slog.Value {
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
func (tx *serverTransact) Key() ServerTransactionKey {
	if tx == nil {
		return zeroSrvTxKey
	}
	return tx.key
}

// Request returns the initial request that started this transaction.
func (tx *serverTransact) Request() *InboundRequest {
	if tx == nil {
		return nil
	}
	return tx.req
}

// LastResponse returns the last response sent by the transaction.
func (tx *serverTransact) LastResponse() *OutboundResponse {
	if tx == nil {
		return nil
	}
	return tx.lastRes.Load()
}

// MatchRequest applies the request matching rules of RFC 3261 section
// 17.2.3, falling back to RFC 2543 matching when the top Via carries no
// magic cookie branch.
func (tx *serverTransact) MatchRequest(req *InboundRequest) error {
	var reqKey ServerTransactionKey
	if err := reqKey.FillFromMessage(req); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	txKey := tx.key
	if v, ok := tx.impl.(interface {
		adjustKeys(txKey, reqKey *ServerTransactionKey, req *InboundRequest)
	}); ok {
		v.adjustKeys(&txKey, &reqKey, req)
	}

	if !txKey.Equal(reqKey) {
		return errtrace.Wrap(ErrTransactionNotMatched)
	}
	return nil
}

// RecvRequest feeds an inbound request into the state machine.
func (tx *serverTransact) RecvRequest(ctx context.Context, req *InboundRequest) error {
	if err := tx.MatchRequest(req); err != nil {
		return errtrace.Wrap(err)
	}

	if v, ok := tx.impl.(interface {
		recvReq(ctx context.Context, req *InboundRequest) error
	}); ok {
		return errtrace.Wrap(v.recvReq(ctx, req))
	}
	return errtrace.Wrap(tx.recvReq(ctx, req))
}

func (tx *serverTransact) recvReq(ctx context.Context, req *InboundRequest) error {
	if !tx.req.Method().Equal(req.Method()) {
		return errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, txEvtRecvReq, req))
}

// Respond builds a response to the stored request and routes it through
// the state machine, which hands it to the transport.
func (tx *serverTransact) Respond(ctx context.Context, sts ResponseStatus, opts *RespondOptions) error {
	res, err := tx.req.NewResponse(sts, opts.resOpts())
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := res.msg.Validate(); err != nil {
		return errtrace.Wrap(err)
	}

	evt := txEvtSend300699
	switch {
	case res.msg.Status.IsProvisional():
		evt = txEvtSend1xx
	case res.msg.Status.IsSuccessful():
		evt = txEvtSend2xx
	}
	return errtrace.Wrap(tx.fsm.FireCtx(ctx, evt, res, opts.sendOpts()))
}

func (tx *serverTransact) sendRes(ctx context.Context, res *OutboundResponse, opts *SendResponseOptions) error {
	if err := tx.tp.SendResponse(ctx, res, opts); err != nil {
		err = fmt.Errorf("send %q response: %w", res.Status(), err)
		if err := tx.fsm.FireCtx(ctx, txEvtTranspErr, errtrace.Wrap(err)); err != nil {
			panic(fmt.Errorf("fire %q in state %q: %w", txEvtTranspErr, tx.State(), err))
		}
		return errtrace.Wrap(err)
	}
	return nil
}

const (
	txEvtRecvReq    = "recv_req"
	txEvtSend1xx    = "send_1xx"
	txEvtSend2xx    = "send_2xx"
	txEvtSend300699 = "send_300-699"
)

func (tx *serverTransact) initFSM(start TransactionState) error {
	if err := tx.baseTransact.initFSM(start); err != nil {
		return errtrace.Wrap(err)
	}

	tx.fsm.SetTriggerParameters(txEvtRecvReq, reflect.TypeOf((*InboundRequest)(nil)))

	resType := reflect.TypeOf((*OutboundResponse)(nil))
	optsType := reflect.TypeOf((*SendResponseOptions)(nil))
	for _, evt := range []string{txEvtSend1xx, txEvtSend2xx, txEvtSend300699} {
		tx.fsm.SetTriggerParameters(evt, resType, optsType)
	}
	return nil
}

func (tx *serverTransact) actSendRes(ctx context.Context, args ...any) error {
	res := args[0].(*OutboundResponse)     //nolint:forcetypeassert
	opts := args[1].(*SendResponseOptions) //nolint:forcetypeassert
	defer func() {
		tx.lastRes.Store(res)
		tx.sendOpts.Store(cloneSendResOpts(opts))
	}()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res, opts) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actResendRes(ctx context.Context, _ ...any) error {
	res := tx.LastResponse()
	if res == nil {
		return nil
	}
	opts := tx.sendOpts.Load()

	tx.log.LogAttrs(ctx, slog.LevelDebug, "re-send response", slog.Any("transaction", tx.impl), slog.Any("response", res))

	tx.sendRes(ctx, res, opts) //nolint:errcheck
	return nil
}

func (tx *serverTransact) actProceeding(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction proceeding", slog.Any("transaction", tx.impl))

	return nil
}

//nolint:unparam
func (tx *serverTransact) actCompleted(ctx context.Context, _ ...any) error {
	tx.log.LogAttrs(ctx, slog.LevelDebug, "transaction completed", slog.Any("transaction", tx.impl))

	return nil
}

// Snapshot captures the serializable state of the transaction, enough
// to restore it after a process restart.
func (tx *serverTransact) Snapshot() *ServerTransactionSnapshot {
	if tx == nil {
		return nil
	}
	return tx.srvTxImpl().takeSnapshot()
}

// MarshalJSON implements [json.Marshaler].
func (tx *serverTransact) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(tx.Snapshot()))
}

// ServerTransactionSnapshot is the serializable state of a server
// transaction, taken with [ServerTransaction.Snapshot].
type ServerTransactionSnapshot struct {
	// Time is the snapshot timestamp.
	Time time.Time `json:"time"`
	// Type is the transaction type.
	Type TransactionType `json:"type"`
	// State is the current transaction state.
	State TransactionState `json:"state"`
	// Key is the transaction key.
	Key ServerTransactionKey `json:"key"`
	// Request is the request that created the transaction.
	Request *InboundRequest `json:"request"`
	// LastResponse is the last response sent by the transaction.
	LastResponse *OutboundResponse `json:"last_response,omitempty"`
	// SendOptions are the options used to send the last response.
	SendOptions *SendResponseOptions `json:"send_options,omitempty"`
	// Timings are the timing configuration used to create the transaction.
	Timings TimingConfig `json:"timing_config,omitzero"`

	// Timer1xx is the 1xx provisional response timer (INVITE only).
	Timer1xx *timeutil.TimerSnapshot `json:"timer_1xx,omitempty"`
	// TimerProg retransmits the last non-100 provisional response (INVITE only).
	TimerProg *timeutil.TimerSnapshot `json:"timer_progress,omitempty"`
	// TimerG is the response retransmission timer (INVITE only, unreliable transport).
	TimerG *timeutil.TimerSnapshot `json:"timer_g,omitempty"`
	// TimerH is the timeout timer for waiting for ACK (INVITE only).
	TimerH *timeutil.TimerSnapshot `json:"timer_h,omitempty"`
	// TimerI is the wait timer after ACK received (INVITE only, unreliable transport).
	TimerI *timeutil.TimerSnapshot `json:"timer_i,omitempty"`
	// TimerL is the wait timer for 2xx response retransmission (INVITE only).
	TimerL *timeutil.TimerSnapshot `json:"timer_l,omitempty"`

	// TimerJ is the wait timer after final response sent (non-INVITE only).
	TimerJ *timeutil.TimerSnapshot `json:"timer_j,omitempty"`
}

// IsValid reports whether the snapshot holds enough state to restore a
// transaction.
func (snap *ServerTransactionSnapshot) IsValid() bool {
	return snap != nil &&
		snap.Type != "" &&
		snap.State != "" &&
		snap.Key.IsValid() &&
		snap.Request.IsValid() &&
		(snap.LastResponse == nil || snap.LastResponse.IsValid())
}

// ServerTransactionKey identifies a server transaction and matches
// inbound requests to it per RFC 3261 section 17.2.3.
//
// RFC 3261 keys use Branch, SentBy and Method. Keys for requests
// without a magic cookie branch fall back to the RFC 2543 fields:
// Method, URI, FromTag, ToTag, CallID, CSeqNum and Via.
//
//nolint:recvcheck
type ServerTransactionKey struct {
	// Branch parameter of the topmost Via header field.
	// RFC 3261 transactions.
	Branch string `json:"branch,omitempty"`
	// Host and port of the topmost Via header field.
	// RFC 3261 transactions.
	SentBy string `json:"sent_by,omitempty"`
	// Method of the request that created the transaction.
	// RFC 3261/2543 transactions.
	Method string `json:"method,omitempty"`

	// Request-URI of the request that created the transaction.
	// RFC 2543 transactions.
	URI string `json:"uri,omitempty"`
	// Tag parameter of the From header field of the request that created the transaction.
	// RFC 2543 transactions.
	FromTag string `json:"from_tag,omitempty"`
	// Tag parameter of the To header field of the request that created the transaction.
	// RFC 2543 transactions.
	ToTag string `json:"to_tag,omitempty"`
	// Call-ID of the request that created the transaction.
	// RFC 2543 transactions.
	CallID string `json:"call_id,omitempty"`
	// CSeqNum is the CSeq number of the request that created the transaction.
	// RFC 2543 transactions.
	CSeqNum uint `json:"cseq_num,omitempty"`
	// Topmost Via header field of the request that created the transaction.
	// RFC 2543 transactions.
	Via string `json:"via,omitempty"`
}

var zeroSrvTxKey ServerTransactionKey

// FillFromMessage derives the key from a request or response.
func (k *ServerTransactionKey) FillFromMessage(msg Message) error {
	if msg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid message"))
	}
	if err := msg.Validate(); err != nil {
		return errtrace.Wrap(NewInvalidArgumentError(err))
	}

	hdrs := GetMessageHeaders(msg)
	via, _ := hdrs.FirstVia()
	cseq, _ := hdrs.CSeq()

	if branch, _ := via.Branch(); IsRFC3261Branch(branch) {
		k.Branch = branch
		k.SentBy = util.LCase(via.Addr.String())
		k.Method = util.UCase(string(cseq.Method))

		if util.EqFold(k.Method, RequestMethodAck) {
			k.Method = string(RequestMethodInvite)
		}

		return nil
	}

	// RFC 2543 can match only requests
	var (
		ruri URI
		rmtd RequestMethod
	)
	switch m := msg.(type) {
	case *Request:
		ruri = m.URI
		rmtd = m.Method
	case interface {
		Method() RequestMethod
		URI() URI
	}:
		ruri = m.URI()
		rmtd = m.Method()
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unexpected message type %T", msg))
	}

	return errtrace.Wrap(k.fillFromRequestRFC2543(rmtd, ruri, hdrs))
}

func (k *ServerTransactionKey) fillFromRequestRFC2543(rmtd RequestMethod, ruri URI, hdrs Headers) error {
	via, _ := hdrs.FirstVia()
	k.Via = util.LCase(via.String())
	k.URI = util.LCase(ruri.Render(nil))

	from, _ := hdrs.From()
	k.FromTag, _ = from.Tag()
	if k.FromTag == "" {
		return errtrace.Wrap(NewInvalidArgumentError("missing From tag"))
	}

	to, _ := hdrs.To()
	k.ToTag, _ = to.Tag()
	if k.ToTag == "" && !rmtd.Equal(RequestMethodInvite) {
		return errtrace.Wrap(NewInvalidArgumentError("missing To tag"))
	}

	callID, _ := hdrs.CallID()
	k.CallID = string(callID)

	cseq, _ := hdrs.CSeq()
	k.Method = util.UCase(string(cseq.Method))
	k.CSeqNum = cseq.SeqNum

	if util.EqFold(k.Method, RequestMethodAck) {
		k.Method = string(RequestMethodInvite)
		k.ToTag = ""
	}

	return nil
}

// Equal accepts a key value or pointer and compares the field set that
// matches the key's RFC 3261 or RFC 2543 form.
func (k ServerTransactionKey) Equal(val any) bool {
	switch v := val.(type) {
	case ServerTransactionKey:
		if IsRFC3261Branch(k.Branch) {
			return k.Branch == v.Branch &&
				util.EqFold(k.SentBy, v.SentBy) &&
				util.EqFold(k.Method, v.Method)
		}
		return util.EqFold(k.Method, v.Method) &&
			util.EqFold(k.URI, v.URI) &&
			k.FromTag == v.FromTag &&
			k.ToTag == v.ToTag &&
			k.CallID == v.CallID &&
			k.CSeqNum == v.CSeqNum &&
			util.EqFold(k.Via, v.Via)
	case *ServerTransactionKey:
		return v != nil && k.Equal(*v)
	default:
		return false
	}
}

// IsValid reports whether the key carries a complete field set for its form.
func (k ServerTransactionKey) IsValid() bool {
	if IsRFC3261Branch(k.Branch) {
		return k.SentBy != "" && k.Method != ""
	}

	return k.Method != "" &&
		k.URI != "" &&
		k.FromTag != "" &&
		(util.EqFold(k.Method, RequestMethodInvite) || k.ToTag != "") &&
		k.CallID != "" &&
		k.CSeqNum > 0 &&
		k.Via != ""
}

// IsZero reports whether the key is empty.
func (k ServerTransactionKey) IsZero() bool {
	return k == ServerTransactionKey{}
}

// LogValue implements [slog.LogValuer].
func (k ServerTransactionKey) LogValue() slog.Value {
	if IsRFC3261Branch(k.Branch) {
		return slog.GroupValue(
			slog.Any("branch", k.Branch),
			slog.Any("sent-by", k.SentBy),
			slog.Any("method", k.Method),
		)
	}
	return slog.GroupValue(
		slog.Any("method", k.Method),
		slog.Any("uri", k.URI),
		slog.Any("from-tag", k.FromTag),
		slog.Any("to-tag", k.ToTag),
		slog.Any("call-id", k.CallID),
		slog.Any("cseq-num", k.CSeqNum),
		slog.Any("via", k.Via),
	)
}

const (
	srvTxKeyHashRFC3261 byte = 1
	srvTxKeyHashRFC2543 byte = 2
)

// MarshalBinary encodes the key into a canonical byte form usable as a
// stable map or hash key. Case-insensitive fields are folded before
// encoding, and the encoding is lossless for the canonical form.
func (k ServerTransactionKey) MarshalBinary() ([]byte, error) {
	if IsRFC3261Branch(k.Branch) {
		return k.marshalRFC3261(), nil
	}
	return k.marshalRFC2543(), nil
}

func (k ServerTransactionKey) marshalRFC3261() []byte {
	sentBy := util.LCase(k.SentBy)
	method := util.UCase(k.Method)

	buf := make([]byte, 0, 1+
		util.SizePrefixedString(k.Branch)+
		util.SizePrefixedString(sentBy)+
		util.SizePrefixedString(method))
	buf = append(buf, srvTxKeyHashRFC3261)
	buf = util.AppendPrefixedString(buf, k.Branch)
	buf = util.AppendPrefixedString(buf, sentBy)
	buf = util.AppendPrefixedString(buf, method)
	return buf
}

func (k ServerTransactionKey) marshalRFC2543() []byte {
	method := util.UCase(k.Method)
	uri := util.LCase(k.URI)
	via := util.LCase(k.Via)

	buf := make([]byte, 0, 1+
		util.SizePrefixedString(method)+
		util.SizePrefixedString(uri)+
		util.SizePrefixedString(k.FromTag)+
		util.SizePrefixedString(k.ToTag)+
		util.SizePrefixedString(k.CallID)+
		util.SizeUVarInt(uint64(k.CSeqNum))+
		util.SizePrefixedString(via))
	buf = append(buf, srvTxKeyHashRFC2543)
	buf = util.AppendPrefixedString(buf, method)
	buf = util.AppendPrefixedString(buf, uri)
	buf = util.AppendPrefixedString(buf, k.FromTag)
	buf = util.AppendPrefixedString(buf, k.ToTag)
	buf = util.AppendPrefixedString(buf, k.CallID)
	buf = util.AppendUVarInt(buf, uint64(k.CSeqNum))
	buf = util.AppendPrefixedString(buf, via)
	return buf
}

// UnmarshalBinary decodes a key produced by [ServerTransactionKey.MarshalBinary].
func (k *ServerTransactionKey) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return errtrace.Wrap(NewInvalidArgumentError("invalid data"))
	}

	var key ServerTransactionKey
	rest, err := data[1:], error(nil)
	switch data[0] {
	case srvTxKeyHashRFC3261:
		if key.Branch, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.SentBy, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.Method, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
	case srvTxKeyHashRFC2543:
		if key.Method, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.URI, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.FromTag, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.ToTag, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		if key.CallID, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
		var cseq uint64
		if cseq, rest, err = util.ConsumeUVarInt(rest); err != nil {
			return errtrace.Wrap(err)
		}
		key.CSeqNum = uint(cseq)
		if key.Via, rest, err = util.ConsumePrefixedString(rest); err != nil {
			return errtrace.Wrap(err)
		}
	default:
		return errtrace.Wrap(NewInvalidArgumentError("unknown key format"))
	}

	if len(rest) != 0 {
		return errtrace.Wrap(NewInvalidArgumentError("unexpected trailing data"))
	}

	*k = key
	return nil
}

// String returns the hex form of the binary encoding.
func (k ServerTransactionKey) String() string {
	data, _ := k.MarshalBinary()
	return hex.EncodeToString(data)
}

// Format implements [fmt.Formatter].
func (k ServerTransactionKey) Format(f fmt.State, verb rune) {
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

		type hideMethods ServerTransactionKey
		type ServerTransactionKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), ServerTransactionKey(k))
	}
}

// GetServerTransactionKey probes tx for a Key method.
func GetServerTransactionKey(tx ServerTransaction) (ServerTransactionKey, bool) {
	if v, ok := tx.(interface{ Key() ServerTransactionKey }); ok {
		return v.Key(), true
	}
	return zeroSrvTxKey, false
}
