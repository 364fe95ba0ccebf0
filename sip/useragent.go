package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/syncutil"
	"github.com/onsip/sipcore/internal/types"
	"github.com/onsip/sipcore/log"
)

const defNoAnswerTimeout = time.Minute

// ServerSessionHandler is called for each new incoming INVITE session.
type ServerSessionHandler = func(ctx context.Context, sess *ServerSession)

// UserAgentOptions are the options for a [UserAgent].
type UserAgentOptions struct {
	// Identity is the local address advertised in the From header of
	// outgoing requests.
	Identity header.NameAddr
	// Contact is the local contact address advertised in dialog-forming
	// requests and responses.
	Contact header.ContactAddr
	// Via is the topmost Via hop template for outgoing requests.
	// A fresh branch is generated per request when the template has none.
	Via header.ViaHop
	// Allow lists the methods advertised in Allow headers.
	// If empty, a default set is used.
	Allow header.Allow
	// Rel100 is the reliable provisional response support level.
	// Defaults to [Rel100Supported].
	Rel100 Rel100
	// ForkPolicy selects how losing branches of a forked INVITE are
	// handled. Defaults to [ForkTerminateLosers].
	ForkPolicy ForkPolicy
	// NoAnswerTimeout bounds how long an incoming INVITE may stay
	// unanswered. Defaults to 1m.
	NoAnswerTimeout time.Duration
	// NewSessionDescriptionHandler builds the media collaborator of each
	// session. Required to place or receive calls.
	NewSessionDescriptionHandler func() SessionDescriptionHandler
	// Timings is the SIP timing config used by sessions and their transactions.
	Timings TimingConfig
	// Log is the logger.
	// If nil, the [log.Default] is used.
	Log *slog.Logger
}

func (o *UserAgentOptions) identity() header.NameAddr {
	if o == nil {
		return header.NameAddr{}
	}
	return o.Identity
}

func (o *UserAgentOptions) contact() header.ContactAddr {
	if o == nil {
		return header.ContactAddr{}
	}
	return o.Contact
}

func (o *UserAgentOptions) via() header.ViaHop {
	if o == nil {
		return header.ViaHop{}
	}
	return o.Via
}

func (o *UserAgentOptions) allow() header.Allow {
	if o == nil || len(o.Allow) == 0 {
		return header.Allow{
			RequestMethodInvite, RequestMethodAck, RequestMethodCancel,
			RequestMethodBye, RequestMethodOptions, RequestMethodInfo,
			RequestMethodPrack, RequestMethodRefer, RequestMethodNotify,
		}
	}
	return o.Allow
}

func (o *UserAgentOptions) rel100() Rel100 {
	if o == nil || o.Rel100 == "" {
		return Rel100Supported
	}
	return o.Rel100
}

func (o *UserAgentOptions) forkPolicy() ForkPolicy {
	if o == nil || o.ForkPolicy == "" {
		return ForkTerminateLosers
	}
	return o.ForkPolicy
}

func (o *UserAgentOptions) noAnswerTimeout() time.Duration {
	if o == nil || o.NoAnswerTimeout == 0 {
		return defNoAnswerTimeout
	}
	return o.NoAnswerTimeout
}

func (o *UserAgentOptions) newSDH() SessionDescriptionHandler {
	if o == nil || o.NewSessionDescriptionHandler == nil {
		return nil
	}
	return o.NewSessionDescriptionHandler()
}

func (o *UserAgentOptions) timings() TimingConfig {
	if o == nil {
		return defTimingCfg
	}
	return o.Timings
}

func (o *UserAgentOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// UserAgent is the INVITE session core: it owns the session registry,
// places outgoing calls, accepts incoming ones and routes in-dialog
// requests to the session they belong to.
type UserAgent struct {
	tp   Transport
	txl  *TransactionLayer
	opts *UserAgentOptions

	sessions   *syncutil.ShardMap[DialogKey, Session]
	inviteSess *syncutil.ShardMap[ServerTransactionKey, *ServerSession]
	dispatchMu syncutil.KeyMutex[DialogKey]

	cancOnReq func()

	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error

	onSession types.CallbackManager[ServerSessionHandler]
}

// NewUserAgent creates a new [UserAgent] on top of the given transport and
// transaction layer.
func NewUserAgent(tp Transport, txl *TransactionLayer, opts *UserAgentOptions) (*UserAgent, error) {
	if tp == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transport"))
	}
	if txl == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid transaction layer"))
	}

	ua := &UserAgent{
		tp:         tp,
		txl:        txl,
		opts:       opts,
		sessions:   syncutil.NewShardMap[DialogKey, Session](),
		inviteSess: syncutil.NewShardMap[ServerTransactionKey, *ServerSession](),
	}
	ua.cancOnReq = txl.OnRequest(ua.recvRequest)
	return ua, nil
}

func (ua *UserAgent) identity() header.NameAddr { return ua.opts.identity() }

func (ua *UserAgent) contact() header.ContactAddr { return ua.opts.contact() }

func (ua *UserAgent) viaHop() header.ViaHop { return ua.opts.via().Clone() }

func (ua *UserAgent) allowMethods() header.Allow { return ua.opts.allow() }

func (ua *UserAgent) rel100() Rel100 { return ua.opts.rel100() }

func (ua *UserAgent) forkPolicy() ForkPolicy { return ua.opts.forkPolicy() }

func (ua *UserAgent) noAnswerTimeout() time.Duration { return ua.opts.noAnswerTimeout() }

func (ua *UserAgent) timings() TimingConfig { return ua.opts.timings() }

func (ua *UserAgent) log() *slog.Logger { return ua.opts.log() }

// Session returns the session owning the given dialog key.
func (ua *UserAgent) Session(key DialogKey) (Session, bool) {
	return ua.sessions.Get(key)
}

// Sessions returns the number of tracked sessions.
func (ua *UserAgent) Sessions() int { return ua.sessions.Size() }

// OnSession registers a callback invoked for each new incoming INVITE
// session. The callback decides how the session proceeds: Progress,
// Accept or Reject.
func (ua *UserAgent) OnSession(fn ServerSessionHandler) (cancel func()) {
	return ua.onSession.Add(fn)
}

// Invite places an outgoing call to the given target and returns the
// client session driving it.
func (ua *UserAgent) Invite(ctx context.Context, target URI, opts *InviteOptions) (*ClientSession, error) {
	if ua.closing.Load() {
		return nil, errtrace.Wrap(ErrSessionClosed)
	}
	if target == nil || !target.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid target"))
	}
	sdh := ua.opts.newSDH()
	if sdh == nil && !opts.noOffer() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing session description handler"))
	}

	cs := newClientSession(ua, target, sdh)
	if err := cs.invite(ctx, opts); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return cs, nil
}

// attachSession registers a dialog key with the session registry.
func (ua *UserAgent) attachSession(key DialogKey, sess Session) {
	ua.sessions.Set(key, sess)
}

// detachSessionKey removes a dialog key from the session registry.
// It is the single removal path, driven by session disposal.
func (ua *UserAgent) detachSessionKey(key DialogKey) {
	ua.sessions.Del(key)
	ua.dispatchMu.Del(key)
}

// recvRequest handles every inbound request the transaction layer could
// not match to an existing transaction.
func (ua *UserAgent) recvRequest(ctx context.Context, req *InboundRequest) {
	tp, ok := ServerTransportFromContext(ctx)
	if !ok {
		tp = ua.tp
	}

	key, err := requestDialogKey(req)
	if err != nil {
		respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		return
	}

	if key.RemoteTag != "" && key.LocalTag != "" {
		ua.recvInDialogRequest(ctx, tp, key, req)
		return
	}

	switch req.Method() {
	case RequestMethodInvite:
		ua.recvInvite(ctx, tp, req)
	case RequestMethodCancel:
		ua.recvCancel(ctx, tp, req)
	case RequestMethodAck:
		// ACK for an unknown transaction is absorbed (RFC 3261 Section 17.2.1)
		ua.log().LogAttrs(ctx, slog.LevelDebug, "discarding unmatched ack", slog.Any("request", req))
	case RequestMethodOptions:
		ua.recvOptions(ctx, tp, req)
	case RequestMethodBye, RequestMethodInfo, RequestMethodPrack,
		RequestMethodRefer, RequestMethodNotify, RequestMethodUpdate:
		// in-dialog methods outside any dialog (RFC 3261 Section 12.2.2)
		respondStateless(ctx, tp, req, ResponseStatusCallTransactionDoesNotExist)
	default:
		respondStateless(ctx, tp, req, ResponseStatusMethodNotAllowed)
	}
}

// recvInDialogRequest routes a request carrying both tags to the session
// owning the dialog. Dispatch is serialized per dialog key.
func (ua *UserAgent) recvInDialogRequest(
	ctx context.Context,
	tp ServerTransport,
	key DialogKey,
	req *InboundRequest,
) {
	unlock := ua.dispatchMu.Lock(key)
	defer unlock()

	sess, ok := ua.sessions.Get(key)
	if !ok {
		if req.Method().Equal(RequestMethodAck) {
			ua.log().LogAttrs(ctx, slog.LevelDebug, "discarding ack for unknown dialog",
				slog.Any("request", req),
			)
			return
		}
		respondStateless(ctx, tp, req, ResponseStatusCallTransactionDoesNotExist)
		return
	}

	// ACK creates no transaction (RFC 3261 Section 17)
	var tx ServerTransaction
	if !req.Method().Equal(RequestMethodAck) {
		var err error
		if tx, err = ua.txl.NewServerTransaction(ctx, req, tp, &ServerTransactionOptions{
			Timings: ua.timings(),
			Log:     ua.log(),
		}); err != nil {
			ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to create server transaction",
				slog.Any("request", req),
				slog.Any("error", err),
			)
			respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
			return
		}
	}

	if err := sess.ReceiveRequest(ctx, tx, req); err != nil {
		ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to handle in-dialog request",
			slog.Any("request", req),
			slog.Any("session", sess),
			slog.Any("error", err),
		)
	}
}

// recvInvite starts a new UAS session for an out-of-dialog INVITE.
func (ua *UserAgent) recvInvite(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	if ua.closing.Load() || ua.onSession.Len() == 0 {
		respondStateless(ctx, tp, req, ResponseStatusServiceUnavailable)
		return
	}

	tx, err := ua.txl.NewServerTransaction(ctx, req, tp, &ServerTransactionOptions{
		Timings: ua.timings(),
		Log:     ua.log(),
	})
	if err != nil {
		ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to create invite server transaction",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return
	}

	sdh := ua.opts.newSDH()
	if sdh == nil {
		tx.Respond(ctx, ResponseStatusNotImplemented, nil) //nolint:errcheck
		return
	}

	sess, err := newServerSession(ua, tx, req, sdh)
	if err != nil {
		ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to create server session",
			slog.Any("request", req),
			slog.Any("error", err),
		)
		tx.Respond(ctx, ResponseStatusServerInternalError, nil) //nolint:errcheck
		return
	}

	txKey, _ := GetServerTransactionKey(tx)
	ua.inviteSess.Set(txKey, sess)
	sess.OnTerminated(func(_ context.Context, _ SessionEndCause, _ error) {
		ua.inviteSess.Del(txKey)
	})

	ua.onSession.Range(func(fn ServerSessionHandler) {
		fn(ctx, sess)
	})
}

// recvCancel matches a CANCEL to the pending INVITE session it targets
// (RFC 3261 Section 9.2).
func (ua *UserAgent) recvCancel(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	var inviteKey ServerTransactionKey
	if err := inviteKey.FillFromMessage(req); err != nil {
		respondStateless(ctx, tp, req, ResponseStatusBadRequest)
		return
	}
	inviteKey.Method = string(RequestMethodInvite)

	sess, ok := ua.inviteSess.Get(inviteKey)
	if !ok {
		respondStateless(ctx, tp, req, ResponseStatusCallTransactionDoesNotExist)
		return
	}

	tx, err := ua.txl.NewServerTransaction(ctx, req, tp, &ServerTransactionOptions{
		Timings: ua.timings(),
		Log:     ua.log(),
	})
	if err != nil {
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return
	}

	if err := sess.handleCancel(ctx, tx, req); err != nil {
		ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to handle cancel",
			slog.Any("request", req),
			slog.Any("session", sess),
			slog.Any("error", err),
		)
	}
}

// recvOptions answers an out-of-dialog OPTIONS with the local capability set.
func (ua *UserAgent) recvOptions(ctx context.Context, tp ServerTransport, req *InboundRequest) {
	tx, err := ua.txl.NewServerTransaction(ctx, req, tp, &ServerTransactionOptions{
		Timings: ua.timings(),
		Log:     ua.log(),
	})
	if err != nil {
		respondStateless(ctx, tp, req, ResponseStatusServerInternalError)
		return
	}

	hdrs := make(Headers, 2).Set(ua.allowMethods())
	if ua.rel100() != Rel100Unsupported {
		hdrs.Set(header.Supported{Option100Rel})
	}
	if err := tx.Respond(ctx, ResponseStatusOK, &RespondOptions{Headers: hdrs}); err != nil {
		ua.log().LogAttrs(ctx, slog.LevelWarn, "failed to respond to options",
			slog.Any("request", req),
			slog.Any("error", err),
		)
	}
}

// Close terminates every tracked session and stops accepting new work.
func (ua *UserAgent) Close(ctx context.Context) error {
	ua.closing.Store(true)
	ua.closeOnce.Do(func() {
		ua.closeErr = ua.close(ctx)
	})
	return errtrace.Wrap(ua.closeErr)
}

func (ua *UserAgent) close(ctx context.Context) error {
	if ua.cancOnReq != nil {
		ua.cancOnReq()
	}

	var errs []error
	seen := make(map[Session]struct{})
	for key, sess := range ua.sessions.Items() {
		if _, ok := seen[sess]; ok {
			continue
		}
		seen[sess] = struct{}{}
		if err := sess.Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate session %q: %w", key, err))
		}
	}
	ua.sessions.Clear()
	ua.inviteSess.Clear()

	if len(errs) == 0 {
		return nil
	}
	return errtrace.Wrap(errorutil.JoinPrefix("failed to close user agent:", errs...))
}

// requestDialogKey derives the dialog key of an inbound request:
// the local tag is the To tag, the remote tag is the From tag.
func requestDialogKey(req *InboundRequest) (DialogKey, error) {
	hdrs := req.Headers()

	callID, ok := hdrs.CallID()
	if !ok {
		return DialogKey{}, errtrace.Wrap(NewInvalidMessageError(errMissHdrs))
	}

	var key DialogKey
	key.CallID = string(callID)
	if to, ok := hdrs.To(); ok && to != nil {
		key.LocalTag, _ = to.Tag()
	}
	if from, ok := hdrs.From(); ok && from != nil {
		key.RemoteTag, _ = from.Tag()
	}
	return key, nil
}
