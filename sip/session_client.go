package sip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
)

// InviteOptions contains options for an outgoing INVITE session.
type InviteOptions struct {
	// From overrides the user agent identity for this session.
	From header.NameAddr
	// NoOffer delays the local offer to the ACK, letting the callee
	// offer in the 2xx response.
	NoOffer bool
	// Expires bounds the time the callee may take to answer.
	// If positive, an Expires header is added and the session is
	// cancelled locally once the bound is exceeded.
	Expires time.Duration
	// Headers are additional headers to add to the INVITE.
	Headers Headers
}

func (o *InviteOptions) noOffer() bool { return o != nil && o.NoOffer }

func (o *InviteOptions) expires() time.Duration {
	if o == nil {
		return 0
	}
	return o.Expires
}

func (o *InviteOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *InviteOptions) from() header.NameAddr {
	if o == nil {
		return header.NameAddr{}
	}
	return o.From
}

// Client session FSM triggers.
const (
	csEvtInvite     = "invite"
	csEvtProgress   = "progress"
	csEvtEarlyMedia = "early_media"
	csEvtConfirm    = "confirm"
	csEvtCancel     = "cancel"
)

// ClientSession is the UAC side of an INVITE session. It drives the
// outgoing INVITE through provisional responses, reliable provisional
// acknowledgement (RFC 3262), forking and the final offer/answer
// exchange, up to the confirmed dialog.
type ClientSession struct {
	*baseSession

	target   URI
	localTag string
	callID   header.CallID
	seqNum   uint

	origReq  *OutboundRequest
	inviteTx atomic.Pointer[ClientTransaction]

	respMu       sync.Mutex
	rseqs        map[DialogKey]header.RSeq
	lastAck      *OutboundRequest
	earlyOffer   bool
	finalHandled atomic.Bool
	cancelSent   atomic.Bool

	expiresTmr atomic.Pointer[time.Timer]
}

var _ Session = (*ClientSession)(nil)

func newClientSession(ua *UserAgent, target URI, sdh SessionDescriptionHandler) *ClientSession {
	cs := &ClientSession{
		target:   target.Clone(),
		localTag: GenerateTag(0),
		callID:   header.CallID(GenerateCallID()),
		seqNum:   1,
		rseqs:    make(map[DialogKey]header.RSeq),
	}
	cs.baseSession = newBaseSession(SessionRoleClient, cs, ua, sdh)
	cs.initFSM(SessionStatusInitial)

	cs.fsm.Configure(SessionStatusInitial).
		Permit(csEvtInvite, SessionStatusInviteSent).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusInviteSent).
		Permit(csEvtProgress, SessionStatusEarly).
		Permit(csEvtConfirm, SessionStatusConfirmed).
		Permit(csEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusEarly).
		InternalTransition(csEvtProgress, func(_ context.Context, _ ...any) error { return nil }).
		Permit(csEvtEarlyMedia, SessionStatusEarlyMedia).
		Permit(csEvtConfirm, SessionStatusConfirmed).
		Permit(csEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusEarlyMedia).
		InternalTransition(csEvtProgress, func(_ context.Context, _ ...any) error { return nil }).
		InternalTransition(csEvtEarlyMedia, func(_ context.Context, _ ...any) error { return nil }).
		Permit(csEvtConfirm, SessionStatusConfirmed).
		Permit(csEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusCancelled).
		InternalTransition(csEvtProgress, func(_ context.Context, _ ...any) error { return nil }).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusConfirmed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			cs.onConfirmed.Range(func(fn SessionStatusHandler) {
				fn(ctx, SessionStatusEarly, SessionStatusConfirmed)
			})
			return nil
		}).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	cs.fsm.Configure(SessionStatusTerminated).
		InternalTransition(sessEvtTerminate, func(_ context.Context, _ ...any) error { return nil })

	return cs
}

// invite builds and sends the initial INVITE, producing a local offer
// from the description handler unless delayed by the options.
func (cs *ClientSession) invite(ctx context.Context, opts *InviteOptions) error {
	var offer *SessionDescription
	if !opts.noOffer() {
		var err error
		if offer, err = cs.sdh.GetDescription(ctx, nil); err != nil {
			cs.terminateWith(ctx, SessionEndCauseBadMediaDesc, err)
			return errtrace.Wrap(err)
		}
		cs.earlyOffer = true
	}

	req, err := cs.buildInvite(offer, opts)
	if err != nil {
		cs.terminateWith(ctx, SessionEndCauseSIPFailure, err)
		return errtrace.Wrap(err)
	}
	cs.origReq = req

	if err := cs.fireEvt(ctx, csEvtInvite); err != nil {
		return errtrace.Wrap(err)
	}

	tx, err := cs.ua.txl.NewClientTransaction(ctx, req, cs.ua.tp, &ClientTransactionOptions{
		Timings: cs.timings,
		Log:     cs.log,
	})
	if err != nil {
		cs.terminateWith(ctx, SessionEndCauseConnectionError, err)
		return errtrace.Wrap(err)
	}
	cs.inviteTx.Store(&tx)
	tx.OnResponse(cs.recvInviteResponse)
	go cs.watchInviteTx(tx)

	if exp := opts.expires(); exp > 0 {
		cs.armExpiresTimer(exp)
	}

	cs.log.LogAttrs(ctx, slog.LevelDebug, "invite sent",
		slog.Any("session", cs),
		slog.Any("request", req),
	)
	return nil
}

func (cs *ClientSession) buildInvite(offer *SessionDescription, opts *InviteOptions) (*OutboundRequest, error) {
	fromAddr := opts.from()
	if fromAddr.IsZero() {
		fromAddr = cs.ua.identity()
	}
	from := header.From(fromAddr.Clone())
	if from.Params == nil {
		from.Params = make(header.Values, 1)
	}
	from.Params.Set("tag", cs.localTag)
	to := header.To{URI: cs.target.Clone()}

	via := cs.ua.viaHop()
	if _, ok := via.Branch(); !ok {
		if via.Params == nil {
			via.Params = make(header.Values, 1)
		}
		via.Params.Set("branch", GenerateBranch(0))
	}
	if via.Proto.IsZero() {
		via.Proto = ProtoVer20()
	}

	hdrs := make(Headers, 12).
		Set(
			&from,
			&to,
			cs.callID,
			&header.CSeq{SeqNum: cs.seqNum, Method: RequestMethodInvite},
			header.MaxForwards(70),
			header.Via{via},
			header.Contact{cs.ua.contact()},
			cs.ua.allowMethods(),
		)

	switch cs.ua.rel100() {
	case Rel100Required:
		hdrs.Set(header.Require{Option100Rel})
	case Rel100Supported:
		hdrs.Set(header.Supported{Option100Rel})
	}

	if exp := opts.expires(); exp > 0 {
		hdrs.Set(&header.Expires{Duration: exp})
	}

	var body []byte
	if !offer.IsZero() {
		body = offer.Body
		for _, entries := range descHeaders(offer) {
			hdrs.Set(entries...)
		}
	}
	for _, entries := range opts.headers() {
		hdrs.Append(entries...)
	}

	req := &Request{
		Method:  RequestMethodInvite,
		URI:     cs.target.Clone(),
		Proto:   ProtoVer20(),
		Headers: hdrs,
		Body:    body,
	}
	outReq := NewOutboundRequest(req)
	if err := outReq.Validate(); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return outReq, nil
}

// watchInviteTx maps an abnormal INVITE transaction end to a session failure.
func (cs *ClientSession) watchInviteTx(tx ClientTransaction) {
	<-tx.Context().Done()
	if cs.finalHandled.Load() {
		return
	}

	ctx := context.Background()
	switch {
	case cs.Status() == SessionStatusTerminated:
	case cs.cancelled.Load():
		cs.terminateWith(ctx, SessionEndCauseCancelled, tx.Err())
	case tx.Err() != nil:
		cause := SessionEndCauseConnectionError
		if errors.Is(tx.Err(), ErrTransactionTimedOut) {
			cause = SessionEndCauseRequestTimeout
		}
		cs.terminateWith(ctx, cause, tx.Err())
	default:
		cs.terminateWith(ctx, SessionEndCauseRequestTimeout, ErrTransactionTimedOut)
	}
}

func (cs *ClientSession) armExpiresTimer(d time.Duration) {
	tmr := time.AfterFunc(d, func() {
		ctx := context.Background()
		switch cs.Status() {
		case SessionStatusInviteSent, SessionStatusEarly, SessionStatusEarlyMedia:
			cs.log.LogAttrs(ctx, slog.LevelDebug, "invite expired, cancelling",
				slog.Any("session", cs),
			)
			cs.Cancel(ctx) //nolint:errcheck
		default:
		}
	})
	cs.expiresTmr.Store(tmr)
}

func (cs *ClientSession) stopExpiresTimer() {
	if tmr := cs.expiresTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

// recvInviteResponse handles every response delivered by the INVITE
// client transaction. Processing is serialized so forked branches are
// reconciled one at a time.
func (cs *ClientSession) recvInviteResponse(ctx context.Context, _ ClientTransaction, res *InboundResponse) {
	cs.respMu.Lock()
	defer cs.respMu.Unlock()

	if cs.Status() == SessionStatusTerminated {
		return
	}

	sts := res.Status()
	switch {
	case sts.IsProvisional():
		cs.recvProvisional(ctx, res)
	case sts.IsSuccessful():
		cs.recvSuccess(ctx, res)
	default:
		cs.recvFailure(ctx, res)
	}
}

func (cs *ClientSession) recvProvisional(ctx context.Context, res *InboundResponse) {
	if err := cs.fireEvt(ctx, csEvtProgress); err != nil {
		return
	}

	// a provisional response unblocks a pending CANCEL (RFC 3261 Section 9.1)
	defer cs.flushPendingCancel(ctx)

	toTag := responseToTag(res)
	if res.Status() == ResponseStatusTrying || toTag == "" {
		cs.fireProgress(ctx, res)
		return
	}
	if cs.Status() == SessionStatusCancelled {
		return
	}

	key := DialogKey{CallID: string(cs.callID), LocalTag: cs.localTag, RemoteTag: toTag}
	dlg, ok := cs.earlyDialog(key)
	if !ok {
		var err error
		if dlg, err = cs.newBranchDialog(ctx, res); err != nil {
			cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to create early dialog",
				slog.Any("session", cs),
				slog.Any("error", err),
			)
			return
		}
		cs.trackEarlyDialog(dlg)
	}

	if rseq, ok := res.Headers().RSeq(); ok && responseIsReliable(res) {
		cs.recvReliableProvisional(ctx, dlg, res, rseq)
		return
	}

	cs.fireProgress(ctx, res)
}

// recvReliableProvisional acknowledges a reliable provisional response
// with PRACK and runs the early offer/answer exchange it may carry
// (RFC 3262 Section 4).
func (cs *ClientSession) recvReliableProvisional(
	ctx context.Context,
	dlg *Dialog,
	res *InboundResponse,
	rseq header.RSeq,
) {
	key := dlg.Key()
	if last, ok := cs.rseqs[key]; ok && rseq <= last {
		// retransmitted or out of order reliable provisional
		return
	}
	cs.rseqs[key] = rseq

	var prackBody *SessionDescription
	if desc := MessageDescription(res); desc != nil {
		switch dlg.SignalingState() {
		case SignalingStateHaveLocalOffer:
			// answer to the early offer
			if err := cs.sdh.SetDescription(ctx, desc, nil); err != nil {
				cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply early answer",
					slog.Any("session", cs),
					slog.Any("error", err),
				)
				break
			}
			dlg.SetRemoteAnswer(ctx) //nolint:errcheck
			cs.fireEvt(ctx, csEvtEarlyMedia) //nolint:errcheck
		case SignalingStateInitial:
			// offer in the reliable provisional, answered in the PRACK
			if err := dlg.SetRemoteOffer(ctx); err != nil {
				break
			}
			if err := cs.sdh.SetDescription(ctx, desc, nil); err != nil {
				cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to apply early offer",
					slog.Any("session", cs),
					slog.Any("error", err),
				)
				break
			}
			answer, err := cs.sdh.GetDescription(ctx, nil)
			if err != nil {
				cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to produce early answer",
					slog.Any("session", cs),
					slog.Any("error", err),
				)
				break
			}
			dlg.SetLocalAnswer(ctx) //nolint:errcheck
			prackBody = answer
		default:
		}
	}
	if cs.Status() == SessionStatusTerminated {
		return
	}

	cseq, _ := cs.origReq.Headers().CSeq()
	rack := header.RAck{RSeqNum: uint(rseq), CSeqNum: cseq.SeqNum, Method: RequestMethodInvite}
	prackOpts := DialogRequestOptions{
		Headers: make(Headers, 2).Set(&rack),
	}
	if !prackBody.IsZero() {
		for _, entries := range descHeaders(prackBody) {
			prackOpts.Headers.Set(entries...)
		}
		prackOpts.Body = prackBody.Body
	}

	prack, err := cs.newInDialogRequest(dlg, RequestMethodPrack, &prackOpts)
	if err != nil {
		cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to build prack",
			slog.Any("session", cs),
			slog.Any("error", err),
		)
		return
	}
	go func() {
		if _, err := cs.sendRequestWaitFinal(cs.ctx, prack); err != nil {
			cs.log.LogAttrs(cs.ctx, slog.LevelWarn, "prack failed",
				slog.Any("session", cs),
				slog.Any("error", err),
			)
		}
	}()

	cs.fireProgress(ctx, res)
}

func (cs *ClientSession) recvSuccess(ctx context.Context, res *InboundResponse) {
	cs.finalHandled.Store(true)
	cs.stopExpiresTimer()

	toTag := responseToTag(res)
	key := DialogKey{CallID: string(cs.callID), LocalTag: cs.localTag, RemoteTag: toTag}

	// a 2xx that races a CANCEL is acknowledged and immediately torn down
	if cs.Status() == SessionStatusCancelled {
		cs.ackAndBye(ctx, key, res)
		cs.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return
	}

	if dlg := cs.Dialog(); dlg != nil {
		if dlg.Key() == key {
			// retransmitted 2xx of the winning branch, resend the ACK
			if cs.lastAck != nil {
				cs.ua.tp.SendRequest(ctx, cs.lastAck, nil) //nolint:errcheck
			}
			return
		}
		// losing branch of a forked INVITE
		switch cs.ua.forkPolicy() {
		case ForkIgnoreLosers:
			cs.ackOnly(ctx, key, res)
		default:
			cs.ackAndBye(ctx, key, res)
		}
		return
	}

	dlg, ok := cs.earlyDialog(key)
	if !ok {
		var err error
		if dlg, err = cs.newBranchDialog(ctx, res); err != nil {
			cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to create dialog",
				slog.Any("session", cs),
				slog.Any("error", err),
			)
			return
		}
		cs.trackEarlyDialog(dlg)
	}

	if _, err := cs.confirmDialog(ctx, key, res); err != nil {
		cs.log.LogAttrs(ctx, slog.LevelWarn, "failed to confirm dialog",
			slog.Any("session", cs),
			slog.Any("error", err),
		)
		return
	}

	ackBody, failCause, err := cs.finalAnswerExchange(ctx, dlg, res)
	if err != nil {
		cs.ackAndByeDialog(ctx, dlg)
		cs.terminateWith(ctx, failCause, err)
		return
	}
	if cs.cancelled.Load() || cs.Status() == SessionStatusTerminated {
		cs.ackAndByeDialog(ctx, dlg)
		cs.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return
	}

	if err := cs.sendAck(ctx, dlg, ackBody); err != nil {
		cs.terminateWith(ctx, SessionEndCauseConnectionError, err)
		return
	}

	cs.mustFireEvt(ctx, csEvtConfirm)
	cs.onAccepted.Range(func(fn SessionResponseHandler) {
		fn(ctx, res)
	})
}

// finalAnswerExchange completes the offer/answer negotiation against the
// winning 2xx response and returns the body to carry in the ACK, if any.
func (cs *ClientSession) finalAnswerExchange(
	ctx context.Context,
	dlg *Dialog,
	res *InboundResponse,
) (ackBody *SessionDescription, failCause SessionEndCause, err error) {
	desc := MessageDescription(res)

	switch dlg.SignalingState() {
	case SignalingStateHaveLocalOffer:
		// the 2xx must answer the offer carried in the INVITE
		if desc == nil {
			return nil, SessionEndCauseBadMediaDesc,
				errtrace.Wrap(NewInvalidMessageError("missing answer in 2xx"))
		}
		if err := cs.sdh.SetDescription(ctx, desc, nil); err != nil {
			return nil, SessionEndCauseBadMediaDesc, errtrace.Wrap(err)
		}
		dlg.SetRemoteAnswer(ctx) //nolint:errcheck
		return nil, "", nil

	case SignalingStateInitial:
		// delayed offer, the 2xx offers and the ACK answers
		if desc == nil {
			return nil, SessionEndCauseBadMediaDesc,
				errtrace.Wrap(NewInvalidMessageError("missing offer in 2xx"))
		}
		if err := dlg.SetRemoteOffer(ctx); err != nil {
			return nil, SessionEndCauseBadMediaDesc, errtrace.Wrap(err)
		}
		if err := cs.sdh.SetDescription(ctx, desc, nil); err != nil {
			return nil, SessionEndCauseBadMediaDesc, errtrace.Wrap(err)
		}
		answer, err := cs.sdh.GetDescription(ctx, nil)
		if err != nil {
			return nil, SessionEndCauseBadMediaDesc, errtrace.Wrap(err)
		}
		dlg.SetLocalAnswer(ctx) //nolint:errcheck
		return answer, "", nil

	default:
		// negotiation already completed on a reliable provisional
		return nil, "", nil
	}
}

func (cs *ClientSession) sendAck(ctx context.Context, dlg *Dialog, body *SessionDescription) error {
	cseq, _ := cs.origReq.Headers().CSeq()
	ackOpts := DialogRequestOptions{SeqNum: cseq.SeqNum}
	if !body.IsZero() {
		ackOpts.Headers = descHeaders(body)
		ackOpts.Body = body.Body
	}

	ack, err := cs.newInDialogRequest(dlg, RequestMethodAck, &ackOpts)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := cs.ua.tp.SendRequest(ctx, ack, nil); err != nil {
		return errtrace.Wrap(err)
	}
	cs.lastAck = ack
	return nil
}

// newBranchDialog creates a dialog for a response branch. When the INVITE
// carried the offer the dialog starts in the have-local-offer state, so the
// remote description is applied as an answer (RFC 3264).
func (cs *ClientSession) newBranchDialog(ctx context.Context, res *InboundResponse) (*Dialog, error) {
	dlg, err := NewClientDialog(cs.origReq, res, &DialogOptions{Log: cs.log})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if cs.earlyOffer {
		dlg.SetLocalOffer(ctx) //nolint:errcheck
	}
	return dlg, nil
}

// ackOnly acknowledges a 2xx on a branch dialog without tearing it down.
func (cs *ClientSession) ackOnly(ctx context.Context, key DialogKey, res *InboundResponse) {
	dlg, ok := cs.earlyDialog(key)
	if !ok {
		var err error
		if dlg, err = cs.newBranchDialog(ctx, res); err != nil {
			return
		}
	}
	cseq, _ := cs.origReq.Headers().CSeq()
	if ack, err := cs.newInDialogRequest(dlg, RequestMethodAck, &DialogRequestOptions{
		SeqNum: cseq.SeqNum,
	}); err == nil {
		cs.ua.tp.SendRequest(ctx, ack, nil) //nolint:errcheck
	}
}

// ackAndBye acknowledges a 2xx on a branch dialog and immediately sends
// BYE to tear the branch down.
func (cs *ClientSession) ackAndBye(ctx context.Context, key DialogKey, res *InboundResponse) {
	dlg, ok := cs.earlyDialog(key)
	if !ok {
		var err error
		if dlg, err = cs.newBranchDialog(ctx, res); err != nil {
			return
		}
	}
	cs.ackAndByeDialog(ctx, dlg)
}

func (cs *ClientSession) ackAndByeDialog(ctx context.Context, dlg *Dialog) {
	cseq, _ := cs.origReq.Headers().CSeq()
	if ack, err := cs.newInDialogRequest(dlg, RequestMethodAck, &DialogRequestOptions{
		SeqNum: cseq.SeqNum,
	}); err == nil {
		cs.ua.tp.SendRequest(ctx, ack, nil) //nolint:errcheck
	}

	bye, err := cs.newInDialogRequest(dlg, RequestMethodBye, nil)
	if err != nil {
		return
	}
	go func() {
		if _, err := cs.sendRequestWaitFinal(context.Background(), bye); err != nil {
			cs.log.LogAttrs(context.Background(), slog.LevelDebug, "branch bye failed",
				slog.Any("session", cs),
				slog.Any("error", err),
			)
		}
		dlg.Terminate(context.Background())
	}()
}

func (cs *ClientSession) recvFailure(ctx context.Context, res *InboundResponse) {
	cs.finalHandled.Store(true)
	cs.stopExpiresTimer()

	if cs.Status() == SessionStatusCancelled && res.Status() == ResponseStatusRequestTerminated {
		cs.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return
	}

	cs.onRejected.Range(func(fn SessionResponseHandler) {
		fn(ctx, res)
	})
	cs.terminateWith(ctx, sessionEndCauseFromStatus(res.Status()), nil)
}

func (cs *ClientSession) fireProgress(ctx context.Context, res *InboundResponse) {
	cs.onProgress.Range(func(fn SessionResponseHandler) {
		fn(ctx, res)
	})
}

// Cancel cancels the outgoing INVITE. Before any provisional response is
// received the CANCEL is withheld and sent once the first provisional
// arrives (RFC 3261 Section 9.1).
func (cs *ClientSession) Cancel(ctx context.Context) error {
	switch cs.Status() {
	case SessionStatusInitial:
		cs.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return nil
	case SessionStatusInviteSent:
		cs.cancelled.Store(true)
		return errtrace.Wrap(cs.fireEvt(ctx, csEvtCancel))
	case SessionStatusEarly, SessionStatusEarlyMedia:
		cs.cancelled.Store(true)
		if err := cs.fireEvt(ctx, csEvtCancel); err != nil {
			return errtrace.Wrap(err)
		}
		cs.sendCancel(ctx)
		return nil
	case SessionStatusCancelled:
		return nil
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"cancel in status %q", cs.Status()))
	}
}

// flushPendingCancel sends the withheld CANCEL once a provisional
// response has been received.
func (cs *ClientSession) flushPendingCancel(ctx context.Context) {
	if cs.cancelled.Load() && cs.Status() == SessionStatusCancelled {
		cs.sendCancel(ctx)
	}
}

func (cs *ClientSession) sendCancel(ctx context.Context) {
	if !cs.cancelSent.CompareAndSwap(false, true) {
		return
	}

	reqHdrs := cs.origReq.Headers()
	cseq, _ := reqHdrs.CSeq()

	hdrs := make(Headers, 8).
		CopyFrom(reqHdrs, "Via", "From", "To", "Call-ID", "Max-Forwards", "Route").
		Set(&header.CSeq{SeqNum: cseq.SeqNum, Method: RequestMethodCancel})

	cancel := NewOutboundRequest(&Request{
		Method:  RequestMethodCancel,
		URI:     cs.origReq.URI().Clone(),
		Proto:   ProtoVer20(),
		Headers: hdrs,
	})

	go func() {
		if _, err := cs.sendRequestWaitFinal(context.Background(), cancel); err != nil {
			cs.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel failed",
				slog.Any("session", cs),
				slog.Any("error", err),
			)
		}
	}()

	cs.log.LogAttrs(ctx, slog.LevelDebug, "cancel sent", slog.Any("session", cs))
}

// Terminate closes the session in whatever state it is: local cancel
// before the final response, BYE after confirmation.
func (cs *ClientSession) Terminate(ctx context.Context) error {
	switch cs.Status() {
	case SessionStatusTerminated:
		return nil
	case SessionStatusConfirmed:
		return errtrace.Wrap(cs.bye(ctx))
	case SessionStatusCancelled:
		cs.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return nil
	default:
		return errtrace.Wrap(cs.Cancel(ctx))
	}
}

// ReceiveRequest dispatches an inbound in-dialog request to the session.
func (cs *ClientSession) ReceiveRequest(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	return errtrace.Wrap(cs.receiveInDialog(ctx, tx, req))
}

func responseToTag(res *InboundResponse) string {
	if to, ok := res.Headers().To(); ok && to != nil {
		tag, _ := to.Tag()
		return tag
	}
	return ""
}

// responseIsReliable reports whether a provisional response is sent
// reliably per RFC 3262, i.e. requires PRACK.
func responseIsReliable(res *InboundResponse) bool {
	return res.Headers().HasOption("Require", Option100Rel)
}
