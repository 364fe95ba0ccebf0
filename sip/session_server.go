package sip

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
)

// Server session FSM triggers.
const (
	ssEvtProgress    = "progress"
	ssEvtRelProgress = "rel_progress"
	ssEvtPrack       = "prack"
	ssEvtAccept      = "accept"
	ssEvtAccepted    = "accepted"
	ssEvtAck         = "ack"
	ssEvtCancel      = "cancel"
)

// ProgressOptions contains options for sending a provisional response.
type ProgressOptions struct {
	// Status is the provisional status to send. Defaults to 180 Ringing.
	Status ResponseStatus
	// Headers are additional headers to add to the response.
	Headers Headers
	// Rel100 forces the provisional response to be sent reliably (RFC 3262)
	// even when the request merely supports it.
	Rel100 bool
}

func (o *ProgressOptions) status() ResponseStatus {
	if o == nil || o.Status == 0 {
		return ResponseStatusRinging
	}
	return o.Status
}

func (o *ProgressOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *ProgressOptions) rel100() bool { return o != nil && o.Rel100 }

// AcceptOptions contains options for accepting an INVITE session.
type AcceptOptions struct {
	// Headers are additional headers to add to the 2xx response.
	Headers Headers
}

func (o *AcceptOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

// RejectOptions contains options for rejecting an INVITE session.
type RejectOptions struct {
	// Reason overrides the default reason phrase of the status code.
	Reason ResponseReason
	// Headers are additional headers to add to the response.
	Headers Headers
}

func (o *RejectOptions) respondOpts(localTag string) *RespondOptions {
	opts := &RespondOptions{LocalTag: localTag}
	if o != nil {
		opts.Reason = o.Reason
		opts.Headers = o.Headers
	}
	return opts
}

// relProvisional tracks an unacknowledged reliable provisional response.
type relProvisional struct {
	rseq       header.RSeq
	sts        ResponseStatus
	opts       *RespondOptions
	retransTmr *time.Timer
	timeoutTmr *time.Timer
	done       chan struct{}
}

// ServerSession is the UAS side of an INVITE session. It answers the
// incoming INVITE through provisional responses, reliable provisional
// retransmission (RFC 3262), the final offer/answer exchange, 2xx
// retransmission and the ACK wait.
type ServerSession struct {
	*baseSession

	tx       ServerTransaction
	req      *InboundRequest
	localTag string

	relMu       sync.Mutex
	rseq        header.RSeq
	rel         *relProvisional
	relOffered  bool // local offer sent in a reliable provisional
	inviteOffer *SessionDescription

	res2xxSts  ResponseStatus
	res2xxOpts *RespondOptions

	res2xxTmr   atomic.Pointer[time.Timer]
	ackWaitTmr  atomic.Pointer[time.Timer]
	noAnswerTmr atomic.Pointer[time.Timer]
	expiresTmr  atomic.Pointer[time.Timer]
}

var _ Session = (*ServerSession)(nil)

func newServerSession(
	ua *UserAgent,
	tx ServerTransaction,
	req *InboundRequest,
	sdh SessionDescriptionHandler,
) (*ServerSession, error) {
	ss := &ServerSession{
		tx:          tx,
		req:         req,
		localTag:    GenerateTag(0),
		inviteOffer: MessageDescription(req),
	}
	ss.baseSession = newBaseSession(SessionRoleServer, ss, ua, sdh)
	ss.initFSM(SessionStatusInviteReceived)

	ss.fsm.Configure(SessionStatusInviteReceived).
		Permit(ssEvtProgress, SessionStatusWaitingForAnswer).
		Permit(ssEvtRelProgress, SessionStatusWaitingForPrack).
		Permit(ssEvtAccepted, SessionStatusWaitingForAck).
		Permit(ssEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusWaitingForAnswer).
		InternalTransition(ssEvtProgress, func(_ context.Context, _ ...any) error { return nil }).
		Permit(ssEvtRelProgress, SessionStatusWaitingForPrack).
		Permit(ssEvtAccepted, SessionStatusWaitingForAck).
		Permit(ssEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusWaitingForPrack).
		Permit(ssEvtPrack, SessionStatusWaitingForAnswer).
		Permit(ssEvtAccept, SessionStatusAnsweredWaitPrack).
		Permit(ssEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusAnsweredWaitPrack).
		Permit(ssEvtPrack, SessionStatusWaitingForAnswer).
		Permit(ssEvtCancel, SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusWaitingForAck).
		Permit(ssEvtAck, SessionStatusConfirmed).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusConfirmed).
		OnEntry(func(ctx context.Context, _ ...any) error {
			ss.onConfirmed.Range(func(fn SessionStatusHandler) {
				fn(ctx, SessionStatusWaitingForAck, SessionStatusConfirmed)
			})
			return nil
		}).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusCancelled).
		Permit(sessEvtTerminate, SessionStatusTerminated)

	ss.fsm.Configure(SessionStatusTerminated).
		InternalTransition(sessEvtTerminate, func(_ context.Context, _ ...any) error { return nil })

	dlg, err := NewServerDialog(req, ss.localTag, &DialogOptions{Log: ss.log})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	ss.trackEarlyDialog(dlg)

	ss.armAnswerTimers()
	return ss, nil
}

// Request returns the INVITE request that created the session.
func (ss *ServerSession) Request() *InboundRequest { return ss.req }

// armAnswerTimers starts the local no-answer bound and the caller
// supplied Expires bound (RFC 3261 Section 13.3.1.1).
func (ss *ServerSession) armAnswerTimers() {
	if d := ss.ua.noAnswerTimeout(); d > 0 {
		ss.noAnswerTmr.Store(time.AfterFunc(d, func() {
			ss.expireUnanswered(ResponseStatusTemporarilyUnavailable, SessionEndCauseNoAnswer)
		}))
	}
	if exp, ok := requestExpires(ss.req); ok && exp > 0 {
		ss.expiresTmr.Store(time.AfterFunc(exp, func() {
			ss.expireUnanswered(ResponseStatusRequestTerminated, SessionEndCauseExpired)
		}))
	}
}

func (ss *ServerSession) expireUnanswered(sts ResponseStatus, cause SessionEndCause) {
	ctx := context.Background()
	switch ss.Status() {
	case SessionStatusInviteReceived, SessionStatusWaitingForAnswer,
		SessionStatusWaitingForPrack, SessionStatusAnsweredWaitPrack:
	default:
		return
	}

	ss.log.LogAttrs(ctx, slog.LevelDebug, "answer time exceeded",
		slog.Any("session", ss),
		slog.Any("status", sts),
	)

	ss.stopRelTimers()
	if err := ss.tx.Respond(ctx, sts, &RespondOptions{LocalTag: ss.localTag}); err != nil {
		ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to reject expired invite",
			slog.Any("session", ss),
			slog.Any("error", err),
		)
	}
	ss.terminateWith(ctx, cause, nil)
}

func (ss *ServerSession) stopAnswerTimers() {
	if tmr := ss.noAnswerTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := ss.expiresTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

// relRequired reports whether provisional responses must be sent reliably.
func (ss *ServerSession) relRequired(opts *ProgressOptions) bool {
	hdrs := ss.req.Headers()
	if hdrs.HasOption("Require", Option100Rel) {
		return true
	}
	if !hdrs.HasOption("Supported", Option100Rel) {
		return false
	}
	return opts.rel100() || ss.ua.rel100() == Rel100Required
}

// Progress sends a provisional response, reliably when the request and
// local policy call for it (RFC 3262).
func (ss *ServerSession) Progress(ctx context.Context, opts *ProgressOptions) error {
	sts := opts.status()
	if !sts.IsProvisional() || sts == ResponseStatusTrying {
		return errtrace.Wrap(NewInvalidArgumentError("invalid provisional status"))
	}
	switch ss.Status() {
	case SessionStatusInviteReceived, SessionStatusWaitingForAnswer:
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"progress in status %q", ss.Status()))
	}

	if ss.relRequired(opts) {
		return errtrace.Wrap(ss.progressReliable(ctx, sts, opts))
	}

	respOpts := &RespondOptions{
		LocalTag: ss.localTag,
		Headers:  opts.headers(),
	}
	if err := ss.tx.Respond(ctx, sts, respOpts); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(ss.fireEvt(ctx, ssEvtProgress))
}

// progressReliable sends a reliable provisional response carrying a fresh
// RSeq and retransmits it with exponential backoff until acknowledged by
// PRACK or given up after 64*T1 (RFC 3262 Section 3).
func (ss *ServerSession) progressReliable(ctx context.Context, sts ResponseStatus, opts *ProgressOptions) error {
	dlg, _ := ss.earlyDialog(ss.dialogKey())

	// the reliable provisional carries the early offer/answer exchange
	var desc *SessionDescription
	switch dlg.SignalingState() {
	case SignalingStateInitial:
		if ss.inviteOffer != nil {
			// answer the INVITE offer early
			if err := dlg.SetRemoteOffer(ctx); err != nil {
				return errtrace.Wrap(err)
			}
			if err := ss.sdh.SetDescription(ctx, ss.inviteOffer, nil); err != nil {
				return errtrace.Wrap(err)
			}
			answer, err := ss.sdh.GetDescription(ctx, nil)
			if err != nil {
				return errtrace.Wrap(err)
			}
			dlg.SetLocalAnswer(ctx) //nolint:errcheck
			desc = answer
		} else {
			// delayed offer, the UAS offers in the reliable provisional
			offer, err := ss.sdh.GetDescription(ctx, nil)
			if err != nil {
				return errtrace.Wrap(err)
			}
			if err := dlg.SetLocalOffer(ctx); err != nil {
				return errtrace.Wrap(err)
			}
			ss.relMu.Lock()
			ss.relOffered = true
			ss.relMu.Unlock()
			desc = offer
		}
	default:
	}
	if ss.Status() == SessionStatusTerminated {
		return errtrace.Wrap(ErrSessionClosed)
	}

	ss.relMu.Lock()
	defer ss.relMu.Unlock()
	if ss.rel != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"reliable provisional already outstanding"))
	}

	ss.rseq++
	hdrs := mergeHeaders(opts.headers(), descHeaders(desc)).
		Set(header.Require{Option100Rel}, ss.rseq)

	respOpts := &RespondOptions{
		LocalTag: ss.localTag,
		Headers:  hdrs,
	}
	if !desc.IsZero() {
		respOpts.Body = desc.Body
	}

	if err := ss.tx.Respond(ctx, sts, respOpts); err != nil {
		return errtrace.Wrap(err)
	}
	if err := ss.fireEvt(ctx, ssEvtRelProgress); err != nil {
		return errtrace.Wrap(err)
	}

	rel := &relProvisional{
		rseq: ss.rseq,
		sts:  sts,
		opts: respOpts,
		done: make(chan struct{}),
	}
	ss.rel = rel
	ss.armRelTimers(rel, ss.timings.T1())
	return nil
}

// armRelTimers schedules the next retransmission of an unacknowledged
// reliable provisional and its overall timeout.
func (ss *ServerSession) armRelTimers(rel *relProvisional, interval time.Duration) {
	rel.retransTmr = time.AfterFunc(interval, func() {
		ss.retransmitRel(rel, 2*interval)
	})
	rel.timeoutTmr = time.AfterFunc(ss.timings.TimeH(), func() {
		ss.relTimeout(rel)
	})
}

func (ss *ServerSession) retransmitRel(rel *relProvisional, next time.Duration) {
	ss.relMu.Lock()
	if ss.rel != rel {
		ss.relMu.Unlock()
		return
	}
	rel.retransTmr = time.AfterFunc(next, func() {
		ss.retransmitRel(rel, 2*next)
	})
	ss.relMu.Unlock()

	ctx := context.Background()
	ss.log.LogAttrs(ctx, slog.LevelDebug, "re-send reliable provisional",
		slog.Any("session", ss),
		slog.Any("rseq", rel.rseq),
	)
	if err := ss.tx.Respond(ctx, rel.sts, rel.opts); err != nil {
		ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to re-send reliable provisional",
			slog.Any("session", ss),
			slog.Any("error", err),
		)
	}
}

// relTimeout gives up on an unacknowledged reliable provisional, rejects
// the INVITE with 504 and terminates the session (RFC 3262 Section 3).
func (ss *ServerSession) relTimeout(rel *relProvisional) {
	ss.relMu.Lock()
	if ss.rel != rel {
		ss.relMu.Unlock()
		return
	}
	ss.rel = nil
	if rel.retransTmr != nil {
		rel.retransTmr.Stop()
	}
	ss.relMu.Unlock()

	ctx := context.Background()
	ss.log.LogAttrs(ctx, slog.LevelDebug, "no prack received",
		slog.Any("session", ss),
		slog.Any("rseq", rel.rseq),
	)

	if err := ss.tx.Respond(ctx, ResponseStatusGatewayTimeout, &RespondOptions{
		LocalTag: ss.localTag,
	}); err != nil {
		ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to reject invite",
			slog.Any("session", ss),
			slog.Any("error", err),
		)
	}
	ss.terminateWith(ctx, SessionEndCauseNoPrack, nil)
}

func (ss *ServerSession) stopRelTimers() {
	ss.relMu.Lock()
	defer ss.relMu.Unlock()
	ss.stopRelTimersLocked()
}

func (ss *ServerSession) stopRelTimersLocked() {
	if ss.rel == nil {
		return
	}
	if ss.rel.retransTmr != nil {
		ss.rel.retransTmr.Stop()
	}
	if ss.rel.timeoutTmr != nil {
		ss.rel.timeoutTmr.Stop()
	}
}

// handlePrack acknowledges the outstanding reliable provisional, applies
// the offer or answer the PRACK may carry and answers it.
func (ss *ServerSession) handlePrack(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	ss.relMu.Lock()
	rel := ss.rel
	ss.relMu.Unlock()

	rack, ok := req.Headers().RAck()
	if rel == nil || !ok || rack == nil || header.RSeq(rack.RSeqNum) != rel.rseq {
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusCallTransactionDoesNotExist, &RespondOptions{
			LocalTag: ss.localTag,
		}))
	}

	ss.relMu.Lock()
	ss.stopRelTimersLocked()
	ss.rel = nil
	relOffered := ss.relOffered
	ss.relOffered = false
	ss.relMu.Unlock()

	dlg, _ := ss.earlyDialog(ss.dialogKey())

	var resBody *SessionDescription
	if desc := MessageDescription(req); desc != nil {
		switch {
		case relOffered:
			// answer to the offer sent in the reliable provisional
			if err := ss.sdh.SetDescription(ctx, desc, nil); err != nil {
				return errtrace.Wrap(ss.rejectBadPrack(ctx, tx, err))
			}
			dlg.SetRemoteAnswer(ctx) //nolint:errcheck
		default:
			// new offer in the PRACK, answered in the 200 to it
			if err := dlg.SetRemoteOffer(ctx); err == nil {
				if err := ss.sdh.SetDescription(ctx, desc, nil); err != nil {
					return errtrace.Wrap(ss.rejectBadPrack(ctx, tx, err))
				}
				answer, err := ss.sdh.GetDescription(ctx, nil)
				if err != nil {
					return errtrace.Wrap(ss.rejectBadPrack(ctx, tx, err))
				}
				dlg.SetLocalAnswer(ctx) //nolint:errcheck
				resBody = answer
			}
		}
	}
	if ss.Status() == SessionStatusTerminated {
		return errtrace.Wrap(ErrSessionClosed)
	}

	respOpts := &RespondOptions{LocalTag: ss.localTag}
	if !resBody.IsZero() {
		respOpts.Headers = descHeaders(resBody)
		respOpts.Body = resBody.Body
	}
	if err := tx.Respond(ctx, ResponseStatusOK, respOpts); err != nil {
		return errtrace.Wrap(err)
	}

	if err := ss.fireEvt(ctx, ssEvtPrack); err != nil {
		return errtrace.Wrap(err)
	}
	close(rel.done)
	return nil
}

func (ss *ServerSession) rejectBadPrack(ctx context.Context, tx ServerTransaction, cause error) error {
	if err := tx.Respond(ctx, ResponseStatusNotAcceptableHere, &RespondOptions{
		LocalTag: ss.localTag,
	}); err != nil {
		return errtrace.Wrap(err)
	}
	return errtrace.Wrap(cause)
}

// Accept answers the INVITE with a 2xx response. When a reliable
// provisional is still unacknowledged the 2xx is deferred until the
// PRACK arrives (RFC 3262 Section 3). The 2xx is retransmitted until
// the ACK is received; if none arrives the session is torn down with BYE.
func (ss *ServerSession) Accept(ctx context.Context, opts *AcceptOptions) error {
	ss.relMu.Lock()
	rel := ss.rel
	ss.relMu.Unlock()

	if rel != nil {
		if err := ss.fireEvt(ctx, ssEvtAccept); err != nil {
			return errtrace.Wrap(err)
		}
		select {
		case <-rel.done:
		case <-ss.ctx.Done():
			return errtrace.Wrap(ErrSessionClosed)
		case <-ctx.Done():
			return errtrace.Wrap(ctx.Err())
		}
	}

	switch ss.Status() {
	case SessionStatusInviteReceived, SessionStatusWaitingForAnswer:
	case SessionStatusCancelled, SessionStatusTerminated:
		return errtrace.Wrap(ErrRequestCancelled)
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"accept in status %q", ss.Status()))
	}

	key := ss.dialogKey()
	dlg, ok := ss.earlyDialog(key)
	if !ok {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	desc, err := ss.finalAnswer(ctx, dlg)
	if err != nil {
		ss.stopAnswerTimers()
		if rerr := ss.tx.Respond(ctx, ResponseStatusNotAcceptableHere, &RespondOptions{
			LocalTag: ss.localTag,
		}); rerr != nil {
			ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to reject invite",
				slog.Any("session", ss),
				slog.Any("error", rerr),
			)
		}
		ss.terminateWith(ctx, SessionEndCauseBadMediaDesc, err)
		return errtrace.Wrap(err)
	}
	switch ss.Status() {
	case SessionStatusCancelled, SessionStatusTerminated:
		return errtrace.Wrap(ErrRequestCancelled)
	default:
	}

	ss.stopAnswerTimers()

	respOpts := &RespondOptions{
		LocalTag: ss.localTag,
		Headers: mergeHeaders(opts.headers(), descHeaders(desc)).
			Set(header.Contact{ss.ua.contact()}, ss.ua.allowMethods()),
	}
	if !desc.IsZero() {
		respOpts.Body = desc.Body
	}

	if err := ss.tx.Respond(ctx, ResponseStatusOK, respOpts); err != nil {
		ss.terminateWith(ctx, SessionEndCauseConnectionError, err)
		return errtrace.Wrap(err)
	}
	ss.res2xxSts = ResponseStatusOK
	ss.res2xxOpts = respOpts

	if _, err := ss.confirmDialog(ctx, key, nil); err != nil {
		return errtrace.Wrap(err)
	}
	dlg.ConfirmLocal() //nolint:errcheck

	if err := ss.fireEvt(ctx, ssEvtAccepted); err != nil {
		return errtrace.Wrap(err)
	}

	// the 2xx is retransmitted by the TU until acknowledged (RFC 3261
	// Section 13.3.1.4, RFC 6026)
	ss.arm2xxTimers()
	return nil
}

// finalAnswer completes the UAS side of the offer/answer exchange for the
// 2xx response and returns the body it must carry, if any.
func (ss *ServerSession) finalAnswer(ctx context.Context, dlg *Dialog) (*SessionDescription, error) {
	switch dlg.SignalingState() {
	case SignalingStateInitial:
		if ss.inviteOffer != nil {
			// answer the INVITE offer in the 2xx
			if err := dlg.SetRemoteOffer(ctx); err != nil {
				return nil, errtrace.Wrap(err)
			}
			if err := ss.sdh.SetDescription(ctx, ss.inviteOffer, nil); err != nil {
				return nil, errtrace.Wrap(err)
			}
			answer, err := ss.sdh.GetDescription(ctx, nil)
			if err != nil {
				return nil, errtrace.Wrap(err)
			}
			dlg.SetLocalAnswer(ctx) //nolint:errcheck
			return answer, nil
		}
		// delayed offer, the 2xx offers and the ACK answers
		offer, err := ss.sdh.GetDescription(ctx, nil)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		if err := dlg.SetLocalOffer(ctx); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return offer, nil

	case SignalingStateHaveRemoteOffer:
		// offer applied earlier, answer in the 2xx
		answer, err := ss.sdh.GetDescription(ctx, nil)
		if err != nil {
			return nil, errtrace.Wrap(err)
		}
		dlg.SetLocalAnswer(ctx) //nolint:errcheck
		return answer, nil

	default:
		// negotiation already completed on a reliable provisional
		return nil, nil
	}
}

func (ss *ServerSession) arm2xxTimers() {
	ss.armRes2xxRetransmit(ss.timings.TimeG())
	ss.ackWaitTmr.Store(time.AfterFunc(ss.timings.TimeH(), ss.onNoAck))
}

func (ss *ServerSession) armRes2xxRetransmit(interval time.Duration) {
	ss.res2xxTmr.Store(time.AfterFunc(interval, func() {
		if ss.Status() != SessionStatusWaitingForAck {
			return
		}
		ctx := context.Background()
		ss.log.LogAttrs(ctx, slog.LevelDebug, "re-send 2xx response", slog.Any("session", ss))
		if err := ss.tx.Respond(ctx, ss.res2xxSts, ss.res2xxOpts); err != nil {
			ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to re-send 2xx response",
				slog.Any("session", ss),
				slog.Any("error", err),
			)
		}
		ss.armRes2xxRetransmit(min(2*interval, ss.timings.T2()))
	}))
}

func (ss *ServerSession) stop2xxTimers() {
	if tmr := ss.res2xxTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
	if tmr := ss.ackWaitTmr.Swap(nil); tmr != nil {
		tmr.Stop()
	}
}

// onNoAck gives up waiting for the ACK and tears the confirmed-by-2xx
// session down with BYE (RFC 3261 Section 13.3.1.4).
func (ss *ServerSession) onNoAck() {
	if ss.Status() != SessionStatusWaitingForAck {
		return
	}
	ctx := context.Background()
	ss.log.LogAttrs(ctx, slog.LevelDebug, "no ack received", slog.Any("session", ss))

	ss.stop2xxTimers()
	if dlg := ss.Dialog(); dlg != nil {
		if bye, err := ss.newInDialogRequest(dlg, RequestMethodBye, nil); err == nil {
			go ss.sendRequestWaitFinal(context.Background(), bye) //nolint:errcheck
		}
	}
	ss.terminateWith(ctx, SessionEndCauseNoAck, nil)
}

// handleAck confirms the session, applying the answer the ACK carries
// when the 2xx held the offer.
func (ss *ServerSession) handleAck(ctx context.Context, req *InboundRequest) error {
	if ss.Status() != SessionStatusWaitingForAck {
		return nil
	}
	ss.stop2xxTimers()

	dlg := ss.Dialog()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	if dlg.SignalingState() == SignalingStateHaveLocalOffer {
		desc := MessageDescription(req)
		if desc == nil {
			ss.log.LogAttrs(ctx, slog.LevelDebug, "missing answer in ack", slog.Any("session", ss))
			if bye, err := ss.newInDialogRequest(dlg, RequestMethodBye, nil); err == nil {
				go ss.sendRequestWaitFinal(context.Background(), bye) //nolint:errcheck
			}
			ss.terminateWith(ctx, SessionEndCauseBadMediaDesc, nil)
			return nil
		}
		if err := ss.sdh.SetDescription(ctx, desc, nil); err != nil {
			if bye, berr := ss.newInDialogRequest(dlg, RequestMethodBye, nil); berr == nil {
				go ss.sendRequestWaitFinal(context.Background(), bye) //nolint:errcheck
			}
			ss.terminateWith(ctx, SessionEndCauseBadMediaDesc, err)
			return errtrace.Wrap(err)
		}
		dlg.SetRemoteAnswer(ctx) //nolint:errcheck
	}

	if err := ss.fireEvt(ctx, ssEvtAck); err != nil {
		return errtrace.Wrap(err)
	}
	ss.onAck.Range(func(fn SessionRequestHandler) {
		fn(ctx, req)
	})
	return nil
}

// handleCancel answers a CANCEL matched to the INVITE: before the final
// response the INVITE is answered with 487 and the session is terminated,
// after it the CANCEL has no effect (RFC 3261 Section 9.2).
func (ss *ServerSession) handleCancel(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	if err := tx.Respond(ctx, ResponseStatusOK, nil); err != nil {
		ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond to cancel",
			slog.Any("session", ss),
			slog.Any("error", err),
		)
	}

	switch ss.Status() {
	case SessionStatusInviteReceived, SessionStatusWaitingForAnswer,
		SessionStatusWaitingForPrack, SessionStatusAnsweredWaitPrack:
	default:
		// the race went to the final response
		return nil
	}

	if err := ss.fireEvt(ctx, ssEvtCancel); err != nil {
		return errtrace.Wrap(err)
	}

	ss.stopAnswerTimers()
	ss.stopRelTimers()

	if err := ss.tx.Respond(ctx, ResponseStatusRequestTerminated, &RespondOptions{
		LocalTag: ss.localTag,
	}); err != nil {
		ss.log.LogAttrs(ctx, slog.LevelWarn, "failed to reject cancelled invite",
			slog.Any("session", ss),
			slog.Any("error", err),
		)
	}

	ss.onCancel.Range(func(fn SessionRequestHandler) {
		fn(ctx, req)
	})
	ss.terminateWith(ctx, SessionEndCauseCancelled, nil)
	return nil
}

// Reject answers the INVITE with a 3xx-6xx final response and terminates
// the session.
func (ss *ServerSession) Reject(ctx context.Context, sts ResponseStatus, opts *RejectOptions) error {
	if !sts.IsFinal() || sts.IsSuccessful() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid reject status"))
	}
	switch ss.Status() {
	case SessionStatusInviteReceived, SessionStatusWaitingForAnswer,
		SessionStatusWaitingForPrack, SessionStatusAnsweredWaitPrack:
	default:
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"reject in status %q", ss.Status()))
	}

	ss.stopAnswerTimers()
	ss.stopRelTimers()

	if err := ss.tx.Respond(ctx, sts, opts.respondOpts(ss.localTag)); err != nil {
		return errtrace.Wrap(err)
	}
	ss.terminateWith(ctx, sessionEndCauseFromStatus(sts), nil)
	return nil
}

// Terminate closes the session in whatever state it is: reject before
// the final response, BYE after confirmation.
func (ss *ServerSession) Terminate(ctx context.Context) error {
	switch ss.Status() {
	case SessionStatusTerminated:
		return nil
	case SessionStatusConfirmed:
		return errtrace.Wrap(ss.bye(ctx))
	case SessionStatusWaitingForAck:
		ss.stop2xxTimers()
		if dlg := ss.Dialog(); dlg != nil {
			if bye, err := ss.newInDialogRequest(dlg, RequestMethodBye, nil); err == nil {
				go ss.sendRequestWaitFinal(context.Background(), bye) //nolint:errcheck
			}
		}
		ss.terminateWith(ctx, SessionEndCauseNormal, nil)
		return nil
	case SessionStatusCancelled:
		ss.terminateWith(ctx, SessionEndCauseCancelled, nil)
		return nil
	default:
		return errtrace.Wrap(ss.Reject(ctx, ResponseStatusTemporarilyUnavailable, nil))
	}
}

// ReceiveRequest dispatches an inbound in-dialog request to the session.
func (ss *ServerSession) ReceiveRequest(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	switch req.Method() {
	case RequestMethodPrack:
		return errtrace.Wrap(ss.handlePrack(ctx, tx, req))
	case RequestMethodAck:
		return errtrace.Wrap(ss.handleAck(ctx, req))
	case RequestMethodCancel:
		return errtrace.Wrap(ss.handleCancel(ctx, tx, req))
	default:
		return errtrace.Wrap(ss.receiveInDialog(ctx, tx, req))
	}
}

func (ss *ServerSession) dialogKey() DialogKey {
	hdrs := ss.req.Headers()
	callID, _ := hdrs.CallID()
	var remoteTag string
	if from, ok := hdrs.From(); ok && from != nil {
		remoteTag, _ = from.Tag()
	}
	return DialogKey{CallID: string(callID), LocalTag: ss.localTag, RemoteTag: remoteTag}
}

func requestExpires(req *InboundRequest) (time.Duration, bool) {
	if h, ok := req.Headers().First("Expires"); ok {
		if exp, ok := h.(*header.Expires); ok && exp != nil {
			return exp.Duration, true
		}
	}
	return 0, false
}
