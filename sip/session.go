package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/internal/types"
)

// SessionRole is the role of the local party in an INVITE session.
type SessionRole string

const (
	SessionRoleClient SessionRole = "uac"
	SessionRoleServer SessionRole = "uas"
)

// SessionStatus represents the call-level state of an INVITE session.
type SessionStatus string

const (
	SessionStatusInitial           SessionStatus = "initial"
	SessionStatusInviteSent        SessionStatus = "invite_sent"
	SessionStatusInviteReceived    SessionStatus = "invite_received"
	SessionStatusEarly             SessionStatus = "early"
	SessionStatusEarlyMedia        SessionStatus = "early_media"
	SessionStatusWaitingForAnswer  SessionStatus = "waiting_for_answer"
	SessionStatusWaitingForPrack   SessionStatus = "waiting_for_prack"
	SessionStatusAnsweredWaitPrack SessionStatus = "answered_waiting_for_prack"
	SessionStatusWaitingForAck     SessionStatus = "waiting_for_ack"
	SessionStatusCancelled         SessionStatus = "cancelled"
	SessionStatusConfirmed         SessionStatus = "confirmed"
	SessionStatusTerminated        SessionStatus = "terminated"
)

// SessionEndCause classifies why a session failed or terminated.
type SessionEndCause string

const (
	SessionEndCauseNormal          SessionEndCause = "normal"
	SessionEndCauseCancelled       SessionEndCause = "cancelled"
	SessionEndCauseBusy            SessionEndCause = "busy"
	SessionEndCauseRejected        SessionEndCause = "rejected"
	SessionEndCauseRedirected      SessionEndCause = "redirected"
	SessionEndCauseNotFound        SessionEndCause = "not_found"
	SessionEndCauseRequestTimeout  SessionEndCause = "request_timeout"
	SessionEndCauseConnectionError SessionEndCause = "connection_error"
	SessionEndCauseBadMediaDesc    SessionEndCause = "bad_media_description"
	SessionEndCauseIncompatibleSDP SessionEndCause = "incompatible_sdp"
	SessionEndCauseNoAck           SessionEndCause = "no_ack"
	SessionEndCauseNoAnswer        SessionEndCause = "no_answer"
	SessionEndCauseNoPrack         SessionEndCause = "no_prack"
	SessionEndCauseExpired         SessionEndCause = "expired"
	SessionEndCauseSIPFailure      SessionEndCause = "sip_failure"
)

// sessionEndCauseFromStatus derives the failure cause from a final response status.
func sessionEndCauseFromStatus(sts ResponseStatus) SessionEndCause {
	switch {
	case sts == ResponseStatusBusyHere || sts == ResponseStatusBusyEverywhere:
		return SessionEndCauseBusy
	case sts == ResponseStatusRequestTimeout:
		return SessionEndCauseRequestTimeout
	case sts == ResponseStatusNotFound:
		return SessionEndCauseNotFound
	case sts.IsRedirection():
		return SessionEndCauseRedirected
	default:
		return SessionEndCauseRejected
	}
}

// Rel100 is the 100rel (RFC 3262) support level of a session.
type Rel100 string

const (
	Rel100Unsupported Rel100 = "unsupported"
	Rel100Supported   Rel100 = "supported"
	Rel100Required    Rel100 = "required"
)

// ForkPolicy selects how losing branches of a forked INVITE are handled
// once one branch is confirmed.
type ForkPolicy string

const (
	// ForkTerminateLosers acknowledges every losing 2xx and immediately
	// sends BYE on its dialog.
	ForkTerminateLosers ForkPolicy = "terminate_losers"
	// ForkIgnoreLosers acknowledges losing 2xx responses without sending
	// BYE, leaving cleanup to the forking proxy.
	ForkIgnoreLosers ForkPolicy = "ignore_losers"
)

// Session handler types.
type (
	SessionStatusHandler   = func(ctx context.Context, from, to SessionStatus)
	SessionResponseHandler = func(ctx context.Context, res *InboundResponse)
	SessionRequestHandler  = func(ctx context.Context, req *InboundRequest)
	SessionEndHandler      = func(ctx context.Context, cause SessionEndCause, err error)
	SessionDTMFHandler     = func(ctx context.Context, tones string)
	SessionReferHandler    = func(ctx context.Context, target URI)
)

// Session represents an INVITE session, the call-level machine layered on
// top of transactions and dialogs.
type Session interface {
	// Role returns the local role, UAC or UAS.
	Role() SessionRole
	// Status returns the current session status.
	Status() SessionStatus
	// Dialog returns the confirmed dialog, nil until confirmation.
	Dialog() *Dialog
	// Context returns the session context. It is cancelled when the session
	// reaches the terminated status.
	Context() context.Context
	// Err returns the error that caused the session to fail, if any.
	Err() error
	// EndCause returns the cause the session ended with, empty while active.
	EndCause() SessionEndCause
	// Bye sends BYE on the confirmed dialog and terminates the session.
	Bye(ctx context.Context) error
	// Terminate force-closes the session in whatever state it is:
	// cancel before answer, reject before accept, BYE after confirmation.
	Terminate(ctx context.Context) error
	// Reinvite performs a re-INVITE offer/answer exchange on the confirmed dialog.
	Reinvite(ctx context.Context, opts *ReinviteOptions) error
	// Hold puts the call on hold via re-INVITE.
	Hold(ctx context.Context) error
	// Unhold resumes a held call via re-INVITE.
	Unhold(ctx context.Context) error
	// DTMF sends DTMF tones, via the media path when the description handler
	// supports it, otherwise as an INFO request with a dtmf-relay body.
	DTMF(ctx context.Context, tones string) error
	// Refer sends a REFER for the given target on the confirmed dialog.
	Refer(ctx context.Context, target URI) error
	// ReceiveRequest dispatches an inbound in-dialog request to the session.
	ReceiveRequest(ctx context.Context, tx ServerTransaction, req *InboundRequest) error

	OnStatusChanged(fn SessionStatusHandler) (cancel func())
	OnTerminated(fn SessionEndHandler) (cancel func())
}

// ReinviteOptions contains options for a re-INVITE exchange.
type ReinviteOptions struct {
	// Hold requests a hold offer from the session description handler.
	Hold bool
	// Headers are additional headers to add to the re-INVITE.
	Headers Headers
}

func (o *ReinviteOptions) hold() bool { return o != nil && o.Hold }

func (o *ReinviteOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

const (
	sessEvtTerminate = "terminate"
)

type sessionImpl interface {
	Session
}

// baseSession carries the machinery shared by the UAC and UAS session variants.
type baseSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	role   SessionRole
	impl   sessionImpl
	fsm    *stateless.StateMachine
	ua     *UserAgent
	sdh    SessionDescriptionHandler

	timings TimingConfig
	log     *slog.Logger

	dlgMu     sync.Mutex
	dlg       *Dialog
	earlyDlgs map[DialogKey]*Dialog

	cause     atomic.Pointer[SessionEndCause]
	lastErr   atomic.Pointer[error]
	cancelled atomic.Bool

	disposeOnce sync.Once

	onStatusChanged types.CallbackManager[SessionStatusHandler]
	onProgress      types.CallbackManager[SessionResponseHandler]
	onAccepted      types.CallbackManager[SessionResponseHandler]
	onRejected      types.CallbackManager[SessionResponseHandler]
	onConfirmed     types.CallbackManager[SessionStatusHandler]
	onTerminated    types.CallbackManager[SessionEndHandler]
	onBye           types.CallbackManager[SessionRequestHandler]
	onCancel        types.CallbackManager[SessionRequestHandler]
	onAck           types.CallbackManager[SessionRequestHandler]
	onReinvite      types.CallbackManager[SessionRequestHandler]
	onDTMF          types.CallbackManager[SessionDTMFHandler]
	onRefer         types.CallbackManager[SessionReferHandler]
}

func newBaseSession(role SessionRole, impl sessionImpl, ua *UserAgent, sdh SessionDescriptionHandler) *baseSession {
	s := &baseSession{
		role:      role,
		impl:      impl,
		ua:        ua,
		sdh:       sdh,
		timings:   ua.timings(),
		log:       ua.log(),
		earlyDlgs: make(map[DialogKey]*Dialog),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *baseSession) initFSM(start SessionStatus) {
	s.fsm = stateless.NewStateMachineWithMode(start, stateless.FiringQueued)
	s.fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		from := tr.Source.(SessionStatus)    //nolint:forcetypeassert
		to := tr.Destination.(SessionStatus) //nolint:forcetypeassert
		if from == to {
			return
		}

		s.log.LogAttrs(ctx, slog.LevelDebug,
			"session status changed",
			slog.Any("session", s.impl),
			slog.Any("from", from),
			slog.Any("to", to),
		)

		s.onStatusChanged.Range(func(fn SessionStatusHandler) {
			fn(ctx, from, to)
		})
	})
}

// fireEvt fires a session FSM trigger, mapping an illegal firing to
// [ErrActionNotAllowed] since it indicates a misuse by the caller,
// not a protocol condition.
func (s *baseSession) fireEvt(ctx context.Context, evt string, args ...any) error {
	if err := s.fsm.FireCtx(ctx, evt, args...); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"%q in status %q", evt, s.Status()))
	}
	return nil
}

// mustFireEvt fires a session FSM trigger that is known to be legal,
// panicking otherwise since it indicates a logic bug.
func (s *baseSession) mustFireEvt(ctx context.Context, evt string, args ...any) {
	if err := s.fsm.FireCtx(ctx, evt, args...); err != nil {
		panic(fmt.Errorf("fire %q in status %q: %w", evt, s.Status(), err))
	}
}

func (s *baseSession) Role() SessionRole { return s.role }

func (s *baseSession) Status() SessionStatus {
	return s.fsm.MustState().(SessionStatus) //nolint:forcetypeassert
}

func (s *baseSession) Context() context.Context { return s.ctx }

func (s *baseSession) Err() error {
	if err := s.lastErr.Load(); err != nil {
		return *err
	}
	return nil
}

func (s *baseSession) EndCause() SessionEndCause {
	if cause := s.cause.Load(); cause != nil {
		return *cause
	}
	return ""
}

// Dialog returns the confirmed dialog.
func (s *baseSession) Dialog() *Dialog {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	return s.dlg
}

// LogValue implements [slog.LogValuer].
func (s *baseSession) LogValue() slog.Value {
	if s == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.Any("role", s.role),
		slog.Any("status", s.Status()),
	}
	if dlg := s.Dialog(); dlg != nil {
		attrs = append(attrs, slog.Any("dialog", dlg.Key()))
	}
	return slog.GroupValue(attrs...)
}

func (s *baseSession) OnStatusChanged(fn SessionStatusHandler) (cancel func()) {
	return s.onStatusChanged.Add(fn)
}

func (s *baseSession) OnProgress(fn SessionResponseHandler) (cancel func()) {
	return s.onProgress.Add(fn)
}

func (s *baseSession) OnAccepted(fn SessionResponseHandler) (cancel func()) {
	return s.onAccepted.Add(fn)
}

func (s *baseSession) OnRejected(fn SessionResponseHandler) (cancel func()) {
	return s.onRejected.Add(fn)
}

func (s *baseSession) OnConfirmed(fn SessionStatusHandler) (cancel func()) {
	return s.onConfirmed.Add(fn)
}

func (s *baseSession) OnTerminated(fn SessionEndHandler) (cancel func()) {
	return s.onTerminated.Add(fn)
}

func (s *baseSession) OnBye(fn SessionRequestHandler) (cancel func()) { return s.onBye.Add(fn) }

func (s *baseSession) OnCancel(fn SessionRequestHandler) (cancel func()) { return s.onCancel.Add(fn) }

func (s *baseSession) OnAck(fn SessionRequestHandler) (cancel func()) { return s.onAck.Add(fn) }

func (s *baseSession) OnReinvite(fn SessionRequestHandler) (cancel func()) {
	return s.onReinvite.Add(fn)
}

func (s *baseSession) OnDTMF(fn SessionDTMFHandler) (cancel func()) { return s.onDTMF.Add(fn) }

func (s *baseSession) OnRefer(fn SessionReferHandler) (cancel func()) { return s.onRefer.Add(fn) }

// confirmDialog promotes the early dialog with the given key in place and
// terminates every sibling early dialog atomically, collapsing a forked
// INVITE down to the single winning branch.
func (s *baseSession) confirmDialog(ctx context.Context, key DialogKey, res *InboundResponse) (*Dialog, error) {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()

	if s.dlg != nil {
		return nil, errtrace.Wrap(ErrActionNotAllowed)
	}

	winner, ok := s.earlyDlgs[key]
	if !ok {
		return nil, errtrace.Wrap(ErrDialogNotFound)
	}
	if res != nil {
		if err := winner.Confirm(res); err != nil {
			return nil, errtrace.Wrap(err)
		}
	}

	delete(s.earlyDlgs, key)
	for k, dlg := range s.earlyDlgs {
		dlg.Terminate(ctx)
		s.ua.detachSessionKey(k)
		delete(s.earlyDlgs, k)
	}
	s.dlg = winner
	return winner, nil
}

// trackEarlyDialog stores an early dialog and registers its key with the
// user agent so in-dialog requests can reach the session.
func (s *baseSession) trackEarlyDialog(dlg *Dialog) {
	s.dlgMu.Lock()
	s.earlyDlgs[dlg.Key()] = dlg
	s.dlgMu.Unlock()
	s.ua.attachSession(dlg.Key(), s.impl)
}

func (s *baseSession) earlyDialog(key DialogKey) (*Dialog, bool) {
	s.dlgMu.Lock()
	defer s.dlgMu.Unlock()
	dlg, ok := s.earlyDlgs[key]
	return dlg, ok
}

// dispose is the single teardown path of a session: terminates all dialogs,
// closes the description handler, detaches the session from the user agent
// registry and fires the terminated callbacks exactly once.
func (s *baseSession) dispose(ctx context.Context, cause SessionEndCause, err error) {
	s.disposeOnce.Do(func() {
		s.cause.Store(&cause)
		if err != nil {
			s.lastErr.Store(&err)
		}

		s.dlgMu.Lock()
		dlgs := make([]*Dialog, 0, len(s.earlyDlgs)+1)
		if s.dlg != nil {
			dlgs = append(dlgs, s.dlg)
		}
		for k, dlg := range s.earlyDlgs {
			dlgs = append(dlgs, dlg)
			delete(s.earlyDlgs, k)
		}
		s.dlgMu.Unlock()

		for _, dlg := range dlgs {
			dlg.Terminate(ctx)
			s.ua.detachSessionKey(dlg.Key())
		}

		if s.sdh != nil {
			if cerr := s.sdh.Close(); cerr != nil {
				s.log.LogAttrs(ctx, slog.LevelWarn,
					"failed to close session description handler",
					slog.Any("session", s.impl),
					slog.Any("error", cerr),
				)
			}
		}

		s.cancel()

		s.log.LogAttrs(ctx, slog.LevelDebug,
			"session terminated",
			slog.Any("session", s.impl),
			slog.Any("cause", cause),
			slog.Any("error", err),
		)

		s.onTerminated.Range(func(fn SessionEndHandler) {
			fn(ctx, cause, err)
		})
	})
}

// newInDialogRequest builds an in-dialog request on the given dialog with
// the user agent's Via hop and contact address filled in.
func (s *baseSession) newInDialogRequest(
	dlg *Dialog,
	mtd RequestMethod,
	opts *DialogRequestOptions,
) (*OutboundRequest, error) {
	var reqOpts DialogRequestOptions
	if opts != nil {
		reqOpts = *opts
	}
	if reqOpts.Via.IsZero() {
		reqOpts.Via = s.ua.viaHop()
	}
	if reqOpts.Contact.IsZero() {
		reqOpts.Contact = s.ua.contact()
	}
	return errtrace.Wrap2(dlg.NewRequest(mtd, &reqOpts))
}

// sendRequestWaitFinal sends a non-INVITE request through a new client
// transaction and blocks until a final response, a transaction timeout
// or context cancellation.
func (s *baseSession) sendRequestWaitFinal(ctx context.Context, req *OutboundRequest) (*InboundResponse, error) {
	tx, err := s.ua.txl.NewClientTransaction(ctx, req, s.ua.tp, &ClientTransactionOptions{
		Timings: s.timings,
		Log:     s.log,
	})
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	resCh := make(chan *InboundResponse, 1)
	cancelOnRes := tx.OnResponse(func(_ context.Context, _ ClientTransaction, res *InboundResponse) {
		if res.Status().IsFinal() {
			select {
			case resCh <- res:
			default:
			}
		}
	})
	defer cancelOnRes()

	select {
	case res := <-resCh:
		return res, nil
	case <-tx.Context().Done():
		if err := tx.Err(); err != nil {
			return nil, errtrace.Wrap(err)
		}
		return nil, errtrace.Wrap(ErrTransactionTimedOut)
	case <-ctx.Done():
		return nil, errtrace.Wrap(ctx.Err())
	}
}

// bye sends BYE on the confirmed dialog and disposes the session.
func (s *baseSession) bye(ctx context.Context) error {
	dlg := s.Dialog()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	if err := s.fireEvt(ctx, sessEvtTerminate); err != nil {
		return errtrace.Wrap(err)
	}

	req, err := s.newInDialogRequest(dlg, RequestMethodBye, nil)
	if err != nil {
		s.dispose(ctx, SessionEndCauseNormal, err)
		return errtrace.Wrap(err)
	}

	if _, err = s.sendRequestWaitFinal(ctx, req); err != nil &&
		!errors.Is(err, ErrTransactionTimedOut) {
		s.dispose(ctx, SessionEndCauseNormal, err)
		return errtrace.Wrap(err)
	}

	s.dispose(ctx, SessionEndCauseNormal, nil)
	return nil
}

// reinvite performs a re-INVITE offer/answer exchange on the confirmed dialog.
func (s *baseSession) reinvite(ctx context.Context, opts *ReinviteOptions) error {
	if s.Status() != SessionStatusConfirmed {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"re-invite in status %q", s.Status()))
	}
	dlg := s.Dialog()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	if err := dlg.SetLocalOffer(ctx); err != nil {
		return errtrace.Wrap(ErrOfferInProgress)
	}

	offer, err := s.sdh.GetDescription(ctx, &DescriptionOptions{Hold: opts.hold()})
	if err != nil {
		dlg.Terminate(ctx)
		s.terminateWith(ctx, SessionEndCauseBadMediaDesc, err)
		return errtrace.Wrap(err)
	}
	if s.Status() == SessionStatusTerminated {
		return errtrace.Wrap(ErrSessionClosed)
	}

	req, err := s.newInDialogRequest(dlg, RequestMethodInvite, &DialogRequestOptions{
		Headers: mergeHeaders(descHeaders(offer), opts.headers()),
		Body:    offer.Body,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	res, err := s.sendRequestWaitFinal(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}

	if !res.Status().IsSuccessful() {
		// renegotiation failed, the dialog rolls back to the stable state
		if err := dlg.RollbackOffer(ctx); err == nil {
			s.log.LogAttrs(ctx, slog.LevelDebug, "re-invite rejected",
				slog.Any("session", s.impl), slog.Any("response", res))
		}
		return errtrace.Wrap(errorutil.NewWrapperError(ErrRequestRejected, "%d", res.Status()))
	}

	if answer := MessageDescription(res); answer != nil {
		if err := s.sdh.SetDescription(ctx, answer, nil); err != nil {
			s.terminateWith(ctx, SessionEndCauseBadMediaDesc, err)
			return errtrace.Wrap(err)
		}
	}
	if err := dlg.SetRemoteAnswer(ctx); err != nil {
		return errtrace.Wrap(err)
	}
	if s.Status() == SessionStatusTerminated {
		return errtrace.Wrap(ErrSessionClosed)
	}

	ack, err := s.newInDialogRequest(dlg, RequestMethodAck, &DialogRequestOptions{
		SeqNum: cseqNumOf(req),
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	if err := s.ua.tp.SendRequest(ctx, ack, nil); err != nil {
		return errtrace.Wrap(err)
	}
	return nil
}

// Bye sends BYE on the confirmed dialog and terminates the session.
func (s *baseSession) Bye(ctx context.Context) error { return errtrace.Wrap(s.bye(ctx)) }

// Reinvite performs a re-INVITE offer/answer exchange on the confirmed dialog.
func (s *baseSession) Reinvite(ctx context.Context, opts *ReinviteOptions) error {
	return errtrace.Wrap(s.reinvite(ctx, opts))
}

// Hold puts the call on hold via re-INVITE.
func (s *baseSession) Hold(ctx context.Context) error {
	return errtrace.Wrap(s.reinvite(ctx, &ReinviteOptions{Hold: true}))
}

// Unhold resumes a held call via re-INVITE.
func (s *baseSession) Unhold(ctx context.Context) error {
	return errtrace.Wrap(s.reinvite(ctx, &ReinviteOptions{Hold: false}))
}

// DTMF sends DTMF tones via the media path or an INFO request.
func (s *baseSession) DTMF(ctx context.Context, tones string) error {
	return errtrace.Wrap(s.dtmf(ctx, tones))
}

// Refer sends a REFER for the given target on the confirmed dialog.
func (s *baseSession) Refer(ctx context.Context, target URI) error {
	return errtrace.Wrap(s.refer(ctx, target))
}

// dtmf sends DTMF tones via the media path when available, otherwise as an
// INFO request with a dtmf-relay body on the confirmed dialog.
func (s *baseSession) dtmf(ctx context.Context, tones string) error {
	if tones == "" {
		return errtrace.Wrap(NewInvalidArgumentError("empty tones"))
	}
	if s.Status() != SessionStatusConfirmed {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"dtmf in status %q", s.Status()))
	}

	if SendMediaDTMF(s.sdh, tones) {
		return nil
	}

	dlg := s.Dialog()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	body := fmt.Appendf(nil, "Signal=%s\r\nDuration=%d\r\n", tones, dtmfToneDuration)
	req, err := s.newInDialogRequest(dlg, RequestMethodInfo, &DialogRequestOptions{
		Headers: descHeaders(&SessionDescription{ContentType: ContentTypeDTMFRelay, Body: body}),
		Body:    body,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	res, err := s.sendRequestWaitFinal(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !res.Status().IsSuccessful() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrRequestRejected, "%d", res.Status()))
	}
	return nil
}

const dtmfToneDuration = 160 // milliseconds

// refer sends a REFER for the given target on the confirmed dialog.
func (s *baseSession) refer(ctx context.Context, target URI) error {
	if target == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid target"))
	}
	if s.Status() != SessionStatusConfirmed {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed,
			"refer in status %q", s.Status()))
	}
	dlg := s.Dialog()
	if dlg == nil {
		return errtrace.Wrap(ErrDialogNotFound)
	}

	referTo := header.ReferTo{URI: target.Clone()}
	req, err := s.newInDialogRequest(dlg, RequestMethodRefer, &DialogRequestOptions{
		Headers: make(Headers, 1).Set(&referTo),
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	res, err := s.sendRequestWaitFinal(ctx, req)
	if err != nil {
		return errtrace.Wrap(err)
	}
	if !res.Status().IsSuccessful() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrRequestRejected, "%d", res.Status()))
	}
	return nil
}

// terminateWith moves the session FSM to the terminated status if it is not
// there yet and runs the dispose path with the given cause.
func (s *baseSession) terminateWith(ctx context.Context, cause SessionEndCause, err error) {
	if s.Status() != SessionStatusTerminated {
		s.mustFireEvt(ctx, sessEvtTerminate)
	}
	s.dispose(ctx, cause, err)
}

func mergeHeaders(hdrs ...Headers) Headers {
	merged := make(Headers, 4)
	for _, hs := range hdrs {
		for _, entries := range hs {
			merged.Append(entries...)
		}
	}
	return merged
}

func cseqNumOf(req *OutboundRequest) uint {
	if cseq, ok := req.Headers().CSeq(); ok && cseq != nil {
		return cseq.SeqNum
	}
	return 0
}
