package sip

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"braces.dev/errtrace"
	"github.com/qmuntal/stateless"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/errorutil"
	"github.com/onsip/sipcore/log"
)

// DialogState represents the lifecycle state of a dialog.
type DialogState string

const (
	DialogStateEarly      DialogState = "early"
	DialogStateConfirmed  DialogState = "confirmed"
	DialogStateTerminated DialogState = "terminated"
)

// SignalingState tracks the offer/answer negotiation progress of a dialog
// as defined by RFC 3264. It is advanced exclusively by the session owning
// the dialog, the dialog itself never inspects message bodies.
type SignalingState string

const (
	SignalingStateInitial         SignalingState = "initial"
	SignalingStateHaveLocalOffer  SignalingState = "have_local_offer"
	SignalingStateHaveRemoteOffer SignalingState = "have_remote_offer"
	SignalingStateStable          SignalingState = "stable"
	SignalingStateClosed          SignalingState = "closed"
)

// DialogKey identifies a dialog by the triple defined in RFC 3261 Section 12:
// Call-ID plus local and remote tags.
//
//nolint:recvcheck
type DialogKey struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag"`
	RemoteTag string `json:"remote_tag,omitempty"`
}

var zeroDialogKey DialogKey

// IsValid reports whether the key identifies at least an early dialog.
func (k DialogKey) IsValid() bool {
	return k.CallID != "" && k.LocalTag != ""
}

func (k DialogKey) IsZero() bool { return k == zeroDialogKey }

// Equal checks whether the key is equal to another key.
func (k DialogKey) Equal(val any) bool {
	switch v := val.(type) {
	case DialogKey:
		return k == v
	case *DialogKey:
		return v != nil && k == *v
	default:
		return false
	}
}

func (k DialogKey) String() string {
	return k.CallID + ";" + k.LocalTag + ";" + k.RemoteTag
}

// LogValue implements [slog.LogValuer].
func (k DialogKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("local_tag", k.LocalTag),
		slog.String("remote_tag", k.RemoteTag),
	)
}

func (k DialogKey) Format(f fmt.State, verb rune) {
	switch verb {
	case 's':
		f.Write([]byte(k.String()))
		return
	case 'q':
		f.Write([]byte(strconv.Quote(k.String())))
		return
	default:
		if !f.Flag('+') && !f.Flag('#') {
			f.Write([]byte(k.String()))
			return
		}

		type hideMethods DialogKey
		type DialogKey hideMethods
		fmt.Fprintf(f, fmt.FormatString(f, verb), DialogKey(k))
		return
	}
}

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

const (
	dlgEvtLocalOffer   = "local_offer"
	dlgEvtRemoteOffer  = "remote_offer"
	dlgEvtLocalAnswer  = "local_answer"
	dlgEvtRemoteAnswer = "remote_answer"
	dlgEvtRollback     = "rollback"
	dlgEvtClose        = "close"
)

// Dialog maintains the sequencing and addressing context of a SIP peer
// relationship (RFC 3261 Section 12). A dialog is owned by exactly one
// session, all methods are safe for concurrent use.
//
//nolint:recvcheck
type Dialog struct {
	mu           sync.RWMutex
	key          DialogKey
	state        DialogState
	localAddr    header.NameAddr
	remoteAddr   header.NameAddr
	remoteTarget URI
	routeSet     []header.RouteHop
	localCSeq    uint
	remoteCSeq   uint
	secure       bool

	sigFSM *stateless.StateMachine
	log    *slog.Logger
}

// NewClientDialog creates a dialog from an outgoing request and the inbound
// response that established the dialog identity (a response carrying a To tag).
// The route set is learned from the response Record-Route headers in reverse
// order, the remote target from its Contact header (RFC 3261 Section 12.1.2).
func NewClientDialog(req *OutboundRequest, res *InboundResponse, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if err := res.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}

	reqHdrs := req.Headers()
	resHdrs := res.Headers()

	from, _ := reqHdrs.From()
	to, _ := resHdrs.To()
	callID, _ := reqHdrs.CallID()
	cseq, _ := reqHdrs.CSeq()

	locTag, _ := from.Tag()
	rmtTag, _ := to.Tag()
	if rmtTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing To tag"))
	}

	dlg := &Dialog{
		key: DialogKey{
			CallID:    string(callID),
			LocalTag:  locTag,
			RemoteTag: rmtTag,
		},
		state:      dialogStateFromStatus(res.Status()),
		localAddr:  header.NameAddr(*from).Clone(),
		remoteAddr: header.NameAddr(*to).Clone(),
		routeSet:   slices.Collect(resHdrs.RecordRoutes()),
		localCSeq:  cseq.SeqNum,
		log:        opts.log(),
	}
	slices.Reverse(dlg.routeSet)
	for i, hop := range dlg.routeSet {
		dlg.routeSet[i] = hop.Clone()
	}

	if contact, ok := resHdrs.FirstContact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	}

	dlg.initSigFSM(SignalingStateInitial)
	return dlg, nil
}

// NewServerDialog creates a dialog from an inbound dialog-forming request.
// The local tag is assigned by the UAS up front so CANCEL and retransmission
// matching works before the first response is sent (RFC 3261 Section 12.1.1).
func NewServerDialog(req *InboundRequest, localTag string, opts *DialogOptions) (*Dialog, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if localTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing local tag"))
	}

	hdrs := req.Headers()
	from, _ := hdrs.From()
	to, _ := hdrs.To()
	callID, _ := hdrs.CallID()
	cseq, _ := hdrs.CSeq()

	rmtTag, _ := from.Tag()
	if rmtTag == "" {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing From tag"))
	}

	dlg := &Dialog{
		key: DialogKey{
			CallID:    string(callID),
			LocalTag:  localTag,
			RemoteTag: rmtTag,
		},
		state:      DialogStateEarly,
		localAddr:  header.NameAddr(*to).Clone(),
		remoteAddr: header.NameAddr(*from).Clone(),
		routeSet:   slices.Collect(hdrs.RecordRoutes()),
		remoteCSeq: cseq.SeqNum,
		log:        opts.log(),
	}
	for i, hop := range dlg.routeSet {
		dlg.routeSet[i] = hop.Clone()
	}

	if contact, ok := hdrs.FirstContact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	}

	dlg.initSigFSM(SignalingStateInitial)
	return dlg, nil
}

func dialogStateFromStatus(sts ResponseStatus) DialogState {
	if sts.IsSuccessful() {
		return DialogStateConfirmed
	}
	return DialogStateEarly
}

func (dlg *Dialog) initSigFSM(start SignalingState) {
	fsm := stateless.NewStateMachineWithMode(start, stateless.FiringQueued)

	fsm.Configure(SignalingStateInitial).
		Permit(dlgEvtLocalOffer, SignalingStateHaveLocalOffer).
		Permit(dlgEvtRemoteOffer, SignalingStateHaveRemoteOffer).
		Permit(dlgEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateHaveLocalOffer).
		Permit(dlgEvtRemoteAnswer, SignalingStateStable).
		Permit(dlgEvtRollback, SignalingStateStable).
		Permit(dlgEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateHaveRemoteOffer).
		Permit(dlgEvtLocalAnswer, SignalingStateStable).
		Permit(dlgEvtRollback, SignalingStateStable).
		Permit(dlgEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateStable).
		Permit(dlgEvtLocalOffer, SignalingStateHaveLocalOffer).
		Permit(dlgEvtRemoteOffer, SignalingStateHaveRemoteOffer).
		Permit(dlgEvtClose, SignalingStateClosed)

	fsm.Configure(SignalingStateClosed).
		InternalTransition(dlgEvtClose, func(_ context.Context, _ ...any) error { return nil })

	fsm.OnTransitioned(func(ctx context.Context, tr stateless.Transition) {
		if tr.Source == tr.Destination {
			return
		}
		dlg.log.LogAttrs(ctx, slog.LevelDebug,
			"dialog signaling state changed",
			slog.Any("dialog", dlg),
			slog.Any("from", tr.Source),
			slog.Any("to", tr.Destination),
		)
	})

	dlg.sigFSM = fsm
}

// Key returns the dialog key.
func (dlg *Dialog) Key() DialogKey {
	if dlg == nil {
		return zeroDialogKey
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.key
}

// State returns the dialog lifecycle state.
func (dlg *Dialog) State() DialogState {
	if dlg == nil {
		return ""
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.state
}

// SignalingState returns the current offer/answer negotiation state.
func (dlg *Dialog) SignalingState() SignalingState {
	if dlg == nil {
		return ""
	}
	return dlg.sigFSM.MustState().(SignalingState) //nolint:forcetypeassert
}

// RemoteTarget returns the remote target URI learned from the Contact header.
func (dlg *Dialog) RemoteTarget() URI {
	if dlg == nil {
		return nil
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	if dlg.remoteTarget == nil {
		return nil
	}
	return dlg.remoteTarget.Clone()
}

// RouteSet returns a copy of the dialog route set.
func (dlg *Dialog) RouteSet() []header.RouteHop {
	if dlg == nil {
		return nil
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	hops := slices.Clone(dlg.routeSet)
	for i, hop := range hops {
		hops[i] = hop.Clone()
	}
	return hops
}

// LocalCSeq returns the last used local sequence number.
func (dlg *Dialog) LocalCSeq() uint {
	if dlg == nil {
		return 0
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.localCSeq
}

// RemoteCSeq returns the highest accepted remote sequence number.
func (dlg *Dialog) RemoteCSeq() uint {
	if dlg == nil {
		return 0
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return dlg.remoteCSeq
}

// LogValue implements [slog.LogValuer].
func (dlg *Dialog) LogValue() slog.Value {
	if dlg == nil {
		return slog.Value{}
	}
	dlg.mu.RLock()
	defer dlg.mu.RUnlock()
	return slog.GroupValue(
		slog.Any("key", dlg.key),
		slog.Any("state", dlg.state),
	)
}

// GuardSequence validates the CSeq of an inbound in-dialog request against
// the stored remote sequence number (RFC 3261 Section 12.2.2) and advances
// it on success. ACK and CANCEL pair with an existing transaction and are
// exempt from ordinary sequencing.
func (dlg *Dialog) GuardSequence(req *InboundRequest) error {
	if req == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid request"))
	}

	cseq, ok := req.Headers().CSeq()
	if !ok {
		return errtrace.Wrap(NewInvalidMessageError(newMissHdrErr("CSeq")))
	}

	mtd := req.Method()
	if mtd.Equal(RequestMethodAck) || mtd.Equal(RequestMethodCancel) {
		return nil
	}

	dlg.mu.Lock()
	defer dlg.mu.Unlock()

	if dlg.remoteCSeq != 0 && cseq.SeqNum <= dlg.remoteCSeq {
		return errtrace.Wrap(ErrMessageNotMatched)
	}
	dlg.remoteCSeq = cseq.SeqNum
	return nil
}

// DialogRequestOptions contains options for building an in-dialog request.
type DialogRequestOptions struct {
	// SeqNum overrides the CSeq number of the request.
	// If zero, the dialog local sequence number is incremented and used.
	// ACK and CANCEL must carry the sequence number of the request they
	// acknowledge or cancel.
	SeqNum uint
	// Via is the topmost Via hop of the request.
	// The caller supplies it since the dialog has no transport knowledge.
	Via header.ViaHop
	// Contact is the local contact address to advertise.
	Contact header.ContactAddr
	// Headers are additional headers to add to the request.
	Headers Headers
	// Body is the request body.
	Body []byte
}

func (o *DialogRequestOptions) seqNum() uint {
	if o == nil {
		return 0
	}
	return o.SeqNum
}

func (o *DialogRequestOptions) via() header.ViaHop {
	if o == nil {
		return header.ViaHop{}
	}
	return o.Via
}

func (o *DialogRequestOptions) contact() header.ContactAddr {
	if o == nil {
		return header.ContactAddr{}
	}
	return o.Contact
}

func (o *DialogRequestOptions) headers() Headers {
	if o == nil {
		return nil
	}
	return o.Headers
}

func (o *DialogRequestOptions) body() []byte {
	if o == nil {
		return nil
	}
	return o.Body
}

// NewRequest builds an in-dialog request using the stored route set, remote
// target and tags (RFC 3261 Section 12.2.1.1).
func (dlg *Dialog) NewRequest(mtd RequestMethod, opts *DialogRequestOptions) (*OutboundRequest, error) {
	if dlg == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid dialog"))
	}
	if !IsKnownRequestMethod(mtd) {
		return nil, errtrace.Wrap(NewInvalidArgumentError(ErrMethodNotAllowed))
	}

	dlg.mu.Lock()
	defer dlg.mu.Unlock()

	if dlg.state == DialogStateTerminated {
		return nil, errtrace.Wrap(ErrDialogTerminated)
	}

	seqNum := opts.seqNum()
	if seqNum == 0 {
		dlg.localCSeq++
		seqNum = dlg.localCSeq
	}

	ruri := dlg.remoteTarget
	if ruri == nil {
		ruri = dlg.remoteAddr.URI
	}
	if ruri == nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError("missing remote target"))
	}

	from := header.From(dlg.localAddr.Clone())
	if from.Params == nil {
		from.Params = make(header.Values)
	}
	from.Params.Set("tag", dlg.key.LocalTag)

	to := header.To(dlg.remoteAddr.Clone())
	if dlg.key.RemoteTag != "" {
		if to.Params == nil {
			to.Params = make(header.Values)
		}
		to.Params.Set("tag", dlg.key.RemoteTag)
	}

	req := &Request{
		Method:  mtd.ToUpper(),
		URI:     ruri.Clone(),
		Proto:   ProtoVer20(),
		Headers: make(Headers, 8),
		Body:    opts.body(),
	}
	req.Headers.Set(
		&from,
		&to,
		header.CallID(dlg.key.CallID),
		&header.CSeq{SeqNum: seqNum, Method: req.Method},
		header.MaxForwards(70),
	)

	via := opts.via()
	if via.Proto.IsZero() {
		via.Proto = ProtoVer20()
	}
	if via.Params == nil {
		via.Params = make(header.Values)
	}
	if _, ok := via.Params.First("branch"); !ok {
		via.Params.Set("branch", GenerateBranch(0))
	}
	req.Headers.Set(header.Via{via})

	if len(dlg.routeSet) > 0 {
		route := make(header.Route, len(dlg.routeSet))
		for i, hop := range dlg.routeSet {
			route[i] = hop.Clone()
		}
		req.Headers.Set(route)
	}

	if contact := opts.contact(); !contact.IsZero() {
		req.Headers.Set(header.Contact{contact.Clone()})
	}

	for _, hs := range opts.headers() {
		for _, h := range hs {
			req.Headers.Append(h)
		}
	}

	return NewOutboundRequest(req), nil
}

// Confirm promotes an early dialog in place using the final 2xx response.
// The remote target is refreshed from the response Contact header, key and
// route set stay fixed (RFC 3261 Section 13.2.2.4).
func (dlg *Dialog) Confirm(res *InboundResponse) error {
	if res == nil || !res.Status().IsSuccessful() {
		return errtrace.Wrap(NewInvalidArgumentError("invalid response"))
	}

	dlg.mu.Lock()
	switch dlg.state {
	case DialogStateConfirmed:
		dlg.mu.Unlock()
		return nil
	case DialogStateTerminated:
		dlg.mu.Unlock()
		return errtrace.Wrap(ErrDialogTerminated)
	}

	if contact, ok := res.Headers().FirstContact(); ok && contact.URI != nil {
		dlg.remoteTarget = contact.URI.Clone()
	}
	dlg.state = DialogStateConfirmed
	dlg.mu.Unlock()

	dlg.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog confirmed", slog.Any("dialog", dlg))
	return nil
}

// ConfirmLocal moves a UAS dialog to the confirmed state once the local
// 2xx response has been sent. The remote target stays as learned from the
// dialog-forming request. It is idempotent.
func (dlg *Dialog) ConfirmLocal() error {
	dlg.mu.Lock()
	switch dlg.state {
	case DialogStateConfirmed:
		dlg.mu.Unlock()
		return nil
	case DialogStateTerminated:
		dlg.mu.Unlock()
		return errtrace.Wrap(ErrDialogTerminated)
	}
	dlg.state = DialogStateConfirmed
	dlg.mu.Unlock()

	dlg.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog confirmed", slog.Any("dialog", dlg))
	return nil
}

// Terminate moves the dialog to the terminated state and closes the
// signaling state machine. It is idempotent.
func (dlg *Dialog) Terminate(ctx context.Context) {
	if dlg == nil {
		return
	}

	dlg.mu.Lock()
	if dlg.state == DialogStateTerminated {
		dlg.mu.Unlock()
		return
	}
	dlg.state = DialogStateTerminated
	dlg.mu.Unlock()

	if err := dlg.sigFSM.FireCtx(ctx, dlgEvtClose); err != nil {
		panic(fmt.Errorf("fire %q in state %q: %w", dlgEvtClose, dlg.SignalingState(), err))
	}

	dlg.log.LogAttrs(ctx, slog.LevelDebug, "dialog terminated", slog.Any("dialog", dlg))
}

// SetLocalOffer advances the signaling state on a locally produced offer.
func (dlg *Dialog) SetLocalOffer(ctx context.Context) error {
	return errtrace.Wrap(dlg.fireSig(ctx, dlgEvtLocalOffer))
}

// SetRemoteOffer advances the signaling state on a remotely received offer.
func (dlg *Dialog) SetRemoteOffer(ctx context.Context) error {
	return errtrace.Wrap(dlg.fireSig(ctx, dlgEvtRemoteOffer))
}

// SetLocalAnswer advances the signaling state on a locally produced answer.
func (dlg *Dialog) SetLocalAnswer(ctx context.Context) error {
	return errtrace.Wrap(dlg.fireSig(ctx, dlgEvtLocalAnswer))
}

// SetRemoteAnswer advances the signaling state on a remotely received answer.
func (dlg *Dialog) SetRemoteAnswer(ctx context.Context) error {
	return errtrace.Wrap(dlg.fireSig(ctx, dlgEvtRemoteAnswer))
}

// RollbackOffer reverts a pending offer back to the stable signaling state.
// It is used when a renegotiation attempt was rejected by the peer.
func (dlg *Dialog) RollbackOffer(ctx context.Context) error {
	return errtrace.Wrap(dlg.fireSig(ctx, dlgEvtRollback))
}

func (dlg *Dialog) fireSig(ctx context.Context, evt string) error {
	if dlg == nil {
		return errtrace.Wrap(NewInvalidArgumentError("invalid dialog"))
	}
	if err := dlg.sigFSM.FireCtx(ctx, evt); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrActionNotAllowed, "%q in state %q", evt, dlg.SignalingState()))
	}
	return nil
}

// DialogSnapshot represents a snapshot of a dialog state.
// It contains all the data needed to serialize and restore a dialog.
type DialogSnapshot struct {
	// Time is the snapshot timestamp.
	Time time.Time `json:"time"`
	// Key is the dialog key.
	Key DialogKey `json:"key"`
	// State is the dialog lifecycle state.
	State DialogState `json:"state"`
	// SignalingState is the offer/answer negotiation state.
	SignalingState SignalingState `json:"signaling_state"`
	// LocalAddr is the local party address.
	LocalAddr header.NameAddr `json:"local_addr"`
	// RemoteAddr is the remote party address.
	RemoteAddr header.NameAddr `json:"remote_addr"`
	// RemoteTarget is the remote target URI.
	RemoteTarget string `json:"remote_target,omitempty"`
	// RouteSet is the dialog route set.
	RouteSet []header.RouteHop `json:"route_set,omitempty"`
	// LocalCSeq is the last used local sequence number.
	LocalCSeq uint `json:"local_cseq"`
	// RemoteCSeq is the highest accepted remote sequence number.
	RemoteCSeq uint `json:"remote_cseq"`
}

func (snap *DialogSnapshot) IsValid() bool {
	return snap != nil && snap.Key.IsValid() && snap.State != "" && snap.SignalingState != ""
}

// Snapshot returns a snapshot of the dialog state that can be serialized.
func (dlg *Dialog) Snapshot() *DialogSnapshot {
	if dlg == nil {
		return nil
	}

	sigState := dlg.SignalingState()

	dlg.mu.RLock()
	defer dlg.mu.RUnlock()

	var rmtTarget string
	if dlg.remoteTarget != nil {
		rmtTarget = dlg.remoteTarget.Render(nil)
	}

	routeSet := slices.Clone(dlg.routeSet)
	for i, hop := range routeSet {
		routeSet[i] = hop.Clone()
	}

	return &DialogSnapshot{
		Time:           time.Now(),
		Key:            dlg.key,
		State:          dlg.state,
		SignalingState: sigState,
		LocalAddr:      dlg.localAddr.Clone(),
		RemoteAddr:     dlg.remoteAddr.Clone(),
		RemoteTarget:   rmtTarget,
		RouteSet:       routeSet,
		LocalCSeq:      dlg.localCSeq,
		RemoteCSeq:     dlg.remoteCSeq,
	}
}

// MarshalJSON implements [json.Marshaler].
func (dlg *Dialog) MarshalJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(dlg.Snapshot()))
}

// RestoreDialog restores a dialog from a snapshot.
func RestoreDialog(snap *DialogSnapshot, opts *DialogOptions) (*Dialog, error) {
	if !snap.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid snapshot"))
	}

	dlg := &Dialog{
		key:        snap.Key,
		state:      snap.State,
		localAddr:  snap.LocalAddr.Clone(),
		remoteAddr: snap.RemoteAddr.Clone(),
		routeSet:   slices.Clone(snap.RouteSet),
		localCSeq:  snap.LocalCSeq,
		remoteCSeq: snap.RemoteCSeq,
		log:        opts.log(),
	}
	for i, hop := range dlg.routeSet {
		dlg.routeSet[i] = hop.Clone()
	}

	if snap.RemoteTarget != "" {
		u, err := ParseURI(snap.RemoteTarget)
		if err != nil {
			return nil, errtrace.Wrap(NewInvalidArgumentError(err))
		}
		dlg.remoteTarget = u
	}

	dlg.initSigFSM(snap.SignalingState)
	return dlg, nil
}
