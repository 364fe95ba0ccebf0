package sip

import (
	"context"
	"log/slog"
	"strings"

	"braces.dev/errtrace"

	"github.com/onsip/sipcore/header"
	"github.com/onsip/sipcore/internal/util"
)

// receiveInDialog dispatches an inbound request received on the confirmed
// dialog: session teardown, renegotiation, DTMF and call transfer.
func (s *baseSession) receiveInDialog(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	// ACK is delivered without a transaction and needs no reply
	if req.Method().Equal(RequestMethodAck) {
		return nil
	}

	dlg := s.Dialog()
	if dlg == nil {
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusCallTransactionDoesNotExist, nil))
	}

	if err := dlg.GuardSequence(req); err != nil {
		// out of order request (RFC 3261 Section 12.2.2)
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusServerInternalError, nil))
	}

	switch req.Method() {
	case RequestMethodBye:
		return errtrace.Wrap(s.recvBye(ctx, tx, req))
	case RequestMethodInvite:
		return errtrace.Wrap(s.recvReinvite(ctx, dlg, tx, req))
	case RequestMethodInfo:
		return errtrace.Wrap(s.recvInfo(ctx, tx, req))
	case RequestMethodRefer:
		return errtrace.Wrap(s.recvRefer(ctx, tx, req))
	case RequestMethodNotify:
		// transfer progress notifications are acknowledged and dropped
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusOK, nil))
	case RequestMethodOptions:
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusOK, &RespondOptions{
			Headers: make(Headers, 1).Set(s.ua.allowMethods()),
		}))
	case RequestMethodAck:
		return nil
	default:
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusMethodNotAllowed, &RespondOptions{
			Headers: make(Headers, 1).Set(s.ua.allowMethods()),
		}))
	}
}

func (s *baseSession) recvBye(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	if err := tx.Respond(ctx, ResponseStatusOK, nil); err != nil {
		s.log.LogAttrs(ctx, slog.LevelWarn, "failed to respond to bye",
			slog.Any("session", s.impl),
			slog.Any("error", err),
		)
	}
	s.onBye.Range(func(fn SessionRequestHandler) {
		fn(ctx, req)
	})
	s.terminateWith(ctx, SessionEndCauseNormal, nil)
	return nil
}

// recvReinvite runs the UAS side of a re-INVITE renegotiation, typically
// a hold or unhold from the peer.
func (s *baseSession) recvReinvite(
	ctx context.Context,
	dlg *Dialog,
	tx ServerTransaction,
	req *InboundRequest,
) error {
	desc := MessageDescription(req)
	if desc == nil {
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusNotAcceptableHere, nil))
	}

	if err := dlg.SetRemoteOffer(ctx); err != nil {
		// a local renegotiation is already in flight (RFC 3261 Section 14.2)
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusRequestPending, nil))
	}

	if err := s.sdh.SetDescription(ctx, desc, nil); err != nil {
		dlg.RollbackOffer(ctx) //nolint:errcheck
		if rerr := tx.Respond(ctx, ResponseStatusNotAcceptableHere, nil); rerr != nil {
			return errtrace.Wrap(rerr)
		}
		return errtrace.Wrap(err)
	}
	answer, err := s.sdh.GetDescription(ctx, nil)
	if err != nil {
		dlg.RollbackOffer(ctx) //nolint:errcheck
		if rerr := tx.Respond(ctx, ResponseStatusNotAcceptableHere, nil); rerr != nil {
			return errtrace.Wrap(rerr)
		}
		return errtrace.Wrap(err)
	}
	dlg.SetLocalAnswer(ctx) //nolint:errcheck
	if s.Status() == SessionStatusTerminated {
		return errtrace.Wrap(ErrSessionClosed)
	}

	respOpts := &RespondOptions{
		Headers: descHeaders(answer).Set(header.Contact{s.ua.contact()}),
		Body:    answer.Body,
	}
	if err := tx.Respond(ctx, ResponseStatusOK, respOpts); err != nil {
		return errtrace.Wrap(err)
	}

	s.onReinvite.Range(func(fn SessionRequestHandler) {
		fn(ctx, req)
	})
	return nil
}

func (s *baseSession) recvInfo(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	if err := tx.Respond(ctx, ResponseStatusOK, nil); err != nil {
		return errtrace.Wrap(err)
	}

	if desc := MessageDescription(req); desc != nil &&
		util.EqFold(desc.ContentType, ContentTypeDTMFRelay) {
		if tones := parseDTMFSignal(desc.Body); tones != "" {
			s.onDTMF.Range(func(fn SessionDTMFHandler) {
				fn(ctx, tones)
			})
		}
	}
	return nil
}

func (s *baseSession) recvRefer(ctx context.Context, tx ServerTransaction, req *InboundRequest) error {
	var target URI
	if h, ok := req.Headers().First("Refer-To"); ok {
		if referTo, ok := h.(*header.ReferTo); ok && referTo != nil {
			target = referTo.URI
		}
	}
	if target == nil {
		return errtrace.Wrap(tx.Respond(ctx, ResponseStatusBadRequest, nil))
	}

	if err := tx.Respond(ctx, ResponseStatusAccepted, nil); err != nil {
		return errtrace.Wrap(err)
	}
	s.onRefer.Range(func(fn SessionReferHandler) {
		fn(ctx, target.Clone())
	})
	return nil
}

// parseDTMFSignal extracts the tones from an application/dtmf-relay body.
func parseDTMFSignal(body []byte) string {
	for line := range strings.Lines(string(body)) {
		if name, val, ok := strings.Cut(line, "="); ok && util.EqFold(strings.TrimSpace(name), "Signal") {
			return strings.TrimSpace(val)
		}
	}
	return ""
}
