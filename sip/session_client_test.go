package sip_test

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/onsip/sipcore/sip"
)

func TestClientSession_CancelBeforeProvisional(t *testing.T) {
	t.Parallel()

	p := newSessionPair(t, nil, nil)

	sessCh := make(chan *sip.ServerSession, 1)
	p.uas.OnSession(func(_ context.Context, ss *sip.ServerSession) {
		select {
		case sessCh <- ss:
		default:
		}
	})

	ctx := t.Context()
	cs, err := p.uac.Invite(ctx, uasTarget(), nil)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	ss := waitServerSession(t, sessCh)

	cancelCh := make(chan struct{}, 1)
	ss.OnCancel(func(_ context.Context, _ *sip.InboundRequest) {
		select {
		case cancelCh <- struct{}{}:
		default:
		}
	})

	// no provisional response yet, the cancel is withheld
	if err := cs.Cancel(ctx); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got, want := cs.Status(), sip.SessionStatusCancelled; got != want {
		t.Fatalf("cs.Status() = %q, want %q", got, want)
	}

	// the first provisional response releases the pending cancel
	if err := ss.Progress(ctx, nil); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}

	select {
	case <-cancelCh:
	case <-time.After(time.Second):
		t.Fatal("cancel not delivered to the server session")
	}

	waitSessionStatus(t, cs, sip.SessionStatusTerminated)
	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := cs.EndCause(), sip.SessionEndCauseCancelled; got != want {
		t.Fatalf("cs.EndCause() = %q, want %q", got, want)
	}
	if got, want := ss.EndCause(), sip.SessionEndCauseCancelled; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}

func TestClientSession_Rejected(t *testing.T) {
	t.Parallel()

	p := newSessionPair(t, nil, nil)

	sessCh := make(chan *sip.ServerSession, 1)
	p.uas.OnSession(func(_ context.Context, ss *sip.ServerSession) {
		select {
		case sessCh <- ss:
		default:
		}
	})

	ctx := t.Context()
	cs, err := p.uac.Invite(ctx, uasTarget(), nil)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}
	ss := waitServerSession(t, sessCh)

	rejectedCh := make(chan sip.ResponseStatus, 1)
	cs.OnRejected(func(_ context.Context, res *sip.InboundResponse) {
		select {
		case rejectedCh <- res.Status():
		default:
		}
	})

	if err := ss.Reject(ctx, sip.ResponseStatusBusyHere, nil); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	select {
	case sts := <-rejectedCh:
		if sts != sip.ResponseStatusBusyHere {
			t.Fatalf("rejected status = %v, want %v", sts, sip.ResponseStatusBusyHere)
		}
	case <-time.After(time.Second):
		t.Fatal("rejection not delivered to the client session")
	}

	waitSessionStatus(t, cs, sip.SessionStatusTerminated)
	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
	if got, want := cs.EndCause(), sip.SessionEndCauseBusy; got != want {
		t.Fatalf("cs.EndCause() = %q, want %q", got, want)
	}
	if got, want := ss.EndCause(), sip.SessionEndCauseBusy; got != want {
		t.Fatalf("ss.EndCause() = %q, want %q", got, want)
	}
}

func TestClientSession_ReliableProvisionalEarlyMedia(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	uasAddr := netip.MustParseAddrPort("192.168.0.2:5060")
	uasOpts := newSessionUAOpts(ctrl, "bob", uasAddr, "v=0\r\no=bob\r\n")
	uasOpts.Rel100 = sip.Rel100Required

	p := newSessionPair(t, nil, uasOpts)

	sessCh := make(chan *sip.ServerSession, 1)
	p.uas.OnSession(func(_ context.Context, ss *sip.ServerSession) {
		select {
		case sessCh <- ss:
		default:
		}
	})

	ctx := t.Context()
	cs, err := p.uac.Invite(ctx, uasTarget(), nil)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}

	var mu sync.Mutex
	var statuses []sip.SessionStatus
	cs.OnStatusChanged(func(_ context.Context, _, to sip.SessionStatus) {
		mu.Lock()
		statuses = append(statuses, to)
		mu.Unlock()
	})

	ss := waitServerSession(t, sessCh)

	// the reliable provisional carries the answer to the invite offer
	if err := ss.Progress(ctx, nil); err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	waitSessionStatus(t, cs, sip.SessionStatusEarlyMedia)

	// the acknowledging prack moves the server session on
	waitSessionStatus(t, ss, sip.SessionStatusWaitingForAnswer)

	if err := ss.Accept(ctx, nil); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	waitSessionStatus(t, cs, sip.SessionStatusConfirmed)
	waitSessionStatus(t, ss, sip.SessionStatusConfirmed)

	mu.Lock()
	seen := append([]sip.SessionStatus(nil), statuses...)
	mu.Unlock()
	var sawEarlyMedia bool
	for _, sts := range seen {
		if sts == sip.SessionStatusEarlyMedia {
			sawEarlyMedia = true
		}
	}
	if !sawEarlyMedia {
		t.Fatalf("early media status never reached, saw %v", seen)
	}

	if err := cs.Bye(ctx); err != nil {
		t.Fatalf("Bye() error = %v", err)
	}
	waitSessionStatus(t, ss, sip.SessionStatusTerminated)
}

func TestClientSession_TerminateBeforeAnswer(t *testing.T) {
	t.Parallel()

	p := newSessionPair(t, nil, nil)

	ctx := t.Context()
	cs, err := p.uac.Invite(ctx, uasTarget(), nil)
	if err != nil {
		t.Fatalf("Invite() error = %v", err)
	}

	if err := cs.Terminate(ctx); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}
	if got, want := cs.Status(), sip.SessionStatusCancelled; got != want {
		t.Fatalf("cs.Status() = %q, want %q", got, want)
	}

	// a second terminate finishes the cancelled session
	if err := cs.Terminate(ctx); err != nil {
		t.Fatalf("second Terminate() error = %v", err)
	}
	waitSessionStatus(t, cs, sip.SessionStatusTerminated)
	if got, want := cs.EndCause(), sip.SessionEndCauseCancelled; got != want {
		t.Fatalf("cs.EndCause() = %q, want %q", got, want)
	}
}
