package timeutil_test

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsip/sipcore/internal/timeutil"
)

func waitFired(tb testing.TB, fired *atomic.Bool, timeout time.Duration) {
	tb.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fired.Load() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	tb.Fatal("callback did not fire")
}

func TestNewTimer(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(100 * time.Millisecond)

	if got, want := timer.Duration(), 100*time.Millisecond; got != want {
		t.Fatalf("timer.Duration() = %v, want %v", got, want)
	}
	if got, want := timer.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("timer.State() = %v, want %v", got, want)
	}
	if timer.StartTime().IsZero() {
		t.Fatal("timer.StartTime() is zero")
	}
}

func TestTimer_ElapsedLeft(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(100 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if got := timer.Elapsed(); got < 10*time.Millisecond {
		t.Fatalf("timer.Elapsed() = %v, want >= 10ms", got)
	}
	if got := timer.Left(); got > 90*time.Millisecond {
		t.Fatalf("timer.Left() = %v, want <= 90ms", got)
	}

	timer.Stop()
	if got := timer.Left(); got != 0 {
		t.Fatalf("timer.Left() after Stop() = %v, want 0", got)
	}
	if got := timer.Elapsed(); got < 10*time.Millisecond {
		t.Fatalf("timer.Elapsed() after Stop() = %v, want >= 10ms", got)
	}
}

func TestTimer_Expired(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(10 * time.Millisecond)
	if timer.Expired() {
		t.Fatal("fresh timer reports expired")
	}

	time.Sleep(20 * time.Millisecond)
	timer.UpdateState()

	if !timer.Expired() {
		t.Fatal("timer did not expire after its duration")
	}
	if got, want := timer.State(), timeutil.TimerStateExpired; got != want {
		t.Fatalf("timer.State() = %v, want %v", got, want)
	}
}

func TestTimer_Stop(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(100 * time.Millisecond)

	if !timer.Stop() {
		t.Fatal("Stop() on a running timer returned false")
	}
	if got, want := timer.State(), timeutil.TimerStateStopped; got != want {
		t.Fatalf("timer.State() = %v, want %v", got, want)
	}
	if timer.StopTime().IsZero() {
		t.Fatal("timer.StopTime() is zero after Stop()")
	}
	if timer.Stop() {
		t.Fatal("second Stop() returned true")
	}
}

func TestTimer_Reset(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(10 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	timer.UpdateState()

	timer.Reset(100 * time.Millisecond)
	if got, want := timer.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("timer.State() after Reset() = %v, want %v", got, want)
	}
	if timer.Expired() {
		t.Fatal("timer reports expired right after Reset()")
	}
	if got, want := timer.Duration(), 100*time.Millisecond; got != want {
		t.Fatalf("timer.Duration() after Reset() = %v, want %v", got, want)
	}
}

func TestAfterFunc(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timeutil.AfterFunc(10*time.Millisecond, func() { fired.Store(true) })

	waitFired(t, &fired, time.Second)
}

func TestTimer_SetCallbackOnExpired(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(5 * time.Millisecond)
	time.Sleep(15 * time.Millisecond)

	// attaching to an already expired timer fires immediately
	var fired atomic.Bool
	timer.SetCallback(func() { fired.Store(true) })

	waitFired(t, &fired, time.Second)
}

func TestTimer_StopPreventsCallback(t *testing.T) {
	t.Parallel()

	var fired atomic.Bool
	timer := timeutil.AfterFunc(30*time.Millisecond, func() { fired.Store(true) })
	timer.Stop()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("callback fired on a stopped timer")
	}
}

func TestTimer_SnapshotRoundTrip(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(250 * time.Millisecond)

	data, err := json.Marshal(timer.Snapshot())
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	var snap timeutil.TimerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}

	restored := timeutil.RestoreTimer(&snap)
	if got, want := restored.State(), timeutil.TimerStateRunning; got != want {
		t.Fatalf("restored.State() = %v, want %v", got, want)
	}
	if got, want := restored.Duration(), timer.Duration(); got != want {
		t.Fatalf("restored.Duration() = %v, want %v", got, want)
	}
	if !restored.StartTime().Equal(timer.StartTime()) {
		t.Fatalf("restored.StartTime() = %v, want %v", restored.StartTime(), timer.StartTime())
	}
}

func TestTimer_RestoreExpired(t *testing.T) {
	t.Parallel()

	snap := &timeutil.TimerSnapshot{
		StartTime: time.Now().Add(-time.Second),
		Duration:  10 * time.Millisecond,
		State:     timeutil.TimerStateRunning,
	}

	restored := timeutil.RestoreTimer(snap)
	if got, want := restored.State(), timeutil.TimerStateExpired; got != want {
		t.Fatalf("restored.State() = %v, want %v", got, want)
	}

	var fired atomic.Bool
	restored.SetCallback(func() { fired.Store(true) })
	waitFired(t, &fired, time.Second)
}

func TestTimer_JSONRoundTrip(t *testing.T) {
	t.Parallel()

	timer := timeutil.NewTimer(200 * time.Millisecond)
	timer.Stop()

	data, err := timer.ToJSON()
	if err != nil {
		t.Fatalf("timer.ToJSON() error = %v", err)
	}

	restored, err := timeutil.FromJSON(data)
	if err != nil {
		t.Fatalf("timeutil.FromJSON() error = %v", err)
	}
	if got, want := restored.State(), timeutil.TimerStateStopped; got != want {
		t.Fatalf("restored.State() = %v, want %v", got, want)
	}
	if restored.StopTime().IsZero() {
		t.Fatal("restored.StopTime() is zero")
	}
}
