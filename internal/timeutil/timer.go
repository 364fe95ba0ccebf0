package timeutil

import (
	"encoding/json"
	"sync"
	"time"

	"braces.dev/errtrace"
)

// TimerState is the lifecycle state of a [SerializableTimer].
type TimerState string

const (
	TimerStateRunning TimerState = "running"
	TimerStateStopped TimerState = "stopped"
	TimerStateExpired TimerState = "expired"
)

// SerializableTimer is a timer whose deterministic state (start time,
// duration, state, stop time) can be exported as a [TimerSnapshot] and
// restored later. Runtime-only fields, the callback and the underlying
// [time.Timer], are excluded from snapshots and must be reattached after
// restoration.
type SerializableTimer struct {
	mu sync.Mutex

	startTime time.Time
	duration  time.Duration
	state     TimerState
	stopTime  time.Time

	// runtime-only, never serialized
	callback  func()
	fired     bool
	realTimer *time.Timer
}

// NewTimer creates a running timer with the given duration and no
// callback.
func NewTimer(duration time.Duration) *SerializableTimer {
	return FromTime(time.Now(), duration)
}

// AfterFunc creates a running timer that executes f on expiration.
func AfterFunc(duration time.Duration, f func()) *SerializableTimer {
	tmr := NewTimer(duration)
	tmr.SetCallback(f)
	return tmr
}

// FromTime creates a running timer with an explicit start time. Unlike
// [FromJSON] it does not re-evaluate expiration, callers do that with
// [SerializableTimer.UpdateState] when needed.
func FromTime(startTime time.Time, duration time.Duration) *SerializableTimer {
	return &SerializableTimer{
		startTime: startTime,
		duration:  duration,
		state:     TimerStateRunning,
	}
}

// State returns the timer lifecycle state.
func (t *SerializableTimer) State() TimerState {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StartTime returns when the timer was started.
func (t *SerializableTimer) StartTime() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startTime
}

// Duration returns the total duration the timer runs for.
func (t *SerializableTimer) Duration() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// StopTime returns when the timer was stopped or expired, zero while
// it is still running.
func (t *SerializableTimer) StopTime() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopTime
}

// Elapsed returns how long the timer has been running, frozen at the
// stop time once the timer is stopped or expired.
func (t *SerializableTimer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *SerializableTimer) elapsedLocked() time.Duration {
	if t.state == TimerStateRunning {
		return time.Since(t.startTime)
	}
	if !t.stopTime.IsZero() {
		return t.stopTime.Sub(t.startTime)
	}
	return t.duration
}

// Left returns the time remaining until expiration, zero once the
// timer is stopped or expired.
func (t *SerializableTimer) Left() time.Duration {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TimerStateStopped {
		return 0
	}
	return max(t.duration-t.elapsedLocked(), 0)
}

// Expired reports whether the timer ran out. A stopped timer never
// expires.
func (t *SerializableTimer) Expired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked()
}

func (t *SerializableTimer) expiredLocked() bool {
	switch t.state {
	case TimerStateExpired:
		return true
	case TimerStateStopped:
		return false
	}
	return time.Since(t.startTime) >= t.duration
}

// Stop halts the timer and discards its callback, so a stopped timer
// never fires. Returns false when the timer was not running.
func (t *SerializableTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.state = TimerStateStopped
	t.stopTime = time.Now()
	t.callback = nil
	t.disarmLocked()
	return true
}

// SetCallback attaches f to run on expiration, in its own goroutine
// like [time.AfterFunc]. On an already expired timer f runs
// immediately, on a stopped timer never.
func (t *SerializableTimer) SetCallback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callback = f

	if t.expiredLocked() && !t.fired {
		t.fired = true
		go f()
		return
	}
	if t.state == TimerStateRunning {
		t.armLocked(max(t.duration-time.Since(t.startTime), 1))
	}
}

func (t *SerializableTimer) armLocked(d time.Duration) {
	if t.realTimer != nil {
		t.realTimer.Stop()
	}
	t.realTimer = time.AfterFunc(d, t.expire)
}

func (t *SerializableTimer) disarmLocked() {
	if t.realTimer != nil {
		t.realTimer.Stop()
		t.realTimer = nil
	}
}

func (t *SerializableTimer) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning || t.fired {
		return
	}
	t.state = TimerStateExpired
	t.stopTime = time.Now()
	t.fired = true
	if cb := t.callback; cb != nil {
		go cb()
	}
}

// UpdateState re-evaluates expiration against the current time. Call
// after restoring a timer to fire callbacks of already expired timers.
func (t *SerializableTimer) UpdateState() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.updateStateLocked()
}

func (t *SerializableTimer) updateStateLocked() {
	if time.Since(t.startTime) < t.duration {
		return
	}

	if t.state == TimerStateRunning {
		t.state = TimerStateExpired
	}
	if t.state == TimerStateExpired && t.callback != nil && !t.fired {
		t.fired = true
		go t.callback()
	}
}

// Reset restarts the timer with a new duration from now, keeping the
// callback. To drop the callback call Stop first.
func (t *SerializableTimer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = duration
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.fired = false

	t.disarmLocked()
	if t.callback != nil {
		t.armLocked(duration)
	}
}

// TimerSnapshot is the deterministic part of a timer, safe to persist
// or move between processes.
type TimerSnapshot struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	State     TimerState    `json:"state"`
	StopTime  time.Time     `json:"stop_time,omitzero"`
}

// Snapshot exports the timer state. The state is re-evaluated first,
// so a timer that ran out snapshots as expired.
func (t *SerializableTimer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	return &snap
}

func (t *SerializableTimer) snapshotLocked() TimerSnapshot {
	t.updateStateLocked()
	return TimerSnapshot{
		StartTime: t.startTime,
		Duration:  t.duration,
		State:     t.state,
		StopTime:  t.stopTime,
	}
}

func (t *SerializableTimer) restoreLocked(snap *TimerSnapshot) {
	defer t.updateStateLocked()

	t.disarmLocked()
	if snap == nil {
		*t = SerializableTimer{}
		return
	}

	t.startTime = snap.StartTime
	t.duration = snap.Duration
	t.state = snap.State
	t.stopTime = snap.StopTime
	t.callback = nil
	t.fired = false
}

var jsonNull = []byte("null")

// MarshalJSON implements [json.Marshaler] by encoding a
// [TimerSnapshot].
func (t *SerializableTimer) MarshalJSON() ([]byte, error) {
	if t == nil {
		return jsonNull, nil
	}

	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	return errtrace.Wrap2(json.Marshal(&snap))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (t *SerializableTimer) UnmarshalJSON(data []byte) error {
	var snap TimerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errtrace.Wrap(err)
	}

	t.mu.Lock()
	t.restoreLocked(&snap)
	t.mu.Unlock()
	return nil
}

// ToJSON serializes the timer.
func (t *SerializableTimer) ToJSON() ([]byte, error) {
	return errtrace.Wrap2(json.Marshal(t))
}

// FromJSON deserializes a timer and re-evaluates its state.
func FromJSON(data []byte) (*SerializableTimer, error) {
	snap := new(TimerSnapshot)
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, errtrace.Wrap(err)
	}
	return RestoreTimer(snap), nil
}

// RestoreTimer rebuilds a timer from its snapshot. The callback comes
// back nil, reattach it with [SerializableTimer.SetCallback] or
// restart the timer with [SerializableTimer.Reset].
func RestoreTimer(snap *TimerSnapshot) *SerializableTimer {
	if snap == nil {
		return nil
	}

	tmr := new(SerializableTimer)
	tmr.restoreLocked(snap)
	return tmr
}
