// Package timeutil provides SerializableTimer, a time.AfterFunc
// replacement whose state can be snapshotted, serialized and restored.
// SIP transactions and dialogs use it so their timers survive a
// snapshot/restore cycle.
//
// A running timer still fires its callback through a background
// time.Timer; TimerSnapshot captures the deterministic part (state,
// duration, remaining time) and marshals to JSON. RestoreTimer rebuilds
// a timer from a snapshot. Callbacks are runtime-only and must be
// reattached after restoration with SetCallback or Reset.
//
//	timer := timeutil.AfterFunc(5*time.Second, onExpire)
//
//	data, _ := json.Marshal(timer.Snapshot())
//
//	var snap timeutil.TimerSnapshot
//	_ = json.Unmarshal(data, &snap)
//	restored := timeutil.RestoreTimer(&snap)
//	restored.SetCallback(onExpire)
//
// All operations are safe for concurrent use.
package timeutil
