// Package engine drives timelapse jobs: per-job executors own the state
// machine and capture timer, a single time-ordered queue wakes the
// coordinator at the next due transition, and a periodic resync
// reconciles live executors against the durable store.
package engine

import (
	"time"

	"lapse/internal/timelapse"
)

// Clock seam for tests.
var now = time.Now

// Bus event types published by this package.
const (
	TopicStateChanged  = "timelapse.state_changed"
	TopicCaptureFailed = "timelapse.capture_failed"
	TopicSynced        = "coordinator.synced"
)

// StateChange is the payload of TopicStateChanged.
type StateChange struct {
	JobID int64  `json:"job_id"`
	Name  string `json:"name"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// CaptureFailure is the payload of TopicCaptureFailed.
type CaptureFailure struct {
	JobID int64  `json:"job_id"`
	Name  string `json:"name"`
	Frame int64  `json:"frame"`
	Err   string `json:"err"`
}

// SyncSummary is the payload of TopicSynced.
type SyncSummary struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Total   int `json:"total"`
}

// Event is one scheduled state transition for one job. Events are queue
// payloads only, never persisted.
type Event struct {
	At       time.Time
	JobID    int64
	Name     string
	State    timelapse.State
	Interval time.Duration
}

// NextAction says what to do about a job's future after applying an
// event.
type NextAction int

const (
	// ActionEvent: enqueue the returned event.
	ActionEvent NextAction = iota
	// ActionCancel: no further automated events; cancel the executor.
	ActionCancel
	// ActionIndefinite: nothing scheduled, but the executor stays as it
	// is (possibly capturing) until the user intervenes.
	ActionIndefinite
)

func (a NextAction) String() string {
	switch a {
	case ActionEvent:
		return "event"
	case ActionCancel:
		return "cancel"
	case ActionIndefinite:
		return "indefinite"
	default:
		return "unknown"
	}
}

// DetermineCurrentEvent recomputes what state rec should be in at the
// given instant, from first principles: the persisted state is input but
// is never trusted to be consistent with the window and schedule. This
// is what makes the engine self-healing after downtime.
func DetermineCurrentEvent(rec *timelapse.Record, at time.Time) Event {
	ev := Event{At: at, JobID: rec.ID, Name: rec.Name, State: rec.State, Interval: rec.Interval}

	// Paused holds until the user resumes it, unless the window already
	// closed underneath it.
	if rec.State == timelapse.Paused {
		if rec.EndPassed(at) {
			ev.State = timelapse.Finished
		}
		return ev
	}

	// Before the start time nothing runs, except an explicit force.
	if !rec.StartPassed(at) {
		if rec.State != timelapse.ForceRunning {
			ev.State = timelapse.Waiting
		}
		return ev
	}

	// Finished stays finished unless the end time was edited forward;
	// then the job is re-evaluated as if it were ready.
	state := rec.State
	if state == timelapse.Finished {
		if rec.EndTime == nil || !rec.EndTime.After(at) {
			return ev
		}
		state = timelapse.Ready
	}

	// Past the end time the job is done, unless forced.
	if rec.EndPassed(at) {
		if state == timelapse.ForceRunning {
			ev.State = timelapse.ForceRunning
		} else {
			ev.State = timelapse.Finished
		}
		return ev
	}

	// No start time and never started: fully manual, stays ready.
	if rec.StartTime == nil && state == timelapse.Ready {
		ev.State = timelapse.Ready
		return ev
	}

	// Inside the window with no schedule: run. Without a start time a
	// job that never ran collapses back to ready (manual start). A stale
	// force collapses to plain running here.
	if rec.Schedule.IsEmpty() {
		if rec.StartTime == nil && (state == timelapse.Ready || state == timelapse.Waiting) {
			ev.State = timelapse.Ready
		} else {
			ev.State = timelapse.Running
		}
		return ev
	}

	// Inside the window with a schedule: the schedule decides.
	if entry, ok := rec.Schedule.ActiveEntryAt(at); ok {
		ev.State = timelapse.Running
		ev.Interval = entry.CaptureInterval(rec.Interval)
	} else {
		ev.State = timelapse.Waiting
	}
	return ev
}

// DetermineNextEvent computes the next due transition after at, clamped
// to the record's global window: schedule events never fire before the
// start time or after the end time.
func DetermineNextEvent(rec *timelapse.Record, at time.Time) (Event, NextAction) {
	cur := DetermineCurrentEvent(rec, at)

	// Idle states take no scheduled events. A paused job whose end time
	// later passes is corrected by the resync path, not by a queued
	// event.
	switch cur.State {
	case timelapse.Paused, timelapse.Finished, timelapse.Ready:
		return Event{}, ActionCancel
	}

	// Forced past the end: runs until the user stops it.
	if rec.EndPassed(at) && rec.State == timelapse.ForceRunning {
		return Event{}, ActionIndefinite
	}

	from := at
	if !rec.StartPassed(at) {
		start := *rec.StartTime
		if rec.Schedule.IsEmpty() {
			return Event{At: start, JobID: rec.ID, Name: rec.Name,
				State: timelapse.Running, Interval: rec.Interval}, ActionEvent
		}
		if entry, ok := rec.Schedule.ActiveEntryAt(start); ok {
			return Event{At: start, JobID: rec.ID, Name: rec.Name,
				State: timelapse.Running, Interval: entry.CaptureInterval(rec.Interval)}, ActionEvent
		}
		// Nothing active at the start instant: evaluate the schedule
		// from there instead of from now.
		from = start
	}

	if !rec.Schedule.IsEmpty() {
		if next, ok := rec.Schedule.NextEventAfter(from); ok {
			if rec.EndTime == nil || next.At.Before(*rec.EndTime) {
				if next.BecomesActive {
					return Event{At: next.At, JobID: rec.ID, Name: rec.Name,
						State: timelapse.Running, Interval: next.Entry.CaptureInterval(rec.Interval)}, ActionEvent
				}
				return Event{At: next.At, JobID: rec.ID, Name: rec.Name,
					State: timelapse.Waiting, Interval: rec.Interval}, ActionEvent
			}
		}
	}

	if rec.EndTime != nil {
		return Event{At: *rec.EndTime, JobID: rec.ID, Name: rec.Name,
			State: timelapse.Finished, Interval: rec.Interval}, ActionEvent
	}

	return Event{}, ActionIndefinite
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// statesEquivalent treats WAITING and RUNNING as the same for record
// comparison: the two differ only by timing, not by an edit.
func statesEquivalent(a, b timelapse.State) bool {
	if a == b {
		return true
	}
	runWait := func(s timelapse.State) bool {
		return s == timelapse.Running || s == timelapse.Waiting
	}
	return runWait(a) && runWait(b)
}
