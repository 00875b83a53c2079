// Package timelapse defines the durable timelapse record and its
// lifecycle states. The engine mutates records, the storage layer
// persists them; this package holds only the shared data model.
package timelapse

import (
	"time"

	"lapse/internal/schedule"
)

// Record is one configured timelapse. StartTime and EndTime bound the
// whole run; nil means unbounded on that side. TotalFrames caps the
// number of captures, 0 means no cap. Schedule may be empty, in which
// case the timelapse runs continuously inside its window.
type Record struct {
	ID        int64
	Name      string
	Camera    string
	Directory string

	Interval time.Duration
	State    State

	StartTime *time.Time
	EndTime   *time.Time

	TotalFrames int64
	Frames      int64

	Schedule schedule.Schedule

	CreatedAt time.Time
}

// Clone returns a deep copy safe to mutate independently.
func (r *Record) Clone() *Record {
	c := *r
	if r.StartTime != nil {
		t := *r.StartTime
		c.StartTime = &t
	}
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	c.Schedule = schedule.FromEntries(r.Schedule.Entries())
	return &c
}

// StartPassed reports whether the record's start time is at or before t.
// A record with no start time has trivially started.
func (r *Record) StartPassed(t time.Time) bool {
	return r.StartTime == nil || !r.StartTime.After(t)
}

// EndPassed reports whether the record's end time is at or before t.
// A record with no end time never ends on its own.
func (r *Record) EndPassed(t time.Time) bool {
	return r.EndTime != nil && !r.EndTime.After(t)
}

// FrameCapReached reports whether the frame-count end condition is set
// and met.
func (r *Record) FrameCapReached() bool {
	return r.TotalFrames > 0 && r.Frames >= r.TotalFrames
}
