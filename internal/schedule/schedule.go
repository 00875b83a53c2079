// Package schedule decides when a timelapse job auto-captures. A Schedule
// is an ordered list of entries; each entry pairs a day rule (weekday set
// or explicit dates) with a time-of-day window. The two derived queries,
// ActiveEntryAt and NextEventAfter, drive the engine's state machine.
package schedule

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrValidation marks user-correctable schedule input errors. Messages
// wrapped around it are safe to show verbatim.
var ErrValidation = errors.New("schedule validation")

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// now is swapped out by tests.
var now = time.Now

// Schedule is an ordered list of entries. When entries from different day
// rules are active at the same instant, the first match in list order
// wins.
type Schedule struct {
	entries []Entry
}

// FromEntries builds a schedule without insertion validation. It is meant
// for reconstructing persisted schedules, which may legitimately contain
// dates that have since passed.
func FromEntries(entries []Entry) Schedule {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return Schedule{entries: cp}
}

func (s Schedule) Len() int      { return len(s.entries) }
func (s Schedule) IsEmpty() bool { return len(s.entries) == 0 }

// Entries returns a copy of the entry list.
func (s Schedule) Entries() []Entry {
	cp := make([]Entry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

// Append validates the entry against the schedule and adds it at the end:
//
//  1. the entry's day rule must ever run;
//  2. explicit dates must not be in the past, and a rule for exactly one
//     date equal to today must start in the future;
//  3. entries with an identical day rule must not overlap in time.
//
// Violations return an error wrapping ErrValidation.
func (s *Schedule) Append(e Entry) error {
	if !e.Days.EverRuns() {
		return validationf("entry never runs: give it at least one day")
	}

	if e.Days.IsDates() {
		nw := now()
		today := dayOf(nw)
		for _, d := range e.Days.DateValues() {
			if d.Before(today) {
				// Round, not truncate: DST can make a day 23 or 25 hours.
				ago := int(today.Sub(d).Hours()/24 + 0.5)
				return validationf("dates can't be in the past: %s was %d day%s ago",
					d.Format(dateFormat), ago, plural(ago))
			}
			if sameDate(d, today) && e.Days.RunsExactlyOnce() && e.Start <= TimeOfDayOf(nw) {
				return validationf("an entry for just today can't start in the past (%s)", e.Start)
			}
		}
	}

	for _, other := range s.entries {
		if !other.Days.Equal(e.Days) {
			continue
		}
		if other.End > e.Start && other.Start < e.End {
			return validationf("entries on the same days can't overlap: %s-%s overlaps %s-%s",
				other.Start, other.End, e.Start, e.End)
		}
	}

	s.entries = append(s.entries, e)
	return nil
}

// Remove deletes the entry at index i.
func (s *Schedule) Remove(i int) error {
	if i < 0 || i >= len(s.entries) {
		return fmt.Errorf("remove: index %d out of range (%d entries)", i, len(s.entries))
	}
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	return nil
}

// Move swaps the entry at index i with its neighbor above (up) or below.
func (s *Schedule) Move(i int, up bool) error {
	if i < 0 || i >= len(s.entries) {
		return fmt.Errorf("move: index %d out of range (%d entries)", i, len(s.entries))
	}
	if up && i == 0 {
		return fmt.Errorf("move: entry 0 is already first")
	}
	if !up && i == len(s.entries)-1 {
		return fmt.Errorf("move: entry %d is already last", i)
	}
	j := i - 1
	if !up {
		j = i + 1
	}
	s.entries[i], s.entries[j] = s.entries[j], s.entries[i]
	return nil
}

// ActiveEntryAt returns the first entry (in list order) in effect at t.
func (s Schedule) ActiveEntryAt(t time.Time) (Entry, bool) {
	for _, e := range s.entries {
		if e.ActiveAt(t) {
			return e, true
		}
	}
	return Entry{}, false
}

// NextEvent describes the next instant the schedule changes which entry
// is active: either Entry becomes active at At, or (BecomesActive false)
// the currently active entry stops.
type NextEvent struct {
	At            time.Time
	Entry         Entry
	BecomesActive bool
}

// NextEventAfter computes the next activation or deactivation strictly
// after t. The second return is false when the schedule never changes
// state again (no entries, exhausted date rules, or an entry that runs
// forever).
func (s Schedule) NextEventAfter(t time.Time) (NextEvent, bool) {
	if active, ok := s.ActiveEntryAt(t); ok {
		var deact time.Time
		switch {
		case active.RunsAllDay():
			// Runs until its day rule stops applying.
			next, ok := active.Days.NextTransitionAfter(t)
			if !ok {
				return NextEvent{}, false
			}
			deact = Midnight.At(next)
		case active.EndsAtDayEnd():
			deact = Midnight.At(dayOf(t).AddDate(0, 0, 1))
		default:
			deact = active.End.At(t)
		}
		// Another entry may take over at the exact deactivation instant;
		// report the handoff as that entry activating.
		if nxt, ok := s.ActiveEntryAt(deact); ok {
			return NextEvent{At: deact, Entry: nxt, BecomesActive: true}, true
		}
		return NextEvent{At: deact, Entry: active, BecomesActive: false}, true
	}

	// Nothing active: the next event is the earliest activation across
	// entries. Ties keep the earliest-listed entry.
	var best NextEvent
	found := false
	for _, e := range s.entries {
		at, ok := nextActivation(e, t)
		if !ok {
			continue
		}
		if !found || at.Before(best.At) {
			best = NextEvent{At: at, Entry: e, BecomesActive: true}
			found = true
		}
	}
	return best, found
}

// nextActivation finds the first instant strictly after t at which e is
// active: today at its start time if that is still ahead, else its start
// time on the next day its rule applies.
func nextActivation(e Entry, t time.Time) (time.Time, bool) {
	if e.Days.RunsOn(t) && TimeOfDayOf(t) < e.Start {
		return e.Start.At(t), true
	}
	day, ok := e.Days.nextRunDayAfter(dayOf(t))
	if !ok {
		return time.Time{}, false
	}
	return e.Start.At(day), true
}

// Equal reports whether two schedules hold equal entries in the same
// order.
func (s Schedule) Equal(o Schedule) bool {
	if len(s.entries) != len(o.entries) {
		return false
	}
	for i := range s.entries {
		if !s.entries[i].Equal(o.entries[i]) {
			return false
		}
	}
	return true
}

// EncodeDB renders the schedule as a single JSON blob for the record
// store. DecodeDB reverses it, reconstructing entry order and overrides.
func (s Schedule) EncodeDB() (string, error) {
	if len(s.entries) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s.entries)
	if err != nil {
		return "", fmt.Errorf("encode schedule: %w", err)
	}
	return string(b), nil
}

func DecodeDB(blob string) (Schedule, error) {
	if blob == "" || blob == "[]" {
		return Schedule{}, nil
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(blob), &entries); err != nil {
		return Schedule{}, fmt.Errorf("decode schedule: %w", err)
	}
	return Schedule{entries: entries}, nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
