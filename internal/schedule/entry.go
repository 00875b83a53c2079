package schedule

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entry is one block of capture time: a day rule plus a start/end time of
// day, optionally overriding the job's capture interval while active.
// Because output is organized per day, an entry never spans midnight; an
// entry ending at EndOfDay runs through the day boundary and the next
// day's entry (possibly the same one) takes over.
type Entry struct {
	Days  Days
	Start TimeOfDay
	End   TimeOfDay

	// Interval overrides the job's capture interval while this entry is
	// active. Zero means use the job default.
	Interval time.Duration
}

// NewEntry validates the window shape. Day-rule level checks (past dates,
// overlaps) happen on Schedule.Append.
func NewEntry(days Days, start, end TimeOfDay, interval time.Duration) (Entry, error) {
	if start < Midnight || start > EndOfDay || end < Midnight || end > EndOfDay {
		return Entry{}, validationf("entry times must be within one day")
	}
	if start >= end {
		return Entry{}, validationf("entry start %s must be before its end %s", start, end)
	}
	if interval < 0 {
		return Entry{}, validationf("entry interval must not be negative")
	}
	return Entry{Days: days, Start: start, End: end, Interval: interval}, nil
}

// EndsAtDayEnd reports whether the end time is effectively the day
// boundary, i.e. within the last second of the day.
func (e Entry) EndsAtDayEnd() bool { return e.End >= EndOfDay }

// RunsAllDay reports whether the entry covers the whole day, which makes
// it continue seamlessly into the next day its rule applies.
func (e Entry) RunsAllDay() bool { return e.Start == Midnight && e.EndsAtDayEnd() }

// ActiveAt reports whether the entry is in effect at t. The start instant
// is active, the end instant is not.
func (e Entry) ActiveAt(t time.Time) bool {
	if !e.Days.RunsOn(t) {
		return false
	}
	tod := TimeOfDayOf(t)
	return e.Start <= tod && (e.EndsAtDayEnd() || tod < e.End)
}

// CaptureInterval resolves the effective interval given the job default.
func (e Entry) CaptureInterval(def time.Duration) time.Duration {
	if e.Interval > 0 {
		return e.Interval
	}
	return def
}

func (e Entry) Equal(o Entry) bool {
	return e.Days.Equal(o.Days) && e.Start == o.Start && e.End == o.End && e.Interval == o.Interval
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s-%s", e.Days.Encode(), e.Start, e.End)
}

type entryJSON struct {
	Days     string `json:"days"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Interval string `json:"interval,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	ej := entryJSON{
		Days:  e.Days.Encode(),
		Start: e.Start.String(),
		End:   e.End.String(),
	}
	if e.Interval > 0 {
		ej.Interval = e.Interval.String()
	}
	return json.Marshal(ej)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var ej entryJSON
	if err := json.Unmarshal(data, &ej); err != nil {
		return err
	}
	days, err := DecodeDays(ej.Days)
	if err != nil {
		return err
	}
	start, err := ParseTimeOfDay(ej.Start)
	if err != nil {
		return err
	}
	end, err := ParseTimeOfDay(ej.End)
	if err != nil {
		return err
	}
	var interval time.Duration
	if ej.Interval != "" {
		interval, err = time.ParseDuration(ej.Interval)
		if err != nil {
			return validationf("malformed entry interval %q", ej.Interval)
		}
	}
	if start >= end {
		return validationf("entry start %s must be before its end %s", start, end)
	}
	*e = Entry{Days: days, Start: start, End: end, Interval: interval}
	return nil
}
