package schedule

import (
	"sort"
	"strings"
	"time"
)

// MaxDates bounds how many explicit dates one rule may hold.
const MaxDates = 20

const dateFormat = "2006-01-02"

type daysKind uint8

const (
	kindWeekdays daysKind = iota + 1
	kindDates
)

// weekdayOrder is Monday-first, matching the encoded letter order.
var weekdayOrder = [7]time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// One letter per weekday, Monday-first: R is Thursday, U is Sunday.
var weekdayLetters = [7]byte{'M', 'T', 'W', 'R', 'F', 'S', 'U'}

// Days selects which calendar days a schedule entry applies to. It is an
// immutable value with two variants: a set of weekdays, or an explicit
// bounded list of dates. The zero value is an empty weekday set that
// never runs.
type Days struct {
	kind daysKind

	// bit i set = weekdayOrder[i] included
	weekdays uint8

	// midnight-normalized, sorted ascending, unique
	dates []time.Time
}

// Weekdays builds a weekday-set rule. Duplicates are ignored.
func Weekdays(days ...time.Weekday) Days {
	d := Days{kind: kindWeekdays}
	for _, wd := range days {
		d.weekdays |= 1 << mondayIndex(wd)
	}
	return d
}

// EveryDay is the weekday rule containing all seven days.
func EveryDay() Days {
	return Days{kind: kindWeekdays, weekdays: 0x7f}
}

// Dates builds an explicit-date rule. Inputs are truncated to their
// calendar date; duplicates are ignored. At most MaxDates dates are
// allowed.
func Dates(dates ...time.Time) (Days, error) {
	uniq := make([]time.Time, 0, len(dates))
	for _, t := range dates {
		day := dayOf(t)
		dup := false
		for _, u := range uniq {
			if u.Equal(day) {
				dup = true
				break
			}
		}
		if !dup {
			uniq = append(uniq, day)
		}
	}
	if len(uniq) > MaxDates {
		return Days{}, validationf("a date rule can hold at most %d dates, got %d", MaxDates, len(uniq))
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].Before(uniq[j]) })
	return Days{kind: kindDates, dates: uniq}, nil
}

func mondayIndex(wd time.Weekday) int {
	// time.Sunday is 0; shift to Monday-first.
	return (int(wd) + 6) % 7
}

// IsDates reports whether this rule is the explicit-date variant.
func (d Days) IsDates() bool { return d.kind == kindDates }

// DateValues returns the rule's dates (date variant only), sorted ascending.
func (d Days) DateValues() []time.Time {
	out := make([]time.Time, len(d.dates))
	copy(out, d.dates)
	return out
}

// RunsExactlyOnce reports whether the rule applies on exactly one date in
// all of time. Weekday rules either never run or recur weekly.
func (d Days) RunsExactlyOnce() bool {
	return d.kind == kindDates && len(d.dates) == 1
}

// EverRuns reports whether the rule applies on at least one day.
func (d Days) EverRuns() bool {
	switch d.kind {
	case kindWeekdays:
		return d.weekdays != 0
	case kindDates:
		return len(d.dates) > 0
	default:
		return false
	}
}

// RunsOn reports whether the rule applies on t's calendar date.
func (d Days) RunsOn(t time.Time) bool {
	switch d.kind {
	case kindWeekdays:
		return d.weekdays&(1<<mondayIndex(t.Weekday())) != 0
	case kindDates:
		i := d.searchDate(dayOf(t))
		return i < len(d.dates) && sameDate(d.dates[i], t)
	default:
		return false
	}
}

// searchDate returns the index of the first date not before day.
func (d Days) searchDate(day time.Time) int {
	return sort.Search(len(d.dates), func(i int) bool { return !d.dates[i].Before(day) })
}

// NextTransitionAfter returns the nearest date strictly after t on which
// the rule's membership flips (active to inactive or back). The second
// return is false when the rule never changes state again: a weekday rule
// with zero or seven days, or a date rule with no dates after t while
// already inactive.
func (d Days) NextTransitionAfter(t time.Time) (time.Time, bool) {
	day := dayOf(t)
	switch d.kind {
	case kindWeekdays:
		n := 0
		for i := 0; i < 7; i++ {
			if d.weekdays&(1<<i) != 0 {
				n++
			}
		}
		if n == 0 || n == 7 {
			return time.Time{}, false
		}
		was := d.RunsOn(day)
		for i := 0; i < 7; i++ {
			day = day.AddDate(0, 0, 1)
			if d.RunsOn(day) != was {
				return day, true
			}
		}
		return time.Time{}, false
	case kindDates:
		if d.RunsOn(day) {
			// Walk to the end of the contiguous run containing day, then
			// the flip is the day after it.
			i := d.searchDate(day)
			for i+1 < len(d.dates) && d.dates[i+1].Equal(d.dates[i].AddDate(0, 0, 1)) {
				i++
			}
			return d.dates[i].AddDate(0, 0, 1), true
		}
		// Inactive: the flip is the next maintained date, if any.
		return d.nextRunDayAfter(day)
	default:
		return time.Time{}, false
	}
}

// nextRunDayAfter returns the first date strictly after day on which the
// rule applies.
func (d Days) nextRunDayAfter(day time.Time) (time.Time, bool) {
	switch d.kind {
	case kindWeekdays:
		if d.weekdays == 0 {
			return time.Time{}, false
		}
		next := day
		for i := 0; i < 7; i++ {
			next = next.AddDate(0, 0, 1)
			if d.RunsOn(next) {
				return next, true
			}
		}
		return time.Time{}, false
	case kindDates:
		i := d.searchDate(day.AddDate(0, 0, 1))
		if i >= len(d.dates) {
			return time.Time{}, false
		}
		return d.dates[i], true
	default:
		return time.Time{}, false
	}
}

// Encode renders the rule as its stable tagged form, e.g.
// "DaysOfWeek(MWF)" or "Dates(2031-05-01;2031-05-02)".
func (d Days) Encode() string {
	switch d.kind {
	case kindDates:
		parts := make([]string, len(d.dates))
		for i, t := range d.dates {
			parts[i] = t.Format(dateFormat)
		}
		return "Dates(" + strings.Join(parts, ";") + ")"
	default:
		var b strings.Builder
		b.WriteString("DaysOfWeek(")
		for i := 0; i < 7; i++ {
			if d.weekdays&(1<<i) != 0 {
				b.WriteByte(weekdayLetters[i])
			}
		}
		b.WriteString(")")
		return b.String()
	}
}

func (d Days) String() string { return d.Encode() }

// DecodeDays parses a string produced by Encode. The tag before the
// parenthesis selects the variant.
func DecodeDays(s string) (Days, error) {
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Days{}, validationf("malformed days rule %q", s)
	}
	tag, body := s[:open], s[open+1:len(s)-1]
	switch tag {
	case "DaysOfWeek":
		d := Days{kind: kindWeekdays}
		for i := 0; i < len(body); i++ {
			idx := -1
			for j, l := range weekdayLetters {
				if body[i] == l {
					idx = j
					break
				}
			}
			if idx < 0 {
				return Days{}, validationf("unknown weekday letter %q in %q", string(body[i]), s)
			}
			d.weekdays |= 1 << idx
		}
		return d, nil
	case "Dates":
		if body == "" {
			return Days{kind: kindDates}, nil
		}
		parts := strings.Split(body, ";")
		dates := make([]time.Time, 0, len(parts))
		for _, p := range parts {
			t, err := time.ParseInLocation(dateFormat, p, time.Local)
			if err != nil {
				return Days{}, validationf("malformed date %q in %q", p, s)
			}
			dates = append(dates, t)
		}
		return Dates(dates...)
	default:
		return Days{}, validationf("unknown days rule %q", s)
	}
}

// Equal reports exact equality: same variant with the same contents. The
// zero value counts as an empty weekday set.
func (d Days) Equal(o Days) bool {
	dk, odk := d.kind, o.kind
	if dk == 0 {
		dk = kindWeekdays
	}
	if odk == 0 {
		odk = kindWeekdays
	}
	if dk != odk {
		return false
	}
	switch dk {
	case kindDates:
		if len(d.dates) != len(o.dates) {
			return false
		}
		for i := range d.dates {
			if !d.dates[i].Equal(o.dates[i]) {
				return false
			}
		}
		return true
	default:
		return d.weekdays == o.weekdays
	}
}
