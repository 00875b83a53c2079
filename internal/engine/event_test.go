package engine

import (
	"testing"
	"time"

	"lapse/internal/schedule"
	"lapse/internal/timelapse"
)

// 2030-01-07 is a Monday.
var monday = time.Date(2030, time.January, 7, 0, 0, 0, 0, time.Local)

func tp(t time.Time) *time.Time { return &t }

func workHours(t *testing.T, start, end int, interval time.Duration) schedule.Schedule {
	t.Helper()
	e, err := schedule.NewEntry(schedule.Weekdays(time.Monday),
		schedule.TimeOfDay(start*3600), schedule.TimeOfDay(end*3600), interval)
	if err != nil {
		t.Fatalf("NewEntry error: %v", err)
	}
	return schedule.FromEntries([]schedule.Entry{e})
}

func TestDetermineCurrentEvent(t *testing.T) {
	t.Parallel()
	noon := monday.Add(12 * time.Hour)

	tests := []struct {
		name         string
		rec          *timelapse.Record
		at           time.Time
		wantState    timelapse.State
		wantInterval time.Duration
	}{
		{
			name:      "ready before start waits",
			rec:       &timelapse.Record{State: timelapse.Ready, Interval: time.Minute, StartTime: tp(noon.Add(time.Hour))},
			at:        noon,
			wantState: timelapse.Waiting,
		},
		{
			name:      "waiting past start runs",
			rec:       &timelapse.Record{State: timelapse.Waiting, Interval: time.Minute, StartTime: tp(noon.Add(-time.Hour))},
			at:        noon,
			wantState: timelapse.Running,
		},
		{
			name:      "paused holds inside window",
			rec:       &timelapse.Record{State: timelapse.Paused, EndTime: tp(noon.Add(time.Hour))},
			at:        noon,
			wantState: timelapse.Paused,
		},
		{
			name:      "paused past end finishes",
			rec:       &timelapse.Record{State: timelapse.Paused, EndTime: tp(noon.Add(-10 * time.Minute))},
			at:        noon,
			wantState: timelapse.Finished,
		},
		{
			name:      "force survives a future start",
			rec:       &timelapse.Record{State: timelapse.ForceRunning, StartTime: tp(noon.Add(time.Hour))},
			at:        noon,
			wantState: timelapse.ForceRunning,
		},
		{
			name:      "force survives a passed end",
			rec:       &timelapse.Record{State: timelapse.ForceRunning, EndTime: tp(noon.Add(-time.Hour))},
			at:        noon,
			wantState: timelapse.ForceRunning,
		},
		{
			name:      "finished stays finished",
			rec:       &timelapse.Record{State: timelapse.Finished, EndTime: tp(noon.Add(-time.Hour))},
			at:        noon,
			wantState: timelapse.Finished,
		},
		{
			name:      "finished reopens when end moves forward",
			rec:       &timelapse.Record{State: timelapse.Finished, StartTime: tp(noon.Add(-time.Hour)), EndTime: tp(noon.Add(2 * time.Hour))},
			at:        noon,
			wantState: timelapse.Running,
		},
		{
			name:      "finished with future end but no start goes manual",
			rec:       &timelapse.Record{State: timelapse.Finished, EndTime: tp(noon.Add(2 * time.Hour))},
			at:        noon,
			wantState: timelapse.Ready,
		},
		{
			name:      "ready with no window stays manual",
			rec:       &timelapse.Record{State: timelapse.Ready},
			at:        noon,
			wantState: timelapse.Ready,
		},
		{
			name:      "running with no window keeps running",
			rec:       &timelapse.Record{State: timelapse.Running},
			at:        noon,
			wantState: timelapse.Running,
		},
		{
			name:      "stale waiting with no start collapses to ready",
			rec:       &timelapse.Record{State: timelapse.Waiting},
			at:        noon,
			wantState: timelapse.Ready,
		},
		{
			name:      "running past end finishes",
			rec:       &timelapse.Record{State: timelapse.Running, EndTime: tp(noon.Add(-time.Minute))},
			at:        noon,
			wantState: timelapse.Finished,
		},
		{
			name: "active schedule entry runs with its interval",
			rec: &timelapse.Record{State: timelapse.Waiting, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)),
				Schedule:  workHours(t, 9, 17, 30*time.Second)},
			at:           noon,
			wantState:    timelapse.Running,
			wantInterval: 30 * time.Second,
		},
		{
			name: "active schedule entry without override uses job default",
			rec: &timelapse.Record{State: timelapse.Waiting, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)),
				Schedule:  workHours(t, 9, 17, 0)},
			at:           noon,
			wantState:    timelapse.Running,
			wantInterval: time.Minute,
		},
		{
			name: "schedule gap waits",
			rec: &timelapse.Record{State: timelapse.Running, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)),
				Schedule:  workHours(t, 9, 17, 0)},
			at:        monday.Add(18 * time.Hour),
			wantState: timelapse.Waiting,
		},
		{
			name: "stale force collapses to the schedule",
			rec: &timelapse.Record{State: timelapse.ForceRunning, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)),
				Schedule:  workHours(t, 9, 17, 0)},
			at:        monday.Add(18 * time.Hour),
			wantState: timelapse.Waiting,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineCurrentEvent(tt.rec, tt.at)
			if got.State != tt.wantState {
				t.Fatalf("State = %v, want %v", got.State, tt.wantState)
			}
			if !got.At.Equal(tt.at) {
				t.Fatalf("At = %v, want %v", got.At, tt.at)
			}
			if tt.wantInterval != 0 && got.Interval != tt.wantInterval {
				t.Fatalf("Interval = %v, want %v", got.Interval, tt.wantInterval)
			}
		})
	}
}

func TestDetermineCurrentEventIgnoresPersistedState(t *testing.T) {
	t.Parallel()
	// Window facts alone decide: every non-idle persisted state resolves
	// the same way once the start time is an hour gone.
	at := monday.Add(12 * time.Hour)
	for _, st := range []timelapse.State{timelapse.Ready, timelapse.Waiting, timelapse.Running} {
		rec := &timelapse.Record{State: st, StartTime: tp(at.Add(-time.Hour))}
		if got := DetermineCurrentEvent(rec, at); got.State != timelapse.Running {
			t.Fatalf("persisted %v resolved to %v, want RUNNING", st, got.State)
		}
	}
}

func TestDetermineNextEvent(t *testing.T) {
	t.Parallel()
	noon := monday.Add(12 * time.Hour)

	tests := []struct {
		name         string
		rec          *timelapse.Record
		at           time.Time
		wantAction   NextAction
		wantAt       time.Time
		wantState    timelapse.State
		wantInterval time.Duration
	}{
		{
			name:         "start ahead with empty schedule fires at start",
			rec:          &timelapse.Record{ID: 1, State: timelapse.Ready, Interval: time.Minute, StartTime: tp(noon.Add(time.Hour))},
			at:           noon,
			wantAction:   ActionEvent,
			wantAt:       noon.Add(time.Hour),
			wantState:    timelapse.Running,
			wantInterval: time.Minute,
		},
		{
			name:       "paused past end cancels",
			rec:        &timelapse.Record{State: timelapse.Paused, EndTime: tp(noon.Add(-10 * time.Minute))},
			at:         noon,
			wantAction: ActionCancel,
		},
		{
			name:       "paused inside window cancels too",
			rec:        &timelapse.Record{State: timelapse.Paused, EndTime: tp(noon.Add(time.Hour))},
			at:         noon,
			wantAction: ActionCancel,
		},
		{
			name:       "forced past end runs indefinitely",
			rec:        &timelapse.Record{State: timelapse.ForceRunning, EndTime: tp(noon.Add(-time.Hour))},
			at:         noon,
			wantAction: ActionIndefinite,
		},
		{
			name:       "manual job has nothing scheduled",
			rec:        &timelapse.Record{State: timelapse.Ready},
			at:         noon,
			wantAction: ActionCancel,
		},
		{
			name:       "running toward an end time finishes there",
			rec:        &timelapse.Record{State: timelapse.Running, Interval: time.Minute, StartTime: tp(noon.Add(-time.Hour)), EndTime: tp(noon.Add(time.Hour))},
			at:         noon,
			wantAction: ActionEvent,
			wantAt:     noon.Add(time.Hour),
			wantState:  timelapse.Finished,
		},
		{
			name:       "running with no end or schedule is indefinite",
			rec:        &timelapse.Record{State: timelapse.Running, StartTime: tp(noon.Add(-time.Hour))},
			at:         noon,
			wantAction: ActionIndefinite,
		},
		{
			name: "entry active at a future start fires at the start",
			rec: &timelapse.Record{ID: 2, State: timelapse.Waiting, Interval: time.Minute,
				StartTime: tp(monday.Add(13 * time.Hour)),
				Schedule:  workHours(t, 9, 17, 30*time.Second)},
			at:           monday.Add(8 * time.Hour),
			wantAction:   ActionEvent,
			wantAt:       monday.Add(13 * time.Hour),
			wantState:    timelapse.Running,
			wantInterval: 30 * time.Second,
		},
		{
			name: "schedule never fires before the start time",
			rec: &timelapse.Record{State: timelapse.Waiting, Interval: time.Minute,
				StartTime: tp(monday.Add(13 * time.Hour)),
				Schedule:  workHours(t, 9, 12, 0)},
			at:         monday.Add(8 * time.Hour),
			wantAction: ActionEvent,
			// Window 09:00-12:00 is over by the 13:00 start; the next
			// activation is the following Monday.
			wantAt:    monday.AddDate(0, 0, 7).Add(9 * time.Hour),
			wantState: timelapse.Running,
		},
		{
			name: "deactivation hands back to waiting",
			rec: &timelapse.Record{State: timelapse.Running, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)), EndTime: tp(monday.AddDate(0, 0, 1)),
				Schedule: workHours(t, 9, 17, 30*time.Second)},
			at:           noon,
			wantAction:   ActionEvent,
			wantAt:       monday.Add(17 * time.Hour),
			wantState:    timelapse.Waiting,
			wantInterval: time.Minute,
		},
		{
			name: "end time clamps schedule events",
			rec: &timelapse.Record{State: timelapse.Running, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)), EndTime: tp(monday.Add(15 * time.Hour)),
				Schedule: workHours(t, 9, 17, 0)},
			at:         noon,
			wantAction: ActionEvent,
			wantAt:     monday.Add(15 * time.Hour),
			wantState:  timelapse.Finished,
		},
		{
			name: "schedule event at the end instant loses to the end",
			rec: &timelapse.Record{State: timelapse.Running, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)), EndTime: tp(monday.Add(17 * time.Hour)),
				Schedule: workHours(t, 9, 17, 0)},
			at:         noon,
			wantAction: ActionEvent,
			wantAt:     monday.Add(17 * time.Hour),
			wantState:  timelapse.Finished,
		},
		{
			name: "exhausted schedule with no end goes quiet",
			rec: &timelapse.Record{State: timelapse.Waiting, Interval: time.Minute,
				StartTime: tp(noon.Add(-time.Hour)),
				Schedule: func() schedule.Schedule {
					old, err := schedule.Dates(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.Local))
					if err != nil {
						t.Fatalf("Dates error: %v", err)
					}
					e := schedule.Entry{Days: old, Start: schedule.TimeOfDay(9 * 3600), End: schedule.TimeOfDay(17 * 3600)}
					return schedule.FromEntries([]schedule.Entry{e})
				}()},
			at:         noon,
			wantAction: ActionIndefinite,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, action := DetermineNextEvent(tt.rec, tt.at)
			if action != tt.wantAction {
				t.Fatalf("action = %v, want %v", action, tt.wantAction)
			}
			if action != ActionEvent {
				return
			}
			if !got.At.Equal(tt.wantAt) {
				t.Fatalf("At = %v, want %v", got.At, tt.wantAt)
			}
			if got.State != tt.wantState {
				t.Fatalf("State = %v, want %v", got.State, tt.wantState)
			}
			if tt.wantInterval != 0 && got.Interval != tt.wantInterval {
				t.Fatalf("Interval = %v, want %v", got.Interval, tt.wantInterval)
			}
			if got.JobID != tt.rec.ID {
				t.Fatalf("JobID = %d, want %d", got.JobID, tt.rec.ID)
			}
			if !got.At.After(tt.at) {
				t.Fatalf("event at %v not strictly after %v", got.At, tt.at)
			}
		})
	}
}
