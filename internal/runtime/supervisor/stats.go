package supervisor

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SupervisorCounters exposes best-effort goroutine counters. They are
// operational signals only, not a synchronization primitive.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats is an aggregated view of goroutines started via
// Go/GoRestart, keyed by name. Concurrent goroutines sharing a name are
// folded into one entry. For observability and debug output only.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// SupervisorSnapshot is a point-in-time view of a supervisor.
type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

// Counters reports how many goroutines the supervisor ever started and
// how many are live right now. Best effort.
func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot reports counters, the retained first error, and per-name
// goroutine stats, sorted with active entries first.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{
		Counters:   s.Counters(),
		Goroutines: s.book.view(),
	}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	return snap
}

// statsBook aggregates runtime stats per goroutine name.
type statsBook struct {
	mu      sync.Mutex
	entries map[string]*nameStats
}

type nameStats struct {
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErrAt    time.Time
	lastErr      string
	lastPanicAt  time.Time
	lastPanic    string
	lastRuntime  time.Duration
	totalRuntime time.Duration
}

// entry returns the record for name, creating it if needed. Callers hold mu.
func (b *statsBook) entry(name string) *nameStats {
	if b.entries == nil {
		b.entries = map[string]*nameStats{}
	}
	st := b.entries[name]
	if st == nil {
		st = &nameStats{}
		b.entries[name] = st
	}
	return st
}

func (b *statsBook) start(name string, isRestart bool) time.Time {
	now := time.Now()
	b.mu.Lock()
	st := b.entry(name)
	st.started++
	if isRestart {
		st.restarts++
	}
	st.active++
	st.lastStartAt = now
	b.mu.Unlock()
	return now
}

func (b *statsBook) stop(name string, startedAt time.Time, err error) {
	now := time.Now()
	dur := now.Sub(startedAt)
	b.mu.Lock()
	st := b.entry(name)
	if st.active > 0 {
		st.active--
	}
	st.lastStopAt = now
	st.lastRuntime = dur
	st.totalRuntime += dur
	if err != nil {
		st.lastErr = err.Error()
		st.lastErrAt = now
	}
	b.mu.Unlock()
}

func (b *statsBook) panicked(name string, p any) {
	now := time.Now()
	b.mu.Lock()
	st := b.entry(name)
	st.panics++
	st.lastPanicAt = now
	st.lastPanic = fmt.Sprint(p)
	b.mu.Unlock()
}

func (b *statsBook) view() []GoroutineStats {
	b.mu.Lock()
	out := make([]GoroutineStats, 0, len(b.entries))
	for name, st := range b.entries {
		out = append(out, GoroutineStats{
			Name:         name,
			Active:       st.active,
			Started:      st.started,
			Panics:       st.panics,
			Restarts:     st.restarts,
			LastStartAt:  st.lastStartAt,
			LastStopAt:   st.lastStopAt,
			LastErrAt:    st.lastErrAt,
			LastErr:      st.lastErr,
			LastPanicAt:  st.lastPanicAt,
			LastPanic:    st.lastPanic,
			LastRuntime:  st.lastRuntime,
			TotalRuntime: st.totalRuntime,
		})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Active != out[j].Active {
			return out[i].Active > out[j].Active
		}
		if !out[i].LastStartAt.Equal(out[j].LastStartAt) {
			return out[i].LastStartAt.After(out[j].LastStartAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}
