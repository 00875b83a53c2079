package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/capture"
	"lapse/internal/eventbus"
	"lapse/internal/storage"
	"lapse/internal/timelapse"
)

// fallbackInterval guards against records with no usable interval; a
// running job must tick at some cadence.
const fallbackInterval = time.Minute

// Executor drives one job: it holds the live copy of the record, owns
// the capture timer, and applies state-transition events. The event
// queue handles state cadence; the timer here handles capture cadence.
type Executor struct {
	ctx   context.Context
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	cam   capture.Capturer

	// onStop asks the owning coordinator to decommission this executor.
	// Always invoked on a fresh goroutine.
	onStop func(*Executor)

	mu         sync.Mutex
	rec        *timelapse.Record
	running    bool
	interval   time.Duration
	cancelling bool
	listeners  []stateListener
	nextLID    int64

	timerKick chan struct{}
	stopCh    chan struct{}
	stopOnce  sync.Once
}

type stateListener struct {
	id int64
	fn func(timelapse.State)
}

func newExecutor(ctx context.Context, rec *timelapse.Record, log logx.Logger,
	bus eventbus.Bus, store storage.Store, cam capture.Capturer,
	onStop func(*Executor)) *Executor {

	return &Executor{
		ctx:       ctx,
		log:       log.With(logx.Int64("job_id", rec.ID), logx.String("job", rec.Name)),
		bus:       bus,
		store:     store,
		cam:       cam,
		onStop:    onStop,
		rec:       rec.Clone(),
		timerKick: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// JobID returns the job's durable id.
func (e *Executor) JobID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.ID
}

// Snapshot returns a point-in-time copy of the record.
func (e *Executor) Snapshot() *timelapse.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone()
}

// CurrentEvent recomputes the correct state for this job at the given
// instant.
func (e *Executor) CurrentEvent(at time.Time) Event {
	return DetermineCurrentEvent(e.Snapshot(), at)
}

// NextEvent computes the next due transition after the given instant.
func (e *Executor) NextEvent(at time.Time) (Event, NextAction) {
	return DetermineNextEvent(e.Snapshot(), at)
}

// EqualsRecord reports whether rec would schedule identically to the
// record this executor is driving. Cosmetic fields (name, directory,
// frame counter) are ignored; WAITING and RUNNING count as equal states.
func (e *Executor) EqualsRecord(rec *timelapse.Record) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.rec
	return a.Camera == rec.Camera &&
		timePtrEqual(a.StartTime, rec.StartTime) &&
		timePtrEqual(a.EndTime, rec.EndTime) &&
		a.TotalFrames == rec.TotalFrames &&
		a.Interval == rec.Interval &&
		a.Schedule.Equal(rec.Schedule) &&
		statesEquivalent(a.State, rec.State)
}

// OnStateChange registers fn to run after every state transition.
// Callbacks run sequentially under the executor's lock; a panicking
// callback is logged and skipped. The returned func removes it.
func (e *Executor) OnStateChange(fn func(timelapse.State)) func() {
	e.mu.Lock()
	e.nextLID++
	id := e.nextLID
	e.listeners = append(e.listeners, stateListener{id: id, fn: fn})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for i, l := range e.listeners {
			if l.id == id {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				return
			}
		}
	}
}

// ApplyEvent pushes the record to the event's state. Applying the same
// event twice is a no-op: no duplicate persistence, notifications, or
// timer restarts.
func (e *Executor) ApplyEvent(ev Event) {
	e.mu.Lock()

	changed := e.rec.State != ev.State
	var from timelapse.State
	if changed {
		from = e.rec.State
		e.rec.State = ev.State
		if err := e.store.Merge(e.ctx, e.rec.Clone()); err != nil {
			// In-memory state stays authoritative; resync retries.
			e.log.Error("persist state change failed",
				logx.String("to", ev.State.String()), logx.Err(err))
		}
		e.log.Info("state changed",
			logx.String("from", from.String()),
			logx.String("to", ev.State.String()))
		for _, l := range e.listeners {
			e.invokeListener(l, ev.State)
		}
	}

	switch ev.State {
	case timelapse.Ready, timelapse.Paused, timelapse.Finished:
		e.cancelLocked()
		e.mu.Unlock()
	default:
		iv := ev.Interval
		if iv <= 0 {
			iv = e.rec.Interval
		}
		e.setTimerLocked(ev.State.IsRunning(), iv)
		e.mu.Unlock()
	}

	if changed {
		e.bus.Publish(eventbus.Event{Type: TopicStateChanged, Data: StateChange{
			JobID: ev.JobID, Name: ev.Name,
			From: from.String(), To: ev.State.String(),
		}})
	}
}

// Cancel stops the capture timer. A WAITING executor stays registered,
// waiting for its next scheduled event; in any other state the record is
// persisted and the coordinator is signalled to decommission. Safe to
// call repeatedly.
func (e *Executor) Cancel() {
	e.mu.Lock()
	e.cancelLocked()
	e.mu.Unlock()
}

func (e *Executor) cancelLocked() {
	if e.cancelling {
		return
	}
	if e.rec.State == timelapse.Waiting {
		// Between windows: stop capturing but stick around for the next
		// event.
		e.setTimerLocked(false, 0)
		return
	}
	e.cancelling = true
	e.setTimerLocked(false, 0)
	if err := e.store.Merge(e.ctx, e.rec.Clone()); err != nil {
		e.log.Error("persist on cancel failed", logx.Err(err))
	}
	if e.onStop != nil {
		// Reaches back into the coordinator, which takes its own lock.
		go e.onStop(e)
	}
}

// teardown is the coordinator-initiated counterpart of Cancel: no
// decommission signal, and persistence only when the record still
// exists in the store.
func (e *Executor) teardown(persist bool) {
	e.mu.Lock()
	if e.cancelling {
		e.mu.Unlock()
		return
	}
	e.cancelling = true
	e.setTimerLocked(false, 0)
	var rec *timelapse.Record
	if persist {
		rec = e.rec.Clone()
	}
	e.mu.Unlock()

	if rec != nil {
		if err := e.store.Merge(e.ctx, rec); err != nil {
			e.log.Error("persist on teardown failed", logx.Err(err))
		}
	}
}

// replaceRecord swaps in a fresh record from the store. The frame
// counter never goes backwards, even if the stored copy lags a tick.
func (e *Executor) replaceRecord(rec *timelapse.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fresh := rec.Clone()
	if e.rec.Frames > fresh.Frames {
		fresh.Frames = e.rec.Frames
	}
	e.rec = fresh
}

func (e *Executor) stopLoop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// setTimerLocked records the desired timer state and kicks the run loop
// to apply it. Must hold e.mu.
func (e *Executor) setTimerLocked(runTimer bool, iv time.Duration) {
	if runTimer && iv <= 0 {
		iv = fallbackInterval
		e.log.Warn("no usable capture interval, using fallback",
			logx.Duration("interval", fallbackInterval))
	}
	changed := e.running != runTimer || (runTimer && e.interval != iv)
	e.running = runTimer
	if runTimer {
		e.interval = iv
	}
	if changed {
		select {
		case e.timerKick <- struct{}{}:
		default:
		}
	}
}

func (e *Executor) invokeListener(l stateListener, st timelapse.State) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("state listener panicked", logx.Any("panic", r))
		}
	}()
	l.fn(st)
}

// run owns the capture ticker. One loop per executor; the select body is
// sequential, so ticks for one job never overlap and an interval change
// takes effect after the in-flight tick.
func (e *Executor) run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	defer ticker.Stop()

	var current time.Duration // 0 = stopped

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.timerKick:
			e.mu.Lock()
			want := time.Duration(0)
			if e.running {
				want = e.interval
			}
			e.mu.Unlock()
			if want == current {
				continue
			}
			if want <= 0 {
				ticker.Stop()
			} else {
				ticker.Reset(want)
			}
			current = want
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// tick performs one capture action. The store merge completes before the
// loop can consider the next tick.
func (e *Executor) tick(ctx context.Context) {
	e.mu.Lock()
	if !e.running || e.cancelling {
		e.mu.Unlock()
		return
	}
	rec := e.rec.Clone()
	e.mu.Unlock()

	if rec.FrameCapReached() {
		e.log.Info("frame limit reached, finishing",
			logx.Int64("frames", rec.Frames),
			logx.Int64("total_frames", rec.TotalFrames))
		e.ApplyEvent(Event{At: now(), JobID: rec.ID, Name: rec.Name,
			State: timelapse.Finished})
		return
	}

	if err := e.cam.Capture(ctx, rec); err != nil {
		e.log.Error("capture failed", logx.Err(err))
		e.bus.Publish(eventbus.Event{Type: TopicCaptureFailed, Data: CaptureFailure{
			JobID: rec.ID, Name: rec.Name, Frame: rec.Frames + 1,
			Err: err.Error(),
		}})
		return
	}

	e.mu.Lock()
	e.rec.Frames++
	snap := e.rec.Clone()
	e.mu.Unlock()

	if err := e.store.Merge(ctx, snap); err != nil {
		e.log.Error("persist frame count failed",
			logx.Int64("frame", snap.Frames), logx.Err(err))
	}
}

func (e *Executor) String() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fmt.Sprintf("executor(job %d %q, %s)", e.rec.ID, e.rec.Name, e.rec.State)
}
