package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/capture"
	"lapse/internal/eventbus"
	"lapse/internal/runtime/supervisor"
	"lapse/internal/storage"
	"lapse/internal/timelapse"
)

const defaultSyncInterval = 3 * time.Minute

// Config configures the coordinator.
type Config struct {
	// SyncInterval is how often live executors are reconciled against
	// the store. Default 3m.
	SyncInterval time.Duration
}

// UpdateResult says what UpdateJob did with a fresh record.
type UpdateResult int

const (
	UpdateUnchanged UpdateResult = iota
	UpdateReplaced
	UpdateRemoved
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateUnchanged:
		return "unchanged"
	case UpdateReplaced:
		return "replaced"
	case UpdateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Coordinator owns the executors. It reconciles them against the
// durable store, routes due events from the queue, and is the only
// component that creates or removes executors.
type Coordinator struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	cam   capture.Capturer
	sup   *supervisor.Supervisor

	queue *Queue

	mu        sync.Mutex
	executors map[int64]*Executor
	lifecycle map[int64][]execListener
	nextLID   int64
	stopped   bool
}

type execListener struct {
	id int64
	fn func(*Executor)
}

// New builds a coordinator. Call Start to begin scheduling.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store,
	cam capture.Capturer, sup *supervisor.Supervisor) *Coordinator {

	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		store:     store,
		cam:       cam,
		sup:       sup,
		executors: map[int64]*Executor{},
		lifecycle: map[int64][]execListener{},
	}
	c.queue = NewQueue(log, c.dispatch)
	return c
}

// Start runs the initial sync and launches the queue sleeper and the
// periodic resync loop under the supervisor. A failed initial sync is
// logged, not fatal: the next resync retries.
func (c *Coordinator) Start(ctx context.Context) error {
	c.sup.Go0("engine.queue", c.queue.Run)
	if _, err := c.Sync(ctx); err != nil {
		c.log.Error("initial sync failed, will retry", logx.Err(err))
	}
	c.sup.GoRestart0("engine.resync", c.resyncLoop)
	c.log.Info("engine started", logx.Duration("sync_interval", c.cfg.SyncInterval))
	return nil
}

func (c *Coordinator) resyncLoop(ctx context.Context) {
	t := time.NewTicker(c.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = c.Sync(ctx)
		}
	}
}

// Stop cancels every live executor's capture timer and closes the
// event queue. Executor goroutines exit via the supervisor context.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	exs := make([]*Executor, 0, len(c.executors))
	for _, e := range c.executors {
		exs = append(exs, e)
	}
	c.mu.Unlock()

	for _, e := range exs {
		e.Cancel()
	}
	c.queue.Close()
	c.log.Info("engine stopped", logx.Int("executors", len(exs)))
}

// Sync reconciles live executors against the store: missing jobs get
// executors, changed jobs are replaced, deleted jobs are removed.
func (c *Coordinator) Sync(ctx context.Context) (SyncSummary, error) {
	recs, err := c.store.ListActive(ctx)
	if err != nil {
		c.log.Error("sync: list active failed", logx.Err(err))
		return SyncSummary{}, err
	}

	var sum SyncSummary
	seen := make(map[int64]bool, len(recs))
	for _, rec := range recs {
		seen[rec.ID] = true
		c.mu.Lock()
		_, exists := c.executors[rec.ID]
		c.mu.Unlock()
		if exists {
			switch c.UpdateJob(ctx, rec) {
			case UpdateReplaced:
				sum.Updated++
			case UpdateRemoved:
				sum.Removed++
			}
		} else if c.AddJob(ctx, rec) {
			sum.Added++
		}
	}

	c.mu.Lock()
	var stale []int64
	for id := range c.executors {
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()
	for _, id := range stale {
		if c.removeExecutor(id, false, "record gone from store") {
			sum.Removed++
		}
	}

	c.mu.Lock()
	sum.Total = len(c.executors)
	c.mu.Unlock()

	if sum.Added+sum.Updated+sum.Removed > 0 {
		c.log.Info("sync complete",
			logx.Int("added", sum.Added),
			logx.Int("updated", sum.Updated),
			logx.Int("removed", sum.Removed),
			logx.Int("total", sum.Total))
	} else {
		c.log.Debug("sync complete, no changes", logx.Int("total", sum.Total))
	}
	c.bus.Publish(eventbus.Event{Type: TopicSynced, Data: sum})
	return sum, nil
}

// AddJob registers an executor for rec and pushes its initial event.
// Records that resolve to an idle state (READY, PAUSED, FINISHED) get no
// executor: the persisted state is corrected if it disagrees, and false
// is returned.
func (c *Coordinator) AddJob(ctx context.Context, rec *timelapse.Record) bool {
	cur := DetermineCurrentEvent(rec, now())
	switch cur.State {
	case timelapse.Ready, timelapse.Paused, timelapse.Finished:
		c.correctIdleState(ctx, rec, cur.State)
		return false
	}

	e := newExecutor(c.sup.Context(), rec, c.log, c.bus, c.store, c.cam,
		func(ex *Executor) {
			c.removeExecutor(ex.JobID(), false, "cancelled")
		})

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	if _, dup := c.executors[rec.ID]; dup {
		c.mu.Unlock()
		c.log.Warn("add job: executor already registered",
			logx.Int64("job_id", rec.ID))
		return false
	}
	c.executors[rec.ID] = e
	ls := c.lifecycleSnapshotLocked(rec.ID)
	c.mu.Unlock()

	c.sup.Go0(fmt.Sprintf("executor.%d", rec.ID), e.run)
	for _, fn := range ls {
		c.fireLifecycle(fn, e)
	}
	c.queue.Push(cur)
	c.log.Info("executor added",
		logx.Int64("job_id", rec.ID),
		logx.String("name", rec.Name),
		logx.String("state", cur.State.String()))
	return true
}

// UpdateJob reconciles one tracked job with a fresh record.
func (c *Coordinator) UpdateJob(ctx context.Context, rec *timelapse.Record) UpdateResult {
	c.mu.Lock()
	e, ok := c.executors[rec.ID]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("update for untracked job, adding",
			logx.Int64("job_id", rec.ID))
		if c.AddJob(ctx, rec) {
			return UpdateReplaced
		}
		return UpdateRemoved
	}

	if e.EqualsRecord(rec) {
		return UpdateUnchanged
	}

	cur := DetermineCurrentEvent(rec, now())
	c.queue.RemoveForJob(rec.ID)

	switch cur.State {
	case timelapse.Ready, timelapse.Paused, timelapse.Finished:
		c.correctIdleState(ctx, rec, cur.State)
		c.removeExecutor(rec.ID, false, "record now idle")
		return UpdateRemoved
	}

	e.replaceRecord(rec)
	c.queue.Push(cur)
	c.log.Info("executor record replaced",
		logx.Int64("job_id", rec.ID),
		logx.String("state", cur.State.String()))
	return UpdateReplaced
}

// RemoveJob drops a job's executor and pending events, without touching
// the store. Used when the record was deleted externally.
func (c *Coordinator) RemoveJob(id int64) bool {
	return c.removeExecutor(id, false, "removed")
}

// GetExecutor returns the live executor for a job, or nil.
func (c *Coordinator) GetExecutor(id int64) *Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executors[id]
}

// OnExecutorChange registers a lifecycle listener for one job id: fn
// receives the executor when one is registered and nil when it is
// removed. The returned func unregisters.
func (c *Coordinator) OnExecutorChange(id int64, fn func(*Executor)) func() {
	c.mu.Lock()
	c.nextLID++
	lid := c.nextLID
	c.lifecycle[id] = append(c.lifecycle[id], execListener{id: lid, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ls := c.lifecycle[id]
		for i, l := range ls {
			if l.id == lid {
				c.lifecycle[id] = append(ls[:i], ls[i+1:]...)
				return
			}
		}
	}
}

// HasPending reports whether a job has queued events. Mostly for
// diagnostics.
func (c *Coordinator) HasPending(id int64) bool {
	return c.queue.HasPending(id)
}

// dispatch is the queue callback for due events.
func (c *Coordinator) dispatch(ev Event) {
	c.mu.Lock()
	e, ok := c.executors[ev.JobID]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("dropping event for unknown job",
			logx.Int64("job_id", ev.JobID),
			logx.String("state", ev.State.String()))
		return
	}

	c.log.Debug("dispatching event",
		logx.Int64("job_id", ev.JobID),
		logx.String("state", ev.State.String()),
		logx.Time("due", ev.At))

	e.ApplyEvent(ev)

	// Anchor the chain at the event's due time, not the wall clock, so a
	// late dispatch cannot skip a boundary.
	next, action := e.NextEvent(ev.At)
	switch action {
	case ActionEvent:
		c.queue.Push(next)
	case ActionCancel:
		e.Cancel()
	case ActionIndefinite:
	}
}

func (c *Coordinator) correctIdleState(ctx context.Context, rec *timelapse.Record, to timelapse.State) {
	if rec.State == to {
		return
	}
	from := rec.State
	rec.State = to
	if err := c.store.Merge(ctx, rec); err != nil {
		c.log.Error("persist state correction failed",
			logx.Int64("job_id", rec.ID), logx.Err(err))
		return
	}
	c.log.Info("corrected idle job state",
		logx.Int64("job_id", rec.ID),
		logx.String("from", from.String()),
		logx.String("to", to.String()))
	c.bus.Publish(eventbus.Event{Type: TopicStateChanged, Data: StateChange{
		JobID: rec.ID, Name: rec.Name,
		From: from.String(), To: to.String(),
	}})
}

func (c *Coordinator) removeExecutor(id int64, persist bool, reason string) bool {
	c.mu.Lock()
	e, ok := c.executors[id]
	if ok {
		delete(c.executors, id)
	}
	ls := c.lifecycleSnapshotLocked(id)
	c.mu.Unlock()

	c.queue.RemoveForJob(id)
	if !ok {
		return false
	}

	e.teardown(persist)
	e.stopLoop()
	c.log.Info("executor removed",
		logx.Int64("job_id", id), logx.String("reason", reason))
	for _, fn := range ls {
		c.fireLifecycle(fn, nil)
	}
	return true
}

func (c *Coordinator) lifecycleSnapshotLocked(id int64) []func(*Executor) {
	ls := c.lifecycle[id]
	out := make([]func(*Executor), 0, len(ls))
	for _, l := range ls {
		out = append(out, l.fn)
	}
	return out
}

func (c *Coordinator) fireLifecycle(fn func(*Executor), e *Executor) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("executor lifecycle listener panicked", logx.Any("panic", r))
		}
	}()
	fn(e)
}
