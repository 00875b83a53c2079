package engine

import (
	"context"
	"testing"
	"time"

	"lapse/internal/capture"
	"lapse/internal/eventbus"
	"lapse/internal/runtime/supervisor"
	"lapse/internal/timelapse"
	"lapse/pkg/logx"
)

func testCoordinator(t *testing.T, st *memStore) (*Coordinator, eventbus.Bus) {
	t.Helper()
	sup := supervisor.NewSupervisor(context.Background())
	bus := eventbus.New()
	cam := capture.Func(func(context.Context, *timelapse.Record) error { return nil })
	c := New(Config{SyncInterval: time.Hour}, logx.Nop(), bus, st, cam, sup)
	t.Cleanup(func() {
		c.Stop()
		sup.Cancel()
	})
	return c, bus
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestCoordinatorAddJobRegistersLiveJob(t *testing.T) {
	t.Parallel()
	rec := &timelapse.Record{ID: 1, Name: "porch", State: timelapse.Running, Interval: time.Minute}
	st := newMemStore(rec)
	c, _ := testCoordinator(t, st)

	if !c.AddJob(context.Background(), rec.Clone()) {
		t.Fatalf("AddJob = false, want true")
	}
	if c.GetExecutor(1) == nil {
		t.Fatalf("GetExecutor(1) = nil after AddJob")
	}
	// The initial event sits queued until the sleeper runs.
	if !c.HasPending(1) {
		t.Fatalf("HasPending(1) = false, want true")
	}

	if c.AddJob(context.Background(), rec.Clone()) {
		t.Fatalf("second AddJob = true, want false")
	}
}

func TestCoordinatorAddJobCorrectsIdleRecord(t *testing.T) {
	t.Parallel()
	// WAITING with no start time is stale; it resolves to READY and gets
	// no executor.
	rec := &timelapse.Record{ID: 2, Name: "yard", State: timelapse.Waiting, Interval: time.Minute}
	st := newMemStore(rec)
	c, bus := testCoordinator(t, st)

	events, unsub := bus.Subscribe(8)
	defer unsub()

	if c.AddJob(context.Background(), rec.Clone()) {
		t.Fatalf("AddJob = true for an idle record, want false")
	}
	if c.GetExecutor(2) != nil {
		t.Fatalf("GetExecutor(2) != nil for an idle record")
	}
	if got := st.stateOf(t, 2); got != timelapse.Ready {
		t.Fatalf("stored state = %v, want READY", got)
	}

	ev := waitBusEvent(t, events, TopicStateChanged)
	sc := ev.Data.(StateChange)
	if sc.From != "WAITING" || sc.To != "READY" {
		t.Fatalf("StateChange = %+v, want WAITING->READY", sc)
	}
}

func TestCoordinatorUpdateJob(t *testing.T) {
	t.Parallel()
	rec := &timelapse.Record{ID: 3, Name: "site", State: timelapse.Running, Interval: time.Minute}
	st := newMemStore(rec)
	c, _ := testCoordinator(t, st)

	if !c.AddJob(context.Background(), rec.Clone()) {
		t.Fatalf("AddJob = false, want true")
	}

	if got := c.UpdateJob(context.Background(), rec.Clone()); got != UpdateUnchanged {
		t.Fatalf("UpdateJob(same) = %v, want %v", got, UpdateUnchanged)
	}

	faster := rec.Clone()
	faster.Interval = 10 * time.Second
	if got := c.UpdateJob(context.Background(), faster); got != UpdateReplaced {
		t.Fatalf("UpdateJob(faster) = %v, want %v", got, UpdateReplaced)
	}
	if got := c.GetExecutor(3).Snapshot().Interval; got != 10*time.Second {
		t.Fatalf("executor interval = %v, want 10s", got)
	}

	paused := faster.Clone()
	paused.State = timelapse.Paused
	if got := c.UpdateJob(context.Background(), paused); got != UpdateRemoved {
		t.Fatalf("UpdateJob(paused) = %v, want %v", got, UpdateRemoved)
	}
	if c.GetExecutor(3) != nil {
		t.Fatalf("executor still registered after pause")
	}
	if c.HasPending(3) {
		t.Fatalf("events still queued after pause")
	}
}

func TestCoordinatorSyncReconciles(t *testing.T) {
	t.Parallel()
	st := newMemStore(
		&timelapse.Record{ID: 1, Name: "a", State: timelapse.Running, Interval: time.Minute},
		&timelapse.Record{ID: 2, Name: "b", State: timelapse.Running, Interval: time.Minute},
		&timelapse.Record{ID: 3, Name: "manual", State: timelapse.Ready, Interval: time.Minute},
	)
	c, _ := testCoordinator(t, st)

	sum, err := c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	// The READY record is idle and gets no executor.
	if sum.Added != 2 || sum.Total != 2 {
		t.Fatalf("first sync = %+v, want Added 2 Total 2", sum)
	}

	// Nothing changed: a second pass is quiet.
	sum, err = c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if sum.Added+sum.Updated+sum.Removed != 0 {
		t.Fatalf("second sync = %+v, want no changes", sum)
	}

	// Job 2 deleted externally, job 4 created.
	st.mu.Lock()
	delete(st.recs, 2)
	st.recs[4] = &timelapse.Record{ID: 4, Name: "d", State: timelapse.Running, Interval: time.Minute}
	st.mu.Unlock()

	sum, err = c.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync error: %v", err)
	}
	if sum.Added != 1 || sum.Removed != 1 || sum.Total != 2 {
		t.Fatalf("third sync = %+v, want Added 1 Removed 1 Total 2", sum)
	}
	if c.GetExecutor(2) != nil {
		t.Fatalf("executor for deleted job still registered")
	}
	if c.GetExecutor(4) == nil {
		t.Fatalf("executor for new job missing")
	}
}

func TestCoordinatorRemoveJobLeavesStoreAlone(t *testing.T) {
	t.Parallel()
	rec := &timelapse.Record{ID: 5, State: timelapse.Running, Interval: time.Minute}
	st := newMemStore(rec)
	c, _ := testCoordinator(t, st)

	c.AddJob(context.Background(), rec.Clone())
	if !c.RemoveJob(5) {
		t.Fatalf("RemoveJob = false, want true")
	}
	if c.RemoveJob(5) {
		t.Fatalf("second RemoveJob = true, want false")
	}
	if got := st.mergeCount(); got != 0 {
		t.Fatalf("merge count = %d, want 0: removal must not write the store", got)
	}
	if got := st.stateOf(t, 5); got != timelapse.Running {
		t.Fatalf("stored state = %v, want RUNNING untouched", got)
	}
}

func TestCoordinatorOnExecutorChange(t *testing.T) {
	t.Parallel()
	rec := &timelapse.Record{ID: 6, State: timelapse.Running, Interval: time.Minute}
	st := newMemStore(rec)
	c, _ := testCoordinator(t, st)

	got := make(chan *Executor, 2)
	remove := c.OnExecutorChange(6, func(e *Executor) { got <- e })
	defer remove()

	c.AddJob(context.Background(), rec.Clone())
	select {
	case e := <-got:
		if e == nil {
			t.Fatalf("lifecycle delivered nil on add")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for add notification")
	}

	c.RemoveJob(6)
	select {
	case e := <-got:
		if e != nil {
			t.Fatalf("lifecycle delivered %v on remove, want nil", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for remove notification")
	}
}

func TestCoordinatorLifecycleEndToEnd(t *testing.T) {
	t.Parallel()
	// A job mid-window whose end is imminent: Start dispatches the
	// RUNNING event, chains the FINISHED event at the end time, and the
	// executor decommissions itself.
	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(300 * time.Millisecond)
	rec := &timelapse.Record{ID: 1, Name: "build", State: timelapse.Waiting,
		Interval: time.Hour, StartTime: &start, EndTime: &end}
	st := newMemStore(rec)
	c, bus := testCoordinator(t, st)

	events, unsub := bus.Subscribe(16)
	defer unsub()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if c.GetExecutor(1) == nil {
		t.Fatalf("executor missing after initial sync")
	}

	sawRunning := false
	deadline := time.After(5 * time.Second)
	for {
		var ev eventbus.Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatalf("timed out waiting for FINISHED transition (saw running: %v)", sawRunning)
		}
		sc, ok := ev.Data.(StateChange)
		if !ok {
			continue
		}
		if sc.To == "RUNNING" {
			sawRunning = true
		}
		if sc.To == "FINISHED" {
			if !sawRunning {
				t.Fatalf("FINISHED arrived before RUNNING")
			}
			break
		}
	}

	eventually(t, func() bool { return c.GetExecutor(1) == nil },
		"executor decommissioned after finish")
	if got := st.stateOf(t, 1); got != timelapse.Finished {
		t.Fatalf("stored state = %v, want FINISHED", got)
	}
}
