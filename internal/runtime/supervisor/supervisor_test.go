package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestGoRetainsFirstErrorAndCancels(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")
	sup.Go("worker", func(ctx context.Context) error { return boom })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want wrapped %v", err, boom)
	}
	select {
	case <-sup.Context().Done():
	default:
		t.Fatal("supervisor context not canceled after error")
	}
}

func TestGoTreatsContextCanceledAsClean(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background(), WithCancelOnError(true))
	sup.Go("worker", func(ctx context.Context) error { return context.Canceled })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	select {
	case <-sup.Context().Done():
		t.Fatal("clean exit must not cancel the supervisor context")
	default:
	}
}

func TestGoRecoversPanicIntoStats(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go("kaboom", func(ctx context.Context) error { panic("ouch") })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := sup.Wait(ctx)
	if err == nil {
		t.Fatal("Wait() = nil, want panic error")
	}

	snap := sup.Snapshot()
	if snap.FirstError == "" {
		t.Error("Snapshot().FirstError is empty, want panic error")
	}
	if got := sup.Counters(); got.Started != 1 || got.Active != 0 {
		t.Errorf("Counters() = %+v, want started 1, active 0", got)
	}
	if len(snap.Goroutines) != 1 {
		t.Fatalf("len(Goroutines) = %d, want 1", len(snap.Goroutines))
	}
	g := snap.Goroutines[0]
	if g.Name != "kaboom" || g.Panics != 1 || g.LastPanic != "ouch" {
		t.Errorf("stats = %+v, want name kaboom, 1 panic %q", g, "ouch")
	}
}

func TestGoRestartRetriesThenStopsOnCleanExit(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	var runs atomic.Int32
	sup.GoRestart("task", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil (errors not published by default)", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	for _, g := range sup.Snapshot().Goroutines {
		if g.Name == "task" {
			if g.Started != 3 || g.Restarts != 2 {
				t.Errorf("task stats = %+v, want 3 started, 2 restarts", g)
			}
			return
		}
	}
	t.Fatal("no stats entry for the restarted task")
}

func TestGoRestartGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	persistent := errors.New("persistent")
	var runs atomic.Int32
	sup.GoRestart("task", func(ctx context.Context) error {
		runs.Add(1)
		return persistent
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithMaxRestarts(2),
		WithFatalOnFinalError(true),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); !errors.Is(err, persistent) {
		t.Fatalf("Wait() = %v, want wrapped %v", err, persistent)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (initial + 2 restarts)", got)
	}
}

func TestGoRestartRestartsCleanExitWhenAsked(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup := NewSupervisor(ctx)

	var runs atomic.Int32
	sup.GoRestart("pump", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	},
		WithRestartBackoff(time.Millisecond, 2*time.Millisecond),
		WithStopOnCleanExit(false),
	)

	waitUntil(t, 3*time.Second, func() bool { return runs.Load() >= 2 })
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := sup.Wait(wctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go("blocker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sup.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait(short) = %v, want deadline exceeded", err)
	}

	long, lcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer lcancel()
	if err := sup.Stop(long); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
}

func TestSnapshotListsActiveFirst(t *testing.T) {
	t.Parallel()

	sup := NewSupervisor(context.Background())
	sup.Go("done", func(ctx context.Context) error { return nil })
	release := make(chan struct{})
	sup.Go("running", func(ctx context.Context) error {
		<-release
		return nil
	})

	waitUntil(t, 2*time.Second, func() bool {
		gs := sup.Snapshot().Goroutines
		return len(gs) == 2 && gs[0].Name == "running" && gs[0].Active == 1
	})
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}
