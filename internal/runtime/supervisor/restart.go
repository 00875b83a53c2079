package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "lapse/pkg/logx"
)

// RestartOption configures GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	maxRestarts     int // <=0 means unlimited
	stopOnCleanExit bool
	fatalOnFinalErr bool
	publishFirstErr bool
}

// WithRestartBackoff bounds the delay between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.minBackoff = min
		}
		if max > 0 {
			p.maxBackoff = max
		}
	}
}

// WithMaxRestarts gives up after n restarts. n <= 0 restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.maxRestarts = n } }

// WithFatalOnFinalError retains the last error (and cancels the supervisor
// when cancel-on-error is set) once the restart budget is exhausted.
func WithFatalOnFinalError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.fatalOnFinalErr = enabled }
}

// WithPublishFirstError retains the first run error via Err even while the
// loop keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirstErr = enabled }
}

// WithStopOnCleanExit controls whether a nil return ends the loop (the
// default) or counts as an unexpected exit that triggers a restart.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.stopOnCleanExit = enabled }
}

func defaultRestartPolicy() restartPolicy {
	return restartPolicy{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
}

// jittered clamps wait to the policy bounds and adds up to 20% jitter.
func (p restartPolicy) jittered(wait time.Duration) time.Duration {
	if wait < p.minBackoff {
		wait = p.minBackoff
	}
	if wait > p.maxBackoff {
		wait = p.maxBackoff
	}
	if j := wait / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % int64(j+1))
	}
	return wait
}

// GoRestart runs fn and restarts it on error or panic with jittered
// exponential backoff until ctx is canceled. Intended for long-running
// loops (pollers, watchers, consumers) where a transient failure should
// self-heal without taking the whole process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := defaultRestartPolicy()
	for _, o := range opts {
		o(&pol)
	}
	if pol.minBackoff <= 0 {
		pol.minBackoff = 250 * time.Millisecond
	}
	if pol.maxBackoff < pol.minBackoff {
		pol.maxBackoff = pol.minBackoff
	}

	// One supervisor goroutine hosts the whole loop. It runs under a
	// distinct internal name so the logical task name's stats count the
	// individual runs, not the host.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := pol.minBackoff
		restarts := 0
		for {
			if ctx.Err() != nil {
				return
			}

			startedAt := s.book.start(name, restarts > 0)
			err := s.runOnce(ctx, name, fn)

			// A run that ends during shutdown is a clean stop, whatever
			// it returned. Dependencies stopping first would otherwise
			// surface as spurious errors here.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.book.stop(name, startedAt, nil)
				return
			}
			if err == nil {
				if pol.stopOnCleanExit {
					s.book.stop(name, startedAt, nil)
					return
				}
				err = errors.New("exited")
			}

			named := fmt.Errorf("%s: %w", name, err)
			s.book.stop(name, startedAt, named)
			if pol.publishFirstErr {
				s.setErr(named)
			}

			restarts++
			// A long healthy run resets the backoff so a rare failure
			// does not pay a full accumulated delay.
			if time.Since(startedAt) >= 30*time.Second {
				backoff = pol.minBackoff
			}
			if pol.maxRestarts > 0 && restarts > pol.maxRestarts {
				if !s.log.IsZero() {
					s.log.Error("goroutine gave up after restarts",
						logx.String("name", name),
						logx.Int("restarts", restarts),
						logx.Err(err))
				}
				if pol.fatalOnFinalErr {
					s.fail(named)
				}
				return
			}

			wait := pol.jittered(backoff)
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting",
					logx.String("name", name),
					logx.Duration("backoff", wait),
					logx.Err(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff *= 2
			if backoff > pol.maxBackoff {
				backoff = pol.maxBackoff
			}
		}
	})
}

// GoRestart0 is GoRestart for functions with nothing to report. The loop
// restarts on panic; pair with WithStopOnCleanExit(false) to also restart
// plain returns.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// runOnce executes one run of fn, converting a panic into an error after
// recording and logging it.
func (s *Supervisor) runOnce(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.book.panicked(name, r)
			if !s.log.IsZero() {
				s.log.Error("goroutine panicked (restart)",
					logx.String("name", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
