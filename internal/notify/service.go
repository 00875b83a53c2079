package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lapse/internal/eventbus"
	rtsup "lapse/internal/runtime/supervisor"
	"lapse/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notify disabled")
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify stopped")
)

// Sink delivers one message to its destination.
type Sink interface {
	Send(ctx context.Context, m Message) error
}

// task is a queued message with its dedup key precomputed at enqueue
// time, so workers don't touch the hasher.
type task struct {
	m   Message
	key string
}

// Service is the async notification pipeline: bounded queue feeding a
// worker pool, with rate limiting, retries, and dedup on the way out.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink Sink
	bus  eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan task
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while a stop is in flight

	// dedup maps key -> suppressed-until.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// recent deliveries, for diagnostics
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sink:  sink,
		log:   log,
		bus:   bus,
		dedup: make(map[string]time.Time),
	}
	s.applyLocked(cfg)
	return s
}

// Supervisor returns the pipeline's internal supervisor for operational
// visibility. Nil while the pipeline is not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	sink := s.sink
	s.mu.Unlock()

	// The sink owns destination details (URL, timeout); let it pick up
	// its share of the change.
	if a, ok := sink.(interface{ Apply(Config) }); ok {
		a.Apply(cfg)
	}
}

func (s *Service) applyLocked(cfg Config) {
	s.cfg = withDefaults(cfg)
	// Burst equals the per-second rate, so short spikes absorb without
	// stalling a worker.
	s.limiter = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.RatePerSec)
}

func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	return cfg
}

// Start brings up the worker pool. Idempotent; a no-op while disabled.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// A stop may still be draining; let it finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan task, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// Delivery failures must not take down the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.drain(c, q)
			// Workers return cleanly when the queue closes during stop;
			// anything else is a fault worth restarting.
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			switch {
			case stopping:
				return context.Canceled
			case c.Err() != nil:
				return c.Err()
			default:
				return errors.New("notify worker exited unexpectedly")
			}
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop blocks new intake and drains queued messages best-effort until
// the ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		// Not running.
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		// Another caller is already stopping; wait it out.
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Teardown runs in its own goroutine so a caller hitting the
	// deadline leaves no state half-cleared.
	go func() {
		defer close(done)
		// In-flight enqueues first, then close the queue so workers
		// drain the backlog and exit.
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Out of time; cut the workers loose.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues m for asynchronous delivery. It never blocks on a
// full queue.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window := s.cfg.DedupWindow
	maxEntries := s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(m)
	if key != "" && window > 0 && !s.dedupAllow(key, window, maxEntries) {
		s.publish("notifier.deduped", m.Event, key, nil)
		return nil
	}

	s.publish("notifier.queued", m.Event, key, nil)

	select {
	case q <- task{m: m, key: key}:
		return nil
	default:
		s.publish("notifier.dropped", m.Event, key, ErrQueueFull)
		return ErrQueueFull
	}
}

// Snapshot returns a copy of the recent delivery history.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Text: text})
	if n := len(s.history); n > 300 {
		s.history = s.history[n-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic, event, key string, sendErr error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := NotificationEvent{Event: event, Key: key, At: now}
	if sendErr != nil {
		ev.Error = sendErr.Error()
	}
	s.bus.Publish(eventbus.Event{Type: topic, Time: now, Data: ev})
}
