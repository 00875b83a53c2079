package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strconv"
	"time"

	"lapse/pkg/logx"
)

// perSendTimeout bounds one Send call so a dead webhook can't hang a
// worker past the retry schedule.
const perSendTimeout = 10 * time.Second

// drain consumes q until it closes or ctx ends.
func (s *Service) drain(ctx context.Context, q <-chan task) {
	if ctx == nil {
		ctx = context.Background()
	}
	if q == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, t)
		}
	}
}

// deliver pushes one message through the rate limiter and the sink,
// retrying per the config. Terminal failures are published, not
// returned; delivery is never load-bearing.
func (s *Service) deliver(ctx context.Context, t task) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sink := s.sink
	log := s.log
	s.mu.Unlock()

	if sink == nil || t.m.Text == "" {
		return
	}

	attempts := 1
	if cfg.RetryMax > 0 {
		attempts += cfg.RetryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, perSendTimeout)
		err := sink.Send(callCtx, t.m)
		cancel()
		if err == nil {
			s.appendHistory(t.m.Text)
			s.publish("notifier.sent", t.m.Event, t.key, nil)
			return
		}
		lastErr = err
		log.Debug("notify send failed", logx.Err(err),
			logx.Int("attempt", attempt), logx.Int("max", attempts))

		if attempt >= attempts {
			break
		}
		if !sleepCtx(ctx, retryDelay(cfg, attempt)) {
			return
		}
	}

	if lastErr != nil {
		s.publish("notifier.failed", t.m.Event, t.key, lastErr)
	}
}

// retryDelay computes the wait before attempt+1: exponential from
// RetryBase, capped at RetryMaxDelay, jittered by 0.7..1.3.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	ceil := cfg.RetryMaxDelay
	if ceil <= 0 {
		ceil = 10 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d *= 2; d >= ceil {
			d = ceil
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
	switch {
	case d < 0:
		return 0
	case d > ceil:
		return ceil
	}
	return d
}

// dedupKey hashes the parts of a message that make it "the same" for
// suppression purposes. Messages without an event name never dedup.
func dedupKey(m Message) string {
	if m.Event == "" {
		return ""
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s", m.Event, m.Priority, m.Text)
	return strconv.FormatUint(h.Sum64(), 16)
}

// dedupAllow reports whether key may be sent now, and if so opens a new
// suppression window for it.
func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if s.dedup == nil {
		s.dedup = make(map[string]time.Time)
	}
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	// Drop expired windows, then evict earliest-expiring entries until
	// the cache fits the cap.
	for k, until := range s.dedup {
		if !until.After(now) {
			delete(s.dedup, k)
		}
	}
	for maxEntries > 0 && len(s.dedup) > maxEntries {
		oldest, at := "", time.Time{}
		for k, until := range s.dedup {
			if oldest == "" || until.Before(at) {
				oldest, at = k, until
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}

// sleepCtx waits d, returning false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
