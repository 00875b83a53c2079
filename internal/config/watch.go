package config

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "lapse/pkg/logx"
)

const (
	// debounceDelay absorbs editor write bursts and partial writes before
	// a reload attempt.
	debounceDelay = 250 * time.Millisecond

	// Watcher recreation backoff. fsnotify can stop delivering events or
	// close its channels outright on some platforms; the watch loop
	// recreates the watcher rather than dying.
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second

	validateTimeout = 5 * time.Second
)

// Watch follows the config file until ctx is canceled. Each detected
// change is debounced, parsed, hashed against the committed snapshot,
// validated, then committed and published. Any failure along the way
// keeps the previous config live.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	pending := &debouncer{delay: debounceDelay, fire: func() { m.reload(ctx) }}
	bump := func() {
		if !m.log.IsZero() {
			m.log.Debug("config file changed; reload pending", logx.String("path", m.path))
		}
		pending.bump()
	}
	retry := newRetryDelay(watchBackoffMin, watchBackoffMax)

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("fsnotify watcher init failed", logx.Err(err), logx.String("dir", dir))
			}
			if !sleepCtx(ctx, retry.next()) {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			if !m.log.IsZero() {
				m.log.Warn("cannot watch config dir", logx.Err(err), logx.String("dir", dir))
			}
			if !sleepCtx(ctx, retry.next()) {
				return nil
			}
			continue
		}

		retry.reset()
		if !m.log.IsZero() {
			m.log.Debug("config watcher running", logx.String("dir", dir), logx.String("file", file))
		}

		ctxDone := m.followEvents(ctx, w, file, bump)
		_ = w.Close()
		if ctxDone || ctx.Err() != nil {
			return nil
		}

		wait := retry.next()
		if !m.log.IsZero() {
			m.log.Warn("config watcher stopped; restarting",
				logx.String("dir", dir),
				logx.String("file", file),
				logx.Duration("backoff", wait))
		}
		if !sleepCtx(ctx, wait) {
			return nil
		}
	}
	return nil
}

// followEvents drains one watcher until it breaks or ctx ends. The
// return value reports whether ctx ended; false means the watcher broke
// and should be recreated.
func (m *Manager) followEvents(ctx context.Context, w *fsnotify.Watcher, file string, bump func()) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, ok := <-w.Events:
			if !ok {
				return false
			}
			// Basename comparison survives absolute/relative path and
			// case quirks across platforms.
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
				bump()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return false
			}
			if err == nil {
				continue
			}
			// Overflow means events were lost; reload once instead of
			// matching a version-specific error constant.
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "overflow") {
				if !m.log.IsZero() {
					m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				}
				bump()
				continue
			}
			if !m.log.IsZero() {
				m.log.Warn("config watch error", logx.Err(err))
			}
			// Some backends surface watcher closure as an error.
			if strings.Contains(msg, "closed") {
				return false
			}
		}
	}
}

// reload runs one parse-validate-commit-publish cycle.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		if !m.log.IsZero() {
			m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		}
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.seenHash
	m.mu.RUnlock()
	if unchanged {
		if !m.log.IsZero() {
			m.log.Debug("config content unchanged; nothing to publish", logx.String("path", m.path))
		}
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			if !m.log.IsZero() {
				m.log.Warn("config update rejected", logx.String("path", m.path), logx.Err(err))
			}
			return
		}
	}

	m.Commit(cfg)
	m.publish(cfg)
	if !m.log.IsZero() {
		m.log.Debug("config committed and published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	}
}

// debouncer coalesces bursts of bump calls into one fire per quiet period.
type debouncer struct {
	mu    sync.Mutex
	t     *time.Timer
	delay time.Duration
	fire  func()
}

func (d *debouncer) bump() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.t != nil {
		d.t.Stop()
	}
	d.t = time.AfterFunc(d.delay, d.fire)
}

// retryDelay produces jittered exponential backoff waits.
type retryDelay struct {
	min, max time.Duration
	cur      time.Duration
	rng      *rand.Rand
}

func newRetryDelay(min, max time.Duration) *retryDelay {
	return &retryDelay{
		min: min,
		max: max,
		cur: min,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// next returns the current wait plus up to 50% jitter and advances the
// base delay toward max.
func (r *retryDelay) next() time.Duration {
	wait := r.cur + time.Duration(r.rng.Int63n(int64(r.cur/2)+1))
	if r.cur < r.max {
		r.cur *= 2
		if r.cur > r.max {
			r.cur = r.max
		}
	}
	return wait
}

func (r *retryDelay) reset() { r.cur = r.min }

// sleepCtx waits for d and reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
