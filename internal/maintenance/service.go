package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lapse/internal/eventbus"
	"lapse/internal/storage"
	"lapse/pkg/logx"
)

// TopicPruned is published after every completed maintenance run.
const TopicPruned = "maintenance.pruned"

const (
	defaultSchedule  = "@daily"
	defaultRetention = 30 * 24 * time.Hour
	runTimeout       = 5 * time.Minute
)

// Config controls store housekeeping.
type Config struct {
	Enabled   bool
	Schedule  string        // cron spec, duration, or HH:MM; default "@daily"
	Retention time.Duration // how long FINISHED records are kept; default 30 days
	Vacuum    bool          // compact the store after pruning (drivers that support it)
	Timezone  string        // IANA TZ for cron evaluation; empty = local
}

// PruneResult is the bus payload for a completed run.
type PruneResult struct {
	Removed int64     `json:"removed"`
	Cutoff  time.Time `json:"cutoff"`
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store

	cfg    Config
	parser cron.Parser
	loc    *time.Location
	c      *cron.Cron
	runCtx context.Context
}

func New(cfg Config, store storage.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log,
		bus:   bus,
		store: store,
		cfg:   withDefaults(cfg),
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = defaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply picks up config changes. A schedule or timezone change restarts
// the cron runner; enabling a stopped service takes effect on the next
// Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if !cfg.Enabled {
		s.stopCronLocked()
		return
	}
	if prev.Schedule != cfg.Schedule || strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.stopCronLocked()
		s.startCronLocked()
	}
}

// Start begins cron-triggered housekeeping. Idempotent; a disabled
// service stays stopped.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Debug("maintenance disabled")
		return
	}
	s.runCtx = ctx
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Error("invalid timezone, using local",
				logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.loc = loc

	spec, err := normalizeSpec(s.cfg.Schedule)
	if err != nil {
		s.log.Error("invalid maintenance schedule", logx.Err(err))
		return
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	if _, err := c.AddFunc(spec, s.runOnce); err != nil {
		s.log.Error("schedule register failed",
			logx.String("spec", spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started",
		logx.String("schedule", spec),
		logx.Duration("retention", s.cfg.Retention),
		logx.String("tz", loc.String()))
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.c = nil
}

// Stop halts cron triggering. An in-flight run finishes on its own
// bounded context.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) runOnce() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	s.RunNow(rctx)
}

// RunNow prunes immediately, outside the cron schedule. Used by the cron
// trigger and available for manual housekeeping.
func (s *Service) RunNow(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	cutoff := time.Now().Add(-cfg.Retention)
	start := time.Now()
	removed, err := s.store.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		s.log.Error("prune failed", logx.Err(err))
		return
	}
	if removed > 0 {
		s.log.Info("pruned finished jobs",
			logx.Int64("removed", removed),
			logx.Time("cutoff", cutoff),
			logx.Duration("took", time.Since(start)))
	} else {
		s.log.Debug("prune complete, nothing to remove",
			logx.Time("cutoff", cutoff))
	}

	if cfg.Vacuum {
		if v, ok := s.store.(interface{ Vacuum(context.Context) error }); ok {
			if err := v.Vacuum(ctx); err != nil {
				s.log.Error("vacuum failed", logx.Err(err))
			} else {
				s.log.Debug("store compacted")
			}
		}
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: TopicPruned, Data: PruneResult{
			Removed: removed, Cutoff: cutoff,
		}})
	}
}
