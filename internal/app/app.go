package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lapse/internal/capture"
	"lapse/internal/engine"
	"lapse/internal/eventbus"
	"lapse/internal/maintenance"
	"lapse/internal/notify"
	"lapse/internal/observability/pprof"
	"lapse/internal/storage"
	logx "lapse/pkg/logx"
	"lapse/pkg/systemd"
)

// TopicConfigReload is published after a hot reload has been applied.
// Data is the list of changed section names.
const TopicConfigReload = "config.reload"

type App struct {
	cfgPath string

	cfgm *Manager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store
	cam   capture.Capturer

	engCfg engine.Config
	eng    *engine.Coordinator

	hook  *notify.Webhook
	notif *notify.Service
	maint *maintenance.Service
	pprof *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (required: the engine reconciles against it)
	sc, err := storageFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	// Capture hook
	capCfg, err := captureFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	cam := capture.New(capCfg, log.With(logx.String("comp", "capture")))

	// Engine config is mapped up front; the coordinator itself is built
	// in Start() because it launches goroutines under the app supervisor.
	engCfg, err := engineFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	ncfg, err := notifyFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	hook := notify.NewWebhook(ncfg, log.With(logx.String("comp", "webhook")))
	notifSvc := notify.New(ncfg, hook, log.With(logx.String("comp", "notify")), bus)

	mcfg, err := maintenanceFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	maintSvc := maintenance.New(mcfg, store, log.With(logx.String("comp", "maintenance")), bus)

	ppc, err := pprofFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(ppc, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		cam:     cam,
		engCfg:  engCfg,
		hook:    hook,
		notif:   notifSvc,
		maint:   maintSvc,
		pprof:   pprofSvc,
	}, nil
}

// Coordinator exposes the scheduling core for control surfaces built on
// top of the daemon.
func (a *App) Coordinator() *engine.Coordinator { return a.eng }

// Done is closed once the supervisor context ends, whether through a
// fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the supervisor retained, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Reloads are transactional: a snapshot must map cleanly before the
	// manager commits and publishes it.
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
			// Every mapper parses durations and checks bounds; a failed
			// map rejects the whole reload.
			if _, err := storageFromConfig(cfg); err != nil {
				return err
			}
			if _, err := engineFromConfig(cfg); err != nil {
				return err
			}
			if _, err := captureFromConfig(cfg); err != nil {
				return err
			}
			if _, err := notifyFromConfig(cfg); err != nil {
				return err
			}
			if _, err := maintenanceFromConfig(cfg); err != nil {
				return err
			}
			if _, err := pprofFromConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	// The scheduling core. Start runs the initial store sync and puts the
	// queue sleeper and resync loop under the app supervisor.
	a.eng = engine.New(a.engCfg, a.log.With(logx.String("comp", "engine")),
		a.bus, a.store, a.cam, a.sup)
	if err := a.eng.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	// The watcher runs regardless: a disabled pipeline drops messages
	// quietly, and a reload may enable it later.
	a.sup.Go0("notify.watch", func(c context.Context) {
		a.notif.Watch(c)
	})

	if a.maint != nil && a.maint.Enabled() {
		a.maint.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Debug tap on the bus. Components subscribe themselves for real work;
	// this exists so a trace of everything shows up in one log.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level: captures tick often.
					a.log.Debug("bus event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// The last applied snapshot anchors each reload's diff.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Bursts coalesce down to the newest snapshot.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}

				sections, attrs := SummarizeConfigChange(lastApplied, newCfg)
				if len(sections) > 0 {
					a.log.Debug("config diff", changeFields(sections, attrs)...)
				} else {
					a.log.Debug("config reload carried no effective changes")
				}
				lastApplied = newCfg

				// Sections bound at construction time cannot hot-apply.
				for _, s := range sections {
					switch s {
					case "storage", "engine", "capture":
						a.log.Warn("config changed; restart required for changes to take effect",
							logx.String("section", s))
					}
				}

				// apply logging updates
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})

				// apply notify updates (live)
				if a.notif != nil {
					prevNotifEnabled := a.notif.Enabled()
					ncfg, err := notifyFromConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
					} else {
						a.hook.Apply(ncfg)
						a.notif.Apply(ncfg)
						switch {
						case prevNotifEnabled && !ncfg.Enabled:
							a.log.Info("notify disabled via config")
							stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
							a.notif.Stop(stopCtx)
							cancel()
						case !prevNotifEnabled && ncfg.Enabled:
							a.log.Info("notify enabled via config")
							a.notif.Start(c)
						}
					}
				}

				// apply maintenance updates (live; Apply stops/restarts its cron as needed)
				if a.maint != nil {
					prevMaint := a.maint.Enabled()
					mcfg, err := maintenanceFromConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
					} else {
						a.maint.Apply(mcfg)
						switch {
						case !prevMaint && mcfg.Enabled:
							a.log.Info("maintenance enabled via config")
							a.maint.Start(c)
						case prevMaint && !mcfg.Enabled:
							a.log.Info("maintenance disabled via config")
						}
					}
				}

				// apply pprof updates (live)
				if a.pprof != nil {
					ppc, err := pprofFromConfig(newCfg)
					if err != nil {
						a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
					} else {
						a.pprof.Reconfigure(c, ppc)
					}
				}

				a.bus.Publish(eventbus.Event{Type: TopicConfigReload, Data: sections})

				// One concise line at info level; the attr dump went to debug.
				if len(sections) > 0 {
					a.log.Info("config reloaded", changeFields(sections, attrs)...)
				} else {
					a.log.Info("config reloaded, nothing changed")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	// systemd integration: report readiness, keep the watchdog fed.
	if systemd.NotifyReady() {
		a.log.Debug("systemd readiness notified")
	}
	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			systemd.Watchdog(c, iv)
		})
	}

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	systemd.NotifyStopping()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so every background loop starts unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step start", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// the caller's deadline caps every step
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("stop step %s panicked: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step done", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn is expected to honor stepCtx; when it doesn't, flag the leak.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline hit; moving on",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			// Keep watching so an eventual late finish shows up in the log.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step completed late", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step completed late", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Engine first: no new captures or state transitions while the rest unwinds.
	step("engine", 3*time.Second, func(c context.Context) error {
		if a.eng != nil {
			a.eng.Stop()
		}
		return nil
	})
	step("maintenance", 2*time.Second, func(c context.Context) error {
		if a.maint != nil {
			a.maint.Stop(c)
		}
		return nil
	})
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	// Notify drains after the engine stopped producing events.
	step("notify", 2*time.Second, func(c context.Context) error {
		if a.notif != nil {
			a.notif.Stop(c)
		}
		return nil
	})
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, queue sleeper, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if n := a.sup.Counters().Active; n > 0 {
			a.log.Warn("supervised goroutines still active", logx.Int64("active", n))
		}
		return err
	})

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// changeFields prefixes diff attributes with the comma-joined section list.
func changeFields(sections []string, attrs []logx.Field) []logx.Field {
	fields := make([]logx.Field, 0, len(attrs)+1)
	fields = append(fields, logx.String("changed", strings.Join(sections, ",")))
	return append(fields, attrs...)
}

func engineFromConfig(cfg *Config) (engine.Config, error) {
	si, err := parseDurationField("engine.sync_interval", cfg.Engine.SyncInterval)
	if err != nil {
		return engine.Config{}, err
	}
	// Zero falls through to the coordinator's default.
	return engine.Config{SyncInterval: si}, nil
}

func captureFromConfig(cfg *Config) (capture.Config, error) {
	to, err := parseDurationField("capture.timeout", cfg.Capture.Timeout)
	if err != nil {
		return capture.Config{}, err
	}
	return capture.Config{
		Command: strings.TrimSpace(cfg.Capture.Command),
		Args:    cfg.Capture.Args,
		Timeout: to,
	}, nil
}

func maintenanceFromConfig(cfg *Config) (maintenance.Config, error) {
	var out maintenance.Config
	if cfg == nil || cfg.Maintenance == nil {
		return out, nil
	}
	mc := cfg.Maintenance
	out.Enabled = mc.Enabled
	out.Schedule = strings.TrimSpace(mc.Schedule)
	out.Vacuum = mc.Vacuum
	out.Timezone = strings.TrimSpace(mc.Timezone)

	var err error
	out.Retention, err = parseDurationField("maintenance.retention", mc.Retention)
	if err != nil {
		return maintenance.Config{}, err
	}
	if tz := out.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
	}
	if out.Enabled && out.Schedule != "" {
		if err := maintenance.ValidateSpec(out.Schedule); err != nil {
			return maintenance.Config{}, fmt.Errorf("maintenance.schedule: %w", err)
		}
	}
	return out, nil
}
