package config

import (
	"reflect"
	"sort"
	"strings"

	logx "lapse/pkg/logx"
)

// sectionDiff couples one section's change detection with the
// secret-free attrs describing its new value.
type sectionDiff struct {
	name    string
	changed bool
	attrs   []logx.Field
}

// SummarizeConfigChange reports which sections differ between two
// snapshots, plus structured attrs safe for logging. Secrets (tokens,
// webhook URLs) are reduced to set/unset booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var changed []string
	var attrs []logx.Field
	for _, d := range []sectionDiff{
		loggingDiff(oldCfg, newCfg),
		storageDiff(oldCfg, newCfg),
		engineDiff(oldCfg, newCfg),
		captureDiff(oldCfg, newCfg),
		notifyDiff(oldCfg, newCfg),
		maintenanceDiff(oldCfg, newCfg),
		pprofDiff(oldCfg, newCfg),
	} {
		if !d.changed {
			continue
		}
		changed = append(changed, d.name)
		attrs = append(attrs, d.attrs...)
	}
	sort.Strings(changed)
	return changed, attrs
}

func loggingDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := oldCfg.Logging, newCfg.Logging
	return sectionDiff{
		name: "logging",
		changed: o.Level != n.Level ||
			o.Console != n.Console ||
			o.File.Enabled != n.File.Enabled ||
			strings.TrimSpace(o.File.Path) != strings.TrimSpace(n.File.Path),
		attrs: []logx.Field{
			logx.String("logx.level", n.Level),
			logx.Bool("logx.console", n.Console),
			logx.Bool("logx.file_enabled", n.File.Enabled),
		},
	}
}

func storageDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := oldCfg.Storage, newCfg.Storage
	return sectionDiff{
		name: "storage",
		changed: strings.TrimSpace(o.Driver) != strings.TrimSpace(n.Driver) ||
			strings.TrimSpace(o.Path) != strings.TrimSpace(n.Path) ||
			strings.TrimSpace(o.BusyTimeout) != strings.TrimSpace(n.BusyTimeout),
		attrs: []logx.Field{
			logx.String("storage.driver", strings.TrimSpace(n.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(n.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(n.BusyTimeout)),
		},
	}
}

func engineDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := oldCfg.Engine, newCfg.Engine
	return sectionDiff{
		name:    "engine",
		changed: strings.TrimSpace(o.SyncInterval) != strings.TrimSpace(n.SyncInterval),
		attrs: []logx.Field{
			logx.String("engine.sync_interval", strings.TrimSpace(n.SyncInterval)),
		},
	}
}

func captureDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := oldCfg.Capture, newCfg.Capture
	return sectionDiff{
		name: "capture",
		changed: strings.TrimSpace(o.Command) != strings.TrimSpace(n.Command) ||
			!reflect.DeepEqual(o.Args, n.Args) ||
			strings.TrimSpace(o.Timeout) != strings.TrimSpace(n.Timeout),
		attrs: []logx.Field{
			logx.Bool("capture.command_set", strings.TrimSpace(n.Command) != ""),
			logx.Int("capture.arg_count", len(n.Args)),
			logx.String("capture.timeout", strings.TrimSpace(n.Timeout)),
		},
	}
}

// notifyDiff never logs the webhook URL; it may embed a secret path
// segment. Nil sections compare as disabled defaults.
func notifyDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := orZero(oldCfg.Notify), orZero(newCfg.Notify)
	return sectionDiff{
		name:    "notify",
		changed: !reflect.DeepEqual(o, n),
		attrs: []logx.Field{
			logx.Bool("notify.enabled", n.Enabled),
			logx.Bool("notify.url_set", strings.TrimSpace(n.URL) != ""),
			logx.Int("notify.workers", n.Workers),
			logx.Int("notify.queue_size", n.QueueSize),
			logx.Int("notify.rate_per_sec", n.RatePerSec),
			logx.Int("notify.retry_max", n.RetryMax),
		},
	}
}

func maintenanceDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := orZero(oldCfg.Maintenance), orZero(newCfg.Maintenance)
	return sectionDiff{
		name:    "maintenance",
		changed: !reflect.DeepEqual(o, n),
		attrs: []logx.Field{
			logx.Bool("maintenance.enabled", n.Enabled),
			logx.String("maintenance.schedule", strings.TrimSpace(n.Schedule)),
			logx.String("maintenance.retention", strings.TrimSpace(n.Retention)),
			logx.Bool("maintenance.vacuum", n.Vacuum),
		},
	}
}

// pprofDiff treats the token as changed only when it flips between set
// and unset, and never logs its value.
func pprofDiff(oldCfg, newCfg *Config) sectionDiff {
	o, n := oldCfg.Pprof, newCfg.Pprof
	return sectionDiff{
		name: "pprof",
		changed: o.Enabled != n.Enabled ||
			strings.TrimSpace(o.Addr) != strings.TrimSpace(n.Addr) ||
			strings.TrimSpace(o.Prefix) != strings.TrimSpace(n.Prefix) ||
			o.AllowInsecure != n.AllowInsecure ||
			strings.TrimSpace(o.ReadTimeout) != strings.TrimSpace(n.ReadTimeout) ||
			strings.TrimSpace(o.WriteTimeout) != strings.TrimSpace(n.WriteTimeout) ||
			strings.TrimSpace(o.IdleTimeout) != strings.TrimSpace(n.IdleTimeout) ||
			o.MutexProfileFraction != n.MutexProfileFraction ||
			o.BlockProfileRate != n.BlockProfileRate ||
			o.MemProfileRate != n.MemProfileRate ||
			(strings.TrimSpace(o.Token) != "") != (strings.TrimSpace(n.Token) != ""),
		attrs: []logx.Field{
			logx.Bool("pprof.enabled", n.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(n.Addr)),
			logx.String("pprof.prefix", strings.TrimSpace(n.Prefix)),
			logx.Bool("pprof.token_set", strings.TrimSpace(n.Token) != ""),
			logx.Bool("pprof.allow_insecure", n.AllowInsecure),
		},
	}
}

func orZero[T any](p *T) T {
	if p == nil {
		var zero T
		return zero
	}
	return *p
}
