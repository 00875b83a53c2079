package app

import (
	"fmt"
	"strings"
	"time"

	"lapse/internal/notify"
)

// notifyFromConfig maps the JSON section into the runtime notify.Config
// (parsed durations). An omitted section means the pipeline is disabled;
// a present one gets runtime defaults for anything left at zero.
func notifyFromConfig(cfg *Config) (notify.Config, error) {
	out := notify.Config{
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     1 * time.Minute,
		DedupMaxEntries: 2000,
	}

	if cfg == nil || cfg.Notify == nil {
		return out, nil
	}
	n := cfg.Notify
	out.Enabled = n.Enabled
	out.URL = strings.TrimSpace(n.URL)
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	// Durations.
	var err error
	out.Timeout, err = parseDurationOrDefault("notify.timeout", n.Timeout, 10*time.Second)
	if err != nil {
		return notify.Config{}, err
	}
	out.RetryBase, err = parseDurationOrDefault("notify.retry_base", n.RetryBase, out.RetryBase)
	if err != nil {
		return notify.Config{}, err
	}
	out.RetryMaxDelay, err = parseDurationOrDefault("notify.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
	if err != nil {
		return notify.Config{}, err
	}
	out.DedupWindow, err = parseDurationOrDefault("notify.dedup_window", n.DedupWindow, out.DedupWindow)
	if err != nil {
		return notify.Config{}, err
	}

	// Bounds.
	if out.Enabled && out.URL == "" {
		return notify.Config{}, fmt.Errorf("notify.url is required when notify.enabled is true")
	}
	if out.Workers < 0 {
		return notify.Config{}, fmt.Errorf("notify.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return notify.Config{}, fmt.Errorf("notify.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return notify.Config{}, fmt.Errorf("notify.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("notify.retry_max must be >= 0")
	}
	if out.DedupMaxEntries < 0 {
		return notify.Config{}, fmt.Errorf("notify.dedup_max_entries must be >= 0")
	}

	return out, nil
}
