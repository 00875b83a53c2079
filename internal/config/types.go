package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is the durable job-record store. The engine cannot run
	// without one; the default is a sqlite file next to the binary.
	Storage StorageConfig `json:"storage"`

	// Engine controls the scheduling core (coordinator + executors).
	Engine EngineConfig `json:"engine"`

	// Capture configures the external capture command invoked once per
	// tick. An empty command degrades to a log-only dry run.
	Capture CaptureConfig `json:"capture"`

	Notify      *NotifyConfig      `json:"notify,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       PprofConfig        `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./lapse.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// EngineConfig controls the scheduling core.
//
// SyncInterval is a Go duration string (e.g. "3m"); it bounds how long a
// store edit made behind the coordinator's back can go unnoticed.
type EngineConfig struct {
	SyncInterval string `json:"sync_interval,omitempty"`
}

// CaptureConfig configures the per-tick capture command.
//
// The command runs with LAPSE_JOB_ID, LAPSE_JOB_NAME, LAPSE_CAMERA,
// LAPSE_DIR and LAPSE_FRAME in its environment. Timeout is a Go duration
// string; default 30s.
type CaptureConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

// NotifyConfig controls the async webhook notification pipeline.
//
// Duration fields take Go duration strings ("500ms", "10s"). Omitting
// the whole section disables notifications.
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	URL             string `json:"url"`
	Timeout         string `json:"timeout,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
}

// MaintenanceConfig controls periodic store housekeeping.
//
// Schedule accepts cron syntax ("30 3 * * *", "@daily"), a duration
// ("24h"), or HH:MM ("02:30"). Retention is a Go duration string; how
// long FINISHED records are kept.
type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"`
	Vacuum    bool   `json:"vacuum,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// PprofConfig controls the optional profiling HTTP server. Binding it
// anywhere but localhost requires a token or allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // "127.0.0.1:6060" when empty
	Prefix        string `json:"prefix,omitempty"` // "/debug/pprof/" when empty
	Token         string `json:"token,omitempty"`  // bearer token, kept out of logs
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// HTTP server timeouts as Go duration strings. WriteTimeout stays 0
	// (unbounded) unless set, since /profile captures can run 30s+.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates; 0 keeps Go's defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
