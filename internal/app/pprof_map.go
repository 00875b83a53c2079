package app

import (
	"strings"
	"time"

	"lapse/internal/observability/pprof"
)

// Defaults applied when the pprof section leaves fields empty.
const (
	defaultPprofAddr   = "127.0.0.1:6060"
	defaultPprofPrefix = "/debug/pprof/"
)

// pprofFromConfig turns the raw pprof section into a service config,
// filling defaults and rejecting malformed or insecure values. It never
// starts the server.
func pprofFromConfig(cfg *Config) (pprof.Config, error) {
	if cfg == nil {
		return pprof.Config{}, nil
	}
	sec := cfg.Pprof

	out := pprof.Config{
		Enabled:              sec.Enabled,
		Addr:                 strings.TrimSpace(sec.Addr),
		Prefix:               strings.TrimSpace(sec.Prefix),
		Token:                strings.TrimSpace(sec.Token),
		AllowInsecure:        sec.AllowInsecure,
		MutexProfileFraction: sec.MutexProfileFraction,
		BlockProfileRate:     sec.BlockProfileRate,
		MemProfileRate:       sec.MemProfileRate,
	}
	if out.Addr == "" {
		out.Addr = defaultPprofAddr
	}
	if out.Prefix == "" {
		out.Prefix = defaultPprofPrefix
	}

	var err error
	if out.ReadTimeout, err = parseDurationOrDefault("pprof.read_timeout", sec.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Profile downloads can run 30s+, so writes stay unbounded unless
	// configured.
	if out.WriteTimeout, err = parseDurationField("pprof.write_timeout", sec.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = parseDurationOrDefault("pprof.idle_timeout", sec.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	return out, out.Validate()
}
