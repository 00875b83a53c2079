package app

import (
	"time"

	"lapse/internal/config"
	"lapse/internal/runtime/supervisor"
)

// This package wires every subsystem together, so the config and
// supervisor types it passes around get local names.

type (
	Config     = config.Config
	Manager    = config.Manager
	Supervisor = supervisor.Supervisor
)

var (
	NewManager            = config.NewManager
	SummarizeConfigChange = config.SummarizeConfigChange

	NewSupervisor     = supervisor.NewSupervisor
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
