package app

import (
	"fmt"
	"strings"
	"time"

	"lapse/internal/storage"
)

// storageFromConfig maps the JSON section into a driver config. The
// engine cannot run without a store, so an omitted section falls back
// to a sqlite file next to the binary.
func storageFromConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "sqlite", "sqlite3":
		if path == "" {
			path = "./lapse.db"
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "file":
		if path == "" {
			path = "./lapse.json"
		}
		return storage.Config{Driver: "file", Path: path}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
