package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/timelapse"
)

// Store is the persistence API used by the engine and maintenance.
//
// Merge is an upsert: records with ID 0 are inserted and get an ID
// assigned, anything else replaces the stored row wholesale.
type Store interface {
	// ListActive returns every record the coordinator should track:
	// not FINISHED, or FINISHED with an end time still in the future
	// (those may be reopened).
	ListActive(ctx context.Context) ([]*timelapse.Record, error)
	Get(ctx context.Context, id int64) (*timelapse.Record, error)
	Merge(ctx context.Context, rec *timelapse.Record) error
	Delete(ctx context.Context, id int64) error
	// DeleteFinishedBefore removes FINISHED records whose end time (or
	// creation time, if they have none) is before cutoff. Returns the
	// number of rows removed.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
