package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/schedule"
	"lapse/internal/timelapse"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite storage needs a path")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection sidesteps SQLITE_BUSY between writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, name, camera, directory, interval_ms, state,
	start_ms, end_ms, total_frames, frames, schedule, created_ms`

func (s *sqliteStore) ListActive(ctx context.Context) ([]*timelapse.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM timelapses
		 WHERE state != ? OR (end_ms IS NOT NULL AND end_ms > ?)
		 ORDER BY id`,
		int(timelapse.Finished), time.Now().UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*timelapse.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			// One bad row must not take the whole resync down.
			s.log.Error("skipping unreadable timelapse row", logx.Err(err))
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (*timelapse.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM timelapses WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("timelapse %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *sqliteStore) Merge(ctx context.Context, rec *timelapse.Record) error {
	blob, err := rec.Schedule.EncodeDB()
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if rec.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO timelapses
			   (name, camera, directory, interval_ms, state, start_ms, end_ms,
			    total_frames, frames, schedule, created_ms)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
			rec.Name, rec.Camera, rec.Directory, rec.Interval.Milliseconds(),
			int(rec.State), msOrNil(rec.StartTime), msOrNil(rec.EndTime),
			rec.TotalFrames, rec.Frames, blob, rec.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		rec.ID = id
		return nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timelapses
		   (id, name, camera, directory, interval_ms, state, start_ms, end_ms,
		    total_frames, frames, schedule, created_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, camera=excluded.camera,
		   directory=excluded.directory, interval_ms=excluded.interval_ms,
		   state=excluded.state, start_ms=excluded.start_ms,
		   end_ms=excluded.end_ms, total_frames=excluded.total_frames,
		   frames=excluded.frames, schedule=excluded.schedule`,
		rec.ID, rec.Name, rec.Camera, rec.Directory, rec.Interval.Milliseconds(),
		int(rec.State), msOrNil(rec.StartTime), msOrNil(rec.EndTime),
		rec.TotalFrames, rec.Frames, blob, rec.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timelapses WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM timelapses
		 WHERE state = ? AND COALESCE(end_ms, created_ms) < ?`,
		int(timelapse.Finished), cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Vacuum reclaims space after large prunes. Called by maintenance via
// an optional interface check, not part of Store.
func (s *sqliteStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `VACUUM`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*timelapse.Record, error) {
	var (
		rec        timelapse.Record
		intervalMS int64
		state      int
		startMS    sql.NullInt64
		endMS      sql.NullInt64
		blob       string
		createdMS  int64
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Camera, &rec.Directory,
		&intervalMS, &state, &startMS, &endMS,
		&rec.TotalFrames, &rec.Frames, &blob, &createdMS)
	if err != nil {
		return nil, err
	}

	rec.Interval = time.Duration(intervalMS) * time.Millisecond
	rec.State = timelapse.State(state)
	rec.StartTime = msPtr(startMS)
	rec.EndTime = msPtr(endMS)
	rec.CreatedAt = time.UnixMilli(createdMS)

	sched, err := schedule.DecodeDB(blob)
	if err != nil {
		return nil, fmt.Errorf("timelapse %d: decode schedule: %w", rec.ID, err)
	}
	rec.Schedule = sched
	return &rec, nil
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
