package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "lapse/pkg/logx"

	"lapse/internal/schedule"
	"lapse/internal/timelapse"
)

// fileStore is a dependency-free persistence backend. The whole record
// set is kept in memory and snapshotted to one JSON file on every
// mutation (tmp file + rename, so a crash never leaves a torn file).
// Fine for the handful of timelapses a single host runs.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	path    string
	nextID  int64
	records map[int64]*timelapse.Record
	closed  bool
}

type fileRecord struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Camera      string `json:"camera,omitempty"`
	Directory   string `json:"directory,omitempty"`
	IntervalMS  int64  `json:"interval_ms"`
	State       int    `json:"state"`
	StartMS     *int64 `json:"start_ms,omitempty"`
	EndMS       *int64 `json:"end_ms,omitempty"`
	TotalFrames int64  `json:"total_frames,omitempty"`
	Frames      int64  `json:"frames"`
	Schedule    string `json:"schedule,omitempty"`
	CreatedMS   int64  `json:"created_ms"`
}

type fileSnapshot struct {
	NextID  int64        `json:"next_id"`
	Records []fileRecord `json:"records"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	st := &fileStore{
		log:     log,
		path:    path,
		nextID:  1,
		records: map[int64]*timelapse.Record{},
	}
	if err := st.load(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	if snap.NextID > 0 {
		s.nextID = snap.NextID
	}
	for i := range snap.Records {
		rec, err := snap.Records[i].toRecord()
		if err != nil {
			s.log.Error("skipping unreadable timelapse record",
				logx.Int64("id", snap.Records[i].ID), logx.Err(err))
			continue
		}
		s.records[rec.ID] = rec
		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}
	return nil
}

func (s *fileStore) saveLocked() error {
	snap := fileSnapshot{NextID: s.nextID}
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fr, err := toFileRecord(s.records[id])
		if err != nil {
			return err
		}
		snap.Records = append(snap.Records, fr)
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) ListActive(ctx context.Context) ([]*timelapse.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("store closed")
	}

	now := time.Now()
	var out []*timelapse.Record
	for _, rec := range s.records {
		if rec.State == timelapse.Finished && (rec.EndTime == nil || !rec.EndTime.After(now)) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (*timelapse.Record, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *fileStore) Merge(ctx context.Context, rec *timelapse.Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.ID == 0 {
		rec.ID = s.nextID
		s.nextID++
	} else if rec.ID >= s.nextID {
		s.nextID = rec.ID + 1
	}
	s.records[rec.ID] = rec.Clone()
	return s.saveLocked()
}

func (s *fileStore) Delete(ctx context.Context, id int64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("store closed")
	}
	if _, ok := s.records[id]; !ok {
		return nil
	}
	delete(s.records, id)
	return s.saveLocked()
}

func (s *fileStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("store closed")
	}

	var n int64
	for id, rec := range s.records {
		if rec.State != timelapse.Finished {
			continue
		}
		ref := rec.CreatedAt
		if rec.EndTime != nil {
			ref = *rec.EndTime
		}
		if ref.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.saveLocked()
}

func toFileRecord(rec *timelapse.Record) (fileRecord, error) {
	blob, err := rec.Schedule.EncodeDB()
	if err != nil {
		return fileRecord{}, err
	}
	fr := fileRecord{
		ID:          rec.ID,
		Name:        rec.Name,
		Camera:      rec.Camera,
		Directory:   rec.Directory,
		IntervalMS:  rec.Interval.Milliseconds(),
		State:       int(rec.State),
		TotalFrames: rec.TotalFrames,
		Frames:      rec.Frames,
		Schedule:    blob,
		CreatedMS:   rec.CreatedAt.UnixMilli(),
	}
	if rec.StartTime != nil {
		ms := rec.StartTime.UnixMilli()
		fr.StartMS = &ms
	}
	if rec.EndTime != nil {
		ms := rec.EndTime.UnixMilli()
		fr.EndMS = &ms
	}
	return fr, nil
}

func (fr fileRecord) toRecord() (*timelapse.Record, error) {
	sched, err := schedule.DecodeDB(fr.Schedule)
	if err != nil {
		return nil, err
	}
	rec := &timelapse.Record{
		ID:          fr.ID,
		Name:        fr.Name,
		Camera:      fr.Camera,
		Directory:   fr.Directory,
		Interval:    time.Duration(fr.IntervalMS) * time.Millisecond,
		State:       timelapse.State(fr.State),
		TotalFrames: fr.TotalFrames,
		Frames:      fr.Frames,
		Schedule:    sched,
		CreatedAt:   time.UnixMilli(fr.CreatedMS),
	}
	if fr.StartMS != nil {
		t := time.UnixMilli(*fr.StartMS)
		rec.StartTime = &t
	}
	if fr.EndMS != nil {
		t := time.UnixMilli(*fr.EndMS)
		rec.EndTime = &t
	}
	return rec, nil
}
