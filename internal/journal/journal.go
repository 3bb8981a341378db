// Package journal records render job outcomes in SQLite. Only metadata is
// kept; rendered samples never touch disk.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/logging"
	_ "modernc.org/sqlite"
)

const defaultLimit = 100

// Entry is one finished render job.
type Entry struct {
	ID          int64
	JobID       string
	TrackNo     int
	Singer      string
	PositionMs  float64
	DurationMs  float64
	SampleCount int
	Status      string
	Error       string
	Elapsed     time.Duration
	CreatedAt   time.Time
}

// Journal is a SQLite-backed job log. In ephemeral mode every method is a no-op.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open prepares the journal according to cfg, pruning on the way in.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("render journal vacuum failed", logging.Error(err))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("render journal prune on start failed", logging.Error(err))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS render_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    track_no INTEGER NOT NULL,
    singer TEXT NOT NULL,
    position_ms REAL NOT NULL,
    duration_ms REAL NOT NULL,
    sample_count INTEGER NOT NULL,
    status TEXT NOT NULL,
    error TEXT,
    elapsed_ns INTEGER NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_render_jobs_track_created ON render_jobs(track_no, created_at);
CREATE INDEX IF NOT EXISTS idx_render_jobs_created ON render_jobs(created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) enabled() bool {
	return j != nil && j.db != nil
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if !j.enabled() {
		return nil
	}
	return j.db.Close()
}

// Append records e. A zero CreatedAt is stamped with the journal clock.
func (j *Journal) Append(ctx context.Context, e Entry) error {
	if !j.enabled() {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = j.clock()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO render_jobs(job_id, track_no, singer, position_ms, duration_ms, sample_count, status, error, elapsed_ns, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.JobID, e.TrackNo, e.Singer, e.PositionMs, e.DurationMs, e.SampleCount,
		e.Status, e.Error, e.Elapsed.Nanoseconds(), e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("append render job %s: %w", e.JobID, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return j.query(ctx,
		`SELECT id, job_id, track_no, singer, position_ms, duration_ms, sample_count, status, error, elapsed_ns, created_at
		 FROM render_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

// ListTrack returns up to limit entries for a track ordered by creation time.
func (j *Journal) ListTrack(ctx context.Context, trackNo, limit int) ([]Entry, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	return j.query(ctx,
		`SELECT id, job_id, track_no, singer, position_ms, duration_ms, sample_count, status, error, elapsed_ns, created_at
		 FROM render_jobs WHERE track_no = ? ORDER BY created_at ASC, id ASC LIMIT ?`, trackNo, limit)
}

func (j *Journal) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			errText sql.NullString
			elapsed int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.JobID, &e.TrackNo, &e.Singer, &e.PositionMs, &e.DurationMs,
			&e.SampleCount, &e.Status, &errText, &elapsed, &created); err != nil {
			return nil, err
		}
		e.Error = errText.String
		e.Elapsed = time.Duration(elapsed)
		e.CreatedAt = time.Unix(0, created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune drops entries older than RetentionDays and keeps at most MaxEntries.
func (j *Journal) Prune(ctx context.Context) (err error) {
	if !j.enabled() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM render_jobs WHERE created_at < ?`, cutoff.UnixNano()); err != nil {
			return err
		}
	}
	if j.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM render_jobs WHERE id IN (
			SELECT id FROM render_jobs ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
