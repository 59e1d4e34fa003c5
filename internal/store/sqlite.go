package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"jobservice/internal/domain"
)

var _ Repository = (*SQLiteRepo)(nil)

// OpenSQLite opens path with WAL enabled and a single writer connection.
func OpenSQLite(path string) (*sql.DB, error) {
	return openSQLite(fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path))
}

func openSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  correlation_id TEXT NOT NULL DEFAULT '',
  recipient TEXT NOT NULL,
  schedule TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('SCHEDULED','EXECUTING','RETRY','EXECUTED','CANCELED','ERROR')),
  retries INTEGER NOT NULL DEFAULT 0,
  priority INTEGER NOT NULL DEFAULT 0,
  execution_counter INTEGER NOT NULL DEFAULT 0,
  scheduled_time INTEGER NOT NULL,
  next_fire_time INTEGER NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_fire ON jobs(status, next_fire_time, priority DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_correlation ON jobs(correlation_id);
`
	_, err := db.Exec(schema)
	return errors.Wrap(err, "ensure schema")
}

// SQLiteRepo stores instants as unix milliseconds, the resolution of a fire.
type SQLiteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) *SQLiteRepo { return &SQLiteRepo{db: db} }

const jobColumns = `id,correlation_id,recipient,schedule,status,retries,priority,execution_counter,scheduled_time,next_fire_time,last_error,created_at,updated_at`

func (r *SQLiteRepo) Create(ctx context.Context, j domain.Job) error {
	rec, sch, err := encodeParts(j)
	if err != nil {
		return err
	}
	stamp(&j, time.Now().UTC())
	res, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		j.ID, j.CorrelationID, string(rec), string(sch), string(j.Status), j.Retries, j.Priority, j.ExecutionCounter,
		millis(j.ScheduledTime), millis(j.NextFireTime), j.LastError, millis(j.CreatedAt), millis(j.UpdatedAt))
	if err != nil {
		return errors.Wrapf(err, "insert job %s", j.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, err
}

func (r *SQLiteRepo) Update(ctx context.Context, j domain.Job, expected ...domain.Status) error {
	rec, sch, err := encodeParts(j)
	if err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()

	q := `
UPDATE jobs SET correlation_id=?, recipient=?, schedule=?, status=?, retries=?, priority=?, execution_counter=?,
  scheduled_time=?, next_fire_time=?, last_error=?, updated_at=?
WHERE id=?`
	args := []any{j.CorrelationID, string(rec), string(sch), string(j.Status), j.Retries, j.Priority, j.ExecutionCounter,
		millis(j.ScheduledTime), millis(j.NextFireTime), j.LastError, millis(j.UpdatedAt), j.ID}
	if len(expected) > 0 {
		q += ` AND status IN (` + placeholders(len(expected)) + `)`
		for _, s := range expected {
			args = append(args, string(s))
		}
	}

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrapf(err, "update job %s", j.ID)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := r.Get(ctx, j.ID); err != nil {
		return err
	}
	return domain.ErrStatusConflict
}

func (r *SQLiteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepo) ListByStatus(ctx context.Context, statuses ...domain.Status) ([]domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return r.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status IN (`+placeholders(len(statuses))+`)
ORDER BY next_fire_time ASC, priority DESC`, args...)
}

func (r *SQLiteRepo) ListByCorrelationID(ctx context.Context, correlationID string) ([]domain.Job, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE correlation_id=? ORDER BY created_at ASC, id ASC`, correlationID)
}

func (r *SQLiteRepo) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN ('EXECUTED','CANCELED','ERROR') AND updated_at < ?`, millis(before))
	if err != nil {
		return 0, errors.Wrap(err, "purge terminal jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepo) Close() error { return r.db.Close() }

func (r *SQLiteRepo) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (domain.Job, error) {
	var (
		j                                domain.Job
		rec, sch, status                 string
		scheduled, next, created, update int64
	)
	err := s.Scan(&j.ID, &j.CorrelationID, &rec, &sch, &status, &j.Retries, &j.Priority, &j.ExecutionCounter,
		&scheduled, &next, &j.LastError, &created, &update)
	if err != nil {
		return domain.Job{}, err
	}
	if err := decodeParts(&j, []byte(rec), []byte(sch)); err != nil {
		return domain.Job{}, errors.Wrapf(err, "decode job %s", j.ID)
	}
	j.Status = domain.Status(status)
	if !j.Status.Valid() {
		return domain.Job{}, errors.Newf("job %s has unknown status %q", j.ID, status)
	}
	j.ScheduledTime = fromMillis(scheduled)
	j.NextFireTime = fromMillis(next)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(update)
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
