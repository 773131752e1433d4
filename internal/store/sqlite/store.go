package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/store"
)

// sqliteStore implements store.JobStore for SQLite. Mutations run in
// transactions so a killed process leaves either the pre- or
// post-mutation state.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite job store instance
func NewSQLiteStore(dbPath string) (store.JobStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		repo TEXT PRIMARY KEY,
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		position INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		checkpoint TEXT,
		partial TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_status_position ON jobs(status, position);

	CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		category TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		api_calls_total INTEGER NOT NULL DEFAULT 0,
		last_run_duration_sec REAL NOT NULL DEFAULT 0,
		collections_completed INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (id, created_at, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, now, now)
	return err
}

func (s *sqliteStore) touchMeta(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `UPDATE meta SET updated_at = ? WHERE id = 1`, time.Now().UTC())
	return err
}

func (s *sqliteStore) Initialize(ctx context.Context, repos []string, category string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN (?, ?)`,
		domain.StatusPending, domain.StatusInProgress).Scan(&live)
	if err != nil {
		return err
	}
	if live > 0 {
		return apperrors.NewStateConflictError(fmt.Sprintf(
			"existing store has %d pending or in-progress jobs; resume or clear first", live))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}

	now := time.Now().UTC()
	for i, repo := range repos {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (repo, category, status, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, repo, category, domain.StatusPending, i+1, now, now)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE meta SET category = ?, created_at = ?, updated_at = ?,
			api_calls_total = 0, last_run_duration_sec = 0, collections_completed = 0
		WHERE id = 1
	`, category, now, now)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *sqliteStore) AddProjects(ctx context.Context, repos []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var category string
	if err := tx.QueryRowContext(ctx, `SELECT category FROM meta WHERE id = 1`).Scan(&category); err != nil {
		return 0, err
	}

	var maxPos int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&maxPos); err != nil {
		return 0, err
	}

	added := 0
	now := time.Now().UTC()
	for _, repo := range repos {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (repo, category, status, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (repo) DO NOTHING
		`, repo, category, domain.StatusPending, maxPos+added+1, now, now)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	if err := s.touchMeta(ctx, tx); err != nil {
		return 0, err
	}
	return added, tx.Commit()
}

func (s *sqliteStore) ClaimNext(ctx context.Context) (*domain.ProjectJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// A previously claimed job takes priority over new pending entries
	job, err := s.scanJob(tx.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE status = ? ORDER BY position LIMIT 1
	`, domain.StatusInProgress))
	if err == nil {
		return job, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var repo string
	err = tx.QueryRowContext(ctx, `
		SELECT repo FROM jobs WHERE status = ? ORDER BY position LIMIT 1
	`, domain.StatusPending).Scan(&repo)
	if err == sql.ErrNoRows {
		return nil, store.ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ? WHERE repo = ? AND status = ?
	`, domain.StatusInProgress, time.Now().UTC(), repo, domain.StatusPending)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		if err != nil {
			return nil, err
		}
		return nil, apperrors.NewStateConflictError("job claimed by a concurrent worker")
	}

	job, err = s.scanJob(tx.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE repo = ?
	`, repo))
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (s *sqliteStore) Get(ctx context.Context, repo string) (*domain.ProjectJob, error) {
	job, err := s.scanJob(s.db.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE repo = ?
	`, repo))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("job " + repo)
	}
	return job, err
}

// updateInProgress applies an update to the in-progress row for repo,
// failing with a state conflict when the job is not in progress
func (s *sqliteStore) updateInProgress(ctx context.Context, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NewStateConflictError("job is not in progress")
	}
	return nil
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, repo string, ckpt *domain.Checkpoint) error {
	data, err := marshalNullable(ckpt)
	if err != nil {
		return err
	}
	return s.updateInProgress(ctx, `
		UPDATE jobs SET checkpoint = ?, updated_at = ? WHERE repo = ? AND status = ?
	`, data, time.Now().UTC(), repo, domain.StatusInProgress)
}

func (s *sqliteStore) GetCheckpoint(ctx context.Context, repo string) (*domain.Checkpoint, error) {
	job, err := s.Get(ctx, repo)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusInProgress {
		return nil, apperrors.NewStateConflictError("job is not in progress")
	}
	return job.Checkpoint, nil
}

func (s *sqliteStore) SavePartial(ctx context.Context, repo string, partial *domain.ProjectData) error {
	data, err := marshalNullable(partial)
	if err != nil {
		return err
	}
	return s.updateInProgress(ctx, `
		UPDATE jobs SET partial = ?, updated_at = ? WHERE repo = ? AND status = ?
	`, data, time.Now().UTC(), repo, domain.StatusInProgress)
}

func (s *sqliteStore) GetPartial(ctx context.Context, repo string) (*domain.ProjectData, error) {
	job, err := s.Get(ctx, repo)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusInProgress {
		return nil, apperrors.NewStateConflictError("job is not in progress")
	}
	return job.Partial, nil
}

func (s *sqliteStore) Complete(ctx context.Context, repo string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, checkpoint = NULL, partial = NULL, error = '', updated_at = ?
		WHERE repo = ? AND status = ?
	`, domain.StatusCompleted, time.Now().UTC(), repo, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStateConflictError(fmt.Sprintf("job %s is not in progress", repo))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE meta SET collections_completed = collections_completed + 1, updated_at = ? WHERE id = 1
	`, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Fail(ctx context.Context, repo string, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, checkpoint = NULL, partial = NULL, error = ?, updated_at = ?
		WHERE repo = ? AND status = ?
	`, domain.StatusFailed, errorMessage, time.Now().UTC(), repo, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStateConflictError(fmt.Sprintf("job %s is not in progress", repo))
	}
	return nil
}

func (s *sqliteStore) RetryFailed(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxPos int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&maxPos); err != nil {
		return 0, err
	}

	// Re-queue failed jobs after the current pending tail
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = '', position = position + ?, updated_at = ?
		WHERE status = ?
	`, domain.StatusPending, maxPos, time.Now().UTC(), domain.StatusFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := s.touchMeta(ctx, tx); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *sqliteStore) RecordRun(ctx context.Context, apiCalls int64, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meta SET api_calls_total = api_calls_total + ?,
			last_run_duration_sec = CASE WHEN ? > 0 THEN ? ELSE last_run_duration_sec END,
			updated_at = ?
		WHERE id = 1
	`, apiCalls, duration.Seconds(), duration.Seconds(), time.Now().UTC())
	return err
}

func (s *sqliteStore) Status(ctx context.Context) (*store.Status, error) {
	out := &store.Status{}

	err := s.db.QueryRowContext(ctx, `
		SELECT category, created_at, updated_at, api_calls_total, last_run_duration_sec, collections_completed
		FROM meta WHERE id = 1
	`).Scan(&out.Category, &out.CreatedAt, &out.UpdatedAt,
		&out.Statistics.APICallsTotal, &out.Statistics.LastRunDurationSec,
		&out.Statistics.CollectionsCompleted)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status domain.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch status {
		case domain.StatusPending:
			out.Counts.Pending = count
		case domain.StatusInProgress:
			out.Counts.InProgress = count
		case domain.StatusCompleted:
			out.Counts.Completed = count
		case domain.StatusFailed:
			out.Counts.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out.Total = out.Counts.Pending + out.Counts.InProgress + out.Counts.Completed + out.Counts.Failed
	if out.Total > 0 {
		out.ProgressPct = float64(out.Counts.Completed) / float64(out.Total) * 100
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(repo), '') FROM jobs WHERE status = ?
	`, domain.StatusInProgress).Scan(&out.InProgressRepo); err != nil {
		return nil, err
	}

	failRows, err := s.db.QueryContext(ctx, `
		SELECT repo, error, updated_at FROM jobs WHERE status = ? ORDER BY position
	`, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	defer failRows.Close()

	for failRows.Next() {
		var f store.Failure
		if err := failRows.Scan(&f.Repo, &f.Error, &f.Timestamp); err != nil {
			return nil, err
		}
		out.Failures = append(out.Failures, f)
	}
	return out, failRows.Err()
}

func (s *sqliteStore) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE meta SET category = '', created_at = ?, updated_at = ?,
			api_calls_total = 0, last_run_duration_sec = 0, collections_completed = 0
		WHERE id = 1
	`, now, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *sqliteStore) scanJob(row rowScanner) (*domain.ProjectJob, error) {
	job := &domain.ProjectJob{}
	var checkpoint, partial sql.NullString

	err := row.Scan(&job.Repo, &job.Category, &job.Status, &job.Error,
		&checkpoint, &partial, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if checkpoint.Valid && checkpoint.String != "" {
		ckpt := &domain.Checkpoint{}
		if err := json.Unmarshal([]byte(checkpoint.String), ckpt); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint for %s: %w", job.Repo, err)
		}
		job.Checkpoint = ckpt
	}
	if partial.Valid && partial.String != "" {
		data := &domain.ProjectData{}
		if err := json.Unmarshal([]byte(partial.String), data); err != nil {
			return nil, fmt.Errorf("failed to parse partial data for %s: %w", job.Repo, err)
		}
		job.Partial = data
	}
	return job, nil
}

func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	switch t := v.(type) {
	case *domain.Checkpoint:
		if t == nil {
			return sql.NullString{}, nil
		}
	case *domain.ProjectData:
		if t == nil {
			return sql.NullString{}, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
