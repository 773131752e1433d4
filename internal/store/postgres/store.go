package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/commonsmetrics/governance-collector/internal/domain"
	apperrors "github.com/commonsmetrics/governance-collector/internal/errors"
	"github.com/commonsmetrics/governance-collector/internal/store"
)

// postgresStore implements store.JobStore for PostgreSQL. The claim
// uses FOR UPDATE SKIP LOCKED so multiple workers can share one store.
type postgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL job store instance
func NewPostgresStore(databaseURL string) (store.JobStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	s := &postgresStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		repo TEXT PRIMARY KEY,
		category TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		position BIGINT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		checkpoint JSONB,
		partial JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status_position ON jobs(status, position);

	CREATE TABLE IF NOT EXISTS meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		category TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		api_calls_total BIGINT NOT NULL DEFAULT 0,
		last_run_duration_sec DOUBLE PRECISION NOT NULL DEFAULT 0,
		collections_completed BIGINT NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (id, created_at, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO NOTHING
	`, now, now)
	return err
}

func (s *postgresStore) Initialize(ctx context.Context, repos []string, category string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var live int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status IN ($1, $2)`,
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
			VALUES ($1, $2, $3, $4, $5, $6)
		`, repo, category, domain.StatusPending, i+1, now, now)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE meta SET category = $1, created_at = $2, updated_at = $3,
			api_calls_total = 0, last_run_duration_sec = 0, collections_completed = 0
		WHERE id = 1
	`, category, now, now)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *postgresStore) AddProjects(ctx context.Context, repos []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var category string
	if err := tx.QueryRowContext(ctx, `SELECT category FROM meta WHERE id = 1`).Scan(&category); err != nil {
		return 0, err
	}

	var maxPos int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&maxPos); err != nil {
		return 0, err
	}

	added := 0
	now := time.Now().UTC()
	for _, repo := range repos {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (repo, category, status, position, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (repo) DO NOTHING
		`, repo, category, domain.StatusPending, maxPos+int64(added)+1, now, now)
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		added += int(n)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET updated_at = $1 WHERE id = 1`, now); err != nil {
		return 0, err
	}
	return added, tx.Commit()
}

func (s *postgresStore) ClaimNext(ctx context.Context) (*domain.ProjectJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// A previously claimed job takes priority over new pending entries
	job, err := scanJob(tx.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE status = $1 ORDER BY position LIMIT 1
	`, domain.StatusInProgress))
	if err == nil {
		return job, tx.Commit()
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	var repo string
	err = tx.QueryRowContext(ctx, `
		SELECT repo FROM jobs WHERE status = $1
		ORDER BY position LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, domain.StatusPending).Scan(&repo)
	if err == sql.ErrNoRows {
		return nil, store.ErrEmpty
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = $2 WHERE repo = $3
	`, domain.StatusInProgress, time.Now().UTC(), repo); err != nil {
		return nil, err
	}

	job, err = scanJob(tx.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE repo = $1
	`, repo))
	if err != nil {
		return nil, err
	}
	return job, tx.Commit()
}

func (s *postgresStore) Get(ctx context.Context, repo string) (*domain.ProjectJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		SELECT repo, category, status, error, checkpoint, partial, created_at, updated_at
		FROM jobs WHERE repo = $1
	`, repo))
	if err == sql.ErrNoRows {
		return nil, apperrors.NewNotFoundError("job " + repo)
	}
	return job, err
}

func (s *postgresStore) updateInProgress(ctx context.Context, query string, args ...interface{}) error {
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

func (s *postgresStore) SaveCheckpoint(ctx context.Context, repo string, ckpt *domain.Checkpoint) error {
	data, err := marshalJSON(ckpt)
	if err != nil {
		return err
	}
	return s.updateInProgress(ctx, `
		UPDATE jobs SET checkpoint = $1, updated_at = $2 WHERE repo = $3 AND status = $4
	`, data, time.Now().UTC(), repo, domain.StatusInProgress)
}

func (s *postgresStore) GetCheckpoint(ctx context.Context, repo string) (*domain.Checkpoint, error) {
	job, err := s.Get(ctx, repo)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusInProgress {
		return nil, apperrors.NewStateConflictError("job is not in progress")
	}
	return job.Checkpoint, nil
}

func (s *postgresStore) SavePartial(ctx context.Context, repo string, partial *domain.ProjectData) error {
	data, err := marshalJSON(partial)
	if err != nil {
		return err
	}
	return s.updateInProgress(ctx, `
		UPDATE jobs SET partial = $1, updated_at = $2 WHERE repo = $3 AND status = $4
	`, data, time.Now().UTC(), repo, domain.StatusInProgress)
}

func (s *postgresStore) GetPartial(ctx context.Context, repo string) (*domain.ProjectData, error) {
	job, err := s.Get(ctx, repo)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.StatusInProgress {
		return nil, apperrors.NewStateConflictError("job is not in progress")
	}
	return job.Partial, nil
}

func (s *postgresStore) Complete(ctx context.Context, repo string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, checkpoint = NULL, partial = NULL, error = '', updated_at = $2
		WHERE repo = $3 AND status = $4
	`, domain.StatusCompleted, time.Now().UTC(), repo, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStateConflictError(fmt.Sprintf("job %s is not in progress", repo))
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE meta SET collections_completed = collections_completed + 1, updated_at = $1 WHERE id = 1
	`, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) Fail(ctx context.Context, repo string, errorMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, checkpoint = NULL, partial = NULL, error = $2, updated_at = $3
		WHERE repo = $4 AND status = $5
	`, domain.StatusFailed, errorMessage, time.Now().UTC(), repo, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStateConflictError(fmt.Sprintf("job %s is not in progress", repo))
	}
	return nil
}

func (s *postgresStore) RetryFailed(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var maxPos int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM jobs`).Scan(&maxPos); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = '', position = position + $2, updated_at = $3
		WHERE status = $4
	`, domain.StatusPending, maxPos, time.Now().UTC(), domain.StatusFailed)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET updated_at = $1 WHERE id = 1`, time.Now().UTC()); err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

func (s *postgresStore) RecordRun(ctx context.Context, apiCalls int64, duration time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE meta SET api_calls_total = api_calls_total + $1,
			last_run_duration_sec = CASE WHEN $2 > 0 THEN $2 ELSE last_run_duration_sec END,
			updated_at = $3
		WHERE id = 1
	`, apiCalls, duration.Seconds(), time.Now().UTC())
	return err
}

func (s *postgresStore) Status(ctx context.Context) (*store.Status, error) {
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
		SELECT COALESCE(MIN(repo), '') FROM jobs WHERE status = $1
	`, domain.StatusInProgress).Scan(&out.InProgressRepo); err != nil {
		return nil, err
	}

	failRows, err := s.db.QueryContext(ctx, `
		SELECT repo, error, updated_at FROM jobs WHERE status = $1 ORDER BY position
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

func (s *postgresStore) Clear(ctx context.Context) error {
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
		UPDATE meta SET category = '', created_at = $1, updated_at = $2,
			api_calls_total = 0, last_run_duration_sec = 0, collections_completed = 0
		WHERE id = 1
	`, now, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*domain.ProjectJob, error) {
	job := &domain.ProjectJob{}
	var checkpoint, partial []byte

	err := row.Scan(&job.Repo, &job.Category, &job.Status, &job.Error,
		&checkpoint, &partial, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if len(checkpoint) > 0 {
		ckpt := &domain.Checkpoint{}
		if err := json.Unmarshal(checkpoint, ckpt); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint for %s: %w", job.Repo, err)
		}
		job.Checkpoint = ckpt
	}
	if len(partial) > 0 {
		data := &domain.ProjectData{}
		if err := json.Unmarshal(partial, data); err != nil {
			return nil, fmt.Errorf("failed to parse partial data for %s: %w", job.Repo, err)
		}
		job.Partial = data
	}
	return job, nil
}

func marshalJSON(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case *domain.Checkpoint:
		if t == nil {
			return nil, nil
		}
	case *domain.ProjectData:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
