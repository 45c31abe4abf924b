package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/speechrun/internal/job"
)

// JobStore persists job records in Postgres. Transition checks run under
// SELECT ... FOR UPDATE so concurrent chunk tasks cannot interleave a
// read-check-write on the same row.
type JobStore struct {
	db  *DB
	now func() time.Time
}

var _ job.Store = (*JobStore)(nil)

func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db, now: time.Now}
}

const jobColumns = `job_id, source_id, chunk_index, run_id, state,
	start_offset_ms, duration_ms, plan_max_ms, local_path,
	created_at, updated_at, last_polled_at, attempt_count,
	error_kind, status_message, result_path`

func (s *JobStore) Upsert(ctx context.Context, rec job.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevState string
	var prevCreated time.Time
	err = tx.QueryRow(ctx,
		`SELECT state, created_at FROM job_records
		 WHERE source_id = $1 AND chunk_index = $2 FOR UPDATE`,
		rec.SourceID, rec.ChunkIndex,
	).Scan(&prevState, &prevCreated)
	switch {
	case err == nil:
		if err := job.CheckTransition(job.State(prevState), rec.State); err != nil {
			return fmt.Errorf("%s: %w", rec.Key(), err)
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = prevCreated
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("lock %s: %w", rec.Key(), err)
	}

	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_records (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source_id, chunk_index) DO UPDATE SET
			job_id         = EXCLUDED.job_id,
			run_id         = EXCLUDED.run_id,
			state          = EXCLUDED.state,
			start_offset_ms = EXCLUDED.start_offset_ms,
			duration_ms    = EXCLUDED.duration_ms,
			plan_max_ms    = EXCLUDED.plan_max_ms,
			local_path     = EXCLUDED.local_path,
			updated_at     = EXCLUDED.updated_at,
			last_polled_at = EXCLUDED.last_polled_at,
			attempt_count  = EXCLUDED.attempt_count,
			error_kind     = EXCLUDED.error_kind,
			status_message = EXCLUDED.status_message,
			result_path    = EXCLUDED.result_path`,
		rec.JobID, rec.SourceID, rec.ChunkIndex, rec.RunID, string(rec.State),
		rec.StartOffset.Milliseconds(), rec.Duration.Milliseconds(), rec.PlanMax.Milliseconds(), rec.LocalPath,
		rec.CreatedAt, now, rec.LastPolledAt, rec.AttemptCount,
		string(rec.ErrorKind), rec.StatusMessage, rec.ResultPath,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Key(), err)
	}
	return tx.Commit(ctx)
}

// Replace overwrites a failed, timed out or abandoned row with a fresh
// pending one, including its created_at.
func (s *JobStore) Replace(ctx context.Context, rec job.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var prevState string
	err = tx.QueryRow(ctx,
		`SELECT state FROM job_records
		 WHERE source_id = $1 AND chunk_index = $2 FOR UPDATE`,
		rec.SourceID, rec.ChunkIndex,
	).Scan(&prevState)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", rec.Key(), err)
	}
	if err := job.CheckReplace(job.State(prevState), rec); err != nil {
		return fmt.Errorf("%s: %w", rec.Key(), err)
	}

	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err = tx.Exec(ctx, `
		UPDATE job_records SET
			job_id = $3, run_id = $4, state = $5,
			start_offset_ms = $6, duration_ms = $7, plan_max_ms = $8, local_path = $9,
			created_at = $10, updated_at = $11, last_polled_at = $12, attempt_count = $13,
			error_kind = $14, status_message = $15, result_path = $16
		WHERE source_id = $1 AND chunk_index = $2`,
		rec.SourceID, rec.ChunkIndex, rec.JobID, rec.RunID, string(rec.State),
		rec.StartOffset.Milliseconds(), rec.Duration.Milliseconds(), rec.PlanMax.Milliseconds(), rec.LocalPath,
		rec.CreatedAt, now, rec.LastPolledAt, rec.AttemptCount,
		string(rec.ErrorKind), rec.StatusMessage, rec.ResultPath,
	)
	if err != nil {
		return fmt.Errorf("replace %s: %w", rec.Key(), err)
	}
	return tx.Commit(ctx)
}

func (s *JobStore) Get(ctx context.Context, sourceID string, chunkIndex int) (job.Record, error) {
	row := s.db.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_records WHERE source_id = $1 AND chunk_index = $2`,
		sourceID, chunkIndex)
	rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Record{}, job.ErrNotFound
	}
	return rec, err
}

func (s *JobStore) List(ctx context.Context, sourceID string) ([]job.Record, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM job_records WHERE source_id = $1 ORDER BY chunk_index`,
		sourceID)
}

func (s *JobStore) ListIncomplete(ctx context.Context, sourceID string) ([]job.Record, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM job_records
		 WHERE source_id = $1 AND state IN ('pending', 'polling')
		 ORDER BY chunk_index`,
		sourceID)
}

// Sources returns every source ID with at least one record.
func (s *JobStore) Sources(ctx context.Context) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx, `SELECT DISTINCT source_id FROM job_records ORDER BY source_id`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// CountIncomplete counts non-terminal records across all sources.
func (s *JobStore) CountIncomplete(ctx context.Context) (int, error) {
	var n int
	err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM job_records WHERE state IN ('pending', 'polling')`).Scan(&n)
	return n, err
}

func (s *JobStore) query(ctx context.Context, sql string, args ...any) ([]job.Record, error) {
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query job records: %w", err)
	}
	defer rows.Close()

	var out []job.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (job.Record, error) {
	var rec job.Record
	var state, kind string
	var startMs, durMs, planMaxMs int64
	err := row.Scan(
		&rec.JobID, &rec.SourceID, &rec.ChunkIndex, &rec.RunID, &state,
		&startMs, &durMs, &planMaxMs, &rec.LocalPath,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.LastPolledAt, &rec.AttemptCount,
		&kind, &rec.StatusMessage, &rec.ResultPath,
	)
	if err != nil {
		return job.Record{}, err
	}
	rec.State = job.State(state)
	rec.ErrorKind = job.ErrorKind(kind)
	rec.StartOffset = time.Duration(startMs) * time.Millisecond
	rec.Duration = time.Duration(durMs) * time.Millisecond
	rec.PlanMax = time.Duration(planMaxMs) * time.Millisecond
	return rec, nil
}
