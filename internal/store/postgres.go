package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, status, file, stage_history, overall_progress, error_message, is_entitled,
	created_at, updated_at, completed_at, expires_at`

// PostgresStore implements the Store interface using pgx/v5. The full stage
// history is kept as JSONB so progress reporting can resume after a restart.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Create(ctx context.Context, job *models.Job) error {
	file, history, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.Status, file, history, job.OverallProgress, job.Error, job.IsEntitled,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt, job.ExpiresAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies mutate and writes
// the result back in the same transaction.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, mutate MutateFunc) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	job, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	prev := job.UpdatedAt
	if err := mutate(job); err != nil {
		return nil, err
	}
	job.ID = id
	if job.UpdatedAt.Equal(prev) {
		job.UpdatedAt = time.Now().UTC()
	}

	file, history, err := encodeJob(job)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, file = $3, stage_history = $4, overall_progress = $5,
		   error_message = $6, is_entitled = $7, updated_at = $8, completed_at = $9, expires_at = $10
		 WHERE id = $1`,
		id, job.Status, file, history, job.OverallProgress, job.Error, job.IsEntitled,
		job.UpdatedAt, job.CompletedAt, job.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `DELETE FROM jobs WHERE expires_at <= $1 RETURNING id`, now)
	if err != nil {
		return nil, fmt.Errorf("sweep expired jobs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan swept job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) ListUnfinished(ctx context.Context) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status IN ('created', 'running') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		file    []byte
		history []byte
	)
	if err := row.Scan(&j.ID, &j.Status, &file, &history, &j.OverallProgress, &j.Error, &j.IsEntitled,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt, &j.ExpiresAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(file, &j.File); err != nil {
		return nil, fmt.Errorf("decode file descriptor: %w", err)
	}
	if err := json.Unmarshal(history, &j.StageHistory); err != nil {
		return nil, fmt.Errorf("decode stage history: %w", err)
	}
	if j.StageHistory == nil {
		j.StageHistory = []models.StageRecord{}
	}
	return &j, nil
}

func encodeJob(job *models.Job) (file, history []byte, err error) {
	file, err = json.Marshal(job.File)
	if err != nil {
		return nil, nil, fmt.Errorf("encode file descriptor: %w", err)
	}
	records := job.StageHistory
	if records == nil {
		records = []models.StageRecord{}
	}
	history, err = json.Marshal(records)
	if err != nil {
		return nil, nil, fmt.Errorf("encode stage history: %w", err)
	}
	return file, history, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
