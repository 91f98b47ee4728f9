package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Postgres persists jobs and results through a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	condsJSON, err := json.Marshal(job.StopConditions)
	if err != nil {
		return fmt.Errorf("marshal stop conditions: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, tenant, status, config, stop_conditions, total, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.Tenant, job.Status, configJSON, condsJSON, job.Total, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant, status, config, stop_conditions, total, stop_reason, created_at, started_at, completed_at
		FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

func (s *Postgres) ListJobs(ctx context.Context, tenant string) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, status, config, stop_conditions, total, stop_reason, created_at, started_at, completed_at
		FROM jobs WHERE ($1 = '' OR tenant = $1) ORDER BY created_at
	`, tenant)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var configJSON, condsJSON []byte
	var stopReason pgtype.Text
	var startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Tenant, &job.Status, &configJSON, &condsJSON,
		&job.Total, &stopReason, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(configJSON, &job.Config); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal(condsJSON, &job.StopConditions); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal stop conditions: %w", err)
	}
	if stopReason.Valid {
		job.StopReason = &stopReason.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func (s *Postgres) UpdateJobStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    started_at = COALESCE($3, started_at),
		    completed_at = COALESCE($4, completed_at)
		WHERE id = $1
	`, id, status, startedAt, completedAt)
	return err
}

func (s *Postgres) SetStopReason(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET stop_reason = $2 WHERE id = $1
	`, id, reason)
	return err
}

// AppendResults writes a batch of results in one round trip. Results are
// append-only; conflicts on (job_id, sequence_index) are rejected by the
// primary key, preserving exactly-once semantics across restarts.
func (s *Postgres) AppendResults(ctx context.Context, results []models.CheckResult) error {
	if len(results) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, res := range results {
		batch.Queue(`
			INSERT INTO check_results (job_id, sequence_index, email, classification, stage_reached, error_kind, detail, latency_ms, ts)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (job_id, sequence_index) DO NOTHING
		`, res.JobID, res.SequenceIndex, res.Email, res.Classification, res.StageReached, res.ErrorKind, res.Detail, res.LatencyMs, res.Timestamp)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range results {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
	}
	return nil
}

func (s *Postgres) ListResults(ctx context.Context, jobID string, offset, limit int) ([]models.CheckResult, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, sequence_index, email, classification, stage_reached, error_kind, detail, latency_ms, ts
		FROM check_results WHERE job_id = $1
		ORDER BY sequence_index
		OFFSET $2 LIMIT $3
	`, jobID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []models.CheckResult
	for rows.Next() {
		var res models.CheckResult
		var errKind pgtype.Text
		if err := rows.Scan(&res.JobID, &res.SequenceIndex, &res.Email, &res.Classification,
			&res.StageReached, &errKind, &res.Detail, &res.LatencyMs, &res.Timestamp); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if errKind.Valid {
			res.ErrorKind = &errKind.String
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (s *Postgres) CountResults(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM check_results WHERE job_id = $1
	`, jobID).Scan(&n)
	return n, err
}

func (s *Postgres) Close() {
	s.pool.Close()
}
