package store

import (
	"context"
	"errors"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// ErrNotFound is returned for unknown job IDs.
var ErrNotFound = errors.New("job not found")

// Store persists jobs and their append-only result streams. The engine's
// live counters stay in the aggregator; the store serves retrieval, export
// and restarts.
type Store interface {
	CreateJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, tenant string) ([]models.Job, error)
	UpdateJobStatus(ctx context.Context, id, status string, startedAt, completedAt *time.Time) error
	SetStopReason(ctx context.Context, id, reason string) error

	AppendResults(ctx context.Context, results []models.CheckResult) error
	ListResults(ctx context.Context, jobID string, offset, limit int) ([]models.CheckResult, error)
	CountResults(ctx context.Context, jobID string) (int, error)

	Close()
}
