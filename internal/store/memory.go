package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MailerSuite/Final-sub004/internal/models"
)

// Memory is a mutex-guarded in-memory store used by the CLI and in tests.
type Memory struct {
	mu      sync.RWMutex
	jobs    map[string]models.Job
	order   []string
	results map[string][]models.CheckResult
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:    make(map[string]models.Job),
		results: make(map[string][]models.CheckResult),
	}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.order = append(m.order, job.ID)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, tenant string) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, id := range m.order {
		if job := m.jobs[id]; tenant == "" || job.Tenant == tenant {
			out = append(out, job)
		}
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id, status string, startedAt, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.Status = status
	if startedAt != nil {
		job.StartedAt = startedAt
	}
	if completedAt != nil {
		job.CompletedAt = completedAt
	}
	m.jobs[id] = job
	return nil
}

func (m *Memory) SetStopReason(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.StopReason = &reason
	m.jobs[id] = job
	return nil
}

func (m *Memory) AppendResults(_ context.Context, results []models.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, res := range results {
		m.results[res.JobID] = append(m.results[res.JobID], res)
	}
	return nil
}

// ListResults pages results ordered by sequence index for deterministic
// resumption, regardless of completion order.
func (m *Memory) ListResults(_ context.Context, jobID string, offset, limit int) ([]models.CheckResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := append([]models.CheckResult(nil), m.results[jobID]...)
	sort.Slice(all, func(i, j int) bool { return all[i].SequenceIndex < all[j].SequenceIndex })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) CountResults(_ context.Context, jobID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results[jobID]), nil
}

func (m *Memory) Close() {}
