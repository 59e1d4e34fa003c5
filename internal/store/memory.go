package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobservice/internal/domain"
)

var _ Repository = (*MemoryRepo)(nil)

// MemoryRepo keeps jobs in a map. Jobs are copied on the way in and out.
type MemoryRepo struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{jobs: make(map[string]domain.Job)}
}

func (m *MemoryRepo) Create(_ context.Context, j domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return domain.ErrAlreadyExists
	}
	stamp(&j, time.Now().UTC())
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryRepo) Update(_ context.Context, j domain.Job, expected ...domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[j.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if len(expected) > 0 && !statusIn(cur.Status, expected) {
		return domain.ErrStatusConflict
	}
	j.CreatedAt = cur.CreatedAt
	stamp(&j, time.Now().UTC())
	m.jobs[j.ID] = j.Clone()
	return nil
}

func (m *MemoryRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryRepo) ListByStatus(_ context.Context, statuses ...domain.Status) ([]domain.Job, error) {
	m.mu.RLock()
	var out []domain.Job
	for _, j := range m.jobs {
		if statusIn(j.Status, statuses) {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].NextFireTime.Equal(out[b].NextFireTime) {
			return out[a].NextFireTime.Before(out[b].NextFireTime)
		}
		return out[a].Priority > out[b].Priority
	})
	return out, nil
}

func (m *MemoryRepo) ListByCorrelationID(_ context.Context, correlationID string) ([]domain.Job, error) {
	m.mu.RLock()
	var out []domain.Job
	for _, j := range m.jobs {
		if j.CorrelationID == correlationID {
			out = append(out, j.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

func (m *MemoryRepo) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepo) Close() error { return nil }
