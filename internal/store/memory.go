package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cleanwave/pipeline/pkg/models"
	"github.com/google/uuid"
)

// MemoryStore keeps jobs in process memory. Each job has its own lock so that
// updates to different jobs never contend.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*memoryEntry
}

type memoryEntry struct {
	mu      sync.Mutex
	job     *models.Job
	removed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[uuid.UUID]*memoryEntry)}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = &memoryEntry{job: job.Clone()}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	e := s.entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNotFound
	}
	return e.job.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, mutate MutateFunc) (*models.Job, error) {
	e := s.entry(id)
	if e == nil {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, ErrNotFound
	}

	working := e.job.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = e.job.ID
	if working.UpdatedAt.Equal(e.job.UpdatedAt) {
		working.UpdatedAt = time.Now().UTC()
	}
	// The mutator may have stored values the caller still holds.
	e.job = working.Clone()
	return working, nil
}

func (s *MemoryStore) SweepExpired(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []uuid.UUID
	for id, e := range s.jobs {
		e.mu.Lock()
		if !e.job.ExpiresAt.After(now) {
			e.removed = true
			delete(s.jobs, id)
			removed = append(removed, id)
		}
		e.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) ListUnfinished(_ context.Context) ([]*models.Job, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var jobs []*models.Job
	for _, e := range entries {
		e.mu.Lock()
		if !e.removed && !e.job.Status.Terminal() {
			jobs = append(jobs, e.job.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) entry(id uuid.UUID) *memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[id]
}
