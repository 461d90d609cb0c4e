package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

// MemoryStorage keeps jobs and materials in process and broadcasts every
// job write to subscribers in commit order.
type MemoryStorage struct {
	jobs      map[string]*domain.Job
	materials map[string]*domain.Material
	subs      map[*subscription]struct{}
	closed    bool
	now       func() time.Time
	mu        sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		jobs:      make(map[string]*domain.Job),
		materials: make(map[string]*domain.Material),
		subs:      make(map[*subscription]struct{}),
		now:       time.Now,
	}
}

// Close ends every open subscription with storage.ErrFeedClosed.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subs {
		sub.end(storage.ErrFeedClosed)
		delete(s.subs, sub)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Job Repository
// -----------------------------------------------------------------------------

type JobRepo struct {
	store *MemoryStorage
}

func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	now := r.store.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Version = 1
	r.store.jobs[job.ID] = job.Clone()
	r.store.publish(job)
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepo) Latest(ctx context.Context, filter domain.JobFilter) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.Job
	for _, j := range r.store.jobs {
		if !filter.Matches(j) {
			continue
		}
		if latest == nil || j.CreatedAt.After(latest.CreatedAt) {
			latest = j
		}
	}
	if latest == nil {
		return nil, storage.ErrJobNotFound
	}
	return latest.Clone(), nil
}

func (r *JobRepo) List(ctx context.Context, q storage.JobQuery) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.store.jobs {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.SubjectID != "" && j.SubjectID != q.SubjectID {
			continue
		}
		if q.UserID != "" && j.UserID != q.UserID {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *JobRepo) Transition(
	ctx context.Context,
	id string,
	from, to domain.JobStatus,
	patch storage.JobPatch,
) (*domain.Job, bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return nil, false, storage.ErrJobNotFound
	}
	if j.Status != from {
		return j.Clone(), false, nil
	}
	storage.ApplyTransition(j, to, patch, r.store.now())
	r.store.publish(j)
	return j.Clone(), true, nil
}

func (r *JobRepo) UpdateProgress(
	ctx context.Context,
	id string,
	progress int,
	message string,
	processedUnits int,
) (*domain.Job, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	if j.Status != domain.JobStatusProcessing {
		return nil, fmt.Errorf("job %s is %s: %w", id, j.Status, storage.ErrNotProcessing)
	}
	j.Progress = min(max(progress, 0), 100)
	j.ProgressMessage = message
	j.ProcessedUnits = processedUnits
	j.UpdatedAt = r.store.now()
	j.Version++
	r.store.publish(j)
	return j.Clone(), nil
}

func (r *JobRepo) Touch(ctx context.Context, id string, status domain.JobStatus) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	j, ok := r.store.jobs[id]
	if !ok {
		return false, storage.ErrJobNotFound
	}
	if j.Status != status {
		return false, nil
	}
	j.UpdatedAt = r.store.now()
	j.Version++
	r.store.publish(j)
	return true, nil
}

func (r *JobRepo) ListStale(
	ctx context.Context,
	status domain.JobStatus,
	before time.Time,
	limit int,
) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var out []*domain.Job
	for _, j := range r.store.jobs {
		if j.Status == status && j.UpdatedAt.Before(before) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var n int64
	for id, j := range r.store.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(r.store.jobs, id)
			n++
		}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Material Repository
// -----------------------------------------------------------------------------

type MaterialRepo struct {
	store *MemoryStorage
}

func NewMaterialRepo(store *MemoryStorage) *MaterialRepo {
	return &MaterialRepo{store: store}
}

func (r *MaterialRepo) Create(ctx context.Context, m *domain.Material) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.store.now()
	}
	c := *m
	r.store.materials[m.ID] = &c
	return nil
}

func (r *MaterialRepo) Get(ctx context.Context, id string) (*domain.Material, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	m, ok := r.store.materials[id]
	if !ok {
		return nil, storage.ErrMaterialNotFound
	}
	c := *m
	return &c, nil
}
