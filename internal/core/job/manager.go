package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

// Registry persists which jobs are being tracked so tracking can resume
// after a restart.
type Registry interface {
	Add(ctx context.Context, jobID, userID string) error
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) (map[string]string, error)
}

// Manager owns one tracker per job id.
type Manager struct {
	repo     storage.JobRepository
	feed     storage.ChangeFeed
	handler  ErrorHandler
	registry Registry
	logger   *slog.Logger

	mu       sync.Mutex
	trigger  Retriggerer
	trackers map[string]*Tracker
	retrying map[string]int
}

// NewManager creates a tracker manager. The registry is optional.
func NewManager(
	repo storage.JobRepository,
	feed storage.ChangeFeed,
	handler ErrorHandler,
	registry Registry,
) *Manager {
	return &Manager{
		repo:     repo,
		feed:     feed,
		handler:  handler,
		registry: registry,
		logger:   slog.Default().With("component", "job_manager"),
		trackers: make(map[string]*Tracker),
		retrying: make(map[string]int),
	}
}

// SetRetriggerer wires the processing trigger used by Retry.
func (m *Manager) SetRetriggerer(r Retriggerer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = r
}

// Track starts tracking a job, or returns the running tracker for it.
// Callbacks only apply to a newly created tracker; later observers use Watch.
// A tracker is released once its job is completed, cancelled or failed, so
// the returned tracker may already be stopped.
func (m *Manager) Track(ctx context.Context, jobID, userID string, cb Callbacks) (*Tracker, error) {
	m.mu.Lock()
	if t, ok := m.trackers[jobID]; ok {
		m.mu.Unlock()
		return t, nil
	}

	t := NewTracker(Config{
		Repo:    m.repo,
		Feed:    m.feed,
		Trigger: m.trigger,
		Handler: m.handler,
		UserID:  userID,
	}, cb)
	t.onFinal = func(j *domain.Job) { m.finished(jobID, t, j) }
	m.trackers[jobID] = t
	m.mu.Unlock()

	if err := t.Start(ctx, domain.ByJob(jobID)); err != nil {
		m.mu.Lock()
		delete(m.trackers, jobID)
		m.mu.Unlock()
		return nil, err
	}

	if _, state := t.Snapshot(); state.IsFinal() || m.registry == nil {
		return t, nil
	}
	if err := m.registry.Add(ctx, jobID, userID); err != nil {
		m.logger.Warn("Failed to register tracked job", "job", jobID, "error", err)
	}
	// The job may have finished while it was being registered.
	if !m.tracking(jobID, t) {
		m.unregister(jobID)
	}
	return t, nil
}

// Get returns the running tracker for a job.
func (m *Manager) Get(jobID string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[jobID]
	return t, ok
}

// Cancel cancels a pending job through its tracker. The tracker is
// released once the cancelled row is applied.
func (m *Manager) Cancel(ctx context.Context, jobID, userID string) error {
	t, err := m.Track(ctx, jobID, userID, Callbacks{})
	if err != nil {
		return err
	}
	return t.Cancel(ctx)
}

// Retry retries a failed job through its tracker. The tracker is held
// while the retry runs and released again if the job stays failed.
func (m *Manager) Retry(ctx context.Context, jobID, userID string) error {
	m.mu.Lock()
	m.retrying[jobID]++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.retrying[jobID]--; m.retrying[jobID] <= 0 {
			delete(m.retrying, jobID)
		}
		m.mu.Unlock()
	}()

	t, err := m.Track(ctx, jobID, userID, Callbacks{})
	if err != nil {
		return err
	}
	if err := t.Retry(ctx); err != nil {
		if j, gerr := m.repo.Get(ctx, jobID); gerr == nil && j.Status.IsTerminal() {
			go m.release(jobID, t)
		}
		return err
	}
	if m.registry != nil {
		if err := m.registry.Add(ctx, jobID, userID); err != nil {
			m.logger.Warn("Failed to register tracked job", "job", jobID, "error", err)
		}
	}
	return nil
}

// Active returns the number of running trackers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trackers)
}

// Resume restarts tracking for every registered job that is still open.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	if m.registry == nil {
		return 0, nil
	}
	entries, err := m.registry.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tracked jobs: %w", err)
	}

	resumed := 0
	for jobID, userID := range entries {
		j, err := m.repo.Get(ctx, jobID)
		if errors.Is(err, storage.ErrJobNotFound) ||
			(err == nil && j.Status.IsTerminal()) {
			m.unregister(jobID)
			continue
		}
		if err != nil {
			return resumed, fmt.Errorf("get job %s: %w", jobID, err)
		}
		if _, err := m.Track(ctx, jobID, userID, Callbacks{}); err != nil {
			m.logger.Warn("Failed to resume tracking", "job", jobID, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		m.logger.Info("Resumed job tracking", "jobs", resumed)
	}
	return resumed, nil
}

// StopAll stops every tracker. Registry entries are kept for Resume.
func (m *Manager) StopAll() {
	m.mu.Lock()
	trackers := m.trackers
	m.trackers = make(map[string]*Tracker)
	m.mu.Unlock()

	for _, t := range trackers {
		t.Stop()
	}
}

// finished runs on the tracker goroutine when a job enters a final state.
// A failed job keeps its tracker while a Retry holds it.
func (m *Manager) finished(jobID string, t *Tracker, j *domain.Job) {
	if j.Status == domain.JobStatusFailed {
		m.mu.Lock()
		held := m.retrying[jobID] > 0
		m.mu.Unlock()
		if held {
			return
		}
	}
	go m.release(jobID, t)
}

func (m *Manager) tracking(jobID string, t *Tracker) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trackers[jobID] == t
}

// release stops a tracker whose job reached a final state.
func (m *Manager) release(jobID string, t *Tracker) {
	m.mu.Lock()
	if m.trackers[jobID] != t {
		m.mu.Unlock()
		t.Stop()
		return
	}
	delete(m.trackers, jobID)
	m.mu.Unlock()

	t.Stop()
	m.unregister(jobID)
}

func (m *Manager) unregister(jobID string) {
	if m.registry == nil {
		return
	}
	if err := m.registry.Remove(context.Background(), jobID); err != nil {
		m.logger.Warn("Failed to unregister job", "job", jobID, "error", err)
	}
}
