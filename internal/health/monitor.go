package health

import (
	"context"
	"sync"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

const (
	checkInterval = 10 * time.Second
	checkTimeout  = 3 * time.Second
)

// Dependency is an external component the service relies on.
// A failing required dependency makes the system critical.
type Dependency struct {
	Name     string
	Required bool
	Check    func(ctx context.Context) error
}

// Activity exposes in-process counters.
type Activity struct {
	ActiveTrackers func() int
	PendingRetries func() int
}

// Thresholds bound the degraded and critical ranges.
type Thresholds struct {
	StaleAfter      time.Duration
	StaleDegraded   int
	StaleCritical   int
	RetriesDegraded int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		StaleAfter:      10 * time.Minute,
		StaleDegraded:   1,
		StaleCritical:   50,
		RetriesDegraded: 100,
	}
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	deps       []Dependency
	jobs       storage.JobRepository
	activity   Activity
	thresholds Thresholds
	now        func() time.Time
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor. jobs may be nil.
func NewMonitor(deps []Dependency, jobs storage.JobRepository, activity Activity, th Thresholds) *Monitor {
	return &Monitor{
		deps:       deps,
		jobs:       jobs,
		activity:   activity,
		thresholds: th,
		now:        time.Now,
	}
}

// CheckHealth runs every check, at most once per interval.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && m.now().Sub(m.lastCheck) < checkInterval {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Components:   make(map[string]ComponentHealth, len(m.deps)),
	}

	for _, dep := range m.deps {
		ch := m.checkDependency(ctx, dep)
		report.Components[dep.Name] = ch
		report.SystemStatus = worst(report.SystemStatus, ch.Status)
	}

	if m.activity.ActiveTrackers != nil {
		report.ActiveTrackers = m.activity.ActiveTrackers()
	}
	if m.activity.PendingRetries != nil {
		report.PendingRetries = m.activity.PendingRetries()
		if report.PendingRetries >= m.thresholds.RetriesDegraded && m.thresholds.RetriesDegraded > 0 {
			report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
		}
	}

	if m.jobs != nil && m.thresholds.StaleAfter > 0 {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		stale, err := m.jobs.ListStale(cctx, domain.JobStatusPending, m.now().Add(-m.thresholds.StaleAfter), m.thresholds.StaleCritical)
		cancel()
		if err == nil {
			report.StalePending = len(stale)
			switch {
			case m.thresholds.StaleCritical > 0 && report.StalePending >= m.thresholds.StaleCritical:
				report.SystemStatus = worst(report.SystemStatus, StatusCritical)
			case m.thresholds.StaleDegraded > 0 && report.StalePending >= m.thresholds.StaleDegraded:
				report.SystemStatus = worst(report.SystemStatus, StatusDegraded)
			}
		}
	}

	m.lastCheck = m.now()
	m.lastReport = &report
	return report
}

func (m *Monitor) checkDependency(ctx context.Context, dep Dependency) ComponentHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := m.now()
	ch := ComponentHealth{Name: dep.Name, Status: StatusHealthy, CheckedAt: start}
	if err := dep.Check(ctx); err != nil {
		ch.Error = err.Error()
		ch.Status = StatusDegraded
		if dep.Required {
			ch.Status = StatusCritical
		}
	}
	ch.Latency = m.now().Sub(start)
	return ch
}

func rank(s SystemStatus) int {
	switch s {
	case StatusCritical:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func worst(a, b SystemStatus) SystemStatus {
	if rank(b) > rank(a) {
		return b
	}
	return a
}
