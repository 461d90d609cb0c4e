package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when no job matches
	ErrJobNotFound = errors.New("job not found")

	// ErrMaterialNotFound is returned when a material doesn't exist
	ErrMaterialNotFound = errors.New("material not found")

	// ErrNotProcessing is returned for progress on a job that is not running
	ErrNotProcessing = errors.New("job is not processing")

	// ErrFeedClosed is reported by a subscription whose feed shut down
	ErrFeedClosed = errors.New("change feed connection closed")
)

// JobPatch carries the fields written alongside a status transition.
// Which fields apply depends on the target status:
//   - pending: error message, progress and timestamps are cleared
//   - processing: started_at is set if empty
//   - completed: Result is stored, progress becomes 100
//   - failed: ErrorMessage is stored
type JobPatch struct {
	ErrorMessage string
	Result       json.RawMessage
}

// JobQuery selects jobs for listing.
type JobQuery struct {
	Status    domain.JobStatus
	SubjectID string
	UserID    string
	Limit     int
}

// JobRepository handles job storage operations
type JobRepository interface {
	// Create inserts a new job
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Latest retrieves the most recently created job matching the filter
	Latest(ctx context.Context, filter domain.JobFilter) (*domain.Job, error)

	// List retrieves jobs, newest first
	List(ctx context.Context, q JobQuery) ([]*domain.Job, error)

	// Transition moves a job from one status to another only if its current
	// status is still from. It returns the current row and whether it swapped.
	Transition(
		ctx context.Context,
		id string,
		from, to domain.JobStatus,
		patch JobPatch,
	) (*domain.Job, bool, error)

	// UpdateProgress records worker progress on a processing job
	UpdateProgress(
		ctx context.Context,
		id string,
		progress int,
		message string,
		processedUnits int,
	) (*domain.Job, error)

	// Touch marks a job still in status as updated now, so stale sweeps
	// skip it. It reports whether the job was in status.
	Touch(ctx context.Context, id string, status domain.JobStatus) (bool, error)

	// ListStale retrieves jobs in a status not updated since before
	ListStale(
		ctx context.Context,
		status domain.JobStatus,
		before time.Time,
		limit int,
	) ([]*domain.Job, error)

	// DeleteFinishedBefore removes terminal jobs completed before the cutoff
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// MaterialRepository handles uploaded material records
type MaterialRepository interface {
	// Create inserts a new material
	Create(ctx context.Context, m *domain.Material) error

	// Get retrieves a material by id
	Get(ctx context.Context, id string) (*domain.Material, error)
}

// Subscription is a standing stream of job rows matching a filter.
type Subscription interface {
	// Updates delivers full rows in the order the store commits them.
	// The channel is closed when the subscription ends.
	Updates() <-chan *domain.Job

	// Err reports why the subscription ended, nil after Close.
	Err() error

	// Close releases the subscription. It is idempotent.
	Close() error
}

// ChangeFeed pushes row-level job changes to subscribers.
type ChangeFeed interface {
	Subscribe(ctx context.Context, filter domain.JobFilter) (Subscription, error)
}
