package job

import (
	"errors"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

// State is the tracker's view of a job.
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle: {StateLoading},
	StateLoading: {
		StateProcessing,
		StateCompleted,
		StateFailed,
		StateCancelled,
	},
	StateProcessing: {
		StateProcessing,
		StateCompleted,
		StateFailed,
		StateCancelled,
	},
	// retried
	StateFailed: {StateProcessing},
	// a cancel request raced with the worker
	StateCancelled: {StateProcessing, StateCompleted},
	StateCompleted: {},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// StateOf maps a job row status to a tracker state. A pending job is
// waiting on the worker and is shown as processing.
func StateOf(s domain.JobStatus) State {
	switch s {
	case domain.JobStatusPending, domain.JobStatusProcessing:
		return StateProcessing
	case domain.JobStatusCompleted:
		return StateCompleted
	case domain.JobStatusFailed:
		return StateFailed
	case domain.JobStatusCancelled:
		return StateCancelled
	}
	return StateLoading
}

// IsFinal reports whether no further worker updates are expected.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Event is one observed state change of a tracked job.
type Event struct {
	JobID string      `json:"job_id"`
	From  State       `json:"from"`
	To    State       `json:"to"`
	Job   *domain.Job `json:"job"`
	At    time.Time   `json:"at"`
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - not started"
	case StateLoading:
		return "Loading - waiting for the first fetch"
	case StateProcessing:
		return "Processing - queued or running on the worker"
	case StateCompleted:
		return "Completed - result available"
	case StateFailed:
		return "Failed - can be retried"
	case StateCancelled:
		return "Cancelled - stopped before processing began"
	default:
		return "Unknown state"
	}
}
