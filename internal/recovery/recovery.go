// Package recovery decides what happens after an error has been classified:
// log it, retry it in the background, or surface it to the user.
package recovery

import (
	"context"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
)

// RetryFunc re-runs a failed operation. It receives the error with its retry
// count already incremented. A returned error is handled as the next failure
// of the same operation; nil ends the retry chain.
type RetryFunc func(ctx context.Context, err *failure.Error) error

// Notifier surfaces errors to the UI layer.
type Notifier interface {
	// FullScreen shows an app-breaking error.
	FullScreen(err *failure.Error)
	// Modal blocks the action that triggered the error.
	Modal(err *failure.Error)
	// Toast shows a transient, non-blocking notice.
	Toast(err *failure.Error)
}

// DiagnosticsSink receives every classified error for remote inspection.
type DiagnosticsSink interface {
	Record(ctx context.Context, rec Record) error
}

// Record is the diagnostics view of a classified error.
type Record struct {
	Kind       string         `json:"kind"`
	Severity   string         `json:"severity"`
	Operation  string         `json:"operation"`
	Component  string         `json:"component,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Message    string         `json:"message"`
	Retryable  bool           `json:"retryable"`
	Action     string         `json:"recovery_action"`
	RetryCount int            `json:"retry_count"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewRecord builds a diagnostics record from a classified error.
func NewRecord(err *failure.Error) Record {
	c := err.Context()
	return Record{
		Kind:       string(err.Kind()),
		Severity:   err.Severity().String(),
		Operation:  c.Operation,
		Component:  c.Component,
		UserID:     c.UserID,
		SessionID:  c.SessionID,
		Message:    err.TechnicalMessage(),
		Retryable:  err.Retryable(),
		Action:     string(err.RecoveryAction()),
		RetryCount: c.RetryCount,
		Metadata:   c.Metadata,
		Timestamp:  c.Timestamp,
	}
}

type nopNotifier struct{}

func (nopNotifier) FullScreen(*failure.Error) {}
func (nopNotifier) Modal(*failure.Error)      {}
func (nopNotifier) Toast(*failure.Error)      {}
