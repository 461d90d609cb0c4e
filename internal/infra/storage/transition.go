package storage

import (
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
)

// ApplyTransition writes the status change and its side fields onto j.
// Stores without server-side logic use it to keep the same row semantics
// as the SQL implementation.
func ApplyTransition(j *domain.Job, to domain.JobStatus, patch JobPatch, now time.Time) {
	j.Status = to
	j.UpdatedAt = now
	j.Version++

	switch to {
	case domain.JobStatusPending:
		j.ErrorMessage = ""
		j.Progress = 0
		j.ProgressMessage = ""
		j.ProcessedUnits = 0
		j.StartedAt = nil
		j.CompletedAt = nil
		j.Result = nil
	case domain.JobStatusProcessing:
		if j.StartedAt == nil {
			t := now
			j.StartedAt = &t
		}
	case domain.JobStatusCompleted:
		j.Progress = 100
		j.Result = patch.Result
		j.ErrorMessage = ""
		t := now
		j.CompletedAt = &t
	case domain.JobStatusFailed:
		j.ErrorMessage = patch.ErrorMessage
		t := now
		j.CompletedAt = &t
	case domain.JobStatusCancelled:
		t := now
		j.CompletedAt = &t
	}
}
