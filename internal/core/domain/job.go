package domain

import (
	"encoding/json"
	"time"
)

// Job mirrors one row of the remote processing queue.
type Job struct {
	ID              string          `json:"id"`
	SubjectID       string          `json:"subject_id"`
	UserID          string          `json:"user_id,omitempty"`
	ParentID        string          `json:"parent_id,omitempty"`
	Status          JobStatus       `json:"status"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	EstimatedUnits  int             `json:"estimated_units"`
	ProcessedUnits  int             `json:"processed_units"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further worker transition is expected.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Result != nil {
		c.Result = append(json.RawMessage(nil), j.Result...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobFilter scopes a fetch or subscription. Exactly one field is set.
type JobFilter struct {
	JobID     string
	SubjectID string
	ParentID  string
}

// ByJob returns a filter on the job id.
func ByJob(id string) JobFilter { return JobFilter{JobID: id} }

// BySubject returns a filter on the subject (material) id.
func BySubject(id string) JobFilter { return JobFilter{SubjectID: id} }

// ByParent returns a filter on the parent job id.
func ByParent(id string) JobFilter { return JobFilter{ParentID: id} }

// Valid reports whether exactly one field is set.
func (f JobFilter) Valid() bool {
	n := 0
	for _, v := range []string{f.JobID, f.SubjectID, f.ParentID} {
		if v != "" {
			n++
		}
	}
	return n == 1
}

// Matches reports whether the job satisfies the equality filter.
func (f JobFilter) Matches(j *Job) bool {
	switch {
	case f.JobID != "":
		return j.ID == f.JobID
	case f.SubjectID != "":
		return j.SubjectID == f.SubjectID
	case f.ParentID != "":
		return j.ParentID == f.ParentID
	}
	return false
}

func (f JobFilter) String() string {
	switch {
	case f.JobID != "":
		return "id=" + f.JobID
	case f.SubjectID != "":
		return "subject_id=" + f.SubjectID
	case f.ParentID != "":
		return "parent_id=" + f.ParentID
	}
	return "<empty>"
}
