package domain

import (
	"io"
	"time"
)

// Material is an uploaded source document attached to a notebook.
type Material struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subject_id"`
	UserID         string    `json:"user_id,omitempty"`
	FileName       string    `json:"file_name"`
	ContentType    string    `json:"content_type"`
	SizeBytes      int64     `json:"size_bytes"`
	StoragePath    string    `json:"storage_path"`
	EstimatedPages int       `json:"estimated_pages"`
	CreatedAt      time.Time `json:"created_at"`
}

// SourceFile is a document waiting to be uploaded.
type SourceFile struct {
	Name        string
	ContentType string
	Size        int64
	Pages       int
	Body        io.Reader
	// LocalPath is kept so a degraded upload can still reference the file.
	LocalPath string
}
