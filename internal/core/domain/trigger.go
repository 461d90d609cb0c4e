package domain

import "encoding/json"

// TriggerResult is the response of the remote processing entry point.
// Exactly one of Success or BackgroundProcessing is expected to be set.
type TriggerResult struct {
	Success              bool            `json:"success"`
	Data                 json.RawMessage `json:"data,omitempty"`
	BackgroundProcessing bool            `json:"background_processing"`
	JobID                string          `json:"job_id,omitempty"`
	EstimatedPages       int             `json:"estimated_pages,omitempty"`
}

// UploadResult tells where an uploaded file ended up.
type UploadResult struct {
	Path string
	// LocalOnly is set when the upload fell back to a local reference.
	LocalOnly bool
}
