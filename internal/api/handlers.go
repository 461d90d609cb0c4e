package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/processing"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

const (
	maxUploadBytes = 50 << 20
	streamBuffer   = 32
	keepAlive      = 25 * time.Second
)

// Submitter runs the upload and trigger pipeline.
type Submitter interface {
	Submit(ctx context.Context, s processing.Submission) (*processing.Outcome, error)
}

// JobControl is the part of job.Manager the API drives.
type JobControl interface {
	Track(ctx context.Context, jobID, userID string, cb job.Callbacks) (*job.Tracker, error)
	Cancel(ctx context.Context, jobID, userID string) error
	Retry(ctx context.Context, jobID, userID string) error
}

// JobReader loads single jobs for ownership checks.
type JobReader interface {
	Get(ctx context.Context, id string) (*domain.Job, error)
}

// NotificationSource streams recovery notices for a user.
type NotificationSource interface {
	Subscribe(userID string, buffer int) (<-chan recovery.Notification, func())
}

// ErrorReporter classifies and logs errors. recovery.Handler implements it.
type ErrorReporter interface {
	Handle(raw failure.Raw, c failure.Context, retry recovery.RetryFunc) *failure.Error
}

type Handler struct {
	submitter Submitter
	jobs      JobReader
	control   JobControl
	notices   NotificationSource
	errs      ErrorReporter
}

// NewHandler creates the API handlers. errs may be nil, in which case
// unclassified errors are classified without being logged.
func NewHandler(
	submitter Submitter,
	jobs JobReader,
	control JobControl,
	notices NotificationSource,
	errs ErrorReporter,
) *Handler {
	return &Handler{
		submitter: submitter,
		jobs:      jobs,
		control:   control,
		notices:   notices,
		errs:      errs,
	}
}

type submitResponse struct {
	Stage          processing.Stage `json:"stage"`
	Material       *domain.Material `json:"material,omitempty"`
	Job            *domain.Job      `json:"job,omitempty"`
	TrackJobID     string           `json:"track_job_id,omitempty"`
	EstimatedPages int              `json:"estimated_pages,omitempty"`
	Error          *errorBody       `json:"error,omitempty"`
}

// SubmitMaterial handles POST /v1/materials (multipart: file, subject_id, pages).
func (h *Handler) SubmitMaterial(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	subjectID := c.PostForm("subject_id")
	if subjectID == "" {
		badRequest(c, "subject_id is required")
		return
	}
	pages := 0
	if v := c.PostForm("pages"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "pages must be a non-negative integer")
			return
		}
		pages = n
	}

	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "file could not be read")
		return
	}
	defer f.Close()

	out, err := h.submitter.Submit(c.Request.Context(), processing.Submission{
		UserID:    userID(c),
		SubjectID: subjectID,
		File: domain.SourceFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Pages:       pages,
			Body:        f,
		},
	})
	if err != nil {
		h.writeError(c, err, "submit_material")
		return
	}

	resp := submitResponse{
		Stage:          out.Stage,
		Material:       out.Material,
		Job:            out.Job,
		TrackJobID:     out.TrackJobID,
		EstimatedPages: out.EstimatedPages,
	}
	if out.Err != nil {
		b := bodyOf(out.Err)
		resp.Error = &b
	}

	status := http.StatusAccepted
	if out.Stage == processing.StageSucceeded {
		status = http.StatusCreated
	}
	c.JSON(status, resp)
}

// owned loads a job and hides it from other users.
func (h *Handler) owned(c *gin.Context) (*domain.Job, bool) {
	j, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "get_job")
		return nil, false
	}
	if j.UserID != "" && j.UserID != userID(c) {
		h.writeError(c, storage.ErrJobNotFound, "get_job")
		return nil, false
	}
	return j, true
}

// GetJob handles GET /v1/jobs/:id.
func (h *Handler) GetJob(c *gin.Context) {
	j, ok := h.owned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, j)
}

// CancelJob handles POST /v1/jobs/:id/cancel.
func (h *Handler) CancelJob(c *gin.Context) {
	j, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.control.Cancel(c.Request.Context(), j.ID, userID(c)); err != nil {
		h.writeError(c, err, "cancel_job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": j.ID, "status": domain.JobStatusCancelled})
}

// RetryJob handles POST /v1/jobs/:id/retry.
func (h *Handler) RetryJob(c *gin.Context) {
	j, ok := h.owned(c)
	if !ok {
		return
	}
	if err := h.control.Retry(c.Request.Context(), j.ID, userID(c)); err != nil {
		h.writeError(c, err, "retry_job")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": j.ID, "status": domain.JobStatusPending})
}

// StreamJob handles GET /v1/jobs/:id/events. It sends the current snapshot,
// then every applied change, and ends once the job is terminal.
func (h *Handler) StreamJob(c *gin.Context) {
	j, ok := h.owned(c)
	if !ok {
		return
	}
	t, err := h.control.Track(c.Request.Context(), j.ID, userID(c), job.Callbacks{})
	if err != nil {
		h.writeError(c, err, "track_job")
		return
	}
	events, stop := t.Watch(streamBuffer)
	defer stop()

	snap, state := t.Snapshot()
	if snap == nil {
		snap = j
	}
	startStream(c)
	c.SSEvent("snapshot", job.Event{JobID: j.ID, To: state, Job: snap, At: time.Now()})
	c.Writer.Flush()
	if snap.Status.IsTerminal() {
		return
	}

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			c.SSEvent("ping", "")
			c.Writer.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent("job", ev)
			c.Writer.Flush()
			if ev.Job != nil && ev.Job.Status.IsTerminal() {
				return
			}
		}
	}
}

// StreamNotifications handles GET /v1/notifications.
func (h *Handler) StreamNotifications(c *gin.Context) {
	notices, stop := h.notices.Subscribe(userID(c), streamBuffer)
	defer stop()

	startStream(c)
	c.Writer.Flush()

	ping := time.NewTicker(keepAlive)
	defer ping.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			c.SSEvent("ping", "")
			c.Writer.Flush()
		case n, ok := <-notices:
			if !ok {
				return
			}
			c.SSEvent(string(n.Surface), n)
			c.Writer.Flush()
		}
	}
}

func startStream(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}
