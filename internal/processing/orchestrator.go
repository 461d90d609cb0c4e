// Package processing runs a material submission from upload to a final
// disposition: succeeded, deferred to a background job, left pending after a
// transient failure, or failed.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/metrics"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

const DefaultTriggerTimeout = 120 * time.Second

var (
	// ErrNotPending is returned when retriggering a job that left pending.
	ErrNotPending = errors.New("job is not pending")

	errNoResult = errors.New("processing trigger returned neither a result nor a background job")
)

// Stage is the position of a submission in its pipeline.
type Stage string

const (
	StageUploading  Stage = "uploading"
	StageQueued     Stage = "queued"
	StageTriggering Stage = "triggering"
	StageSucceeded  Stage = "succeeded"
	StageDeferred   Stage = "deferred"
	StagePending    Stage = "pending"
	StageFailed     Stage = "failed"
)

// Uploader transfers a source file to remote storage.
type Uploader interface {
	Upload(ctx context.Context, userID string, f domain.SourceFile) (domain.UploadResult, error)
}

// Trigger invokes remote processing of a material.
type Trigger interface {
	Invoke(ctx context.Context, materialID string) (*domain.TriggerResult, error)
}

// Tracking starts job trackers. job.Manager implements it.
type Tracking interface {
	Track(ctx context.Context, jobID, userID string, cb job.Callbacks) (*job.Tracker, error)
}

// ErrorHandler is the part of recovery.Handler the orchestrator needs.
type ErrorHandler interface {
	HandleError(err *failure.Error, retry recovery.RetryFunc)
	Handle(raw failure.Raw, c failure.Context, retry recovery.RetryFunc) *failure.Error
}

// Config controls the orchestrator.
type Config struct {
	TriggerTimeout time.Duration
	// AllowLocalFallback accepts uploads that degraded to a local path.
	// Such submissions still fail, since the remote side cannot read them.
	AllowLocalFallback bool
}

// Submission is one document sent for processing.
type Submission struct {
	UserID    string
	SubjectID string
	File      domain.SourceFile
	Callbacks job.Callbacks
}

// Outcome is the disposition of a submission or retrigger.
type Outcome struct {
	Stage          Stage
	Material       *domain.Material
	Job            *domain.Job
	TrackJobID     string
	EstimatedPages int
	Tracker        *job.Tracker
	Err            *failure.Error
}

// Orchestrator coordinates upload, job creation and the processing trigger.
type Orchestrator struct {
	uploader  Uploader
	trigger   Trigger
	jobs      storage.JobRepository
	materials storage.MaterialRepository
	handler   ErrorHandler
	tracking  Tracking
	cfg       Config
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator. Tracking may be nil, in which case
// deferred jobs are reported but not tracked.
func NewOrchestrator(
	uploader Uploader,
	trigger Trigger,
	jobs storage.JobRepository,
	materials storage.MaterialRepository,
	handler ErrorHandler,
	tracking Tracking,
	cfg Config,
) *Orchestrator {
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = DefaultTriggerTimeout
	}
	return &Orchestrator{
		uploader:  uploader,
		trigger:   trigger,
		jobs:      jobs,
		materials: materials,
		handler:   handler,
		tracking:  tracking,
		cfg:       cfg,
		logger:    slog.Default().With("component", "orchestrator"),
	}
}

// Submit uploads the file, creates the material and its pending job, and
// triggers processing. The returned error is non-nil only for a failed
// outcome, and is then the classified *failure.Error.
func (o *Orchestrator) Submit(ctx context.Context, s Submission) (*Outcome, error) {
	out := &Outcome{Stage: StageUploading}
	c := failure.Context{
		Component: "orchestrator",
		UserID:    s.UserID,
		Metadata:  map[string]any{"file": s.File.Name, "subject_id": s.SubjectID},
	}

	up, err := o.uploader.Upload(ctx, s.UserID, s.File)
	if err != nil {
		c.Operation = "upload_material"
		return o.fail(out, o.handler.Handle(failure.FromError(err), c, nil))
	}
	if up.LocalOnly {
		c.Operation = "upload_material"
		msg := "upload fell back to a local-only reference"
		if !o.cfg.AllowLocalFallback {
			msg += " (local fallback disabled)"
		}
		ferr := failure.New(failure.KindStorage, failure.SeverityMedium, false, failure.ActionNone, msg, c)
		o.handler.HandleError(ferr, nil)
		return o.fail(out, ferr)
	}

	out.Stage = StageQueued
	now := time.Now()
	m := &domain.Material{
		ID:             uuid.NewString(),
		SubjectID:      s.SubjectID,
		UserID:         s.UserID,
		FileName:       s.File.Name,
		ContentType:    s.File.ContentType,
		SizeBytes:      s.File.Size,
		StoragePath:    up.Path,
		EstimatedPages: s.File.Pages,
		CreatedAt:      now,
	}
	if err := o.materials.Create(ctx, m); err != nil {
		c.Operation = "create_material"
		return o.fail(out, o.handler.Handle(failure.FromError(err), c, nil))
	}
	out.Material = m

	j := &domain.Job{
		ID:             uuid.NewString(),
		SubjectID:      m.ID,
		UserID:         s.UserID,
		Status:         domain.JobStatusPending,
		EstimatedUnits: s.File.Pages,
		CreatedAt:      now,
	}
	if err := o.jobs.Create(ctx, j); err != nil {
		c.Operation = "create_job"
		return o.fail(out, o.handler.Handle(failure.FromError(err), c, nil))
	}
	out.Job = j

	o.logger.Info("Material queued",
		"material", m.ID,
		"job", j.ID,
		"pages", s.File.Pages,
		"user", s.UserID,
	)

	res := o.runTrigger(ctx, j, s.Callbacks, 0)
	res.Material = m
	return o.settle(res, s.Callbacks)
}

// Retrigger runs the trigger phase again for a pending job.
func (o *Orchestrator) Retrigger(ctx context.Context, jobID string) error {
	j, err := o.claim(ctx, jobID)
	if err != nil {
		return fmt.Errorf("retrigger %s: %w", jobID, err)
	}
	_, err = o.settle(o.runTrigger(ctx, j, job.Callbacks{}, 0), job.Callbacks{})
	return err
}

// claim touches a pending job before it is triggered again, so the sweeper
// does not pick it up while this attempt runs.
func (o *Orchestrator) claim(ctx context.Context, jobID string) (*domain.Job, error) {
	touched, err := o.jobs.Touch(ctx, jobID, domain.JobStatusPending)
	if err != nil {
		return nil, err
	}
	j, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !touched || j.Status != domain.JobStatusPending {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotPending, jobID, j.Status)
	}
	return j, nil
}

// settle hands a pending outcome to the handler for an automatic retrigger.
func (o *Orchestrator) settle(out *Outcome, cb job.Callbacks) (*Outcome, error) {
	metrics.Submissions.WithLabelValues(string(out.Stage)).Inc()
	switch out.Stage {
	case StagePending:
		o.handler.HandleError(out.Err, o.retryTrigger(out.Job.ID, cb))
	case StageFailed:
		return out, out.Err
	}
	return out, nil
}

func (o *Orchestrator) retryTrigger(jobID string, cb job.Callbacks) recovery.RetryFunc {
	return func(ctx context.Context, prev *failure.Error) error {
		j, err := o.claim(ctx, jobID)
		if errors.Is(err, ErrNotPending) {
			o.logger.Debug("Skipping retrigger", "job", jobID, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		out := o.runTrigger(ctx, j, cb, prev.Context().RetryCount)
		metrics.Submissions.WithLabelValues(string(out.Stage)).Inc()
		if out.Stage == StagePending {
			return out.Err
		}
		return nil
	}
}

// runTrigger invokes remote processing for a pending job and applies the
// result. Network failures, timeouts included, leave the job pending and
// are returned unhandled; other failures are handled and fail the job.
func (o *Orchestrator) runTrigger(ctx context.Context, j *domain.Job, cb job.Callbacks, retryCount int) *Outcome {
	out := &Outcome{Stage: StageTriggering, Job: j}
	start := time.Now()

	resp, err := o.invoke(ctx, j.SubjectID)
	if err == nil && (resp == nil || (!resp.Success && !resp.BackgroundProcessing)) {
		err = errNoResult
	}

	switch {
	case err == nil && resp.BackgroundProcessing:
		metrics.TriggerLatency.WithLabelValues(string(StageDeferred)).Observe(time.Since(start).Seconds())
		out.Stage = StageDeferred
		out.TrackJobID = resp.JobID
		out.EstimatedPages = resp.EstimatedPages
		o.logger.Info("Processing deferred to background job",
			"job", j.ID,
			"background_job", resp.JobID,
			"pages", resp.EstimatedPages,
		)
		if o.tracking != nil && resp.JobID != "" && hasCallbacks(cb) {
			tr, terr := o.tracking.Track(ctx, resp.JobID, j.UserID, cb)
			if terr != nil {
				o.logger.Warn("Failed to track background job", "job", resp.JobID, "error", terr)
			}
			out.Tracker = tr
		}
		return out

	case err == nil:
		metrics.TriggerLatency.WithLabelValues(string(StageSucceeded)).Observe(time.Since(start).Seconds())
		out.Stage = StageSucceeded
		if cur, cerr := o.complete(ctx, j.ID, resp); cerr != nil {
			o.logger.Warn("Failed to record job result", "job", j.ID, "error", cerr)
		} else {
			out.Job = cur
		}
		return out
	}

	c := failure.Context{
		Operation:  "process_material:" + j.SubjectID,
		Component:  "orchestrator",
		UserID:     j.UserID,
		Metadata:   map[string]any{"job_id": j.ID},
		RetryCount: retryCount,
	}
	classified := failure.Classify(failure.FromError(err), c)
	out.Err = classified

	if classified.Kind() == failure.KindNetwork {
		metrics.TriggerLatency.WithLabelValues(string(StagePending)).Observe(time.Since(start).Seconds())
		out.Stage = StagePending
		return out
	}

	metrics.TriggerLatency.WithLabelValues(string(StageFailed)).Observe(time.Since(start).Seconds())
	o.handler.HandleError(classified, nil)
	out.Stage = StageFailed
	cur, _, terr := o.jobs.Transition(ctx, j.ID, domain.JobStatusPending, domain.JobStatusFailed, storage.JobPatch{
		ErrorMessage: classified.HumanMessage(),
	})
	if terr != nil {
		o.logger.Warn("Failed to mark job failed", "job", j.ID, "error", terr)
	} else if cur != nil {
		out.Job = cur
	}
	return out
}

// invoke races the trigger call against the configured ceiling. An expired
// wait means the outcome is unknown, not that processing failed.
func (o *Orchestrator) invoke(ctx context.Context, materialID string) (*domain.TriggerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TriggerTimeout)
	defer cancel()

	type result struct {
		resp *domain.TriggerResult
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := o.trigger.Invoke(ctx, materialID)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("processing trigger for %s abandoned after %s: %w", materialID, o.cfg.TriggerTimeout, ctx.Err())
	}
}

// complete records the inline result. The worker may have moved the row to
// processing in the meantime, and a row already finished is left as is.
func (o *Orchestrator) complete(ctx context.Context, jobID string, resp *domain.TriggerResult) (*domain.Job, error) {
	patch := storage.JobPatch{Result: resp.Data}
	cur, ok, err := o.jobs.Transition(ctx, jobID, domain.JobStatusPending, domain.JobStatusCompleted, patch)
	if err != nil || ok {
		return cur, err
	}
	if cur.Status == domain.JobStatusProcessing {
		cur, _, err = o.jobs.Transition(ctx, jobID, domain.JobStatusProcessing, domain.JobStatusCompleted, patch)
	}
	return cur, err
}

func (o *Orchestrator) fail(out *Outcome, err *failure.Error) (*Outcome, error) {
	metrics.Submissions.WithLabelValues(string(StageFailed)).Inc()
	out.Stage = StageFailed
	out.Err = err
	return out, err
}

func hasCallbacks(cb job.Callbacks) bool {
	return cb.OnProgress != nil || cb.OnComplete != nil || cb.OnError != nil
}
