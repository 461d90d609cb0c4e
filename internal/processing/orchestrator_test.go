package processing

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/core/job"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage/memory"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

// =============================================================================
// Mocks
// =============================================================================

type mockUploader struct {
	localOnly bool
	err       error
}

func (u *mockUploader) Upload(ctx context.Context, userID string, f domain.SourceFile) (domain.UploadResult, error) {
	if u.err != nil {
		return domain.UploadResult{}, u.err
	}
	return domain.UploadResult{Path: userID + "/" + f.Name, LocalOnly: u.localOnly}, nil
}

type mockTrigger struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, materialID string, call int) (*domain.TriggerResult, error)
}

func (m *mockTrigger) Invoke(ctx context.Context, materialID string) (*domain.TriggerResult, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	m.mu.Unlock()
	return m.fn(ctx, materialID, call)
}

func (m *mockTrigger) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockNotifier struct {
	mu     sync.Mutex
	toasts int
	modals int
}

func (n *mockNotifier) FullScreen(*failure.Error) {}
func (n *mockNotifier) Modal(*failure.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.modals++
}
func (n *mockNotifier) Toast(*failure.Error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts++
}

type env struct {
	store     *memory.MemoryStorage
	jobs      *memory.JobRepo
	materials *memory.MaterialRepo
	feed      *memory.Feed
	handler   *recovery.Handler
	notifier  *mockNotifier
	manager   *job.Manager
}

func newEnv(backoff *recovery.ExponentialBackoff) *env {
	store := memory.NewMemoryStorage()
	e := &env{
		store:     store,
		jobs:      memory.NewJobRepo(store),
		materials: memory.NewMaterialRepo(store),
		feed:      memory.NewFeed(store),
		notifier:  &mockNotifier{},
	}
	if backoff == nil {
		backoff = &recovery.ExponentialBackoff{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}
	}
	e.handler = recovery.NewHandler(backoff, e.notifier, nil)
	e.manager = job.NewManager(e.jobs, e.feed, e.handler, nil)
	return e
}

func (e *env) orchestrator(u Uploader, tr Trigger, timeout time.Duration) *Orchestrator {
	o := NewOrchestrator(u, tr, e.jobs, e.materials, e.handler, e.manager, Config{TriggerTimeout: timeout})
	e.manager.SetRetriggerer(o)
	return o
}

func (e *env) close() {
	e.handler.Cleanup()
	e.manager.StopAll()
}

func submission(pages int) Submission {
	return Submission{
		UserID:    "u1",
		SubjectID: "notebook-1",
		File: domain.SourceFile{
			Name:        "chapter.pdf",
			ContentType: "application/pdf",
			Size:        int64(pages) * 40_000,
			Pages:       pages,
			Body:        strings.NewReader("%PDF"),
		},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func (e *env) status(t *testing.T, id string) domain.JobStatus {
	t.Helper()
	j, err := e.jobs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get %s failed: %v", id, err)
	}
	return j.Status
}

// =============================================================================
// Submit
// =============================================================================

func TestSubmit_Success(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		return &domain.TriggerResult{Success: true, Data: json.RawMessage(`{"summary":"done"}`)}, nil
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, err := o.Submit(context.Background(), submission(3))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Stage != StageSucceeded {
		t.Fatalf("expected succeeded, got %s", out.Stage)
	}
	if out.Job.Status != domain.JobStatusCompleted || string(out.Job.Result) != `{"summary":"done"}` {
		t.Errorf("unexpected job %+v", out.Job)
	}
	if out.Job.SubjectID != out.Material.ID {
		t.Error("job subject should be the material id")
	}
	m, err := e.materials.Get(context.Background(), out.Material.ID)
	if err != nil || m.StoragePath != "u1/chapter.pdf" {
		t.Errorf("material not stored correctly: %+v %v", m, err)
	}
}

func TestSubmit_TimeoutLeavesPending(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		// Ignores cancellation, like a client stuck on a dead connection.
		time.Sleep(200 * time.Millisecond)
		return &domain.TriggerResult{Success: true}, nil
	}}
	o := e.orchestrator(&mockUploader{}, trigger, 20*time.Millisecond)

	start := time.Now()
	out, err := o.Submit(context.Background(), submission(3))
	if err != nil {
		t.Fatalf("timeout should not fail the submission: %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Error("orchestrator waited past its timeout")
	}
	if out.Stage != StagePending {
		t.Fatalf("expected pending, got %s", out.Stage)
	}
	if out.Err == nil || out.Err.Kind() != failure.KindNetwork {
		t.Errorf("expected a network classification, got %v", out.Err)
	}
	if got := e.status(t, out.Job.ID); got != domain.JobStatusPending {
		t.Errorf("expected job pending, got %s", got)
	}
	if e.handler.PendingRetries() != 1 {
		t.Errorf("expected an automatic retrigger to be scheduled, got %d", e.handler.PendingRetries())
	}
}

func TestSubmit_GenericErrorFails(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		return nil, errors.New("edge function returned 500: failed to generate summary")
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, err := o.Submit(context.Background(), submission(3))
	if err == nil {
		t.Fatal("expected an error")
	}
	var classified *failure.Error
	if !errors.As(err, &classified) || classified.Kind() != failure.KindProcessing {
		t.Errorf("expected processing error, got %v", err)
	}
	if out.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", out.Stage)
	}
	if got := e.status(t, out.Job.ID); got != domain.JobStatusFailed {
		t.Errorf("expected job failed, got %s", got)
	}
	if out.Job.ErrorMessage == "" {
		t.Error("expected an error message on the job")
	}
	if e.handler.PendingRetries() != 0 {
		t.Error("a failed job must not be retriggered automatically")
	}
	if e.notifier.toasts != 1 {
		t.Errorf("expected one toast, got %d", e.notifier.toasts)
	}
}

func TestSubmit_BackgroundDefers(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		return &domain.TriggerResult{BackgroundProcessing: true, JobID: "bg-1", EstimatedPages: 80}, nil
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, err := o.Submit(context.Background(), submission(80))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Stage != StageDeferred || out.TrackJobID != "bg-1" || out.EstimatedPages != 80 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := e.status(t, out.Job.ID); got != domain.JobStatusPending {
		t.Errorf("original job should be untouched, got %s", got)
	}
	if out.Tracker != nil {
		t.Error("no tracker expected without callbacks")
	}
}

func TestSubmit_UploadFailures(t *testing.T) {
	tests := []struct {
		name     string
		uploader *mockUploader
		kind     failure.Kind
	}{
		{"upload error", &mockUploader{err: errors.New("storage bucket rejected upload")}, failure.KindStorage},
		{"local only", &mockUploader{localOnly: true}, failure.KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(nil)
			defer e.close()
			trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
				return &domain.TriggerResult{Success: true}, nil
			}}
			o := e.orchestrator(tt.uploader, trigger, time.Second)

			out, err := o.Submit(context.Background(), submission(2))
			if err == nil || out.Stage != StageFailed {
				t.Fatalf("expected failed outcome, got %s %v", out.Stage, err)
			}
			if out.Err.Kind() != tt.kind {
				t.Errorf("expected %s, got %s", tt.kind, out.Err.Kind())
			}
			if out.Job != nil {
				t.Error("no job should be created")
			}
			if trigger.Calls() != 0 {
				t.Error("trigger must not run")
			}
		})
	}
}

func TestSubmit_NetworkRetryRecovers(t *testing.T) {
	e := newEnv(&recovery.ExponentialBackoff{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 5})
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, call int) (*domain.TriggerResult, error) {
		if call < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &domain.TriggerResult{Success: true, Data: json.RawMessage(`{}`)}, nil
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, err := o.Submit(context.Background(), submission(3))
	if err != nil || out.Stage != StagePending {
		t.Fatalf("expected pending, got %s %v", out.Stage, err)
	}

	waitFor(t, func() bool {
		j, _ := e.jobs.Get(context.Background(), out.Job.ID)
		return j.Status == domain.JobStatusCompleted
	})
	if trigger.Calls() != 3 {
		t.Errorf("expected 3 trigger calls, got %d", trigger.Calls())
	}
}

func TestRetrigger_RequiresPending(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		return nil, errors.New("permission denied for table materials")
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, _ := o.Submit(context.Background(), submission(1))
	if out.Stage != StageFailed {
		t.Fatalf("expected failed, got %s", out.Stage)
	}
	if err := o.Retrigger(context.Background(), out.Job.ID); !errors.Is(err, ErrNotPending) {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestRetrigger_RefreshesStaleness(t *testing.T) {
	e := newEnv(nil)
	defer e.close()

	trigger := &mockTrigger{fn: func(ctx context.Context, id string, _ int) (*domain.TriggerResult, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	out, err := o.Submit(context.Background(), submission(1))
	if err != nil || out.Stage != StagePending {
		t.Fatalf("expected pending, got %s %v", out.Stage, err)
	}

	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now()
	stale, _ := e.jobs.ListStale(context.Background(), domain.JobStatusPending, cutoff, 10)
	if len(stale) != 1 {
		t.Fatalf("expected the pending job to look stale, got %d", len(stale))
	}

	_ = o.Retrigger(context.Background(), out.Job.ID)

	stale, _ = e.jobs.ListStale(context.Background(), domain.JobStatusPending, cutoff, 10)
	if len(stale) != 0 {
		t.Errorf("retriggered job should not be swept again, got %d stale", len(stale))
	}
	if trigger.Calls() != 2 {
		t.Errorf("expected 2 trigger calls, got %d", trigger.Calls())
	}
}

// =============================================================================
// End to end
// =============================================================================

// A 50-page document is handed to a background job J1 whose progress is
// followed until it completes.
func TestSubmit_LargeDocumentTrackedToCompletion(t *testing.T) {
	e := newEnv(nil)
	defer e.close()
	ctx := context.Background()

	trigger := &mockTrigger{fn: func(ctx context.Context, materialID string, _ int) (*domain.TriggerResult, error) {
		// The remote service queues the background job before answering.
		if err := e.jobs.Create(ctx, &domain.Job{
			ID:             "J1",
			SubjectID:      materialID,
			UserID:         "u1",
			Status:         domain.JobStatusPending,
			EstimatedUnits: 50,
		}); err != nil {
			return nil, err
		}
		return &domain.TriggerResult{BackgroundProcessing: true, JobID: "J1", EstimatedPages: 50}, nil
	}}
	o := e.orchestrator(&mockUploader{}, trigger, time.Second)

	var mu sync.Mutex
	var progress []int
	var results []*domain.Job
	sub := submission(50)
	sub.Callbacks = job.Callbacks{
		OnProgress: func(p int, _ string) {
			mu.Lock()
			defer mu.Unlock()
			if p > 0 {
				progress = append(progress, p)
			}
		},
		OnComplete: func(j *domain.Job) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, j)
		},
	}

	out, err := o.Submit(ctx, sub)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if out.Stage != StageDeferred || out.TrackJobID != "J1" || out.Tracker == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if got := e.status(t, out.Job.ID); got != domain.JobStatusPending {
		t.Errorf("original job should stay pending, got %s", got)
	}

	steps := []func() error{
		func() error {
			_, _, err := e.jobs.Transition(ctx, "J1", domain.JobStatusPending, domain.JobStatusProcessing, storage.JobPatch{})
			return err
		},
		func() error { _, err := e.jobs.UpdateProgress(ctx, "J1", 10, "Extracting pages", 5); return err },
		func() error { _, err := e.jobs.UpdateProgress(ctx, "J1", 60, "Summarizing", 30); return err },
		func() error {
			_, _, err := e.jobs.Transition(ctx, "J1", domain.JobStatusProcessing, domain.JobStatusCompleted,
				storage.JobPatch{Result: json.RawMessage(`{"summary":"50 pages"}`)})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("worker step failed: %v", err)
		}
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(results) == 1
	})
	<-out.Tracker.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(progress) != 2 || progress[0] != 10 || progress[1] != 60 {
		t.Errorf("expected progress [10 60], got %v", progress)
	}
	if len(results) != 1 || string(results[0].Result) != `{"summary":"50 pages"}` {
		t.Errorf("unexpected completion %+v", results)
	}
}
