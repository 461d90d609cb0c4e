package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/metrics"
	"github.com/Byk3y/PREPAI-sub003/internal/recovery"
)

var (
	// ErrNotCancellable is returned when the job is no longer pending.
	ErrNotCancellable = errors.New("job cannot be cancelled")

	// ErrNotRetryable is returned when the job has not failed.
	ErrNotRetryable = errors.New("job cannot be retried")

	// ErrNoJob is returned when no job has been loaded yet.
	ErrNoJob = errors.New("no job loaded")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("tracker already started")
)

const inboxSize = 16

// Retriggerer re-invokes remote processing for a job reset to pending.
type Retriggerer interface {
	Retrigger(ctx context.Context, jobID string) error
}

// ErrorHandler is the part of recovery.Handler the tracker needs.
type ErrorHandler interface {
	Handle(raw failure.Raw, c failure.Context, retry recovery.RetryFunc) *failure.Error
}

// Callbacks are optional UI hooks. They run on the tracker goroutine in
// delivery order, without any tracker lock held.
type Callbacks struct {
	OnProgress func(progress int, message string)
	OnComplete func(job *domain.Job)
	OnError    func(message string)
}

// Config holds the tracker collaborators. Trigger and Handler are optional.
type Config struct {
	Repo    storage.JobRepository
	Feed    storage.ChangeFeed
	Trigger Retriggerer
	Handler ErrorHandler
	UserID  string
}

// Tracker mirrors the latest job row matching a filter. The initial fetch
// and every change-feed delivery go through one serialized apply path that
// drops rows not newer than the last applied version of the same job.
type Tracker struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger

	// onFinal runs when the mirrored job enters a final state.
	onFinal func(j *domain.Job)

	inbox chan *domain.Job
	resub chan storage.Subscription
	done  chan struct{}

	mu        sync.Mutex
	filter    domain.JobFilter
	state     State
	job       *domain.Job
	versions  map[string]int64
	progress  map[string]int
	statuses  map[string]domain.JobStatus
	completed map[string]bool
	watchers  map[chan Event]struct{}
	sub       storage.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	stopped   bool
}

// NewTracker creates an idle tracker.
func NewTracker(cfg Config, cb Callbacks) *Tracker {
	return &Tracker{
		cfg:       cfg,
		cb:        cb,
		logger:    slog.Default().With("component", "job_tracker"),
		inbox:     make(chan *domain.Job, inboxSize),
		resub:     make(chan storage.Subscription),
		done:      make(chan struct{}),
		state:     StateIdle,
		versions:  make(map[string]int64),
		progress:  make(map[string]int),
		statuses:  make(map[string]domain.JobStatus),
		completed: make(map[string]bool),
		watchers:  make(map[chan Event]struct{}),
	}
}

// Start subscribes to changes for the filter, fetches the latest matching
// row and starts draining the subscription. It always reconciles against
// the store, never against a previously cached status.
func (t *Tracker) Start(ctx context.Context, filter domain.JobFilter) error {
	if !filter.Valid() {
		return fmt.Errorf("start tracker: invalid filter %s", filter)
	}

	t.mu.Lock()
	if t.started || t.stopped {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.filter = filter
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.setStateLocked(StateLoading, nil)
	t.mu.Unlock()

	sub, err := t.cfg.Feed.Subscribe(t.ctx, filter)
	if err != nil {
		t.abort()
		return t.report(fmt.Errorf("subscribe %s: %w", filter, err), "job.subscribe", nil)
	}

	j, err := t.cfg.Repo.Latest(ctx, filter)
	if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		sub.Close()
		t.abort()
		return t.report(fmt.Errorf("fetch %s: %w", filter, err), "job.fetch", nil)
	}

	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()

	if j != nil {
		t.apply(j)
	}

	metrics.TrackersActive.Inc()
	go t.run(sub)

	t.logger.Debug("Tracker started", "filter", filter)
	return nil
}

// Stop closes the subscription and all watch streams. It is idempotent and
// does not wait for the tracker goroutine.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	sub := t.sub
	cancel := t.cancel
	for ch := range t.watchers {
		close(ch)
		delete(t.watchers, ch)
	}
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		sub.Close()
	}
}

// Done is closed when the tracker goroutine has exited.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Snapshot returns a copy of the mirrored job and the tracker state.
func (t *Tracker) Snapshot() (*domain.Job, State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job.Clone(), t.state
}

// Watch returns a stream of applied rows. Events are dropped for a watcher
// whose buffer is full. The returned func stops watching.
func (t *Tracker) Watch(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		close(ch)
		return ch, func() {}
	}
	t.watchers[ch] = struct{}{}

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if _, ok := t.watchers[ch]; ok {
			delete(t.watchers, ch)
			close(ch)
		}
	}
}

// Cancel moves a pending job to cancelled. It is a compare-and-swap on the
// pending status, so a job the worker already picked up is left alone.
func (t *Tracker) Cancel(ctx context.Context) error {
	t.mu.Lock()
	j := t.job.Clone()
	t.mu.Unlock()

	if j == nil {
		return ErrNoJob
	}
	if j.Status != domain.JobStatusPending {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, j.ID, j.Status)
	}

	cur, ok, err := t.cfg.Repo.Transition(ctx, j.ID, domain.JobStatusPending, domain.JobStatusCancelled, storage.JobPatch{})
	if err != nil {
		return t.report(fmt.Errorf("cancel job %s: %w", j.ID, err), "job.cancel", nil)
	}
	t.offer(cur)
	if !ok {
		return fmt.Errorf("%w: job %s is %s", ErrNotCancellable, j.ID, cur.Status)
	}
	return nil
}

// Retry resets a failed job to pending, clearing its error, and triggers
// processing again.
func (t *Tracker) Retry(ctx context.Context) error {
	t.mu.Lock()
	j := t.job.Clone()
	t.mu.Unlock()

	if j == nil {
		return ErrNoJob
	}
	if j.Status != domain.JobStatusFailed {
		return fmt.Errorf("%w: job %s is %s", ErrNotRetryable, j.ID, j.Status)
	}

	cur, ok, err := t.cfg.Repo.Transition(ctx, j.ID, domain.JobStatusFailed, domain.JobStatusPending, storage.JobPatch{})
	if err != nil {
		return t.report(fmt.Errorf("retry job %s: %w", j.ID, err), "job.retry", nil)
	}
	t.offer(cur)
	if !ok {
		return fmt.Errorf("%w: job %s is %s", ErrNotRetryable, j.ID, cur.Status)
	}

	if t.cfg.Trigger == nil {
		return nil
	}
	if err := t.cfg.Trigger.Retrigger(ctx, j.ID); err != nil {
		var classified *failure.Error
		if errors.As(err, &classified) {
			return classified
		}
		return t.report(err, "job.retry", nil)
	}
	return nil
}

func (t *Tracker) run(sub storage.Subscription) {
	defer close(t.done)
	defer metrics.TrackersActive.Dec()

	updates := sub.Updates()
	for {
		select {
		case <-t.ctx.Done():
			return
		case j := <-t.inbox:
			t.apply(j)
		case s := <-t.resub:
			t.mu.Lock()
			if t.stopped {
				t.mu.Unlock()
				s.Close()
				return
			}
			t.sub = s
			t.mu.Unlock()
			sub, updates = s, s.Updates()
		case j, ok := <-updates:
			if !ok {
				updates = nil
				t.lost(sub)
				continue
			}
			t.apply(j)
		}
	}
}

func (t *Tracker) lost(sub storage.Subscription) {
	if t.ctx.Err() != nil {
		return
	}
	err := sub.Err()
	if err == nil {
		err = storage.ErrFeedClosed
	}
	t.logger.Warn("Job subscription lost", "filter", t.filter, "error", err)
	t.report(fmt.Errorf("subscription %s: %w", t.filter, err), "job.subscribe:"+t.filter.String(), t.resubscribe)
}

// resubscribe reopens the feed and refetches, so a gap in deliveries is
// reconciled against the store.
func (t *Tracker) resubscribe(ctx context.Context, _ *failure.Error) error {
	if t.ctx.Err() != nil {
		return nil
	}
	sub, err := t.cfg.Feed.Subscribe(t.ctx, t.filter)
	if err != nil {
		return err
	}
	j, err := t.cfg.Repo.Latest(ctx, t.filter)
	if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		sub.Close()
		return err
	}

	select {
	case t.resub <- sub:
	case <-t.ctx.Done():
		sub.Close()
		return nil
	}
	if j != nil {
		select {
		case t.inbox <- j:
		case <-t.ctx.Done():
		}
	}
	t.logger.Info("Job subscription restored", "filter", t.filter)
	return nil
}

// offer hands a row we wrote ourselves to the apply path. The feed delivers
// the same row, so it is dropped when the inbox is full.
func (t *Tracker) offer(j *domain.Job) {
	if j == nil {
		return
	}
	select {
	case t.inbox <- j:
	default:
	}
}

func (t *Tracker) apply(j *domain.Job) {
	if j == nil {
		return
	}

	t.mu.Lock()
	if t.stopped || !t.filter.Matches(j) {
		t.mu.Unlock()
		return
	}
	if last, ok := t.versions[j.ID]; ok && j.Version <= last {
		t.mu.Unlock()
		return
	}
	t.versions[j.ID] = j.Version

	// An older job matching a subject or parent filter never replaces a newer one.
	if t.job != nil && t.job.ID != j.ID && j.CreatedAt.Before(t.job.CreatedAt) {
		t.mu.Unlock()
		return
	}

	to := StateOf(j.Status)
	if t.job != nil && t.job.ID == j.ID && !CanTransition(t.state, to) {
		from := t.state
		t.mu.Unlock()
		t.logger.Warn("Ignoring job update",
			"job", j.ID,
			"error", ErrInvalidTransition,
			"from", from,
			"to", to,
		)
		return
	}

	prevProgress, seen := t.progress[j.ID]
	prevStatus := t.statuses[j.ID]
	t.progress[j.ID] = j.Progress
	t.statuses[j.ID] = j.Status
	t.job = j.Clone()

	var calls []func()
	switch j.Status {
	case domain.JobStatusProcessing:
		if t.cb.OnProgress != nil && (!seen || prevProgress != j.Progress) {
			progress, msg := j.Progress, j.ProgressMessage
			calls = append(calls, func() { t.cb.OnProgress(progress, msg) })
		}
	case domain.JobStatusCompleted:
		if !t.completed[j.ID] {
			t.completed[j.ID] = true
			if t.cb.OnComplete != nil {
				result := j.Clone()
				calls = append(calls, func() { t.cb.OnComplete(result) })
			}
		}
	case domain.JobStatusFailed:
		if prevStatus != domain.JobStatusFailed && t.cb.OnError != nil {
			msg := j.ErrorMessage
			calls = append(calls, func() { t.cb.OnError(msg) })
		}
	}

	if t.onFinal != nil && to.IsFinal() && t.state != to {
		final := j.Clone()
		calls = append(calls, func() { t.onFinal(final) })
	}

	t.setStateLocked(to, j)
	t.mu.Unlock()

	for _, call := range calls {
		t.invoke(call)
	}
}

// setStateLocked records the state and notifies watchers. t.mu must be held.
func (t *Tracker) setStateLocked(to State, j *domain.Job) {
	from := t.state
	t.state = to
	if from != to {
		metrics.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	}

	ev := Event{From: from, To: to, At: time.Now()}
	if j != nil {
		ev.JobID = j.ID
		ev.Job = j.Clone()
	}
	for ch := range t.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) invoke(call func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Tracker callback panicked", "filter", t.filter, "panic", r)
		}
	}()
	call()
}

func (t *Tracker) abort() {
	t.Stop()
	close(t.done)
}

func (t *Tracker) report(err error, op string, retry recovery.RetryFunc) *failure.Error {
	c := failure.Context{
		Operation: op,
		Component: "job_tracker",
		UserID:    t.cfg.UserID,
		Metadata:  map[string]any{"filter": t.filter.String()},
	}
	if t.cfg.Handler == nil {
		return failure.Classify(failure.FromError(err), c)
	}
	return t.cfg.Handler.Handle(failure.FromError(err), c, retry)
}
