package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
	"github.com/Byk3y/PREPAI-sub003/internal/metrics"
)

const sinkTimeout = 2 * time.Second

// pendingRetry stays registered from scheduling until its retry returns,
// so Cleanup can cancel a retry that is already running.
type pendingRetry struct {
	timer  *time.Timer
	cancel context.CancelFunc
	gen    uint64
}

// Handler logs classified errors, schedules automatic retries and routes
// the rest to the Notifier by severity.
type Handler struct {
	strategy RetryStrategy
	notifier Notifier
	sink     DiagnosticsSink
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRetry
	gen     uint64
}

// NewHandler creates a new error handler. Notifier and sink are optional.
func NewHandler(strategy RetryStrategy, notifier Notifier, sink DiagnosticsSink) *Handler {
	if strategy == nil {
		strategy = DefaultBackoff()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Handler{
		strategy: strategy,
		notifier: notifier,
		sink:     sink,
		logger:   slog.Default().With("component", "recovery"),
		pending:  make(map[string]*pendingRetry),
	}
}

// Handle classifies a raw error, logs it and dispatches it.
func (h *Handler) Handle(raw failure.Raw, c failure.Context, retry RetryFunc) *failure.Error {
	err := failure.Classify(raw, c)
	h.HandleError(err, retry)
	return err
}

// HandleError logs and dispatches an already classified error.
// A retryable error with a retry function is retried in the background
// instead of being shown.
func (h *Handler) HandleError(err *failure.Error, retry RetryFunc) {
	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()
	h.dispatch(err, retry, gen)
}

// dispatch handles err as part of a retry chain started in generation gen.
// Chains from before the last Cleanup are not rescheduled.
func (h *Handler) dispatch(err *failure.Error, retry RetryFunc, gen uint64) {
	if err == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Error handler panicked", "panic", r)
		}
	}()

	h.log(err)

	attempt := err.Context().RetryCount
	if retry != nil && h.strategy.ShouldRetry(err, attempt) {
		if !h.schedule(err, retry, gen) {
			h.logger.Debug("Retry dropped after cleanup", "operation", err.Context().Operation)
		}
		return
	}
	if err.Retryable() && retry != nil {
		h.logger.Warn("Retries exhausted",
			"operation", err.Context().Operation,
			"attempts", attempt,
		)
	}
	h.notify(err)
}

// PendingRetries returns the number of retries that are scheduled or running.
func (h *Handler) PendingRetries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Cleanup stops all pending retry timers and cancels retries in flight.
// Retry chains started before Cleanup never schedule again.
func (h *Handler) Cleanup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gen++
	for key, p := range h.pending {
		p.timer.Stop()
		p.cancel()
		delete(h.pending, key)
	}
	metrics.RetriesPending.Set(0)
}

func (h *Handler) schedule(err *failure.Error, retry RetryFunc, gen uint64) bool {
	key := err.RetryKey()
	delay := h.strategy.GetDelay(err.Context().RetryCount)

	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingRetry{cancel: cancel, gen: gen}

	h.mu.Lock()
	if gen != h.gen {
		h.mu.Unlock()
		cancel()
		return false
	}
	if old, ok := h.pending[key]; ok {
		old.timer.Stop()
		old.cancel()
	}
	h.pending[key] = p
	p.timer = time.AfterFunc(delay, func() { h.fire(ctx, key, p, err, retry) })
	metrics.RetriesPending.Set(float64(len(h.pending)))
	h.mu.Unlock()

	metrics.RetriesScheduled.WithLabelValues(err.Context().Component).Inc()
	h.logger.Debug("Retry scheduled",
		"key", key,
		"delay", delay,
		"attempt", err.Context().RetryCount+1,
	)
	return true
}

func (h *Handler) fire(ctx context.Context, key string, p *pendingRetry, err *failure.Error, retry RetryFunc) {
	h.mu.Lock()
	if h.pending[key] != p {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	next := err.WithRetry()
	rerr := h.run(ctx, retry, next)
	h.release(key, p)
	if rerr == nil || ctx.Err() != nil {
		return
	}
	c := next.Context()
	again := failure.Classify(failure.FromError(rerr), c)
	if again.Context().RetryCount < c.RetryCount {
		again = again.AtRetry(c.RetryCount)
	}
	h.dispatch(again, retry, p.gen)
}

// release drops p once its retry has returned, unless it was superseded.
func (h *Handler) release(key string, p *pendingRetry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[key] == p {
		delete(h.pending, key)
		metrics.RetriesPending.Set(float64(len(h.pending)))
	}
	p.cancel()
}

func (h *Handler) run(ctx context.Context, retry RetryFunc, err *failure.Error) (rerr error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Retry panicked", "operation", err.Context().Operation, "panic", r)
			rerr = nil
		}
	}()
	return retry(ctx, err)
}

func (h *Handler) log(err *failure.Error) {
	c := err.Context()
	attrs := []any{
		"kind", err.Kind(),
		"severity", err.Severity(),
		"operation", c.Operation,
		"retryable", err.Retryable(),
		"retry_count", c.RetryCount,
		"error", err.TechnicalMessage(),
	}
	if c.UserID != "" {
		attrs = append(attrs, "user", c.UserID)
	}

	switch err.Severity() {
	case failure.SeverityCritical, failure.SeverityHigh:
		h.logger.Error("Operation failed", attrs...)
	case failure.SeverityMedium:
		h.logger.Warn("Operation failed", attrs...)
	default:
		h.logger.Info("Operation failed", attrs...)
	}
	metrics.ErrorsClassified.WithLabelValues(string(err.Kind()), err.Severity().String()).Inc()

	if h.sink == nil {
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Warn("Diagnostics sink panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()
		if serr := h.sink.Record(ctx, NewRecord(err)); serr != nil {
			h.logger.Debug("Diagnostics sink failed", "error", serr)
		}
	}()
}

func (h *Handler) notify(err *failure.Error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("Notifier panicked", "panic", r)
		}
	}()

	switch err.Severity() {
	case failure.SeverityCritical:
		h.notifier.FullScreen(err)
	case failure.SeverityHigh:
		h.notifier.Modal(err)
	case failure.SeverityMedium:
		h.notifier.Toast(err)
	}
}
