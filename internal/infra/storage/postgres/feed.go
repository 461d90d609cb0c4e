package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
	"github.com/Byk3y/PREPAI-sub003/internal/metrics"
)

// Channel is the NOTIFY channel written by the processing_jobs trigger.
const Channel = "job_changes"

var (
	// ErrConnectionLost ends every subscription when the listener connection drops.
	// Rows committed while disconnected are not replayed; subscribers refetch.
	ErrConnectionLost = errors.New("change feed connection lost")

	// ErrSlowSubscriber ends a subscription whose buffer filled up.
	ErrSlowSubscriber = errors.New("change feed connection dropped: subscriber too slow")
)

const (
	subscriptionBuffer = 64
	pingInterval       = 90 * time.Second
	fetchTimeout       = 5 * time.Second
)

type notification struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	ParentID  string `json:"parent_id"`
	Version   int64  `json:"version"`
}

// Feed implements storage.ChangeFeed with LISTEN/NOTIFY. Notifications only
// carry keys; matching rows are refetched and fanned out in commit order.
type Feed struct {
	jobs     *JobRepo
	listener *pq.Listener
	logger   *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
	done   chan struct{}
}

// NewFeed starts listening on the job change channel.
func NewFeed(db *DB, jobs *JobRepo) (*Feed, error) {
	f := &Feed{
		jobs:   jobs,
		logger: slog.Default().With("component", "change_feed"),
		subs:   make(map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
	f.listener = pq.NewListener(db.url, time.Second, 30*time.Second, f.onEvent)
	if err := f.listener.Listen(Channel); err != nil {
		_ = f.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	go f.run()
	return f, nil
}

func (f *Feed) Subscribe(ctx context.Context, filter domain.JobFilter) (storage.Subscription, error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("subscribe: invalid filter %s", filter)
	}

	sub := &subscription{
		filter: filter,
		ch:     make(chan *domain.Job, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	sub.remove = func() { f.remove(sub) }

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, storage.ErrFeedClosed
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Close stops the listener and ends every subscription with storage.ErrFeedClosed.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	f.mu.Unlock()

	f.endAll(storage.ErrFeedClosed)
	return f.listener.Close()
}

func (f *Feed) run() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.done:
			return
		case n, ok := <-f.listener.Notify:
			if !ok {
				return
			}
			// nil follows a reconnect.
			if n == nil {
				continue
			}
			f.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := f.listener.Ping(); err != nil {
					f.logger.Warn("Listener ping failed", "error", err)
				}
			}()
		}
	}
}

func (f *Feed) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		f.logger.Warn("Change feed disconnected", "error", err)
		f.endAll(ErrConnectionLost)
	case pq.ListenerEventReconnected:
		metrics.FeedReconnects.Inc()
		f.logger.Info("Change feed reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		f.logger.Debug("Change feed reconnect attempt failed", "error", err)
	}
}

func (f *Feed) dispatch(payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		f.logger.Warn("Malformed job notification", "payload", payload, "error", err)
		return
	}
	key := &domain.Job{ID: n.ID, SubjectID: n.SubjectID, ParentID: n.ParentID}

	f.mu.Lock()
	var targets []*subscription
	for sub := range f.subs {
		if sub.filter.Matches(key) {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	j, err := f.jobs.Get(ctx, n.ID)
	if errors.Is(err, storage.ErrJobNotFound) {
		return
	}
	if err != nil {
		f.logger.Warn("Failed to fetch changed job", "job", n.ID, "error", err)
		for _, sub := range targets {
			sub.end(ErrConnectionLost)
		}
		return
	}

	for _, sub := range targets {
		sub.send(j.Clone())
	}
}

func (f *Feed) endAll(err error) {
	f.mu.Lock()
	subs := make([]*subscription, 0, len(f.subs))
	for sub := range f.subs {
		subs = append(subs, sub)
	}
	f.mu.Unlock()

	for _, sub := range subs {
		sub.end(err)
	}
}

func (f *Feed) remove(sub *subscription) {
	f.mu.Lock()
	delete(f.subs, sub)
	f.mu.Unlock()
}

type subscription struct {
	filter domain.JobFilter
	ch     chan *domain.Job
	remove func()

	mu    sync.Mutex
	err   error
	ended bool
	done  chan struct{}
}

func (s *subscription) Updates() <-chan *domain.Job { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.end(nil)
	return nil
}

func (s *subscription) send(j *domain.Job) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- j:
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		s.end(ErrSlowSubscriber)
	}
}

func (s *subscription) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	close(s.ch)
	close(s.done)
	s.mu.Unlock()
	s.remove()
}
