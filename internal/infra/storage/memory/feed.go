package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/Byk3y/PREPAI-sub003/internal/core/domain"
	"github.com/Byk3y/PREPAI-sub003/internal/infra/storage"
)

// ErrSlowSubscriber ends a subscription whose buffer filled up. The
// subscriber is expected to resubscribe and refetch.
var ErrSlowSubscriber = errors.New("change feed connection dropped: subscriber too slow")

const subscriptionBuffer = 64

type subscription struct {
	filter  domain.JobFilter
	ch      chan *domain.Job
	store   *MemoryStorage
	once    sync.Once
	mu      sync.Mutex
	err     error
	stopped chan struct{}
}

// Feed is the in-process change feed of a MemoryStorage.
type Feed struct {
	store *MemoryStorage
}

func NewFeed(store *MemoryStorage) *Feed {
	return &Feed{store: store}
}

func (f *Feed) Subscribe(ctx context.Context, filter domain.JobFilter) (storage.Subscription, error) {
	if !filter.Valid() {
		return nil, errors.New("subscribe: filter must set exactly one field")
	}
	sub := &subscription{
		filter:  filter,
		ch:      make(chan *domain.Job, subscriptionBuffer),
		store:   f.store,
		stopped: make(chan struct{}),
	}

	f.store.mu.Lock()
	if f.store.closed {
		f.store.mu.Unlock()
		return nil, storage.ErrFeedClosed
	}
	f.store.subs[sub] = struct{}{}
	f.store.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.stopped:
		}
	}()
	return sub, nil
}

// publish must be called with the store write lock held.
func (s *MemoryStorage) publish(j *domain.Job) {
	for sub := range s.subs {
		if !sub.filter.Matches(j) {
			continue
		}
		select {
		case sub.ch <- j.Clone():
		default:
			sub.end(ErrSlowSubscriber)
			delete(s.subs, sub)
		}
	}
}

func (s *subscription) Updates() <-chan *domain.Job { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.store.mu.Lock()
	delete(s.store.subs, s)
	s.store.mu.Unlock()
	s.end(nil)
	return nil
}

// end closes the channel once. Callers outside Close hold the store lock.
func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.stopped)
	})
}
