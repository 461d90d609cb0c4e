package recovery

import (
	"sync"
	"time"

	"github.com/Byk3y/PREPAI-sub003/internal/core/failure"
)

// Surface is where a notification is shown.
type Surface string

const (
	SurfaceFullScreen Surface = "fullscreen"
	SurfaceModal      Surface = "modal"
	SurfaceToast      Surface = "toast"
)

// Notification is what the UI layer receives for a surfaced error.
type Notification struct {
	Surface   Surface   `json:"surface"`
	Kind      string    `json:"kind"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Action    string    `json:"recovery_action"`
	Operation string    `json:"operation"`
	At        time.Time `json:"at"`
}

// Hub fans notifications out to subscribers of the affected user.
// Errors without a user id go to every subscriber.
// Slow subscribers drop notifications instead of blocking the handler.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan Notification]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Notification]struct{})}
}

// Subscribe registers a channel for a user. The returned func unsubscribes
// and closes the channel.
func (h *Hub) Subscribe(userID string, buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	set, ok := h.subs[userID]
	if !ok {
		set = make(map[chan Notification]struct{})
		h.subs[userID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], ch)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) FullScreen(err *failure.Error) { h.publish(SurfaceFullScreen, err) }
func (h *Hub) Modal(err *failure.Error)      { h.publish(SurfaceModal, err) }
func (h *Hub) Toast(err *failure.Error)      { h.publish(SurfaceToast, err) }

func (h *Hub) publish(s Surface, err *failure.Error) {
	c := err.Context()
	n := Notification{
		Surface:   s,
		Kind:      string(err.Kind()),
		Severity:  err.Severity().String(),
		Message:   err.HumanMessage(),
		Action:    string(err.RecoveryAction()),
		Operation: c.Operation,
		At:        c.Timestamp,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for user, set := range h.subs {
		if c.UserID != "" && user != c.UserID {
			continue
		}
		for ch := range set {
			select {
			case ch <- n:
			default:
			}
		}
	}
}
