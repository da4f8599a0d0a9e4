// Package events fans job status changes out to push-channel subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

// Job kinds carried on events.
const (
	KindValidation = "validation"
	KindImputation = "imputation"
)

// Event is one job status change.
type Event struct {
	JobID     string    `json:"job_id"`
	Kind      string    `json:"kind"`
	ProjectID uint      `json:"project_id"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the job has finished.
func (e Event) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// Publisher accepts job events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus publishes events and hands them to per-job subscribers.
type Bus interface {
	Publisher
	// Subscribe returns a channel of events for jobID and a cancel func
	// that closes it.
	Subscribe(jobID string) (<-chan Event, func())
	Close() error
}

// subscriberBuffer bounds each subscriber channel. A subscriber that falls
// this far behind misses intermediate progress events.
const subscriberBuffer = 16

// Hub is the in-process Bus.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[chan Event]struct{}
	closed bool
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Publish delivers e to current subscribers of its job. It never blocks.
func (h *Hub) Publish(_ context.Context, e Event) error {
	h.deliver(e)
	return nil
}

func (h *Hub) deliver(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[e.JobID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers interest in jobID.
func (h *Hub) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan Event]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[jobID][ch]; !ok {
				return
			}
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			close(ch)
		})
	}
}

// Subscribers returns the number of open subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, set := range h.subs {
		for ch := range set {
			close(ch)
		}
	}
	h.subs = make(map[string]map[chan Event]struct{})
	return nil
}
