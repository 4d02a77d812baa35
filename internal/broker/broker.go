// Package broker fans freshly appended run events out to live subscribers.
package broker

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/runplane/internal/domain"
)

// DefaultQueueSize is the per-subscriber buffer used when none is configured.
const DefaultQueueSize = 16

// Subscription receives a run's events until its context is cancelled.
type Subscription struct {
	ID    string
	RunID string

	events chan domain.RunEvent

	mu     sync.Mutex
	closed bool
}

// Events returns the channel the subscriber reads from. It is closed once the
// subscription ends.
func (s *Subscription) Events() <-chan domain.RunEvent {
	return s.events
}

// offer performs a non-blocking send. A full queue drops the event.
func (s *Subscription) offer(event domain.RunEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- event:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Broker manages per-run subscriptions.
type Broker struct {
	queueSize int

	// runs maps run_id to its subscriptions indexed by subscription ID
	runs map[string]map[string]*Subscription
	mu   sync.Mutex

	// OnDrop, when set, is called for each event dropped on a full queue.
	OnDrop func(runID string)
}

// New creates a Broker whose subscriptions buffer queueSize events each.
func New(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broker{
		queueSize: queueSize,
		runs:      make(map[string]map[string]*Subscription),
	}
}

// Subscribe registers a subscriber for runID. The subscription is removed and
// its channel closed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, runID string) *Subscription {
	sub := &Subscription{
		ID:     uuid.New().String(),
		RunID:  runID,
		events: make(chan domain.RunEvent, b.queueSize),
	}

	b.mu.Lock()
	if b.runs[runID] == nil {
		b.runs[runID] = make(map[string]*Subscription)
	}
	b.runs[runID][sub.ID] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()
	return sub
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.runs[sub.RunID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.runs, sub.RunID)
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish delivers event to every current subscriber of its run without
// blocking. It returns the number of subscribers that accepted the event.
func (b *Broker) Publish(event domain.RunEvent) int {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.runs[event.RunID]))
	for _, sub := range b.runs[event.RunID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	delivered := 0
	for _, sub := range subs {
		if sub.offer(event) {
			delivered++
		} else if b.OnDrop != nil {
			b.OnDrop(event.RunID)
		}
	}
	return delivered
}

// SubscriberCount returns the number of live subscribers for runID.
func (b *Broker) SubscriberCount(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runs[runID])
}
