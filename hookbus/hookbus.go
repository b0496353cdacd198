// Package hookbus fans internal engine events out to registered
// subscribers: run-lifecycle transitions, module completions, sub-action
// progress. The Streaming Core bridges a subset of these into client-facing
// stream events; other subscribers (metrics, audit logging) can register
// independently without the publisher knowing they exist.
package hookbus

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Event is a single internal engine occurrence. Type is a short, stable
// label (e.g. "module_completed", "sub_action_progress"); Data carries
// whatever fields that type defines.
type Event struct {
	Type string
	Data map[string]any
}

type (
	// Bus publishes engine events to every registered subscriber in a
	// fan-out pattern. Safe for concurrent Publish, Register, and
	// subscription Close.
	Bus interface {
		// Publish delivers event to every currently registered subscriber,
		// in registration order, stopping at the first subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds sub to the bus and returns a Subscription that can
		// be closed to unregister it. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		// HandleEvent processes a single event. Returning an error halts
		// delivery to the remaining subscribers for that Publish call.
		HandleEvent(ctx context.Context, event Event) error
	}

	// Subscription represents an active registration. Close is idempotent
	// and safe to call multiple times.
	Subscription interface {
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		nextSeq     uint64
	}

	subscription struct {
		bus  *bus
		seq  uint64
		once sync.Once
	}
)

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(ctx context.Context, event Event) error

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error { return f(ctx, event) }

// New constructs an in-memory event bus, ready for immediate use.
func New() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers event to a snapshot of currently registered subscribers,
// taken before iteration begins, so concurrent Register/Close calls never
// affect the delivery already in progress.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	keys := make([]*subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		keys = append(keys, s)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].seq < keys[j].seq })
	subs := make([]Subscriber, 0, len(keys))
	for _, s := range keys {
		subs = append(subs, b.subscribers[s])
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hookbus: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.nextSeq++
	s.seq = b.nextSeq
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscription from its bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
