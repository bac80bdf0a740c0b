// Package event provides a typed publish/subscribe bus connecting the sync
// engine and annotation manager to the presentation layer.
package event

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mjterry/bzsync/internal/diff"
	"github.com/mjterry/bzsync/internal/models"
)

// BatchUpdated is emitted after a poll cycle, carrying every merged record.
type BatchUpdated struct {
	Bugs []*models.Bug
}

// RecordUpdated is emitted once per new change event on a bug, in timestamp
// order, replaying what changed since the previous snapshot.
type RecordUpdated struct {
	Bug    *models.Bug
	Change diff.Event
}

// StarToggled is emitted when a bug's starred state changes.
type StarToggled struct {
	Bug *models.Bug
}

// UnreadToggled is emitted when a bug's unread flag changes.
type UnreadToggled struct {
	Bug *models.Bug
}

// UnreadBugsChanged is emitted whenever the set of unread bugs may have
// changed, carrying the current unread bug ids.
type UnreadBugsChanged struct {
	IDs []int64
}

// Bus is a typed event bus. Handlers run synchronously on the publishing
// goroutine, in subscription order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	safeKeys map[string]bool
}

type subscriber struct {
	id uuid.UUID
	fn func(interface{})
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]subscriber),
		safeKeys: make(map[string]bool),
	}
}

// Subscription identifies a registered handler and allows removing it.
type Subscription struct {
	bus  *Bus
	name string
	id   uuid.UUID
}

// Unsubscribe removes the handler. Safe to call on a zero Subscription.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.handlers[s.name]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.handlers[s.name] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a handler for events of type T.
func Subscribe[T any](b *Bus, fn func(T)) Subscription {
	var zero T
	name := eventName(zero)

	sub := subscriber{
		id: uuid.New(),
		fn: func(e interface{}) { fn(e.(T)) },
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], sub)

	return Subscription{bus: b, name: name, id: sub.id}
}

// SubscribeSafe registers a handler keyed by a caller-chosen identifier.
// Re-registering the same key is a no-op, so components that may be
// constructed repeatedly do not stack duplicate handlers.
func SubscribeSafe[T any](b *Bus, key string, fn func(T)) Subscription {
	var zero T
	name := eventName(zero)
	fullKey := name + "#" + key

	b.mu.Lock()
	if b.safeKeys[fullKey] {
		b.mu.Unlock()
		return Subscription{}
	}
	b.safeKeys[fullKey] = true
	b.mu.Unlock()

	return Subscribe(b, fn)
}

// Publish delivers the event to every handler subscribed to its type.
func Publish[T any](b *Bus, e T) {
	name := eventName(e)

	b.mu.RLock()
	subs := make([]subscriber, len(b.handlers[name]))
	copy(subs, b.handlers[name])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.fn(e)
	}
}

func eventName(e interface{}) string {
	return fmt.Sprintf("%T", e)
}
