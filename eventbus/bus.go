// Package eventbus delivers lifecycle events to in-process subscribers.
//
// Delivery is synchronous: Emit returns after every handler subscribed to the
// event type has run, in subscription order. Events are not buffered, so a
// handler subscribed after an Emit never sees that event.
package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/formguard/core"
	"go.uber.org/zap"
)

// Handler receives an event. A returned error is logged and does not stop
// delivery to other handlers.
type Handler func(core.Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is an instance-scoped publish/subscribe channel
type Bus struct {
	mu     sync.RWMutex
	subs   map[core.EventType][]subscription
	nextID uint64
	logger *zap.Logger
	now    func() time.Time
}

// New creates an empty bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[core.EventType][]subscription),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers handler for events of type t and returns a function
// that removes it. Calling the returned function more than once is harmless.
func (b *Bus) Subscribe(t core.EventType, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(t, id) })
	}
}

// SubscribeMany registers the same handler for several event types
func (b *Bus) SubscribeMany(types []core.EventType, handler Handler) func() {
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, b.Subscribe(t, handler))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (b *Bus) remove(t core.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			b.subs[t] = next
			break
		}
	}
	if len(b.subs[t]) == 0 {
		delete(b.subs, t)
	}
}

// Emit delivers event to every current subscriber of its type
func (b *Bus) Emit(event core.Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now()
	}
	if event.Level == "" {
		event.Level = core.LevelInfo
	}

	b.mu.RLock()
	subs := b.subs[event.Type]
	b.mu.RUnlock()

	// subs is never mutated in place, so delivering outside the lock is safe
	// and lets handlers subscribe or unsubscribe while running.
	for _, s := range subs {
		if err := b.deliver(s.handler, event); err != nil {
			b.logger.Warn("event handler failed",
				zap.String("type", string(event.Type)),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

func (b *Bus) deliver(handler Handler, event core.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(event)
}

// Subscribers returns the number of handlers subscribed to t
func (b *Bus) Subscribers(t core.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
