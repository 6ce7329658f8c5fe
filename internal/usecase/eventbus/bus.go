// Package eventbus provides the in-process pub/sub fan-out between the
// swarm manager and its transport and integration consumers.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"swarmd/internal/domain"
)

// wildcard keys the subscriber set that receives every event type.
const wildcard = domain.EventType("*")

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[domain.EventType]map[uint64]domain.EventHandler
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType]map[uint64]domain.EventHandler),
		logger: logger,
	}
}

// NewEvent builds an event envelope with a fresh ULID and timestamp.
// The payload is marshalled to JSON; marshal failures yield an empty payload.
func NewEvent(eventType domain.EventType, agentID string, payload any) domain.Event {
	ev := domain.Event{
		ID:        ulid.Make().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		AgentID:   agentID,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers. Each handler runs in its own goroutine; panicking handlers
// are recovered so one misbehaving consumer cannot take down the swarm.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	handlers := make([]domain.EventHandler, 0, len(b.subs[event.Type])+len(b.subs[wildcard]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.subs[wildcard] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.wg.Add(1)
		go b.invoke(ctx, event, h)
	}
}

func (b *Bus) invoke(ctx context.Context, event domain.Event, handler domain.EventHandler) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	handler(ctx, event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(wildcard, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	set := b.subs[key]
	if set == nil {
		set = make(map[uint64]domain.EventHandler)
		b.subs[key] = set
	}
	set[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs[key], id)
		b.mu.Unlock()
	}
}

// Close prevents new publishes and waits for in-flight handlers to finish.
// Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
