package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventAgentsSnapshot      EventType = "agents_snapshot"
	EventAgentStatus         EventType = "agent_status"
	EventConversationMessage EventType = "conversation_message"
	EventRuntimeError        EventType = "runtime_error"
	EventSessionPassthrough  EventType = "session_passthrough"

	EventCronJobCreated EventType = "cron.job.created"
	EventCronJobUpdated EventType = "cron.job.updated"
	EventCronJobDeleted EventType = "cron.job.deleted"
	EventCronJobFired   EventType = "cron.job.fired"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	AgentID   string          `json:"agent_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AgentStatusPayload accompanies agent_status events.
type AgentStatusPayload struct {
	AgentID      string      `json:"agent_id"`
	Status       AgentStatus `json:"status"`
	PendingCount int         `json:"pending_count"`
}

// FailurePhase classifies where a dispatch failure occurred.
type FailurePhase string

const (
	PhasePromptDispatch FailurePhase = "prompt_dispatch"
	PhaseSteerDispatch  FailurePhase = "steer_dispatch"
	PhaseCompaction     FailurePhase = "compaction"
)

// RuntimeErrorPayload accompanies runtime_error events. These failures
// happen after a receipt has been returned, so no caller is waiting on them.
type RuntimeErrorPayload struct {
	AgentID string       `json:"agent_id"`
	Phase   FailurePhase `json:"phase"`
	Message string       `json:"message"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for orchestration events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
