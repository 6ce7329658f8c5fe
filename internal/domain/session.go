package domain

import "context"

// SessionEventKind tags the closed set of session lifecycle events this
// core reacts to. Tool-execution and compaction events are passed through
// opaquely for observability.
type SessionEventKind string

const (
	SessionAgentStart   SessionEventKind = "agent_start"
	SessionAgentEnd     SessionEventKind = "agent_end"
	SessionMessageStart SessionEventKind = "message_start"
	SessionToolExec     SessionEventKind = "tool_exec"
	SessionCompaction   SessionEventKind = "compaction"
)

// SessionMessage is the message payload carried on message_start events.
type SessionMessage struct {
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SessionEvent is one entry of the session's lifecycle event stream.
type SessionEvent struct {
	Kind    SessionEventKind `json:"kind"`
	Message *SessionMessage  `json:"message,omitempty"` // message_start only
	Detail  string           `json:"detail,omitempty"`  // opaque passthrough
}

// SessionListener receives session events. Unsubscribing stops delivery.
type SessionListener func(ev SessionEvent)

// AgentSession is one agent's live reasoning session. The orchestration
// core never assumes anything about how turns execute beyond this surface.
type AgentSession interface {
	// Prompt starts a new top-level turn. At most one turn runs at a time;
	// callers must not issue a second Prompt before observing agent_end.
	Prompt(ctx context.Context, text string, attachments []Attachment) error
	// Steer injects guidance into the in-flight turn without starting a
	// new one.
	Steer(ctx context.Context, text string, attachments []Attachment) error
	// SendRawUserMessage delivers a user message that bypasses prompt
	// normalization (used for attachment-only messages).
	SendRawUserMessage(ctx context.Context, msg SessionMessage) error
	// Abort cancels the in-flight turn, if any.
	Abort(ctx context.Context) error
	// Dispose releases the session's resources. The session is unusable
	// afterwards.
	Dispose() error
	// Subscribe registers a listener for session events and returns an
	// unsubscribe function.
	Subscribe(listener SessionListener) (unsubscribe func())
}

// SessionProvider provisions live sessions for agent descriptors.
type SessionProvider interface {
	Provision(ctx context.Context, desc AgentDescriptor, systemPrompt string) (AgentSession, error)
}
