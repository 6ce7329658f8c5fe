package session

import (
	"context"
	"log/slog"
	"sync"

	"swarmd/internal/domain"
)

// LoopbackProvider provisions sessions that acknowledge every message with
// a canned echo turn. It keeps the daemon bootable without an agent binary
// configured, which is what dry runs and most of the integration tests
// want.
type LoopbackProvider struct {
	logger *slog.Logger
}

// NewLoopbackProvider creates the echo provider.
func NewLoopbackProvider(logger *slog.Logger) *LoopbackProvider {
	return &LoopbackProvider{logger: logger}
}

func (p *LoopbackProvider) Provision(_ context.Context, desc domain.AgentDescriptor, _ string) (domain.AgentSession, error) {
	p.logger.Debug("loopback session provisioned", "agent_id", desc.ID)
	return &loopbackSession{
		agentID:   desc.ID,
		listeners: make(map[int]domain.SessionListener),
	}, nil
}

type loopbackSession struct {
	agentID string

	mu        sync.Mutex
	nextID    int
	listeners map[int]domain.SessionListener
	disposed  bool
}

func (s *loopbackSession) Prompt(ctx context.Context, text string, attachments []domain.Attachment) error {
	return s.turn(ctx, domain.SessionMessage{Role: domain.RoleUser, Text: text, Attachments: attachments})
}

func (s *loopbackSession) Steer(ctx context.Context, text string, attachments []domain.Attachment) error {
	// A steer lands inside a turn that, for loopback, has already finished.
	// Treat it as a fresh turn so the caller still sees a response.
	return s.turn(ctx, domain.SessionMessage{Role: domain.RoleUser, Text: text, Attachments: attachments})
}

func (s *loopbackSession) SendRawUserMessage(ctx context.Context, msg domain.SessionMessage) error {
	return s.turn(ctx, msg)
}

func (s *loopbackSession) Abort(context.Context) error { return nil }

// turn replays the user message and answers it in one synchronous burst:
// agent_start, the echoed user message, the assistant reply, agent_end.
func (s *loopbackSession) turn(ctx context.Context, msg domain.SessionMessage) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.NewDomainError("session.loopback", domain.ErrTerminated, "session disposed")
	}
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	s.emit(domain.SessionEvent{Kind: domain.SessionAgentStart})
	s.emit(domain.SessionEvent{Kind: domain.SessionMessageStart, Message: &msg})
	s.emit(domain.SessionEvent{Kind: domain.SessionMessageStart, Message: &domain.SessionMessage{
		Role: domain.RoleAssistant,
		Text: "[loopback] " + msg.Text,
	}})
	s.emit(domain.SessionEvent{Kind: domain.SessionAgentEnd})
	return nil
}

func (s *loopbackSession) emit(ev domain.SessionEvent) {
	s.mu.Lock()
	listeners := make([]domain.SessionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (s *loopbackSession) Subscribe(listener domain.SessionListener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = listener
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *loopbackSession) Dispose() error {
	s.mu.Lock()
	s.disposed = true
	s.listeners = make(map[int]domain.SessionListener)
	s.mu.Unlock()
	return nil
}
