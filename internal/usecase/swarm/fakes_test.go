package swarm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"swarmd/internal/domain"
	"swarmd/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession is a scriptable in-memory AgentSession. Events are emitted
// synchronously so tests can assert deterministically.
type fakeSession struct {
	mu        sync.Mutex
	listeners map[int]domain.SessionListener
	nextSub   int

	prompts []domain.MessageInput
	steers  []domain.MessageInput
	raws    []domain.SessionMessage
	aborts  int
	dispose int

	promptErr       error
	steerErr        error
	startBeforeErr  bool // emit agent_start before failing the prompt
	autoStart       bool // emit agent_start on successful prompt
	systemPrompt    string
	provisionedDesc domain.AgentDescriptor
}

func newFakeSession() *fakeSession {
	return &fakeSession{listeners: make(map[int]domain.SessionListener)}
}

func (s *fakeSession) emit(ev domain.SessionEvent) {
	s.mu.Lock()
	ls := make([]domain.SessionListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		ls = append(ls, l)
	}
	s.mu.Unlock()
	for _, l := range ls {
		l(ev)
	}
}

func (s *fakeSession) emitUserMessageStart(text string) {
	s.emit(domain.SessionEvent{
		Kind:    domain.SessionMessageStart,
		Message: &domain.SessionMessage{Role: domain.RoleUser, Text: text},
	})
}

func (s *fakeSession) Prompt(_ context.Context, text string, attachments []domain.Attachment) error {
	s.mu.Lock()
	s.prompts = append(s.prompts, domain.MessageInput{Text: text, Attachments: attachments})
	err := s.promptErr
	startFirst := s.startBeforeErr
	autoStart := s.autoStart
	s.mu.Unlock()

	if err != nil {
		if startFirst {
			s.emit(domain.SessionEvent{Kind: domain.SessionAgentStart})
		}
		return err
	}
	if autoStart {
		s.emit(domain.SessionEvent{Kind: domain.SessionAgentStart})
	}
	return nil
}

func (s *fakeSession) Steer(_ context.Context, text string, attachments []domain.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steers = append(s.steers, domain.MessageInput{Text: text, Attachments: attachments})
	return s.steerErr
}

func (s *fakeSession) SendRawUserMessage(_ context.Context, msg domain.SessionMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.raws = append(s.raws, msg)
	return nil
}

func (s *fakeSession) Abort(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeSession) Dispose() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispose++
	return nil
}

func (s *fakeSession) Subscribe(listener domain.SessionListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = listener
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *fakeSession) promptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func (s *fakeSession) steerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steers)
}

// fakeProvider provisions fakeSessions and remembers them per agent ID.
type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]*fakeSession
	err      error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: make(map[string]*fakeSession)}
}

func (p *fakeProvider) Provision(_ context.Context, desc domain.AgentDescriptor, systemPrompt string) (domain.AgentSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := newFakeSession()
	s.systemPrompt = systemPrompt
	s.provisionedDesc = desc
	p.sessions[desc.ID] = s
	return s, nil
}

func (p *fakeProvider) session(agentID string) *fakeSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[agentID]
}

// recordingBus is a synchronous domain.EventBus that captures every
// published event for inspection.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                { return func() {} }
func (b *recordingBus) Close()                                                 {}

func (b *recordingBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testSessionLog(t *testing.T, agentID string) *store.SessionLog {
	t.Helper()
	st, err := store.NewAgentStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewAgentStore: %v", err)
	}
	log, err := st.OpenSessionLog(agentID)
	if err != nil {
		t.Fatalf("OpenSessionLog: %v", err)
	}
	return log
}
