// Package session provides concrete SessionProvider implementations. The
// orchestration core only sees the domain interfaces; this package decides
// what actually runs behind an agent session.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"swarmd/internal/domain"
)

// stdioCommand is one instruction written to the agent process, one JSON
// object per line.
type stdioCommand struct {
	Kind    string                 `json:"kind"` // prompt, steer, raw, abort
	Message *domain.SessionMessage `json:"message,omitempty"`
}

// StdioOption configures a StdioProvider.
type StdioOption func(*StdioProvider)

// WithStdioEnv appends KEY=VALUE pairs to every provisioned process.
func WithStdioEnv(env []string) StdioOption {
	return func(p *StdioProvider) { p.env = append(p.env, env...) }
}

// StdioProvider provisions agent sessions as child processes speaking JSON
// lines: commands on stdin, session events on stdout. The process's working
// directory is the agent's cwd; identity and model are passed via
// environment variables so a single agent binary can serve every archetype.
type StdioProvider struct {
	command string
	args    []string
	env     []string
	logger  *slog.Logger
}

// NewStdioProvider creates a provider that launches command for each agent.
func NewStdioProvider(command string, args []string, logger *slog.Logger, opts ...StdioOption) (*StdioProvider, error) {
	if command == "" {
		return nil, domain.NewDomainError("session.NewStdioProvider", domain.ErrInvalidInput, "command is required")
	}
	p := &StdioProvider{command: command, args: args, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Provision launches the agent process and wires its stdio.
func (p *StdioProvider) Provision(ctx context.Context, desc domain.AgentDescriptor, systemPrompt string) (domain.AgentSession, error) {
	// Detached context: the session outlives the provision call and is torn
	// down by Dispose.
	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, p.command, p.args...)
	cmd.Dir = desc.Cwd
	cmd.Env = append(os.Environ(),
		"SWARMD_AGENT_ID="+desc.ID,
		"SWARMD_AGENT_NAME="+desc.DisplayName,
		"SWARMD_AGENT_ROLE="+string(desc.Role),
		"SWARMD_MODEL_PROVIDER="+desc.Model.Provider,
		"SWARMD_MODEL_ID="+desc.Model.ModelID,
		"SWARMD_THINKING="+string(desc.Model.ThinkingLevel),
		"SWARMD_SYSTEM_PROMPT="+systemPrompt,
	)
	cmd.Env = append(cmd.Env, p.env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("session: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("session: start %s: %w", p.command, err)
	}

	s := &stdioSession{
		agentID:   desc.ID,
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		logger:    p.logger,
		listeners: make(map[int]domain.SessionListener),
		done:      make(chan struct{}),
	}
	go s.readLoop(stdout)
	go s.drainStderr(stderr)

	p.logger.Info("agent session started",
		"agent_id", desc.ID, "command", p.command, "pid", cmd.Process.Pid)
	return s, nil
}

type stdioSession struct {
	agentID string
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	logger  *slog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	nextID    int
	listeners map[int]domain.SessionListener

	disposeOnce sync.Once
	done        chan struct{}
}

func (s *stdioSession) Prompt(ctx context.Context, text string, attachments []domain.Attachment) error {
	return s.write(ctx, stdioCommand{Kind: "prompt", Message: &domain.SessionMessage{
		Role: "user", Text: text, Attachments: attachments,
	}})
}

func (s *stdioSession) Steer(ctx context.Context, text string, attachments []domain.Attachment) error {
	return s.write(ctx, stdioCommand{Kind: "steer", Message: &domain.SessionMessage{
		Role: "user", Text: text, Attachments: attachments,
	}})
}

func (s *stdioSession) SendRawUserMessage(ctx context.Context, msg domain.SessionMessage) error {
	return s.write(ctx, stdioCommand{Kind: "raw", Message: &msg})
}

func (s *stdioSession) Abort(ctx context.Context) error {
	return s.write(ctx, stdioCommand{Kind: "abort"})
}

func (s *stdioSession) write(ctx context.Context, cmd stdioCommand) error {
	select {
	case <-s.done:
		return domain.NewDomainError("session.write", domain.ErrTerminated, "session disposed")
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("session: encode command: %w", err)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return domain.NewDomainError("session.write", domain.ErrDispatchFailed, err.Error())
	}
	return nil
}

// readLoop parses session events from the process stdout. Lines that are
// not valid events are treated as incidental process output and skipped.
// When stdout closes, a final agent_end is emitted so a runtime waiting on
// an in-flight turn is released.
func (s *stdioSession) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev domain.SessionEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Kind == "" {
			s.logger.Debug("non-event output from agent process",
				"agent_id", s.agentID, "line", string(line))
			continue
		}
		s.emit(ev)
	}
	err := s.cmd.Wait()
	select {
	case <-s.done:
		// Dispose already tore the session down.
	default:
		s.logger.Warn("agent process exited", "agent_id", s.agentID, "error", err)
		s.emit(domain.SessionEvent{Kind: domain.SessionAgentEnd, Detail: "process exited"})
	}
}

func (s *stdioSession) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", "agent_id", s.agentID, "line", scanner.Text())
	}
}

func (s *stdioSession) emit(ev domain.SessionEvent) {
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

func (s *stdioSession) Subscribe(listener domain.SessionListener) func() {
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

func (s *stdioSession) Dispose() error {
	s.disposeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.stdin.Close()
		s.writeMu.Unlock()
		s.cancel()
	})
	return nil
}
