// Package swarm implements the orchestration core: the per-agent delivery
// runtime, the manager registry with restart recovery, and the permission
// and path policies between the transport and the underlying sessions.
package swarm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"swarmd/internal/domain"
	"swarmd/internal/store"
)

// RuntimeHooks are the typed callbacks a Runtime uses to report upward.
// Every field is optional; nil hooks are skipped.
type RuntimeHooks struct {
	OnStatus       func(agentID string, status domain.AgentStatus, pendingCount int)
	OnAgentEnd     func(agentID string)
	OnRuntimeError func(payload domain.RuntimeErrorPayload)
	OnConversation func(msg domain.ConversationMessage)
	OnPassthrough  func(agentID string, ev domain.SessionEvent)
}

// pendingDelivery tracks one queued steer until its message is observed to
// have actually started in the session.
type pendingDelivery struct {
	deliveryID string
	messageKey string
}

// Runtime owns exactly one agent's live session: its status, its pending
// delivery queue, and its in-flight dispatch bookkeeping. No other
// component writes these fields.
type Runtime struct {
	agentID string
	session domain.AgentSession
	log     *store.SessionLog
	hooks   RuntimeHooks
	logger  *slog.Logger

	mu              sync.Mutex
	status          domain.AgentStatus
	dispatchPending bool // prompt sent, agent_start not yet observed
	pending         []pendingDelivery
	unsubscribe     func()
	terminated      bool
}

// NewRuntime wires a runtime to a provisioned session and subscribes to its
// event stream. The runtime starts idle.
func NewRuntime(agentID string, session domain.AgentSession, log *store.SessionLog, hooks RuntimeHooks, logger *slog.Logger) *Runtime {
	r := &Runtime{
		agentID: agentID,
		session: session,
		log:     log,
		hooks:   hooks,
		logger:  logger,
		status:  domain.StatusIdle,
	}
	r.unsubscribe = session.Subscribe(r.handleSessionEvent)
	return r
}

// AgentID returns the owning agent's ID.
func (r *Runtime) AgentID() string { return r.agentID }

// Status returns the runtime's current status.
func (r *Runtime) Status() domain.AgentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// PendingCount returns the number of queued steer deliveries.
func (r *Runtime) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// SendMessage accepts a message and synchronously decides its delivery
// mode. A runtime never holds two live first prompts: any message arriving
// while a turn is streaming or a dispatch is in flight is queued as a steer
// regardless of the requested mode. Otherwise the message starts a new
// turn. The receipt acknowledges acceptance, not completion.
func (r *Runtime) SendMessage(ctx context.Context, input domain.MessageInput, requested domain.DeliveryMode) (domain.SendMessageReceipt, error) {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return domain.SendMessageReceipt{}, domain.NewDomainError("Runtime.SendMessage", domain.ErrTerminated, r.agentID)
	}

	deliveryID := ulid.Make().String()
	busy := r.status == domain.StatusStreaming || r.dispatchPending

	if busy {
		key := messageKey(input)
		r.pending = append(r.pending, pendingDelivery{deliveryID: deliveryID, messageKey: key})
		count := len(r.pending)
		status := r.status
		r.mu.Unlock()

		r.emitStatus(status, count)
		go r.deliverSteer(ctx, input)
		return domain.SendMessageReceipt{
			TargetAgentID: r.agentID,
			DeliveryID:    deliveryID,
			AcceptedMode:  domain.DeliverySteer,
		}, nil
	}

	r.dispatchPending = true
	r.mu.Unlock()

	go r.dispatchPrompt(ctx, input)
	return domain.SendMessageReceipt{
		TargetAgentID: r.agentID,
		DeliveryID:    deliveryID,
		AcceptedMode:  domain.DeliveryPrompt,
	}, nil
}

// deliverSteer hands a queued message to the session's steering path.
func (r *Runtime) deliverSteer(ctx context.Context, input domain.MessageInput) {
	var err error
	if isAttachmentOnly(input) {
		err = r.session.SendRawUserMessage(ctx, rawMessage(input))
	} else {
		err = r.session.Steer(ctx, input.Text, input.Attachments)
	}
	if err != nil {
		r.reportSteerFailure(input, err)
	}
}

// reportSteerFailure drops the pending delivery that will never be observed
// and reports the failure. The in-flight turn is untouched: status stays
// as-is and no agent-end fires, so the session's own agent_end still closes
// the turn.
func (r *Runtime) reportSteerFailure(input domain.MessageInput, err error) {
	phase := domain.PhaseSteerDispatch
	if strings.Contains(strings.ToLower(err.Error()), "compaction") {
		phase = domain.PhaseCompaction
	}

	r.logger.Warn("steer delivery failed", "agent_id", r.agentID, "phase", string(phase), "error", err)
	if r.hooks.OnRuntimeError != nil {
		r.hooks.OnRuntimeError(domain.RuntimeErrorPayload{
			AgentID: r.agentID,
			Phase:   phase,
			Message: err.Error(),
		})
	}

	key := messageKey(input)
	r.mu.Lock()
	for i, p := range r.pending {
		if p.messageKey == key {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	status := r.status
	count := len(r.pending)
	r.mu.Unlock()

	r.emitStatus(status, count)
}

// dispatchPrompt starts a new turn. Failures never reach the original
// caller (a receipt was already returned); they are reported through the
// runtime-error hook and the agent is always forced back to idle so a
// crashed dispatch cannot leave it stuck in streaming.
func (r *Runtime) dispatchPrompt(ctx context.Context, input domain.MessageInput) {
	var err error
	if isAttachmentOnly(input) {
		err = r.session.SendRawUserMessage(ctx, rawMessage(input))
	} else {
		err = r.session.Prompt(ctx, input.Text, input.Attachments)
	}
	if err != nil {
		r.reportDispatchFailure(err)
	}
}

// reportDispatchFailure classifies a failed first prompt, emits a single
// runtime-error event, forces status back to idle, and fires the agent-end
// hook exactly once. Steer failures take reportSteerFailure instead; there
// the turn is still live.
func (r *Runtime) reportDispatchFailure(err error) {
	phase := domain.PhasePromptDispatch
	if strings.Contains(strings.ToLower(err.Error()), "compaction") {
		phase = domain.PhaseCompaction
	}

	r.logger.Warn("session dispatch failed",
		"agent_id", r.agentID,
		"phase", string(phase),
		"error", err,
	)
	if r.hooks.OnRuntimeError != nil {
		r.hooks.OnRuntimeError(domain.RuntimeErrorPayload{
			AgentID: r.agentID,
			Phase:   phase,
			Message: err.Error(),
		})
	}

	r.mu.Lock()
	r.dispatchPending = false
	if !r.terminated {
		r.status = domain.StatusIdle
	}
	status := r.status
	count := len(r.pending)
	r.mu.Unlock()

	r.emitStatus(status, count)
	if r.hooks.OnAgentEnd != nil {
		r.hooks.OnAgentEnd(r.agentID)
	}
}

func (r *Runtime) handleSessionEvent(ev domain.SessionEvent) {
	switch ev.Kind {
	case domain.SessionAgentStart:
		r.mu.Lock()
		r.dispatchPending = false
		if !r.terminated {
			r.status = domain.StatusStreaming
		}
		status := r.status
		count := len(r.pending)
		r.mu.Unlock()
		r.emitStatus(status, count)

	case domain.SessionAgentEnd:
		r.mu.Lock()
		changed := false
		if !r.terminated && r.status != domain.StatusTerminated {
			r.status = domain.StatusIdle
			changed = true
		}
		status := r.status
		count := len(r.pending)
		r.mu.Unlock()
		if changed {
			r.emitStatus(status, count)
		}
		if r.hooks.OnAgentEnd != nil {
			r.hooks.OnAgentEnd(r.agentID)
		}

	case domain.SessionMessageStart:
		if ev.Message == nil {
			return
		}
		r.recordMessage(*ev.Message)
		if ev.Message.Role == domain.RoleUser {
			r.dequeueMatching(*ev.Message)
		}

	default:
		// Tool-execution and compaction events pass through opaquely.
		if r.hooks.OnPassthrough != nil {
			r.hooks.OnPassthrough(r.agentID, ev)
		}
	}
}

// dequeueMatching removes the pending delivery whose messageKey matches the
// user message that just started: head of the queue first, then a linear
// scan. Arrival order of the remaining deliveries is preserved.
func (r *Runtime) dequeueMatching(msg domain.SessionMessage) {
	key := messageKey(domain.MessageInput{Text: msg.Text, Attachments: msg.Attachments})

	r.mu.Lock()
	matched := false
	if len(r.pending) > 0 && r.pending[0].messageKey == key {
		r.pending = r.pending[1:]
		matched = true
	} else {
		for i, p := range r.pending {
			if p.messageKey == key {
				r.pending = append(r.pending[:i], r.pending[i+1:]...)
				matched = true
				break
			}
		}
	}
	status := r.status
	count := len(r.pending)
	r.mu.Unlock()

	if matched {
		r.emitStatus(status, count)
	}
}

// recordMessage appends a session-observed message to the durable log and
// forwards it to the conversation hook.
func (r *Runtime) recordMessage(msg domain.SessionMessage) {
	entry := domain.ConversationMessage{
		AgentID:   r.agentID,
		Role:      msg.Role,
		Text:      msg.Text,
		Timestamp: time.Now(),
	}
	if r.log != nil {
		if err := r.log.AppendMessage(entry); err != nil {
			r.logger.Warn("session log append failed", "agent_id", r.agentID, "error", err)
		}
	}
	if r.hooks.OnConversation != nil {
		r.hooks.OnConversation(entry)
	}
}

// Terminate tears the runtime down. With abort set it first asks the
// session to cancel its in-flight turn; cleanup (unsubscribe, dispose,
// clear queues, force terminated) happens unconditionally even when the
// abort fails. Terminating an already-terminated runtime is a no-op.
func (r *Runtime) Terminate(ctx context.Context, abort bool) error {
	r.mu.Lock()
	if r.terminated {
		r.mu.Unlock()
		return nil
	}
	r.terminated = true
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if abort {
		if err := r.session.Abort(ctx); err != nil {
			r.logger.Warn("session abort failed", "agent_id", r.agentID, "error", err)
		}
	}
	if unsub != nil {
		unsub()
	}
	if err := r.session.Dispose(); err != nil {
		r.logger.Warn("session dispose failed", "agent_id", r.agentID, "error", err)
	}

	r.mu.Lock()
	r.pending = nil
	r.dispatchPending = false
	r.status = domain.StatusTerminated
	r.mu.Unlock()

	r.emitStatus(domain.StatusTerminated, 0)
	return nil
}

// AppendCustomEntry stashes a typed side-channel record in the agent's
// durable session log without polluting the conversational stream.
func (r *Runtime) AppendCustomEntry(customType string, payload any) error {
	if r.log == nil {
		return domain.NewDomainError("Runtime.AppendCustomEntry", domain.ErrInvalidInput, "no session log")
	}
	return r.log.AppendCustom(customType, payload)
}

// CustomEntries returns the typed side-channel records of one custom type.
func (r *Runtime) CustomEntries(customType string) ([]store.LogEntry, error) {
	if r.log == nil {
		return nil, nil
	}
	return r.log.CustomEntries(customType)
}

func (r *Runtime) emitStatus(status domain.AgentStatus, pendingCount int) {
	if r.hooks.OnStatus != nil {
		r.hooks.OnStatus(r.agentID, status, pendingCount)
	}
}

func isAttachmentOnly(input domain.MessageInput) bool {
	return strings.TrimSpace(input.Text) == "" && len(input.Attachments) > 0
}

func rawMessage(input domain.MessageInput) domain.SessionMessage {
	return domain.SessionMessage{
		Role:        domain.RoleUser,
		Text:        input.Text,
		Attachments: input.Attachments,
	}
}

// messageKey fingerprints a message so a later message_start event can be
// matched back to its pending delivery: hash of the trimmed text plus the
// ordered attachment fingerprints.
func messageKey(input domain.MessageInput) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(input.Text)))
	for _, a := range input.Attachments {
		h.Write([]byte{0})
		h.Write([]byte(a.MIMEType))
		h.Write([]byte{0})
		sum := sha256.Sum256(a.Data)
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
