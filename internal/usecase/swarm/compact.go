package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"swarmd/internal/domain"
	"swarmd/internal/infra/tracer"
)

// CompactOptions controls a context compaction request.
type CompactOptions struct {
	// TokenThreshold skips compaction when the estimated footprint is
	// below it. Zero uses DefaultCompactThreshold.
	TokenThreshold int
	// Force compacts regardless of the estimate.
	Force bool
	// Instruction overrides the default compaction prompt.
	Instruction string
}

// CompactResult reports what a compaction request did.
type CompactResult struct {
	AgentID         string              `json:"agent_id"`
	EstimatedTokens int                 `json:"estimated_tokens"`
	Triggered       bool                `json:"triggered"`
	Mode            domain.DeliveryMode `json:"mode,omitempty"`
}

// DefaultCompactThreshold is the token estimate above which compaction is
// worth a turn of the agent's time.
const DefaultCompactThreshold = 60000

const defaultCompactInstruction = "Compact your context now: summarize the conversation so far, keep open tasks and decisions, drop tool output bodies."

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// estimateTokens counts tokens with the cl100k_base encoding, falling back
// to a bytes/4 heuristic when the encoding is unavailable (e.g. offline).
func estimateTokens(text string) int {
	encOnce.Do(func() {
		enc, _ = tiktoken.GetEncoding("cl100k_base")
	})
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CompactAgentContext estimates the agent's session footprint and, when it
// exceeds the threshold (or Force is set), asks the session to compact
// itself: steered into the in-flight turn when streaming, a fresh turn when
// idle. The request is recorded as a typed custom entry in the session log.
func (m *Manager) CompactAgentContext(ctx context.Context, agentID string, opts CompactOptions) (*CompactResult, error) {
	ctx, span := tracer.StartSpan(ctx, "Manager.CompactAgentContext", tracer.WithAgent(agentID))
	defer span.End()

	m.mu.RLock()
	_, ok := m.descriptors[agentID]
	rt := m.runtimes[agentID]
	m.mu.RUnlock()
	if !ok {
		err := domain.NewDomainError("Manager.CompactAgentContext", domain.ErrNotFound, agentID)
		tracer.RecordError(span, err)
		return nil, err
	}
	if rt == nil {
		err := domain.NewDomainError("Manager.CompactAgentContext", domain.ErrTerminated, agentID)
		tracer.RecordError(span, err)
		return nil, err
	}

	msgs, err := m.ConversationHistory(agentID)
	if err != nil {
		return nil, err
	}
	var size int
	for _, msg := range msgs {
		size += estimateTokens(msg.Text)
	}

	threshold := opts.TokenThreshold
	if threshold <= 0 {
		threshold = DefaultCompactThreshold
	}
	result := &CompactResult{AgentID: agentID, EstimatedTokens: size}
	if !opts.Force && size < threshold {
		return result, nil
	}

	instruction := opts.Instruction
	if instruction == "" {
		instruction = defaultCompactInstruction
	}
	receipt, err := rt.SendMessage(ctx, domain.MessageInput{Text: instruction}, domain.DeliveryAuto)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("Manager.CompactAgentContext", err)
	}
	result.Triggered = true
	result.Mode = receipt.AcceptedMode

	if err := rt.AppendCustomEntry("compaction", map[string]any{
		"estimated_tokens": size,
		"threshold":        threshold,
		"forced":           opts.Force,
		"requested_at":     time.Now(),
	}); err != nil {
		m.logger.Warn("recording compaction failed", "agent_id", agentID, "error", err)
	}
	m.logger.Info("compaction requested", "agent_id", agentID, "estimated_tokens", size, "mode", string(receipt.AcceptedMode))
	return result, nil
}
