package swarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swarmd/internal/domain"
	"swarmd/internal/infra/tracer"
	"swarmd/internal/store"
	"swarmd/internal/usecase/eventbus"
)

// Config is the immutable configuration a Manager is constructed with.
// Modeling it as an explicit value (not ambient globals) lets multiple
// managers coexist in tests.
type Config struct {
	ManagerID     string
	ManagerName   string
	DataDir       string
	AllowedCwds   []string
	DefaultModel  domain.ModelRef
	ManagerPrompt string
	WorkerPrompt  string
	Archetypes    map[string]string // archetype ID -> system prompt
}

// SpawnInput describes a worker to create.
type SpawnInput struct {
	Name        string
	ArchetypeID string
	Cwd         string
	Model       *domain.ModelRef
}

// CreateManagerInput describes an additional manager context.
type CreateManagerInput struct {
	Name  string
	Cwd   string
	Model *domain.ModelRef
}

// UserMessageOptions routes an inbound user message.
type UserMessageOptions struct {
	TargetAgentID string
	Source        domain.SourceContext
	Attachments   []domain.Attachment
	Mode          domain.DeliveryMode
}

// Manager is the registry of all agent runtimes: it spawns, kills, and
// routes messages between agents, enforces permissions, persists the
// registry, and re-derives status after a restart.
type Manager struct {
	cfg      Config
	store    *store.AgentStore
	provider domain.SessionProvider
	bus      domain.EventBus
	cwd      *CwdPolicy
	logger   *slog.Logger
	intents  *intentQueue

	mu          sync.RWMutex
	descriptors map[string]*domain.AgentDescriptor
	runtimes    map[string]*Runtime
}

// NewManager loads the persisted registry and performs boot recovery:
// every non-manager descriptor with a non-terminal status is parked as
// stopped without a live runtime (workers are not auto-resumed), and
// exactly one live runtime is created for the configured manager, creating
// its descriptor if absent.
func NewManager(ctx context.Context, cfg Config, st *store.AgentStore, provider domain.SessionProvider, bus domain.EventBus, logger *slog.Logger) (*Manager, error) {
	if cfg.ManagerID == "" {
		return nil, domain.NewDomainError("NewManager", domain.ErrInvalidInput, "manager id is required")
	}
	m := &Manager{
		cfg:         cfg,
		store:       st,
		provider:    provider,
		bus:         bus,
		cwd:         NewCwdPolicy(st.Dir(), cfg.AllowedCwds),
		logger:      logger,
		intents:     newIntentQueue(16),
		descriptors: make(map[string]*domain.AgentDescriptor),
		runtimes:    make(map[string]*Runtime),
	}
	if err := m.boot(ctx); err != nil {
		m.intents.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) boot(ctx context.Context) error {
	for _, desc := range m.store.Load() {
		d := desc
		if !d.IsManager() && !domain.IsNonRunning(d.Status) {
			// Restart recovery: park active workers instead of paying a
			// session rehydration per worker on every boot.
			d.Status = domain.StatusStopped
			d.UpdatedAt = time.Now()
			m.logger.Info("worker parked on restart", "agent_id", d.ID)
		}
		m.descriptors[d.ID] = &d
	}

	desc, ok := m.descriptors[m.cfg.ManagerID]
	if !ok {
		name := m.cfg.ManagerName
		if name == "" {
			name = m.cfg.ManagerID
		}
		cwd, err := m.cwd.Validate("")
		if err != nil {
			return fmt.Errorf("boot: %w", err)
		}
		now := time.Now()
		desc = &domain.AgentDescriptor{
			ID:          m.cfg.ManagerID,
			DisplayName: name,
			Role:        domain.RoleManager,
			ManagerID:   m.cfg.ManagerID,
			Status:      domain.StatusIdle,
			Cwd:         cwd,
			Model:       m.cfg.DefaultModel,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.descriptors[desc.ID] = desc
		m.logger.Info("manager descriptor created", "agent_id", desc.ID)
	}
	desc.Status = domain.StatusIdle

	if err := m.activate(ctx, desc, m.managerPrompt()); err != nil {
		return fmt.Errorf("boot manager runtime: %w", err)
	}
	if err := m.persistLocked(); err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	return nil
}

// activate provisions a session and registers a live runtime for desc.
// Caller holds no lock during boot; for post-boot use, call from within the
// intent queue.
func (m *Manager) activate(ctx context.Context, desc *domain.AgentDescriptor, systemPrompt string) error {
	if _, err := m.store.EnsureMemoryFile(desc.ID); err != nil {
		return err
	}
	log, err := m.store.OpenSessionLog(desc.ID)
	if err != nil {
		return err
	}
	desc.SessionFile = log.Path()

	session, err := m.provider.Provision(ctx, *desc, systemPrompt)
	if err != nil {
		return fmt.Errorf("provision session for %s: %w", desc.ID, err)
	}
	rt := NewRuntime(desc.ID, session, log, m.runtimeHooks(), m.logger)
	m.runtimes[desc.ID] = rt
	return nil
}

func (m *Manager) runtimeHooks() RuntimeHooks {
	return RuntimeHooks{
		OnStatus:       m.onRuntimeStatus,
		OnAgentEnd:     m.onAgentEnd,
		OnRuntimeError: m.onRuntimeError,
		OnConversation: m.onConversation,
		OnPassthrough:  m.onPassthrough,
	}
}

// onRuntimeStatus mirrors a runtime's status into its descriptor, persists
// the registry, and broadcasts the change.
func (m *Manager) onRuntimeStatus(agentID string, status domain.AgentStatus, pendingCount int) {
	m.mu.Lock()
	desc, ok := m.descriptors[agentID]
	if ok && desc.Status != status {
		if next, err := domain.Transition(desc.Status, status); err == nil {
			desc.Status = next
			desc.UpdatedAt = time.Now()
		} else {
			m.logger.Warn("runtime status not reflectable", "agent_id", agentID, "error", err)
		}
		if err := m.persistLocked(); err != nil {
			m.logger.Error("persist after status change failed", "agent_id", agentID, "error", err)
		}
	}
	m.mu.Unlock()

	m.publish(domain.EventAgentStatus, agentID, domain.AgentStatusPayload{
		AgentID:      agentID,
		Status:       status,
		PendingCount: pendingCount,
	})
}

func (m *Manager) onAgentEnd(agentID string) {
	m.logger.Debug("agent turn finished", "agent_id", agentID)
}

func (m *Manager) onRuntimeError(payload domain.RuntimeErrorPayload) {
	m.publish(domain.EventRuntimeError, payload.AgentID, payload)
}

func (m *Manager) onConversation(msg domain.ConversationMessage) {
	m.publish(domain.EventConversationMessage, msg.AgentID, msg)
}

func (m *Manager) onPassthrough(agentID string, ev domain.SessionEvent) {
	m.publish(domain.EventSessionPassthrough, agentID, ev)
}

func (m *Manager) publish(eventType domain.EventType, agentID string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(context.Background(), eventbus.NewEvent(eventType, agentID, payload))
}

// persistLocked rewrites the full registry snapshot. Callers hold m.mu.
func (m *Manager) persistLocked() error {
	agents := make([]domain.AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, *d)
	}
	sortDescriptors(agents)
	return m.store.Save(agents)
}

// SpawnAgent creates a worker on behalf of callerID. Only managers may
// spawn. The new agent is fully registered and persisted before the call
// returns; on any failure nothing is registered.
func (m *Manager) SpawnAgent(ctx context.Context, callerID string, input SpawnInput) (*domain.AgentDescriptor, error) {
	ctx, span := tracer.StartSpan(ctx, "Manager.SpawnAgent")
	defer span.End()

	var created *domain.AgentDescriptor
	err := m.intents.Do(ctx, func() error {
		if err := m.requireManager(callerID, "Manager.SpawnAgent"); err != nil {
			return err
		}
		if input.Name == "" {
			return domain.NewDomainError("Manager.SpawnAgent", domain.ErrInvalidInput, "name is required")
		}
		cwd, err := m.cwd.Validate(input.Cwd)
		if err != nil {
			return err
		}
		prompt, err := m.archetypePrompt(input.ArchetypeID)
		if err != nil {
			return err
		}
		model := m.cfg.DefaultModel
		if input.Model != nil {
			model = *input.Model
		}

		m.mu.Lock()
		id := AllocateID(input.Name, func(id string) bool {
			_, taken := m.descriptors[id]
			return taken
		})
		now := time.Now()
		desc := &domain.AgentDescriptor{
			ID:          id,
			DisplayName: input.Name,
			Role:        domain.RoleWorker,
			ManagerID:   callerID,
			ArchetypeID: input.ArchetypeID,
			Status:      domain.StatusIdle,
			Cwd:         cwd,
			Model:       model,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.descriptors[id] = desc
		if err := m.activate(ctx, desc, prompt); err != nil {
			delete(m.descriptors, id)
			m.mu.Unlock()
			return domain.WrapOp("Manager.SpawnAgent", err)
		}
		var rollback *Runtime
		persistErr := m.persistLocked()
		if persistErr != nil {
			rollback = m.runtimes[id]
			delete(m.runtimes, id)
			delete(m.descriptors, id)
		} else {
			dup := *desc
			created = &dup
		}
		m.mu.Unlock()

		if persistErr != nil {
			// Terminate re-enters the status hook, which takes m.mu; the
			// rollback must run outside the lock.
			if rollback != nil {
				rollback.Terminate(ctx, false)
			}
			return domain.WrapOp("Manager.SpawnAgent", persistErr)
		}
		m.logger.Info("agent spawned", "agent_id", id, "manager_id", callerID, "cwd", cwd)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	m.publishSnapshot()
	return created, nil
}

// KillAgent terminates a worker on behalf of callerID. Only managers may
// kill, and the configured manager itself can never be the target.
func (m *Manager) KillAgent(ctx context.Context, callerID, targetID string) error {
	ctx, span := tracer.StartSpan(ctx, "Manager.KillAgent", tracer.WithAgent(targetID))
	defer span.End()

	err := m.intents.Do(ctx, func() error {
		if err := m.requireManager(callerID, "Manager.KillAgent"); err != nil {
			return err
		}
		if targetID == m.cfg.ManagerID {
			return domain.NewDomainError("Manager.KillAgent", domain.ErrPermissionDenied, "configured manager cannot be killed")
		}

		m.mu.Lock()
		desc, ok := m.descriptors[targetID]
		rt := m.runtimes[targetID]
		m.mu.Unlock()
		if !ok {
			return domain.NewDomainError("Manager.KillAgent", domain.ErrNotFound, targetID)
		}

		if rt != nil {
			rt.Terminate(ctx, true)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.runtimes, targetID)
		desc.Status = domain.StatusTerminated
		desc.UpdatedAt = time.Now()
		if err := m.persistLocked(); err != nil {
			return domain.WrapOp("Manager.KillAgent", err)
		}
		m.logger.Info("agent killed", "agent_id", targetID, "caller", callerID)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.publishSnapshot()
	return nil
}

// SendMessage routes a message to the target agent's runtime and returns
// its receipt unchanged. This is the single chokepoint for inter-agent
// tool calls and user-originated messages alike.
func (m *Manager) SendMessage(ctx context.Context, fromID, targetID string, input domain.MessageInput, mode domain.DeliveryMode) (domain.SendMessageReceipt, error) {
	m.mu.RLock()
	desc, ok := m.descriptors[targetID]
	rt := m.runtimes[targetID]
	m.mu.RUnlock()

	if !ok || desc.Status == domain.StatusTerminated || rt == nil {
		return domain.SendMessageReceipt{}, domain.NewDomainError("Manager.SendMessage", domain.ErrNotFound, targetID)
	}

	m.logger.Debug("routing message", "from", fromID, "to", targetID, "mode", string(mode))
	return rt.SendMessage(ctx, input, mode)
}

// HandleUserMessage is the sole write path external surfaces (transport,
// cron dispatch, channel routers) use to inject a message into the swarm.
func (m *Manager) HandleUserMessage(ctx context.Context, text string, opts UserMessageOptions) (domain.SendMessageReceipt, error) {
	target := opts.TargetAgentID
	if target == "" {
		target = m.cfg.ManagerID
	}
	mode := opts.Mode
	if mode == "" {
		mode = domain.DeliveryAuto
	}

	receipt, err := m.SendMessage(ctx, "user", target, domain.MessageInput{Text: text, Attachments: opts.Attachments}, mode)
	if err != nil {
		return domain.SendMessageReceipt{}, err
	}

	// Broadcast only accepted messages so bridges never mirror a message
	// that was rejected at routing.
	m.publish(domain.EventConversationMessage, target, domain.ConversationMessage{
		AgentID:   target,
		Role:      domain.RoleUser,
		Text:      text,
		Source:    opts.Source,
		Timestamp: time.Now(),
	})
	return receipt, nil
}

// PublishToUser broadcasts an agent-originated message to subscribed
// surfaces, tagged with its source context so delivery bridges can mirror
// it to the right external channel.
func (m *Manager) PublishToUser(ctx context.Context, agentID, text string, source domain.SourceContext) error {
	m.mu.RLock()
	_, ok := m.descriptors[agentID]
	m.mu.RUnlock()
	if !ok {
		return domain.NewDomainError("Manager.PublishToUser", domain.ErrNotFound, agentID)
	}
	msg := domain.ConversationMessage{
		AgentID:   agentID,
		Role:      domain.RoleAssistant,
		Text:      text,
		Source:    source,
		Timestamp: time.Now(),
	}
	if log, err := m.store.OpenSessionLog(agentID); err == nil {
		if err := log.AppendMessage(msg); err != nil {
			m.logger.Warn("session log append failed", "agent_id", agentID, "error", err)
		}
	}
	m.publish(domain.EventConversationMessage, agentID, msg)
	return nil
}

// CreateManager creates an additional manager context with its own cwd,
// memory, and session namespace.
func (m *Manager) CreateManager(ctx context.Context, input CreateManagerInput) (*domain.AgentDescriptor, error) {
	ctx, span := tracer.StartSpan(ctx, "Manager.CreateManager")
	defer span.End()

	var created *domain.AgentDescriptor
	err := m.intents.Do(ctx, func() error {
		if input.Name == "" {
			return domain.NewDomainError("Manager.CreateManager", domain.ErrInvalidInput, "name is required")
		}
		cwd, err := m.cwd.Validate(input.Cwd)
		if err != nil {
			return err
		}
		model := m.cfg.DefaultModel
		if input.Model != nil {
			model = *input.Model
		}

		m.mu.Lock()
		id := AllocateID(input.Name, func(id string) bool {
			_, taken := m.descriptors[id]
			return taken
		})
		now := time.Now()
		desc := &domain.AgentDescriptor{
			ID:          id,
			DisplayName: input.Name,
			Role:        domain.RoleManager,
			ManagerID:   id,
			Status:      domain.StatusIdle,
			Cwd:         cwd,
			Model:       model,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		m.descriptors[id] = desc
		if err := m.activate(ctx, desc, m.managerPrompt()); err != nil {
			delete(m.descriptors, id)
			m.mu.Unlock()
			return domain.WrapOp("Manager.CreateManager", err)
		}
		var rollback *Runtime
		persistErr := m.persistLocked()
		if persistErr != nil {
			rollback = m.runtimes[id]
			delete(m.runtimes, id)
			delete(m.descriptors, id)
		} else {
			dup := *desc
			created = &dup
		}
		m.mu.Unlock()

		if persistErr != nil {
			// Terminate re-enters the status hook, which takes m.mu; the
			// rollback must run outside the lock.
			if rollback != nil {
				rollback.Terminate(ctx, false)
			}
			return domain.WrapOp("Manager.CreateManager", persistErr)
		}
		m.logger.Info("manager context created", "agent_id", id)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	m.publishSnapshot()
	return created, nil
}

// DeleteManager tears down a manager context, cascading termination to
// every worker it owns. The configured manager cannot be deleted.
func (m *Manager) DeleteManager(ctx context.Context, managerID string) error {
	ctx, span := tracer.StartSpan(ctx, "Manager.DeleteManager", tracer.WithAgent(managerID))
	defer span.End()

	err := m.intents.Do(ctx, func() error {
		if managerID == m.cfg.ManagerID {
			return domain.NewDomainError("Manager.DeleteManager", domain.ErrPermissionDenied, "configured manager cannot be deleted")
		}
		m.mu.Lock()
		desc, ok := m.descriptors[managerID]
		m.mu.Unlock()
		if !ok || !desc.IsManager() {
			return domain.NewDomainError("Manager.DeleteManager", domain.ErrNotFound, managerID)
		}

		// Collect the cascade set before terminating anything.
		m.mu.Lock()
		var cascade []string
		for id, d := range m.descriptors {
			if id == managerID || (!d.IsManager() && d.ManagerID == managerID) {
				cascade = append(cascade, id)
			}
		}
		runtimes := make([]*Runtime, 0, len(cascade))
		for _, id := range cascade {
			if rt := m.runtimes[id]; rt != nil {
				runtimes = append(runtimes, rt)
			}
		}
		m.mu.Unlock()

		for _, rt := range runtimes {
			rt.Terminate(ctx, true)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, id := range cascade {
			delete(m.runtimes, id)
			delete(m.descriptors, id)
		}
		if err := m.persistLocked(); err != nil {
			return domain.WrapOp("Manager.DeleteManager", err)
		}
		m.logger.Info("manager context deleted", "agent_id", managerID, "cascaded", len(cascade)-1)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.publishSnapshot()
	return nil
}

// StopAllAgents parks every live worker. Manager runtimes stay up.
func (m *Manager) StopAllAgents(ctx context.Context) error {
	err := m.intents.Do(ctx, func() error {
		m.mu.Lock()
		var workers []string
		for id, d := range m.descriptors {
			if !d.IsManager() && m.runtimes[id] != nil {
				workers = append(workers, id)
			}
		}
		runtimes := make(map[string]*Runtime, len(workers))
		for _, id := range workers {
			runtimes[id] = m.runtimes[id]
		}
		m.mu.Unlock()

		for _, rt := range runtimes {
			rt.Terminate(ctx, true)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		for _, id := range workers {
			delete(m.runtimes, id)
			desc := m.descriptors[id]
			// Terminate already drove the descriptor to terminated through
			// the status hook; parking overrides that so the worker stays
			// resumable.
			desc.Status = domain.StatusStopped
			desc.UpdatedAt = time.Now()
		}
		if err := m.persistLocked(); err != nil {
			return domain.WrapOp("Manager.StopAllAgents", err)
		}
		m.logger.Info("all workers stopped", "count", len(workers))
		return nil
	})
	if err != nil {
		return err
	}
	m.publishSnapshot()
	return nil
}

// ListAgents returns a snapshot of every registered agent, sorted by ID.
func (m *Manager) ListAgents() []domain.AgentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() []domain.AgentSnapshot {
	out := make([]domain.AgentSnapshot, 0, len(m.descriptors))
	for id, d := range m.descriptors {
		snap := domain.AgentSnapshot{AgentDescriptor: *d}
		if rt := m.runtimes[id]; rt != nil {
			snap.Live = true
			snap.PendingCount = rt.PendingCount()
		}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out
}

// GetAgent returns one agent's snapshot.
func (m *Manager) GetAgent(agentID string) (*domain.AgentSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[agentID]
	if !ok {
		return nil, domain.NewDomainError("Manager.GetAgent", domain.ErrNotFound, agentID)
	}
	snap := domain.AgentSnapshot{AgentDescriptor: *d}
	if rt := m.runtimes[agentID]; rt != nil {
		snap.Live = true
		snap.PendingCount = rt.PendingCount()
	}
	return &snap, nil
}

// Runtime returns the live runtime for an agent, if any. Intended for
// tests and for collaborators holding custom entries.
func (m *Manager) Runtime(agentID string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[agentID]
	return rt, ok
}

// ConversationHistory returns the agent's conversational entries.
func (m *Manager) ConversationHistory(agentID string) ([]domain.ConversationMessage, error) {
	m.mu.RLock()
	_, ok := m.descriptors[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Manager.ConversationHistory", domain.ErrNotFound, agentID)
	}
	log, err := m.store.OpenSessionLog(agentID)
	if err != nil {
		return nil, err
	}
	return log.Messages()
}

// ResetManagerSession archives a manager's session log and provisions a
// fresh runtime. The reason is recorded as a typed custom entry in the new
// log.
func (m *Manager) ResetManagerSession(ctx context.Context, agentID, reason string) error {
	ctx, span := tracer.StartSpan(ctx, "Manager.ResetManagerSession", tracer.WithAgent(agentID))
	defer span.End()

	err := m.intents.Do(ctx, func() error {
		m.mu.Lock()
		desc, ok := m.descriptors[agentID]
		rt := m.runtimes[agentID]
		m.mu.Unlock()
		if !ok || !desc.IsManager() {
			return domain.NewDomainError("Manager.ResetManagerSession", domain.ErrNotFound, agentID)
		}

		if rt != nil {
			rt.Terminate(ctx, true)
		}

		log, err := m.store.OpenSessionLog(agentID)
		if err != nil {
			return err
		}
		if err := log.Reset(); err != nil {
			return domain.WrapOp("Manager.ResetManagerSession", err)
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.runtimes, agentID)
		desc.Status = domain.StatusIdle
		desc.UpdatedAt = time.Now()
		if err := m.activate(ctx, desc, m.managerPrompt()); err != nil {
			desc.Status = domain.StatusError
			return domain.WrapOp("Manager.ResetManagerSession", err)
		}
		if rt := m.runtimes[agentID]; rt != nil {
			if err := rt.AppendCustomEntry("session_reset", map[string]string{"reason": reason}); err != nil {
				m.logger.Warn("recording reset reason failed", "agent_id", agentID, "error", err)
			}
		}
		if err := m.persistLocked(); err != nil {
			return domain.WrapOp("Manager.ResetManagerSession", err)
		}
		m.logger.Info("manager session reset", "agent_id", agentID, "reason", reason)
		return nil
	})
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	m.publishSnapshot()
	return nil
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config {
	cfg := m.cfg
	if cfg.Archetypes != nil {
		archetypes := make(map[string]string, len(cfg.Archetypes))
		for k, v := range cfg.Archetypes {
			archetypes[k] = v
		}
		cfg.Archetypes = archetypes
	}
	cfg.AllowedCwds = append([]string(nil), cfg.AllowedCwds...)
	return cfg
}

// Close parks the workers, terminates manager runtimes, and stops the
// intent consumer.
func (m *Manager) Close(ctx context.Context) error {
	err := m.StopAllAgents(ctx)

	m.mu.Lock()
	var rest []*Runtime
	for _, rt := range m.runtimes {
		rest = append(rest, rt)
	}
	m.runtimes = make(map[string]*Runtime)
	m.mu.Unlock()
	for _, rt := range rest {
		rt.Terminate(ctx, true)
	}

	m.intents.Close()
	return err
}

func (m *Manager) publishSnapshot() {
	m.mu.RLock()
	snaps := m.snapshotLocked()
	m.mu.RUnlock()
	m.publish(domain.EventAgentsSnapshot, "", snaps)
}

// requireManager rejects callers whose descriptor is missing or not a
// manager. Never mutates state.
func (m *Manager) requireManager(callerID, op string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	desc, ok := m.descriptors[callerID]
	if !ok {
		return domain.NewDomainError(op, domain.ErrPermissionDenied, "unknown caller "+callerID)
	}
	if !desc.IsManager() {
		return domain.NewDomainError(op, domain.ErrPermissionDenied, "caller "+callerID+" is not a manager")
	}
	return nil
}

func (m *Manager) managerPrompt() string {
	if m.cfg.ManagerPrompt != "" {
		return m.cfg.ManagerPrompt
	}
	return "You are the manager agent of this workspace. Delegate work to your workers and report results to the user."
}

// archetypePrompt resolves an archetype to its system prompt; an empty
// archetype uses the worker default.
func (m *Manager) archetypePrompt(archetypeID string) (string, error) {
	if archetypeID == "" {
		if m.cfg.WorkerPrompt != "" {
			return m.cfg.WorkerPrompt, nil
		}
		return "You are a worker agent scoped to a single task. Stay within your working directory.", nil
	}
	prompt, ok := m.cfg.Archetypes[archetypeID]
	if !ok {
		return "", domain.NewDomainError("Manager.SpawnAgent", domain.ErrNotFound, "archetype "+archetypeID)
	}
	return prompt, nil
}
