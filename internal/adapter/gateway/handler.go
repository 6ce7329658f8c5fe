package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"swarmd/internal/domain"
	"swarmd/internal/usecase/cronjob"
	"swarmd/internal/usecase/eventbus"
	"swarmd/internal/usecase/swarm"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Swarm    *swarm.Manager
	Cron     *cronjob.Manager // can be nil
	Bus      domain.EventBus
	Logger   *slog.Logger
	Channels []string // active channel bridge names, for the status endpoint
}

func errInvalidPayload(detail string) error {
	return domain.NewDomainError("gateway", domain.ErrInvalidInput, detail)
}

// RegisterDefaultHandlers registers all built-in RPC handlers on the server
// and a connect hook that pushes the current registry snapshot to each new
// client before any other frame.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	s.SetConnectHook(func(enqueue func(Frame)) {
		ev := eventbus.NewEvent(domain.EventAgentsSnapshot, "", deps.Swarm.ListAgents())
		payload, err := json.Marshal(ev)
		if err != nil {
			return
		}
		enqueue(Frame{Type: FrameTypeEvent, Payload: payload})
	})

	s.RegisterHandler("agents.list", agentsListHandler(deps))
	s.RegisterHandler("agents.get", agentsGetHandler(deps))
	s.RegisterHandler("agents.spawn", agentsSpawnHandler(deps))
	s.RegisterHandler("agents.kill", agentsKillHandler(deps))
	s.RegisterHandler("agents.send", agentsSendHandler(deps))
	s.RegisterHandler("agents.stop_all", agentsStopAllHandler(deps))
	s.RegisterHandler("chat.send", chatSendHandler(deps))
	s.RegisterHandler("chat.history", chatHistoryHandler(deps))
	s.RegisterHandler("manager.create", managerCreateHandler(deps))
	s.RegisterHandler("manager.delete", managerDeleteHandler(deps))
	s.RegisterHandler("manager.reset", managerResetHandler(deps))
	s.RegisterHandler("manager.compact", managerCompactHandler(deps))
	s.RegisterHandler("config.get", configGetHandler(deps))

	if deps.Cron != nil {
		s.RegisterHandler("cron.list", cronListHandler(deps))
		s.RegisterHandler("cron.get", cronGetHandler(deps))
		s.RegisterHandler("cron.create", cronCreateHandler(deps))
		s.RegisterHandler("cron.update", cronUpdateHandler(deps))
		s.RegisterHandler("cron.delete", cronDeleteHandler(deps))
		s.RegisterHandler("cron.runs", cronRunsHandler(deps))
	}
}

// RegisterRESTHandlers registers HTTP REST endpoints on the gateway server.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	// Subscribe to events for metric counters.
	if deps.Bus != nil {
		deps.Bus.Subscribe(domain.EventConversationMessage, func(_ context.Context, e domain.Event) {
			var msg domain.ConversationMessage
			if err := json.Unmarshal(e.Payload, &msg); err != nil {
				return
			}
			if msg.Role == domain.RoleUser {
				metrics.MessagesRecv.Add(1)
			} else {
				metrics.MessagesSent.Add(1)
			}
		})
		deps.Bus.Subscribe(domain.EventRuntimeError, func(_ context.Context, e domain.Event) {
			metrics.RuntimeErrors.Add(1)
		})
		deps.Bus.Subscribe(domain.EventAgentStatus, func(_ context.Context, e domain.Event) {
			metrics.StatusChanges.Add(1)
		})
		deps.Bus.Subscribe(domain.EventCronJobFired, func(_ context.Context, e domain.Event) {
			metrics.CronJobsFired.Add(1)
		})
	}

	// Auth middleware for REST endpoints.
	authMiddleware := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.URL.Query().Get("token")
			if token == "" {
				token = r.Header.Get("Authorization")
				if len(token) > 7 && token[:7] == "Bearer " {
					token = token[7:]
				}
			}
			if _, err := s.auth.Authenticate(token); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}

	s.RegisterHTTPRoute("/api/v1/status", authMiddleware(statusHandler(deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", authMiddleware(metricsHandler(deps, startTime, metrics)))

	return metrics
}

// --- agents ---

func agentsListHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Swarm.ListAgents())
	}
}

type agentsGetRequest struct {
	AgentID string `json:"agent_id"`
}

func agentsGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentsGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed agents.get request")
		}
		if req.AgentID == "" {
			return nil, errInvalidPayload("agent_id is required")
		}
		snap, err := deps.Swarm.GetAgent(req.AgentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(snap)
	}
}

type agentsSpawnRequest struct {
	Name        string           `json:"name"`
	ArchetypeID string           `json:"archetype_id,omitempty"`
	Cwd         string           `json:"cwd,omitempty"`
	Model       *domain.ModelRef `json:"model,omitempty"`
	ManagerID   string           `json:"manager_id,omitempty"` // defaults to the configured manager
}

func agentsSpawnHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentsSpawnRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed agents.spawn request")
		}
		if req.Name == "" {
			return nil, errInvalidPayload("name is required")
		}
		caller := req.ManagerID
		if caller == "" {
			caller = deps.Swarm.Config().ManagerID
		}
		desc, err := deps.Swarm.SpawnAgent(ctx, caller, swarm.SpawnInput{
			Name:        req.Name,
			ArchetypeID: req.ArchetypeID,
			Cwd:         req.Cwd,
			Model:       req.Model,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(desc)
	}
}

type agentsKillRequest struct {
	AgentID   string `json:"agent_id"`
	ManagerID string `json:"manager_id,omitempty"`
}

func agentsKillHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentsKillRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed agents.kill request")
		}
		if req.AgentID == "" {
			return nil, errInvalidPayload("agent_id is required")
		}
		caller := req.ManagerID
		if caller == "" {
			caller = deps.Swarm.Config().ManagerID
		}
		if err := deps.Swarm.KillAgent(ctx, caller, req.AgentID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type agentsSendRequest struct {
	AgentID     string              `json:"agent_id"`
	Text        string              `json:"text"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	Mode        domain.DeliveryMode `json:"mode,omitempty"`
	FromID      string              `json:"from_id,omitempty"`
}

func agentsSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req agentsSendRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed agents.send request")
		}
		if req.AgentID == "" {
			return nil, errInvalidPayload("agent_id is required")
		}
		if req.Text == "" && len(req.Attachments) == 0 {
			return nil, errInvalidPayload("text or attachments required")
		}
		from := req.FromID
		if from == "" {
			from = deps.Swarm.Config().ManagerID
		}
		mode := req.Mode
		if mode == "" {
			mode = domain.DeliveryAuto
		}
		receipt, err := deps.Swarm.SendMessage(ctx, from, req.AgentID, domain.MessageInput{
			Text:        req.Text,
			Attachments: req.Attachments,
		}, mode)
		if err != nil {
			return nil, err
		}
		return json.Marshal(receipt)
	}
}

func agentsStopAllHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		if err := deps.Swarm.StopAllAgents(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- chat ---

type chatSendRequest struct {
	Text        string              `json:"text"`
	AgentID     string              `json:"agent_id,omitempty"` // defaults to the manager
	Mode        domain.DeliveryMode `json:"mode,omitempty"`
	Attachments []domain.Attachment `json:"attachments,omitempty"`
	ChannelID   string              `json:"channel_id,omitempty"`
	ThreadID    string              `json:"thread_id,omitempty"`
}

func chatSendHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatSendRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed chat.send request")
		}
		if req.Text == "" && len(req.Attachments) == 0 {
			return nil, errInvalidPayload("text or attachments required")
		}
		receipt, err := deps.Swarm.HandleUserMessage(ctx, req.Text, swarm.UserMessageOptions{
			TargetAgentID: req.AgentID,
			Attachments:   req.Attachments,
			Mode:          req.Mode,
			Source: domain.SourceContext{
				Surface:   domain.SurfaceWeb,
				ChannelID: req.ChannelID,
				ThreadID:  req.ThreadID,
				SenderID:  client.Name,
			},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(receipt)
	}
}

type chatHistoryRequest struct {
	AgentID string `json:"agent_id"`
}

func chatHistoryHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req chatHistoryRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed chat.history request")
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = deps.Swarm.Config().ManagerID
		}
		history, err := deps.Swarm.ConversationHistory(agentID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(history)
	}
}

// --- manager ---

type managerCreateRequest struct {
	Name  string           `json:"name"`
	Cwd   string           `json:"cwd,omitempty"`
	Model *domain.ModelRef `json:"model,omitempty"`
}

func managerCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req managerCreateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed manager.create request")
		}
		if req.Name == "" {
			return nil, errInvalidPayload("name is required")
		}
		desc, err := deps.Swarm.CreateManager(ctx, swarm.CreateManagerInput{
			Name:  req.Name,
			Cwd:   req.Cwd,
			Model: req.Model,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(desc)
	}
}

type managerDeleteRequest struct {
	ManagerID string `json:"manager_id"`
}

func managerDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req managerDeleteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed manager.delete request")
		}
		if req.ManagerID == "" {
			return nil, errInvalidPayload("manager_id is required")
		}
		if err := deps.Swarm.DeleteManager(ctx, req.ManagerID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type managerResetRequest struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason,omitempty"`
}

func managerResetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req managerResetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed manager.reset request")
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = deps.Swarm.Config().ManagerID
		}
		reason := req.Reason
		if reason == "" {
			reason = "manual reset"
		}
		if err := deps.Swarm.ResetManagerSession(ctx, agentID, reason); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type managerCompactRequest struct {
	AgentID        string `json:"agent_id"`
	Force          bool   `json:"force,omitempty"`
	TokenThreshold int    `json:"token_threshold,omitempty"`
	Instruction    string `json:"instruction,omitempty"`
}

func managerCompactHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req managerCompactRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed manager.compact request")
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = deps.Swarm.Config().ManagerID
		}
		result, err := deps.Swarm.CompactAgentContext(ctx, agentID, swarm.CompactOptions{
			TokenThreshold: req.TokenThreshold,
			Force:          req.Force,
			Instruction:    req.Instruction,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}
}

// --- config ---

type sanitizedConfig struct {
	ManagerID   string   `json:"manager_id"`
	ManagerName string   `json:"manager_name"`
	Archetypes  []string `json:"archetypes"`
	AllowedCwds []string `json:"allowed_cwds"`
	Features    struct {
		Cron     bool     `json:"cron"`
		Channels []string `json:"channels"`
	} `json:"features"`
}

func configGetHandler(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		swarmCfg := deps.Swarm.Config()
		cfg := sanitizedConfig{
			ManagerID:   swarmCfg.ManagerID,
			ManagerName: swarmCfg.ManagerName,
			AllowedCwds: swarmCfg.AllowedCwds,
		}
		for id := range swarmCfg.Archetypes {
			cfg.Archetypes = append(cfg.Archetypes, id)
		}
		sort.Strings(cfg.Archetypes)
		cfg.Features.Cron = deps.Cron != nil
		cfg.Features.Channels = deps.Channels
		return json.Marshal(cfg)
	}
}

// --- cron ---

func cronListHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		jobs, err := deps.Cron.List(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(jobs)
	}
}

type cronGetRequest struct {
	ID string `json:"id"`
}

func cronGetHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req cronGetRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed cron.get request")
		}
		if req.ID == "" {
			return nil, errInvalidPayload("id is required")
		}
		job, err := deps.Cron.Get(ctx, req.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(job)
	}
}

type cronCreateRequest struct {
	Name          string              `json:"name"`
	Schedule      domain.CronSchedule `json:"schedule"`
	Message       string              `json:"message"`
	TargetAgentID string              `json:"target_agent_id,omitempty"`
}

func cronCreateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req cronCreateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed cron.create request")
		}
		job, err := deps.Cron.Create(ctx, domain.CronJob{
			Name:     req.Name,
			Schedule: req.Schedule,
			Action: domain.CronAction{
				TargetAgentID: req.TargetAgentID,
				Message:       req.Message,
			},
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(job)
	}
}

type cronUpdateRequest struct {
	ID string `json:"id"`
	cronjob.Patch
}

func cronUpdateHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req cronUpdateRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed cron.update request")
		}
		if req.ID == "" {
			return nil, errInvalidPayload("id is required")
		}
		job, err := deps.Cron.Update(ctx, req.ID, req.Patch)
		if err != nil {
			return nil, err
		}
		return json.Marshal(job)
	}
}

type cronDeleteRequest struct {
	ID string `json:"id"`
}

func cronDeleteHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req cronDeleteRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed cron.delete request")
		}
		if req.ID == "" {
			return nil, errInvalidPayload("id is required")
		}
		if err := deps.Cron.Delete(ctx, req.ID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

type cronRunsRequest struct {
	JobID string `json:"job_id"`
	Limit int    `json:"limit,omitempty"`
}

func cronRunsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req cronRunsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errInvalidPayload("malformed cron.runs request")
		}
		if req.JobID == "" {
			return nil, errInvalidPayload("job_id is required")
		}
		if req.Limit <= 0 {
			req.Limit = 10
		}
		runs, err := deps.Cron.ListRuns(ctx, req.JobID, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(runs)
	}
}
