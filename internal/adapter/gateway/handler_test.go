package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"swarmd/internal/domain"
	"swarmd/internal/store"
	"swarmd/internal/usecase/swarm"
)

// stubSession satisfies domain.AgentSession with inert behavior; handler
// tests only need deliveries to be accepted, not executed.
type stubSession struct{}

func (stubSession) Prompt(context.Context, string, []domain.Attachment) error { return nil }
func (stubSession) Steer(context.Context, string, []domain.Attachment) error  { return nil }
func (stubSession) SendRawUserMessage(context.Context, domain.SessionMessage) error {
	return nil
}
func (stubSession) Abort(context.Context) error { return nil }
func (stubSession) Dispose() error              { return nil }
func (stubSession) Subscribe(domain.SessionListener) func() {
	return func() {}
}

type stubProvider struct{}

func (stubProvider) Provision(context.Context, domain.AgentDescriptor, string) (domain.AgentSession, error) {
	return stubSession{}, nil
}

func newHandlerDeps(t *testing.T) HandlerDeps {
	t.Helper()
	st, err := store.NewAgentStore(t.TempDir(), quietLogger())
	if err != nil {
		t.Fatalf("NewAgentStore: %v", err)
	}
	mgr, err := swarm.NewManager(context.Background(), swarm.Config{
		ManagerID:   "manager",
		ManagerName: "Manager",
		Archetypes:  map[string]string{"researcher": "You research things."},
	}, st, stubProvider{}, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { mgr.Close(context.Background()) })
	return HandlerDeps{Swarm: mgr, Logger: quietLogger(), Channels: []string{"slack"}}
}

func call(t *testing.T, h RPCHandler, payload string) (json.RawMessage, error) {
	t.Helper()
	return h(context.Background(), &ClientInfo{Name: "tester"}, json.RawMessage(payload))
}

func TestAgentsListAndGet(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, agentsListHandler(deps), `{}`)
	if err != nil {
		t.Fatalf("agents.list: %v", err)
	}
	var snaps []domain.AgentSnapshot
	if err := json.Unmarshal(raw, &snaps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snaps) != 1 || snaps[0].ID != "manager" {
		t.Fatalf("snapshots = %+v, want just the manager", snaps)
	}

	raw, err = call(t, agentsGetHandler(deps), `{"agent_id":"manager"}`)
	if err != nil {
		t.Fatalf("agents.get: %v", err)
	}
	var snap domain.AgentSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !snap.Live {
		t.Error("manager should have a live runtime")
	}

	if _, err := call(t, agentsGetHandler(deps), `{"agent_id":"ghost"}`); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get ghost err = %v, want ErrNotFound", err)
	}
	if _, err := call(t, agentsGetHandler(deps), `{}`); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("get without id err = %v, want ErrInvalidInput", err)
	}
}

func TestAgentsSpawnAndKill(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, agentsSpawnHandler(deps), `{"name":"Scout","archetype_id":"researcher"}`)
	if err != nil {
		t.Fatalf("agents.spawn: %v", err)
	}
	var desc domain.AgentDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc.ID != "scout" {
		t.Errorf("ID = %q, want scout", desc.ID)
	}
	if desc.Role != domain.RoleWorker {
		t.Errorf("role = %q, want worker", desc.Role)
	}

	if _, err := call(t, agentsKillHandler(deps), `{"agent_id":"scout"}`); err != nil {
		t.Fatalf("agents.kill: %v", err)
	}

	// Sends to a terminated agent are rejected.
	if _, err := call(t, agentsSendHandler(deps), `{"agent_id":"scout","text":"hi"}`); err == nil {
		t.Error("expected send to terminated agent to fail")
	}
}

func TestAgentsSpawnValidation(t *testing.T) {
	deps := newHandlerDeps(t)

	if _, err := call(t, agentsSpawnHandler(deps), `{}`); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("spawn without name err = %v, want ErrInvalidInput", err)
	}
	if _, err := call(t, agentsSpawnHandler(deps), `{"name":"X","manager_id":"ghost"}`); err == nil {
		t.Error("expected spawn with unknown manager to fail")
	}
}

func TestAgentsSendDefaultsToAuto(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, agentsSendHandler(deps), `{"agent_id":"manager","text":"status report"}`)
	if err != nil {
		t.Fatalf("agents.send: %v", err)
	}
	var receipt domain.SendMessageReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if receipt.TargetAgentID != "manager" {
		t.Errorf("target = %q", receipt.TargetAgentID)
	}
	if receipt.AcceptedMode != domain.DeliveryPrompt {
		t.Errorf("accepted mode = %q, want prompt for an idle agent", receipt.AcceptedMode)
	}
	if receipt.DeliveryID == "" {
		t.Error("delivery ID is empty")
	}
}

func TestAgentsStopAll(t *testing.T) {
	deps := newHandlerDeps(t)

	if _, err := call(t, agentsSpawnHandler(deps), `{"name":"Worker"}`); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := call(t, agentsStopAllHandler(deps), `{}`); err != nil {
		t.Fatalf("agents.stop_all: %v", err)
	}

	snap, err := deps.Swarm.GetAgent("worker")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if snap.Status != domain.StatusStopped {
		t.Errorf("worker status = %q, want stopped", snap.Status)
	}
}

func TestChatSendRoutesToManager(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, chatSendHandler(deps), `{"text":"hello"}`)
	if err != nil {
		t.Fatalf("chat.send: %v", err)
	}
	var receipt domain.SendMessageReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if receipt.TargetAgentID != "manager" {
		t.Errorf("target = %q, want manager", receipt.TargetAgentID)
	}

	if _, err := call(t, chatSendHandler(deps), `{}`); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("empty chat.send err = %v, want ErrInvalidInput", err)
	}
}

func TestChatHistoryDefaultsToManager(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, chatHistoryHandler(deps), `{}`)
	if err != nil {
		t.Fatalf("chat.history: %v", err)
	}
	var history []domain.ConversationMessage
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if _, err := call(t, chatHistoryHandler(deps), `{"agent_id":"ghost"}`); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("history for ghost err = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateAndDelete(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, managerCreateHandler(deps), `{"name":"Side Project"}`)
	if err != nil {
		t.Fatalf("manager.create: %v", err)
	}
	var desc domain.AgentDescriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if desc.ID != "side-project" {
		t.Errorf("ID = %q, want side-project", desc.ID)
	}
	if desc.Role != domain.RoleManager {
		t.Errorf("role = %q, want manager", desc.Role)
	}

	if _, err := call(t, managerDeleteHandler(deps), `{"manager_id":"side-project"}`); err != nil {
		t.Fatalf("manager.delete: %v", err)
	}

	// The configured manager cannot be deleted.
	if _, err := call(t, managerDeleteHandler(deps), `{"manager_id":"manager"}`); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("delete configured manager err = %v, want ErrPermissionDenied", err)
	}
}

func TestManagerReset(t *testing.T) {
	deps := newHandlerDeps(t)

	if _, err := call(t, managerResetHandler(deps), `{}`); err != nil {
		t.Fatalf("manager.reset: %v", err)
	}
	if _, err := call(t, managerResetHandler(deps), `{"agent_id":"ghost"}`); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("reset ghost err = %v, want ErrNotFound", err)
	}
}

func TestManagerCompactForced(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, managerCompactHandler(deps), `{"force":true}`)
	if err != nil {
		t.Fatalf("manager.compact: %v", err)
	}
	var result swarm.CompactResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !result.Triggered {
		t.Error("forced compaction should trigger")
	}
	if result.AgentID != "manager" {
		t.Errorf("agent_id = %q", result.AgentID)
	}
}

func TestConfigGetSanitized(t *testing.T) {
	deps := newHandlerDeps(t)

	raw, err := call(t, configGetHandler(deps), `{}`)
	if err != nil {
		t.Fatalf("config.get: %v", err)
	}
	var cfg sanitizedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.ManagerID != "manager" {
		t.Errorf("manager_id = %q", cfg.ManagerID)
	}
	if len(cfg.Archetypes) != 1 || cfg.Archetypes[0] != "researcher" {
		t.Errorf("archetypes = %v", cfg.Archetypes)
	}
	if cfg.Features.Cron {
		t.Error("cron feature should be off without a cron manager")
	}
	if len(cfg.Features.Channels) != 1 || cfg.Features.Channels[0] != "slack" {
		t.Errorf("channels = %v", cfg.Features.Channels)
	}
}
