package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"swarmd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *AgentStore {
	t.Helper()
	s, err := NewAgentStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewAgentStore: %v", err)
	}
	return s
}

func descriptor(id string, role domain.AgentRole, status domain.AgentStatus) domain.AgentDescriptor {
	managerID := id
	if role == domain.RoleWorker {
		managerID = "manager"
	}
	return domain.AgentDescriptor{
		ID:          id,
		DisplayName: id,
		Role:        role,
		ManagerID:   managerID,
		Status:      status,
		Cwd:         "/tmp",
		Model:       domain.ModelRef{Provider: "mock", ModelID: "test"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func TestAgentStoreRoundTrip(t *testing.T) {
	s := testStore(t)
	agents := []domain.AgentDescriptor{
		descriptor("manager", domain.RoleManager, domain.StatusIdle),
		descriptor("scout", domain.RoleWorker, domain.StatusStopped),
	}
	if err := s.Save(agents); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got := s.Load()
	if len(got) != 2 {
		t.Fatalf("Load returned %d agents, want 2", len(got))
	}
	if got[0].ID != "manager" || got[1].ID != "scout" {
		t.Errorf("unexpected ids: %q, %q", got[0].ID, got[1].ID)
	}
}

func TestAgentStoreLoadMissingFile(t *testing.T) {
	s := testStore(t)
	if got := s.Load(); got != nil {
		t.Errorf("Load on missing file = %v, want nil", got)
	}
}

func TestAgentStoreLoadMalformedFile(t *testing.T) {
	s := testStore(t)
	if err := os.WriteFile(filepath.Join(s.Dir(), "agents.json"), []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if got := s.Load(); len(got) != 0 {
		t.Errorf("Load on malformed file = %v, want empty", got)
	}
}

func TestAgentStoreLoadSkipsInvalidRows(t *testing.T) {
	s := testStore(t)
	file := domain.AgentsStoreFile{Agents: []domain.AgentDescriptor{
		descriptor("manager", domain.RoleManager, domain.StatusIdle),
		{ID: "", Role: domain.RoleWorker, ManagerID: "manager"},          // empty id
		{ID: "ghost", Role: "sorcerer", ManagerID: "manager"},            // bad role
		{ID: "orphan", Role: domain.RoleWorker},                          // empty manager_id
		descriptor("manager", domain.RoleManager, domain.StatusIdle),     // duplicate id
		descriptor("scout", domain.RoleWorker, domain.StatusIdle),
	}}
	data, err := json.Marshal(file)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir(), "agents.json"), data, 0600); err != nil {
		t.Fatal(err)
	}

	got := s.Load()
	if len(got) != 2 {
		t.Fatalf("Load returned %d agents, want 2 (manager, scout): %+v", len(got), got)
	}
}

func TestAgentStoreLoadNormalizesRestartAlias(t *testing.T) {
	s := testStore(t)
	raw := `{"agents":[{"id":"manager","display_name":"Manager","role":"manager","manager_id":"manager","status":"stopped_on_restart","cwd":"/tmp","model":{"provider":"mock","model_id":"test"},"session_file":"","created_at":"2026-01-01T00:00:00Z","updated_at":"2026-01-01T00:00:00Z"}]}`
	if err := os.WriteFile(filepath.Join(s.Dir(), "agents.json"), []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	got := s.Load()
	if len(got) != 1 {
		t.Fatalf("Load returned %d agents, want 1", len(got))
	}
	if got[0].Status != domain.StatusStopped {
		t.Errorf("status = %s, want %s", got[0].Status, domain.StatusStopped)
	}
}

func TestAgentStoreSaveAtomic(t *testing.T) {
	s := testStore(t)
	if err := s.Save([]domain.AgentDescriptor{descriptor("manager", domain.RoleManager, domain.StatusIdle)}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// No leftover temp file after a successful save.
	if _, err := os.Stat(filepath.Join(s.Dir(), "agents.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file still present after Save")
	}
}

func TestEnsureMemoryFileIdempotent(t *testing.T) {
	s := testStore(t)
	path, err := s.EnsureMemoryFile("scout")
	if err != nil {
		t.Fatalf("EnsureMemoryFile: %v", err)
	}
	if err := os.WriteFile(path, []byte("# custom notes"), 0600); err != nil {
		t.Fatal(err)
	}
	again, err := s.EnsureMemoryFile("scout")
	if err != nil {
		t.Fatalf("EnsureMemoryFile (second): %v", err)
	}
	if again != path {
		t.Errorf("path changed: %q != %q", again, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "# custom notes" {
		t.Errorf("existing memory file was overwritten: %q", data)
	}
}
