// Package store implements the durable side of the orchestrator: the agent
// registry file, per-agent memory scaffolds, and append-only session logs.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"swarmd/internal/domain"
)

// AgentStore reads and writes the on-disk agent registry.
type AgentStore struct {
	dir    string
	logger *slog.Logger
}

// NewAgentStore creates an AgentStore rooted at dir, creating it if needed.
func NewAgentStore(dir string, logger *slog.Logger) (*AgentStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("agentstore: create dir: %w", err)
	}
	return &AgentStore{dir: dir, logger: logger}, nil
}

// Dir returns the store's root directory.
func (s *AgentStore) Dir() string { return s.dir }

func (s *AgentStore) path() string { return filepath.Join(s.dir, "agents.json") }

// Load reads the registry snapshot. A missing or malformed file yields an
// empty registry; individual invalid rows are logged and skipped so that a
// corrupt entry never aborts boot.
func (s *AgentStore) Load() []domain.AgentDescriptor {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("agent store unreadable, starting empty", "path", s.path(), "error", err)
		}
		return nil
	}

	var file domain.AgentsStoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		s.logger.Warn("agent store malformed, starting empty", "path", s.path(), "error", err)
		return nil
	}

	seen := make(map[string]bool, len(file.Agents))
	agents := make([]domain.AgentDescriptor, 0, len(file.Agents))
	for i, a := range file.Agents {
		if err := validateRow(a); err != nil {
			s.logger.Warn("skipping invalid agent row", "index", i, "agent_id", a.ID, "error", err)
			continue
		}
		if seen[a.ID] {
			s.logger.Warn("skipping duplicate agent row", "index", i, "agent_id", a.ID)
			continue
		}
		seen[a.ID] = true
		a.Status = domain.NormalizeStatus(a.Status)
		agents = append(agents, a)
	}
	return agents
}

// Save writes the full registry to a temporary file and renames it into
// place. A crash mid-write never leaves a partially written store.
func (s *AgentStore) Save(agents []domain.AgentDescriptor) error {
	file := domain.AgentsStoreFile{Agents: agents}
	if file.Agents == nil {
		file.Agents = []domain.AgentDescriptor{}
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("agentstore: marshal: %w", err)
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("agentstore: %w: %v", domain.ErrStoreWrite, err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("agentstore: %w: %v", domain.ErrStoreWrite, err)
	}
	return nil
}

func validateRow(a domain.AgentDescriptor) error {
	if a.ID == "" {
		return fmt.Errorf("empty id")
	}
	switch a.Role {
	case domain.RoleManager, domain.RoleWorker:
	default:
		return fmt.Errorf("unknown role %q", a.Role)
	}
	if a.ManagerID == "" {
		return fmt.Errorf("empty manager_id")
	}
	return nil
}
