package domain

import "time"

// AgentRole distinguishes the user-facing manager from its spawned workers.
type AgentRole string

const (
	RoleManager AgentRole = "manager"
	RoleWorker  AgentRole = "worker"
)

// ThinkingLevel selects how much extended reasoning the session requests.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ModelRef identifies the model a session runs on.
type ModelRef struct {
	Provider      string        `json:"provider"`
	ModelID       string        `json:"model_id"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
}

// AgentDescriptor is the durable identity record for one agent.
// The ID is lowercase kebab-case and stable for the agent's lifetime.
type AgentDescriptor struct {
	ID          string      `json:"id"`
	DisplayName string      `json:"display_name"`
	Role        AgentRole   `json:"role"`
	ManagerID   string      `json:"manager_id"` // self for managers, owner for workers
	ArchetypeID string      `json:"archetype_id,omitempty"`
	Status      AgentStatus `json:"status"`
	Cwd         string      `json:"cwd"`
	Model       ModelRef    `json:"model"`
	SessionFile string      `json:"session_file"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// IsManager reports whether the descriptor belongs to a manager agent.
func (d *AgentDescriptor) IsManager() bool { return d.Role == RoleManager }

// AgentsStoreFile is the durable registry snapshot. Agent IDs are unique
// across the file; workers reference a manager that either exists in the
// file or is treated as orphaned on load.
type AgentsStoreFile struct {
	Agents []AgentDescriptor `json:"agents"`
}

// AgentSnapshot is the read-only view of a registered agent broadcast to
// transport subscribers.
type AgentSnapshot struct {
	AgentDescriptor
	PendingCount int  `json:"pending_count"`
	Live         bool `json:"live"`
}
