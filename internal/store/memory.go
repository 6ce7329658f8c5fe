package store

import (
	"fmt"
	"os"
	"path/filepath"
)

const memoryTemplate = `# Memory: %s

Durable notes this agent keeps across sessions. Append below; entries are
never rewritten by the orchestrator.

## Notes
`

// EnsureMemoryFile creates the templated memory scaffold for an agent the
// first time it is seen. Idempotent: an existing file is left untouched.
func (s *AgentStore) EnsureMemoryFile(agentID string) (string, error) {
	dir := filepath.Join(s.dir, "memory")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("agentstore: create memory dir: %w", err)
	}
	path := filepath.Join(dir, agentID+".md")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("agentstore: stat memory file: %w", err)
	}
	content := fmt.Sprintf(memoryTemplate, agentID)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return "", fmt.Errorf("agentstore: write memory file: %w", err)
	}
	return path, nil
}
