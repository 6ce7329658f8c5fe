package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"swarmd/internal/domain"
)

// EntryKind distinguishes conversational entries from typed side-channel
// records in the same durable log.
type EntryKind string

const (
	EntryMessage EntryKind = "message"
	EntryCustom  EntryKind = "custom"
)

// LogEntry is one line of an agent's session log.
type LogEntry struct {
	Kind       EntryKind                   `json:"kind"`
	Timestamp  time.Time                   `json:"timestamp"`
	Message    *domain.ConversationMessage `json:"message,omitempty"`
	CustomType string                      `json:"custom_type,omitempty"`
	Payload    json.RawMessage             `json:"payload,omitempty"`
}

// SessionLog is an append-only JSONL log backing one agent's conversation.
// Writes are serialized; readers re-parse the file so they never observe a
// partially written line.
type SessionLog struct {
	mu   sync.Mutex
	path string
}

// OpenSessionLog returns the session log for an agent, creating its parent
// directory if needed.
func (s *AgentStore) OpenSessionLog(agentID string) (*SessionLog, error) {
	dir := filepath.Join(s.dir, "sessions")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("sessionlog: create dir: %w", err)
	}
	return &SessionLog{path: filepath.Join(dir, agentID+".jsonl")}, nil
}

// Path returns the backing file path (the descriptor's sessionFile).
func (l *SessionLog) Path() string { return l.path }

// Append writes one entry to the log.
func (l *SessionLog) Append(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sessionlog: marshal: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("sessionlog: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("sessionlog: write: %w", err)
	}
	return nil
}

// AppendMessage appends a conversational entry.
func (l *SessionLog) AppendMessage(msg domain.ConversationMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return l.Append(LogEntry{Kind: EntryMessage, Message: &msg})
}

// AppendCustom stashes a typed side-channel record without polluting the
// conversational stream.
func (l *SessionLog) AppendCustom(customType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sessionlog: marshal custom payload: %w", err)
	}
	return l.Append(LogEntry{Kind: EntryCustom, CustomType: customType, Payload: raw})
}

// Entries reads every entry in append order. Malformed lines are skipped.
func (l *SessionLog) Entries() ([]LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionlog: open: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("sessionlog: scan: %w", err)
	}
	return entries, nil
}

// Messages returns only the conversational entries.
func (l *SessionLog) Messages() ([]domain.ConversationMessage, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var msgs []domain.ConversationMessage
	for _, e := range entries {
		if e.Kind == EntryMessage && e.Message != nil {
			msgs = append(msgs, *e.Message)
		}
	}
	return msgs, nil
}

// CustomEntries returns the typed side-channel records of one custom type,
// or all custom entries when customType is empty.
func (l *SessionLog) CustomEntries(customType string) ([]LogEntry, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	var out []LogEntry
	for _, e := range entries {
		if e.Kind != EntryCustom {
			continue
		}
		if customType != "" && e.CustomType != customType {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Reset archives the current log with a timestamp suffix and starts fresh.
// A log that does not exist yet resets to nothing.
func (l *SessionLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("sessionlog: stat: %w", err)
	}
	archived := fmt.Sprintf("%s.%s", l.path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(l.path, archived); err != nil {
		return fmt.Errorf("sessionlog: archive: %w", err)
	}
	return nil
}
