package domain

import "fmt"

// AgentStatus is the lifecycle state of one agent.
type AgentStatus string

const (
	StatusIdle       AgentStatus = "idle"
	StatusStreaming  AgentStatus = "streaming"
	StatusTerminated AgentStatus = "terminated"
	StatusStopped    AgentStatus = "stopped"
	StatusError      AgentStatus = "error"

	// statusStoppedOnRestart is the persisted alias written when a worker is
	// parked during boot recovery. It normalizes to StatusStopped on read.
	statusStoppedOnRestart AgentStatus = "stopped_on_restart"
)

// NormalizeStatus resolves persisted aliases to their canonical status.
func NormalizeStatus(s AgentStatus) AgentStatus {
	if s == statusStoppedOnRestart {
		return StatusStopped
	}
	return s
}

// statusTransitions is the set of legal transitions. Absence means the
// transition is rejected; same-state requests are a no-op success.
var statusTransitions = map[AgentStatus]map[AgentStatus]bool{
	StatusIdle:       {StatusStreaming: true, StatusTerminated: true, StatusStopped: true},
	StatusStreaming:  {StatusIdle: true, StatusTerminated: true, StatusError: true},
	StatusTerminated: {StatusIdle: true}, // re-creation, e.g. reset
	StatusStopped:    {StatusIdle: true, StatusTerminated: true},
	StatusError:      {}, // terminal; requires external reset
}

// TransitionError reports an illegal status transition.
type TransitionError struct {
	From AgentStatus
	To   AgentStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid agent status transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Transition validates a status change and returns the normalized target.
// Requesting the current status is a no-op success.
func Transition(from, to AgentStatus) (AgentStatus, error) {
	f, t := NormalizeStatus(from), NormalizeStatus(to)
	if f == t {
		return t, nil
	}
	if allowed, ok := statusTransitions[f]; ok && allowed[t] {
		return t, nil
	}
	return f, &TransitionError{From: f, To: t}
}

// IsNonRunning reports whether an agent in this status needs no live runtime.
func IsNonRunning(s AgentStatus) bool {
	switch NormalizeStatus(s) {
	case StatusTerminated, StatusStopped, StatusError:
		return true
	}
	return false
}
