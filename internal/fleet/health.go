package fleet

import "time"

// SubjectType names what a health event or escalation is about.
type SubjectType string

const (
	SubjectTask    SubjectType = "task"
	SubjectAgent   SubjectType = "agent"
	SubjectTeam    SubjectType = "team"
	SubjectProject SubjectType = "project"
)

// EventKind is the closed set of health and escalation trigger kinds.
type EventKind string

const (
	EventTaskStalled     EventKind = "task_stalled"
	EventTaskLongRunning EventKind = "task_long_running"
	EventTaskTimeout     EventKind = "task_timeout"
	EventAgentSilent     EventKind = "agent_silent"
	EventAgentHighErrors EventKind = "agent_high_errors"
	EventAgentMemory     EventKind = "agent_memory_pressure"
	EventExternalSignal  EventKind = "external_signal"

	// Raised outside the scan path.
	EventUnassignableTask   EventKind = "unassignable_task"
	EventNegotiationTimeout EventKind = "negotiation_timeout"
	EventRetryExhausted     EventKind = "retry_exhausted"
)

// HealthEvent is a transient observation produced by the health monitor and
// consumed by the action dispatcher. It is not persisted beyond the audit log.
type HealthEvent struct {
	Subject    SubjectType       `json:"subject"`
	SubjectID  string            `json:"subject_id"`
	Kind       EventKind         `json:"kind"`
	Severity   Severity          `json:"severity"`
	Message    string            `json:"message"`
	ProjectID  string            `json:"project_id,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
}
