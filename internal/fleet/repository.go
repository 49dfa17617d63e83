package fleet

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a versioned update lost a race:
// the stored version no longer matches the one the caller read.
var ErrVersionConflict = errors.New("version conflict")

// AgentFilter narrows agent listings.
type AgentFilter struct {
	Status AgentStatus
	Limit  int
	Offset int
}

// ProjectStore persists projects. CreateProject stores the project together
// with its task graph atomically. UpdateProject is a compare-and-swap on
// Version and bumps it on success.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project, tasks []*Task) error
	GetProject(ctx context.Context, id string) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	UpdateProject(ctx context.Context, p *Project) error
}

// TaskStore persists tasks. All updates are compare-and-swaps keyed on the
// task's Version; a stale version yields ErrVersionConflict. AssignTask,
// ReleaseTask, and TransferTask also update the affected agents' current-task
// sets in the same atomic step, so ownership can never be split.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListProjectTasks(ctx context.Context, projectID string) ([]*Task, error)
	ListActiveTasks(ctx context.Context) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	AssignTask(ctx context.Context, t *Task, a *Agent) error
	ReleaseTask(ctx context.Context, t *Task, a *Agent) error
	TransferTask(ctx context.Context, t *Task, from, to *Agent, record *NegotiationMessage) error
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
}

// AgentStore persists agents. UpdateAgent is a compare-and-swap on Version.
type AgentStore interface {
	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]*Agent, error)
	UpdateAgent(ctx context.Context, a *Agent) error
	CountAgentsByStatus(ctx context.Context) (map[AgentStatus]int, error)
}

// TeamStore persists teams. UpdateTeam is a compare-and-swap on Version.
type TeamStore interface {
	CreateTeam(ctx context.Context, t *Team) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	ListTeams(ctx context.Context) ([]*Team, error)
	UpdateTeam(ctx context.Context, t *Team) error
}

// EscalationStore persists escalations. UpsertEscalation atomically either
// opens a new record or refreshes the unresolved one holding the same trigger
// key (last-seen bumped, severity raised but never lowered); it returns the
// record now occupying the key and whether it was freshly created.
type EscalationStore interface {
	UpsertEscalation(ctx context.Context, e *Escalation) (*Escalation, bool, error)
	GetEscalation(ctx context.Context, id string) (*Escalation, error)
	ListEscalations(ctx context.Context, status EscalationStatus) ([]*Escalation, error)
	UpdateEscalation(ctx context.Context, e *Escalation) error
}

// NegotiationLog is the append-only consensus log per team.
type NegotiationLog interface {
	AppendMessage(ctx context.Context, m *NegotiationMessage) error
	ListMessages(ctx context.Context, teamID string, limit int) ([]*NegotiationMessage, error)
}

// Repository is the authoritative state contract the core reads and writes
// through; it never owns durability itself.
type Repository interface {
	ProjectStore
	TaskStore
	AgentStore
	TeamStore
	EscalationStore
	NegotiationLog
}
