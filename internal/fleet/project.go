package fleet

import (
	"fmt"
	"time"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectPlanning  ProjectStatus = "planning"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
	ProjectCancelled ProjectStatus = "cancelled"
)

// Phase is the orchestrator's position in the per-project state machine.
type Phase string

const (
	PhasePlan     Phase = "plan"
	PhaseDelegate Phase = "delegate"
	PhaseMonitor  Phase = "monitor"
	PhaseEscalate Phase = "escalate"
	PhaseReassign Phase = "reassign"
	PhaseComplete Phase = "complete"
)

// Project is a top-level unit of orchestrated work containing a task graph.
type Project struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	InitialRequest string        `json:"initial_request"`
	TechStack      []string      `json:"tech_stack,omitempty"`
	Constraints    []string      `json:"constraints,omitempty"`
	Status         ProjectStatus `json:"status"`
	Phase          Phase         `json:"phase"`
	Summary        string        `json:"summary,omitempty"`
	Version        int64         `json:"version"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// phaseTransitions defines allowed orchestrator phase moves.
var phaseTransitions = map[Phase][]Phase{
	PhasePlan:     {PhaseDelegate},
	PhaseDelegate: {PhaseMonitor, PhaseEscalate, PhaseComplete},
	PhaseMonitor:  {PhaseDelegate, PhaseReassign, PhaseEscalate, PhaseComplete},
	PhaseReassign: {PhaseDelegate, PhaseEscalate},
	PhaseEscalate: {PhaseMonitor, PhaseDelegate},
}

// TransitionPhase validates and returns nil if from→to is a legal phase move.
func TransitionPhase(from, to Phase) error {
	allowed, ok := phaseTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, p := range allowed {
		if p == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// Terminal reports whether the project has reached a final status.
func (p *Project) Terminal() bool {
	return p.Status == ProjectCompleted || p.Status == ProjectCancelled
}
