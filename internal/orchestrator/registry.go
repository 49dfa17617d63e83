package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/sandbox"
	"github.com/nidhogg/overseer/internal/scoring"
	"go.uber.org/zap"
)

// ProjectRequest is the external create-project call: the initial request
// plus the explicit task specs the plan phase turns into a graph.
type ProjectRequest struct {
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	InitialRequest string     `json:"initial_request"`
	TechStack      []string   `json:"tech_stack,omitempty"`
	Constraints    []string   `json:"constraints,omitempty"`
	Tasks          []TaskSpec `json:"tasks"`
}

// HeartbeatReport carries the self-reported gauges of an agent heartbeat.
// Nil fields leave the stored value unchanged.
type HeartbeatReport struct {
	Confidence  *float64 `json:"confidence,omitempty"`
	MemoryUsage *float64 `json:"memory_usage,omitempty"`
}

// Registry owns one orchestrator per project and is the entry point external
// layers call into. Orchestrators are created lazily, so projects persisted
// before a restart pick up where they left off on the next event.
type Registry struct {
	repo      fleet.Repository
	delegator *delegate.Engine
	escalator *escalation.Manager
	invoker   sandbox.Invoker
	scores    *scoring.Engine
	auditor   audit.Sink
	cfg       config.SchedulerConfig
	logger    *zap.Logger

	mu       sync.Mutex
	projects map[string]*Orchestrator
}

// NewRegistry wires the orchestration core together.
func NewRegistry(repo fleet.Repository, delegator *delegate.Engine, escalator *escalation.Manager,
	invoker sandbox.Invoker, scores *scoring.Engine, auditor audit.Sink,
	cfg config.SchedulerConfig, logger *zap.Logger) *Registry {
	return &Registry{
		repo:      repo,
		delegator: delegator,
		escalator: escalator,
		invoker:   invoker,
		scores:    scores,
		auditor:   auditor,
		cfg:       cfg,
		logger:    logger,
		projects:  make(map[string]*Orchestrator),
	}
}

// For returns the orchestrator for a project, creating it on first use.
func (r *Registry) For(projectID string) *Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.projects[projectID]
	if !ok {
		o = newOrchestrator(projectID, r)
		r.projects[projectID] = o
	}
	return o
}

// CreateProject plans the task graph, persists the project atomically, and
// runs the first delegate pass. A graph that is empty, cyclic, or references
// unknown tasks fails with DecompositionError and persists nothing.
func (r *Registry) CreateProject(ctx context.Context, req ProjectRequest) (*fleet.Project, error) {
	if req.Name == "" {
		return nil, &DecompositionError{Reason: "project name is empty"}
	}

	projectID := uuid.New().String()
	tasks, err := buildTasks(projectID, req.Tasks, r.cfg)
	if err != nil {
		r.logger.Warn("project rejected",
			zap.String("name", req.Name), zap.Error(err))
		return nil, err
	}

	now := time.Now()
	p := &fleet.Project{
		ID:             projectID,
		Name:           req.Name,
		Description:    req.Description,
		InitialRequest: req.InitialRequest,
		TechStack:      req.TechStack,
		Constraints:    req.Constraints,
		Status:         fleet.ProjectPlanning,
		Phase:          fleet.PhasePlan,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.repo.CreateProject(ctx, p, tasks); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	r.logger.Info("project created",
		zap.String("project_id", p.ID),
		zap.String("name", p.Name),
		zap.Int("tasks", len(tasks)))

	if err := r.For(p.ID).Delegate(ctx); err != nil {
		// The project exists; delegation retries on the next event or pass.
		r.logger.Warn("initial delegate pass failed",
			zap.String("project_id", p.ID), zap.Error(err))
	}
	return p, nil
}

// CancelProject is the external terminal transition for a project.
func (r *Registry) CancelProject(ctx context.Context, projectID, reason string) error {
	if _, err := r.repo.GetProject(ctx, projectID); err != nil {
		return err
	}
	return r.For(projectID).Cancel(ctx, reason)
}

// ReportProgress routes an execution progress report to the owning project.
func (r *Registry) ReportProgress(ctx context.Context, taskID string, percent int, note string) error {
	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return r.For(t.ProjectID).OnTaskProgress(ctx, taskID, percent, note)
}

// ReportResult routes an execution result to the owning project.
func (r *Registry) ReportResult(ctx context.Context, taskID string, success bool, output, failure string) error {
	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return r.For(t.ProjectID).OnTaskResult(ctx, taskID, success, output, failure)
}

// Reassign routes a forced release, typically from the health dispatcher, to
// the owning project.
func (r *Registry) Reassign(ctx context.Context, taskID, reason string) error {
	t, err := r.repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return r.For(t.ProjectID).Reassign(ctx, taskID, reason)
}

// Escalate raises an escalation, going through the owning project's machine
// when the event carries one so phase bookkeeping and suspension apply.
func (r *Registry) Escalate(ctx context.Context, ev fleet.HealthEvent, suggested string) error {
	if ev.ProjectID != "" {
		return r.For(ev.ProjectID).Escalate(ctx, ev, suggested)
	}
	_, _, err := r.escalator.Raise(ctx, ev, suggested)
	return err
}

// Heartbeat refreshes an agent's liveness and self-reported gauges, and
// auto-resolves silence or memory-pressure escalations whose condition has
// cleared.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, report HeartbeatReport) (*fleet.Agent, error) {
	var beaten *fleet.Agent
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		a, err := r.repo.GetAgent(ctx, agentID)
		if err != nil {
			return nil, err
		}
		a.LastHeartbeat = time.Now()
		if report.Confidence != nil {
			a.Confidence = *report.Confidence
		}
		if report.MemoryUsage != nil {
			a.MemoryUsage = *report.MemoryUsage
		}
		err = r.repo.UpdateAgent(ctx, a)
		if err == nil {
			beaten = a
			break
		}
		if !errors.Is(err, fleet.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	if beaten == nil {
		return nil, lastErr
	}

	if err := r.escalator.AutoResolve(ctx, fleet.SubjectAgent, agentID, fleet.EventAgentSilent); err != nil {
		r.logger.Debug("silent auto-resolve failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if report.MemoryUsage != nil && *report.MemoryUsage < r.cfg.AgentMemoryPressure {
		if err := r.escalator.AutoResolve(ctx, fleet.SubjectAgent, agentID, fleet.EventAgentMemory); err != nil {
			r.logger.Debug("memory auto-resolve failed", zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return beaten, nil
}

// ResumeAll runs a delegate pass over every unfinished project, picking up
// work that was pending when the process last stopped.
func (r *Registry) ResumeAll(ctx context.Context) error {
	projects, err := r.repo.ListProjects(ctx)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	resumed := 0
	for _, p := range projects {
		if p.Terminal() || p.Status == fleet.ProjectPaused {
			continue
		}
		if err := r.For(p.ID).Delegate(ctx); err != nil {
			r.logger.Warn("resume delegate pass failed",
				zap.String("project_id", p.ID), zap.Error(err))
			continue
		}
		resumed++
	}
	if resumed > 0 {
		r.logger.Info("projects resumed", zap.Int("count", resumed))
	}
	return nil
}
