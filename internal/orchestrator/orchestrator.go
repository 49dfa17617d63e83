package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/sandbox"
	"github.com/nidhogg/overseer/internal/scoring"
	"go.uber.org/zap"
)

// ErrRetryExhausted is returned when a task has burned through its retry
// budget. The task is marked failed and an escalation opened instead of
// another requeue.
var ErrRetryExhausted = errors.New("retry budget exhausted")

// maxConflictRetries bounds read-mutate-write loops against version conflicts
// before the failure surfaces.
const maxConflictRetries = 3

// errNoChange signals an update closure that no write is needed. The helpers
// treat it as success without touching the store.
var errNoChange = errors.New("no change")

// Orchestrator drives one project's state machine. Public methods serialize
// on the orchestrator's mutex, so within a project at most one phase action
// runs at a time; across projects orchestrators are independent.
type Orchestrator struct {
	projectID string
	repo      fleet.Repository
	delegator *delegate.Engine
	escalator *escalation.Manager
	invoker   sandbox.Invoker
	scores    *scoring.Engine
	auditor   audit.Sink
	cfg       config.SchedulerConfig
	logger    *zap.Logger

	mu     sync.Mutex
	passes map[string]int // task ID → delegate passes without an eligible agent
}

func newOrchestrator(projectID string, r *Registry) *Orchestrator {
	return &Orchestrator{
		projectID: projectID,
		repo:      r.repo,
		delegator: r.delegator,
		escalator: r.escalator,
		invoker:   r.invoker,
		scores:    r.scores,
		auditor:   r.auditor,
		cfg:       r.cfg,
		logger:    r.logger.With(zap.String("project_id", projectID)),
		passes:    make(map[string]int),
	}
}

// Delegate runs one delegate pass: every pending task whose dependencies are
// all completed is handed to the delegation engine, then the machine settles
// into monitor or complete.
func (o *Orchestrator) Delegate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.delegatePass(ctx)
}

func (o *Orchestrator) delegatePass(ctx context.Context) error {
	p, err := o.repo.GetProject(ctx, o.projectID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return nil
	}
	if p.Status == fleet.ProjectPaused {
		o.logger.Debug("project suspended, delegation skipped")
		return nil
	}

	// First pass activates the project; later entries are plain phase moves.
	if p.Phase == fleet.PhasePlan {
		err = o.updateProject(ctx, func(p *fleet.Project) error {
			p.Status = fleet.ProjectActive
			p.Phase = fleet.PhaseDelegate
			return nil
		})
	} else if p.Phase != fleet.PhaseDelegate {
		err = o.step(ctx, fleet.PhaseDelegate)
	}
	if err != nil {
		return err
	}

	tasks, err := o.repo.ListProjectTasks(ctx, o.projectID)
	if err != nil {
		return fmt.Errorf("list project tasks: %w", err)
	}
	o.sweepBlocked(ctx, tasks)

	delegated := 0
	for _, t := range readyTasks(tasks) {
		res, err := o.delegator.Delegate(ctx, t.ID)
		switch {
		case errors.Is(err, delegate.ErrNoEligibleAgent):
			o.noteUndelegable(ctx, t)
		case err != nil:
			o.logger.Warn("delegation failed",
				zap.String("task_id", t.ID), zap.Error(err))
		default:
			delete(o.passes, t.ID)
			delegated++
			o.startExecution(ctx, res)
		}
	}
	if delegated > 0 {
		o.logger.Info("delegate pass finished", zap.Int("delegated", delegated))
	}
	return o.settle(ctx)
}

// sweepBlocked parks pending tasks whose dependency chain is permanently
// broken, so the completion check can tell them apart from delegable work.
func (o *Orchestrator) sweepBlocked(ctx context.Context, tasks []*fleet.Task) {
	for _, dead := range deadlocked(tasks) {
		id := dead.ID
		_, err := o.updateTask(ctx, id, func(t *fleet.Task) error {
			if t.Status != fleet.TaskPending {
				return errNoChange
			}
			t.Status = fleet.TaskBlocked
			return nil
		})
		if err != nil {
			o.logger.Warn("blocking task failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		o.logger.Warn("task blocked by failed dependency", zap.String("task_id", id))
		o.record(ctx, audit.Entry{
			Kind:      "task_blocked",
			Subject:   string(fleet.SubjectTask),
			SubjectID: id,
			ProjectID: o.projectID,
			Severity:  string(fleet.SeverityWarning),
			Message:   fmt.Sprintf("task %q blocked: a dependency failed or was cancelled", dead.Name),
			At:        time.Now(),
		})
	}
}

// noteUndelegable counts a fruitless delegate pass for the task and raises an
// unassignable_task escalation once the configured pass budget is spent.
func (o *Orchestrator) noteUndelegable(ctx context.Context, t *fleet.Task) {
	o.passes[t.ID]++
	n := o.passes[t.ID]
	o.logger.Debug("no eligible agent",
		zap.String("task_id", t.ID), zap.Int("pass", n))
	if n < o.cfg.MaxDelegatePasses {
		return
	}
	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectTask,
		SubjectID:  t.ID,
		Kind:       fleet.EventUnassignableTask,
		Severity:   fleet.SeverityWarning,
		Message:    fmt.Sprintf("task %q found no eligible agent in %d delegate passes", t.Name, n),
		ProjectID:  o.projectID,
		DetectedAt: time.Now(),
	}
	if err := o.escalate(ctx, ev, "register an agent covering the task's skills and permissions, or relax them"); err != nil {
		o.logger.Error("unassignable escalation failed",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

// startExecution hands the freshly assigned task to the sandbox runner and
// stores the execution handle for later cancellation.
func (o *Orchestrator) startExecution(ctx context.Context, res *delegate.Result) {
	o.record(ctx, audit.Entry{
		Kind:      "task_delegated",
		Subject:   string(fleet.SubjectTask),
		SubjectID: res.Task.ID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("task %q assigned to agent %s", res.Task.Name, res.Agent.ID),
		Detail: map[string]string{
			"agent_id": res.Agent.ID,
			"score":    fmt.Sprintf("%.1f", res.Score),
		},
		At: time.Now(),
	})

	handle, err := o.invoker.Start(ctx, res.Task)
	if err != nil {
		// Left assigned: the stall check will requeue it if nothing reports.
		o.logger.Warn("execution start failed",
			zap.String("task_id", res.Task.ID), zap.Error(err))
		return
	}
	if handle == "" {
		return
	}
	_, err = o.updateTask(ctx, res.Task.ID, func(t *fleet.Task) error {
		if t.Status != fleet.TaskAssigned && t.Status != fleet.TaskInProgress {
			return errNoChange
		}
		t.ExecHandle = handle
		return nil
	})
	if err != nil {
		o.logger.Warn("storing execution handle failed",
			zap.String("task_id", res.Task.ID), zap.Error(err))
	}
}

// settle moves the machine to complete when every task is settled, otherwise
// back to monitor.
func (o *Orchestrator) settle(ctx context.Context) error {
	tasks, err := o.repo.ListProjectTasks(ctx, o.projectID)
	if err != nil {
		return err
	}
	if settled(tasks) {
		return o.complete(ctx, tasks)
	}
	if err := o.step(ctx, fleet.PhaseMonitor); err != nil {
		o.logger.Debug("phase move to monitor skipped", zap.Error(err))
	}
	return nil
}

// settled reports whether every task reached completed or cancelled. Failed
// and blocked tasks keep the project open until a human acts.
func settled(tasks []*fleet.Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if t.Status != fleet.TaskCompleted && t.Status != fleet.TaskCancelled {
			return false
		}
	}
	return true
}

// complete writes the summary record and marks the project completed.
func (o *Orchestrator) complete(ctx context.Context, tasks []*fleet.Task) error {
	counts := make(map[fleet.TaskStatus]int)
	for _, t := range tasks {
		counts[t.Status]++
	}

	now := time.Now()
	var finished *fleet.Project
	err := o.updateProject(ctx, func(p *fleet.Project) error {
		if p.Terminal() {
			return errNoChange
		}
		p.Status = fleet.ProjectCompleted
		p.Phase = fleet.PhaseComplete
		p.CompletedAt = &now
		p.Summary = fmt.Sprintf("%d of %d tasks completed, %d cancelled, finished in %s",
			counts[fleet.TaskCompleted], len(tasks), counts[fleet.TaskCancelled],
			now.Sub(p.CreatedAt).Round(time.Second))
		finished = p
		return nil
	})
	if err != nil || finished == nil {
		return err
	}

	o.logger.Info("project completed", zap.String("summary", finished.Summary))
	o.record(ctx, audit.Entry{
		Kind:      "project_completed",
		Subject:   string(fleet.SubjectProject),
		SubjectID: o.projectID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   finished.Summary,
		At:        now,
	})
	return nil
}

// Escalate raises (or refreshes) an escalation for the event. The project
// stays in monitor unless the severity is critical, in which case the
// escalation manager suspends it and the phase parks at escalate until a
// human resolves the record.
func (o *Orchestrator) Escalate(ctx context.Context, ev fleet.HealthEvent, suggested string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.escalate(ctx, ev, suggested); err != nil {
		return err
	}
	return o.updateProject(ctx, func(p *fleet.Project) error {
		if p.Terminal() || p.Status == fleet.ProjectPaused || p.Phase != fleet.PhaseEscalate {
			return errNoChange
		}
		p.Phase = fleet.PhaseMonitor
		return nil
	})
}

func (o *Orchestrator) escalate(ctx context.Context, ev fleet.HealthEvent, suggested string) error {
	if err := o.step(ctx, fleet.PhaseEscalate); err != nil {
		o.logger.Debug("phase move to escalate skipped", zap.Error(err))
	}
	rec, created, err := o.escalator.Raise(ctx, ev, suggested)
	if err != nil {
		return err
	}
	if created {
		entry := audit.FromEvent(ev)
		entry.Detail = mergeDetail(entry.Detail, map[string]string{
			"escalation_id": rec.ID,
			"suggested":     suggested,
		})
		o.record(ctx, entry)
	}
	return nil
}

// Cancel is the external terminal transition: the project and every
// non-terminal task are cancelled and in-flight executions torn down.
func (o *Orchestrator) Cancel(ctx context.Context, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	summary := "cancelled"
	if reason != "" {
		summary = "cancelled: " + reason
	}
	var cancelled *fleet.Project
	err := o.updateProject(ctx, func(p *fleet.Project) error {
		if p.Terminal() {
			return errNoChange
		}
		p.Status = fleet.ProjectCancelled
		p.CompletedAt = &now
		p.Summary = summary
		cancelled = p
		return nil
	})
	if err != nil || cancelled == nil {
		return err
	}

	tasks, err := o.repo.ListProjectTasks(ctx, o.projectID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.IsTerminal() {
			continue
		}
		if err := o.cancelTask(ctx, t.ID); err != nil {
			o.logger.Warn("task cancel failed",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	o.logger.Info("project cancelled", zap.String("reason", reason))
	o.record(ctx, audit.Entry{
		Kind:      "project_cancelled",
		Subject:   string(fleet.SubjectProject),
		SubjectID: o.projectID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityWarning),
		Message:   summary,
		At:        now,
	})
	return nil
}

func (o *Orchestrator) cancelTask(ctx context.Context, taskID string) error {
	var handle string
	for attempt := 0; ; attempt++ {
		t, err := o.repo.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			return nil
		}

		var holder *fleet.Agent
		if t.AssignedTo != "" {
			holder, err = o.repo.GetAgent(ctx, t.AssignedTo)
			if err != nil && !errors.Is(err, fleet.ErrNotFound) {
				return err
			}
		}

		now := time.Now()
		handle = t.ExecHandle
		t.Status = fleet.TaskCancelled
		t.CompletedAt = &now
		t.AssignedTo = ""
		t.ExecHandle = ""

		if holder != nil {
			dropTask(holder, t.ID)
			err = o.repo.ReleaseTask(ctx, t, holder)
		} else {
			err = o.repo.UpdateTask(ctx, t)
		}
		if err == nil {
			break
		}
		if !errors.Is(err, fleet.ErrVersionConflict) || attempt+1 >= maxConflictRetries {
			return err
		}
	}

	if handle != "" {
		if err := o.invoker.Cancel(ctx, handle); err != nil {
			o.logger.Warn("execution cancel failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return nil
}

// step validates and persists a phase move, quietly doing nothing when the
// project is already there.
func (o *Orchestrator) step(ctx context.Context, to fleet.Phase) error {
	return o.updateProject(ctx, func(p *fleet.Project) error {
		if p.Phase == to || p.Terminal() {
			return errNoChange
		}
		if err := fleet.TransitionPhase(p.Phase, to); err != nil {
			return err
		}
		p.Phase = to
		return nil
	})
}

// updateProject re-reads the project and applies mutate under a bounded
// version-conflict retry loop.
func (o *Orchestrator) updateProject(ctx context.Context, mutate func(*fleet.Project) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		p, err := o.repo.GetProject(ctx, o.projectID)
		if err != nil {
			return err
		}
		if err := mutate(p); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}
		err = o.repo.UpdateProject(ctx, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fleet.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// updateTask is the single-task counterpart of updateProject. The returned
// task reflects the state read on the final attempt.
func (o *Orchestrator) updateTask(ctx context.Context, id string, mutate func(*fleet.Task) error) (*fleet.Task, error) {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		t, err := o.repo.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := mutate(t); err != nil {
			if errors.Is(err, errNoChange) {
				return t, nil
			}
			return nil, err
		}
		err = o.repo.UpdateTask(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, fleet.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// dropTask removes the task from the agent's current set, idling the agent
// when nothing is left.
func dropTask(a *fleet.Agent, taskID string) {
	kept := a.CurrentTasks[:0]
	for _, id := range a.CurrentTasks {
		if id != taskID {
			kept = append(kept, id)
		}
	}
	a.CurrentTasks = kept
	if len(kept) == 0 && a.Status == fleet.AgentWorking {
		a.Status = fleet.AgentIdle
	}
}

// record writes an audit entry; failures are logged, never propagated, so an
// audit outage cannot roll back a state change.
func (o *Orchestrator) record(ctx context.Context, e audit.Entry) {
	if err := o.auditor.Record(ctx, e); err != nil {
		o.logger.Warn("audit write failed", zap.String("kind", e.Kind), zap.Error(err))
	}
}

func mergeDetail(base, extra map[string]string) map[string]string {
	if base == nil {
		base = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
