package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// OnTaskProgress records an execution progress report. The first report moves
// the task from assigned to in_progress; reports for terminal or unassigned
// tasks are discarded.
func (o *Orchestrator) OnTaskProgress(ctx context.Context, taskID string, percent int, note string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	t, err := o.updateTask(ctx, taskID, func(t *fleet.Task) error {
		if t.IsTerminal() || t.Status == fleet.TaskPending || t.Status == fleet.TaskBlocked {
			return errNoChange
		}
		if t.Status == fleet.TaskAssigned {
			t.Status = fleet.TaskInProgress
		}
		t.Progress = percent
		return nil
	})
	if err != nil {
		return err
	}
	if t.IsTerminal() {
		o.logger.Debug("late progress discarded", zap.String("task_id", taskID))
		return nil
	}

	// Progress is proof of life, so a stalled flag on this task has cleared.
	if err := o.escalator.AutoResolve(ctx, fleet.SubjectTask, taskID, fleet.EventTaskStalled); err != nil {
		o.logger.Debug("stalled auto-resolve failed", zap.String("task_id", taskID), zap.Error(err))
	}

	o.logger.Debug("task progress",
		zap.String("task_id", taskID),
		zap.Int("percent", percent),
		zap.String("note", note))
	return nil
}

// OnTaskResult settles an execution report: success completes the task and
// frees its dependents; failure releases the agent and requeues the task
// until the retry budget runs out.
func (o *Orchestrator) OnTaskResult(ctx context.Context, taskID string, success bool, output, failure string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if success {
		done, err := o.completeTask(ctx, taskID, output)
		if err != nil || !done {
			return err
		}
		// Dependents may have become ready.
		return o.delegatePass(ctx)
	}
	return o.failTask(ctx, taskID, failure)
}

func (o *Orchestrator) completeTask(ctx context.Context, taskID, output string) (bool, error) {
	var (
		finished *fleet.Task
		agentID  string
		overall  float64
		elapsed  time.Duration
	)
	for attempt := 0; ; attempt++ {
		t, err := o.repo.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}
		if t.IsTerminal() {
			o.logger.Debug("late result discarded",
				zap.String("task_id", taskID), zap.String("status", string(t.Status)))
			return false, nil
		}
		if t.AssignedTo == "" {
			o.logger.Debug("result for unassigned task discarded", zap.String("task_id", taskID))
			return false, nil
		}

		holder, err := o.repo.GetAgent(ctx, t.AssignedTo)
		if err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return false, err
		}

		now := time.Now()
		elapsed = 0
		if t.StartedAt != nil {
			elapsed = now.Sub(*t.StartedAt)
		}
		t.Status = fleet.TaskCompleted
		t.Progress = 100
		t.Output = output
		t.CompletedAt = &now
		t.ExecHandle = ""

		if holder != nil {
			dropTask(holder, t.ID)
			holder.Metrics.RecordOutcome(true, elapsed, fleet.SkillKey(t.SkillsNeeded))
			card := o.scores.Compute(holder)
			holder.Score = card.Overall
			agentID = holder.ID
			overall = card.Overall
			err = o.repo.ReleaseTask(ctx, t, holder)
		} else {
			err = o.repo.UpdateTask(ctx, t)
		}
		if err == nil {
			finished = t
			break
		}
		if !errors.Is(err, fleet.ErrVersionConflict) || attempt+1 >= maxConflictRetries {
			return false, err
		}
	}

	if agentID != "" {
		o.scores.RecordSample(agentID, overall)
	}
	for _, kind := range []fleet.EventKind{fleet.EventTaskStalled, fleet.EventTaskLongRunning} {
		if err := o.escalator.AutoResolve(ctx, fleet.SubjectTask, taskID, kind); err != nil {
			o.logger.Debug("auto-resolve failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}

	o.logger.Info("task completed",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Duration("elapsed", elapsed))
	o.record(ctx, audit.Entry{
		Kind:      "task_completed",
		Subject:   string(fleet.SubjectTask),
		SubjectID: taskID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("task %q completed by agent %s", finished.Name, agentID),
		Detail:    map[string]string{"elapsed": elapsed.Round(time.Second).String()},
		At:        time.Now(),
	})
	return true, nil
}

func (o *Orchestrator) failTask(ctx context.Context, taskID, failure string) error {
	var (
		failed    *fleet.Task
		agentID   string
		overall   float64
		exhausted bool
	)
	for attempt := 0; ; attempt++ {
		t, err := o.repo.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			o.logger.Debug("late failure discarded",
				zap.String("task_id", taskID), zap.String("status", string(t.Status)))
			return nil
		}
		if t.AssignedTo == "" {
			o.logger.Debug("failure for unassigned task discarded", zap.String("task_id", taskID))
			return nil
		}

		holder, err := o.repo.GetAgent(ctx, t.AssignedTo)
		if err != nil && !errors.Is(err, fleet.ErrNotFound) {
			return err
		}

		now := time.Now()
		elapsed := time.Duration(0)
		if t.StartedAt != nil {
			elapsed = now.Sub(*t.StartedAt)
		}

		t.RetryCount++
		exhausted = t.RetryCount > t.MaxRetries
		t.Failure = failure
		t.ExecHandle = ""
		t.AssignedTo = ""
		if exhausted {
			t.Status = fleet.TaskFailed
			t.CompletedAt = &now
		} else {
			t.Status = fleet.TaskPending
			t.StartedAt = nil
			t.Progress = 0
		}

		if holder != nil {
			dropTask(holder, t.ID)
			holder.Metrics.RecordOutcome(false, elapsed, fleet.SkillKey(t.SkillsNeeded))
			card := o.scores.Compute(holder)
			holder.Score = card.Overall
			agentID = holder.ID
			overall = card.Overall
			err = o.repo.ReleaseTask(ctx, t, holder)
		} else {
			err = o.repo.UpdateTask(ctx, t)
		}
		if err == nil {
			failed = t
			break
		}
		if !errors.Is(err, fleet.ErrVersionConflict) || attempt+1 >= maxConflictRetries {
			return err
		}
	}

	if agentID != "" {
		o.scores.RecordSample(agentID, overall)
	}

	if exhausted {
		o.logger.Warn("task failed, retries exhausted",
			zap.String("task_id", taskID),
			zap.Int("retries", failed.RetryCount),
			zap.String("failure", failure))
		o.record(ctx, audit.Entry{
			Kind:      "task_failed",
			Subject:   string(fleet.SubjectTask),
			SubjectID: taskID,
			ProjectID: o.projectID,
			Severity:  string(fleet.SeverityWarning),
			Message:   fmt.Sprintf("task %q failed after %d attempts: %s", failed.Name, failed.RetryCount, failure),
			At:        time.Now(),
		})
		ev := fleet.HealthEvent{
			Subject:    fleet.SubjectTask,
			SubjectID:  taskID,
			Kind:       fleet.EventRetryExhausted,
			Severity:   fleet.SeverityWarning,
			Message:    fmt.Sprintf("task %q failed after %d attempts: %s", failed.Name, failed.RetryCount, failure),
			ProjectID:  o.projectID,
			DetectedAt: time.Now(),
		}
		if err := o.escalate(ctx, ev, "investigate the repeated failures, then relaunch or cancel the project"); err != nil {
			o.logger.Error("retry-exhausted escalation failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
		tasks, err := o.repo.ListProjectTasks(ctx, o.projectID)
		if err != nil {
			return err
		}
		o.sweepBlocked(ctx, tasks)
		return o.settle(ctx)
	}

	o.logger.Info("task requeued after failure",
		zap.String("task_id", taskID),
		zap.Int("retry_count", failed.RetryCount))
	o.record(ctx, audit.Entry{
		Kind:      "task_requeued",
		Subject:   string(fleet.SubjectTask),
		SubjectID: taskID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("task %q requeued after failure: %s", failed.Name, failure),
		Detail:    map[string]string{"retry_count": strconv.Itoa(failed.RetryCount)},
		At:        time.Now(),
	})
	return o.redelegate(ctx, taskID)
}

// Reassign releases the task's current ownership and requeues it as pending,
// cancelling any in-flight execution. Once retry_count exceeds max_retries the
// task is marked failed and a retry_exhausted escalation opens instead.
func (o *Orchestrator) Reassign(ctx context.Context, taskID, reason string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, err := o.repo.GetProject(ctx, o.projectID)
	if err != nil {
		return err
	}
	if p.Terminal() {
		return nil
	}
	if err := o.step(ctx, fleet.PhaseReassign); err != nil {
		o.logger.Debug("phase move to reassign skipped", zap.Error(err))
	}

	var (
		released  *fleet.Task
		handle    string
		exhausted bool
	)
	for attempt := 0; ; attempt++ {
		t, err := o.repo.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		switch t.Status {
		case fleet.TaskCompleted, fleet.TaskFailed:
			return nil
		case fleet.TaskPending, fleet.TaskBlocked:
			return nil
		}
		// Assigned, in progress, or cancelled by the timeout handler.

		var holder *fleet.Agent
		if t.AssignedTo != "" {
			holder, err = o.repo.GetAgent(ctx, t.AssignedTo)
			if err != nil && !errors.Is(err, fleet.ErrNotFound) {
				return err
			}
		}

		handle = t.ExecHandle
		t.RetryCount++
		exhausted = t.RetryCount > t.MaxRetries
		t.Failure = reason
		t.ExecHandle = ""
		t.AssignedTo = ""
		if exhausted {
			now := time.Now()
			t.Status = fleet.TaskFailed
			t.CompletedAt = &now
		} else {
			t.Status = fleet.TaskPending
			t.StartedAt = nil
			t.Progress = 0
		}

		if holder != nil {
			dropTask(holder, t.ID)
			holder.Metrics.TasksReassigned++
			err = o.repo.ReleaseTask(ctx, t, holder)
		} else {
			err = o.repo.UpdateTask(ctx, t)
		}
		if err == nil {
			released = t
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

	if exhausted {
		o.logger.Warn("reassignment budget exhausted",
			zap.String("task_id", taskID),
			zap.Int("retries", released.RetryCount),
			zap.String("reason", reason))
		o.record(ctx, audit.Entry{
			Kind:      "task_failed",
			Subject:   string(fleet.SubjectTask),
			SubjectID: taskID,
			ProjectID: o.projectID,
			Severity:  string(fleet.SeverityWarning),
			Message:   fmt.Sprintf("task %q failed: retry budget exhausted (%s)", released.Name, reason),
			At:        time.Now(),
		})
		ev := fleet.HealthEvent{
			Subject:    fleet.SubjectTask,
			SubjectID:  taskID,
			Kind:       fleet.EventRetryExhausted,
			Severity:   fleet.SeverityWarning,
			Message:    fmt.Sprintf("task %q exceeded %d retries: %s", released.Name, released.MaxRetries, reason),
			ProjectID:  o.projectID,
			DetectedAt: time.Now(),
		}
		if err := o.escalate(ctx, ev, "investigate the repeated failures, then relaunch or cancel the project"); err != nil {
			o.logger.Error("retry-exhausted escalation failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
		tasks, err := o.repo.ListProjectTasks(ctx, o.projectID)
		if err == nil {
			o.sweepBlocked(ctx, tasks)
		}
		if err := o.settle(ctx); err != nil {
			o.logger.Warn("settle after exhaustion failed", zap.Error(err))
		}
		return fmt.Errorf("task %s: %w", taskID, ErrRetryExhausted)
	}

	o.logger.Info("task reassigned",
		zap.String("task_id", taskID),
		zap.String("reason", reason),
		zap.Int("retry_count", released.RetryCount))
	o.record(ctx, audit.Entry{
		Kind:      "task_requeued",
		Subject:   string(fleet.SubjectTask),
		SubjectID: taskID,
		ProjectID: o.projectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("task %q released and requeued: %s", released.Name, reason),
		Detail:    map[string]string{"retry_count": strconv.Itoa(released.RetryCount)},
		At:        time.Now(),
	})
	return o.redelegate(ctx, taskID)
}

// redelegate runs the delegate step for one freshly requeued task, leaving
// the rest of the project untouched, then settles the machine.
func (o *Orchestrator) redelegate(ctx context.Context, taskID string) error {
	p, err := o.repo.GetProject(ctx, o.projectID)
	if err != nil {
		return err
	}
	if p.Terminal() || p.Status == fleet.ProjectPaused {
		return nil
	}
	if err := o.step(ctx, fleet.PhaseDelegate); err != nil {
		o.logger.Debug("phase move to delegate skipped", zap.Error(err))
	}

	res, err := o.delegator.Delegate(ctx, taskID)
	switch {
	case errors.Is(err, delegate.ErrNoEligibleAgent):
		t, terr := o.repo.GetTask(ctx, taskID)
		if terr != nil {
			return terr
		}
		o.noteUndelegable(ctx, t)
	case err != nil:
		o.logger.Warn("redelegation failed",
			zap.String("task_id", taskID), zap.Error(err))
	default:
		delete(o.passes, taskID)
		o.startExecution(ctx, res)
	}
	return o.settle(ctx)
}
