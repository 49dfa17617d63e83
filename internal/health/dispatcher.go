package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"go.uber.org/zap"
)

// maxConflictRetries bounds agent-update loops against version conflicts.
const maxConflictRetries = 3

// Reassigner releases a task's ownership and requeues it. Satisfied by the
// orchestrator registry.
type Reassigner interface {
	Reassign(ctx context.Context, taskID, reason string) error
}

// handler holds the fixed actions for one event kind. onFirst runs when the
// event opens a fresh escalation; onRepeat runs when the condition persists
// across cycles while the escalation is still open.
type handler struct {
	suggested string
	onFirst   func(ctx context.Context, ev fleet.HealthEvent) error
	onRepeat  func(ctx context.Context, ev fleet.HealthEvent, rec *fleet.Escalation) error
}

// Dispatcher maps each health event to its side-effecting actions. The open
// escalation record per trigger key doubles as the idempotency slot: side
// effects fire when the record is created, persistence actions when an
// already-open record is refreshed. Notification and audit follow every
// occurrence; their failures are logged and never roll back applied state.
type Dispatcher struct {
	repo       fleet.Repository
	escalator  *escalation.Manager
	reassigner Reassigner
	senders    *notify.Registry
	auditor    audit.Sink
	logger     *zap.Logger
	handlers   map[fleet.EventKind]handler
}

// NewDispatcher creates a dispatcher with the full handler table populated.
func NewDispatcher(repo fleet.Repository, escalator *escalation.Manager, reassigner Reassigner,
	senders *notify.Registry, auditor audit.Sink, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		repo:       repo,
		escalator:  escalator,
		reassigner: reassigner,
		senders:    senders,
		auditor:    auditor,
		logger:     logger,
	}
	d.handlers = map[fleet.EventKind]handler{
		fleet.EventTaskStalled: {
			suggested: "check the assigned agent; the task is requeued automatically if it times out",
		},
		fleet.EventTaskLongRunning: {
			suggested: "no action needed unless the task also stalls",
		},
		fleet.EventTaskTimeout: {
			suggested: "the execution was cancelled and the task requeued; resolve to resume the project",
			onFirst:   d.onTaskTimeout,
		},
		fleet.EventAgentSilent: {
			suggested: "restart the agent process; it is disabled if silence persists",
			onFirst:   d.onAgentSilent,
			onRepeat:  d.onAgentStillSilent,
		},
		fleet.EventAgentHighErrors: {
			suggested: "review the agent's recent failures; it is disabled if the rate stays high",
			onFirst:   d.onAgentHighErrors,
			onRepeat:  d.onAgentStillFailing,
		},
		fleet.EventAgentMemory: {
			suggested: "consider lowering the agent's concurrency limit",
		},
		fleet.EventExternalSignal: {
			suggested: "inspect the originating signal source",
		},
	}
	return d
}

// Dispatch runs the event's handler exactly once per occurrence. An unknown
// kind is a programming error on the scan side and is logged, not fatal.
func (d *Dispatcher) Dispatch(ctx context.Context, ev fleet.HealthEvent) error {
	h, ok := d.handlers[ev.Kind]
	if !ok {
		d.logger.Error("no handler for event kind", zap.String("kind", string(ev.Kind)))
		return nil
	}

	rec, created, err := d.escalator.Raise(ctx, ev, h.suggested)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", ev.Kind, err)
	}

	if created {
		if h.onFirst != nil {
			if err := h.onFirst(ctx, ev); err != nil {
				d.logger.Error("handler action failed",
					zap.String("kind", string(ev.Kind)),
					zap.String("subject_id", ev.SubjectID),
					zap.Error(err))
			}
		}
	} else if h.onRepeat != nil {
		if err := h.onRepeat(ctx, ev, rec); err != nil {
			d.logger.Error("persistence action failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("subject_id", ev.SubjectID),
				zap.Error(err))
		}
	}

	d.notifyEvent(ctx, ev, created)

	entry := audit.FromEvent(ev)
	if entry.Detail == nil {
		entry.Detail = make(map[string]string, 2)
	}
	entry.Detail["escalation_id"] = rec.ID
	if !created {
		entry.Detail["occurrence"] = "repeat"
	}
	if err := d.auditor.Record(ctx, entry); err != nil {
		d.logger.Warn("audit write failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
	return nil
}

// onTaskTimeout cancels the in-flight execution and requeues the task; both
// happen inside the orchestrator's reassign, which also burns a retry.
func (d *Dispatcher) onTaskTimeout(ctx context.Context, ev fleet.HealthEvent) error {
	err := d.reassigner.Reassign(ctx, ev.SubjectID, "execution timed out")
	// Exhaustion is the reassign path's own escalation, not a dispatch failure.
	if errors.Is(err, orchestrator.ErrRetryExhausted) {
		return nil
	}
	return err
}

// onAgentSilent degrades the silent agent and reassigns everything it holds.
func (d *Dispatcher) onAgentSilent(ctx context.Context, ev fleet.HealthEvent) error {
	if err := d.setAgentStatus(ctx, ev.SubjectID, fleet.AgentError); err != nil {
		return err
	}
	return d.reassignAgentTasks(ctx, ev.SubjectID, "agent went silent")
}

// onAgentStillSilent disables an agent that stayed silent through a second
// cycle and sweeps up any tasks assigned to it in between.
func (d *Dispatcher) onAgentStillSilent(ctx context.Context, ev fleet.HealthEvent, _ *fleet.Escalation) error {
	if err := d.setAgentStatus(ctx, ev.SubjectID, fleet.AgentDisabled); err != nil {
		return err
	}
	d.logger.Warn("agent disabled after persistent silence", zap.String("agent_id", ev.SubjectID))
	return d.reassignAgentTasks(ctx, ev.SubjectID, "agent disabled after persistent silence")
}

// onAgentHighErrors marks the agent degraded so the delegation filter stops
// giving it new work while it keeps its current assignments.
func (d *Dispatcher) onAgentHighErrors(ctx context.Context, ev fleet.HealthEvent) error {
	return d.setAgentStatus(ctx, ev.SubjectID, fleet.AgentError)
}

// onAgentStillFailing disables an agent whose error rate stayed high.
func (d *Dispatcher) onAgentStillFailing(ctx context.Context, ev fleet.HealthEvent, _ *fleet.Escalation) error {
	if err := d.setAgentStatus(ctx, ev.SubjectID, fleet.AgentDisabled); err != nil {
		return err
	}
	d.logger.Warn("agent disabled after persistent error rate", zap.String("agent_id", ev.SubjectID))
	return d.reassignAgentTasks(ctx, ev.SubjectID, "agent disabled after persistent error rate")
}

func (d *Dispatcher) setAgentStatus(ctx context.Context, agentID string, status fleet.AgentStatus) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		a, err := d.repo.GetAgent(ctx, agentID)
		if err != nil {
			return err
		}
		if a.Status == status {
			return nil
		}
		a.Status = status
		err = d.repo.UpdateAgent(ctx, a)
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

func (d *Dispatcher) reassignAgentTasks(ctx context.Context, agentID, reason string) error {
	a, err := d.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	for _, taskID := range append([]string(nil), a.CurrentTasks...) {
		if err := d.reassigner.Reassign(ctx, taskID, reason); err != nil {
			d.logger.Warn("reassigning orphaned task failed",
				zap.String("task_id", taskID),
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	return nil
}

func (d *Dispatcher) notifyEvent(ctx context.Context, ev fleet.HealthEvent, created bool) {
	if !created {
		return
	}
	err := d.senders.Notify(ctx, notify.Event{
		Kind:     string(ev.Kind),
		Title:    fmt.Sprintf("%s on %s %s", ev.Kind, ev.Subject, ev.SubjectID),
		Body:     ev.Message,
		Severity: ev.Severity,
	})
	if err != nil {
		d.logger.Warn("event notification failed",
			zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
