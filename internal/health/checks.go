package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// scanTasks inspects every active task. A timed-out task reports only the
// timeout: the cancellation it triggers makes stalled and long-running flags
// on the same attempt meaningless.
func (m *Monitor) scanTasks(ctx context.Context, now time.Time) ([]fleet.HealthEvent, error) {
	tasks, err := m.repo.ListActiveTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("task scan: %w", err)
	}

	var events []fleet.HealthEvent
	for _, t := range tasks {
		events = append(events, checkTask(t, now, m.cfg.TaskStalledAfter.Std(), m.cfg.TaskLongRunningAfter.Std())...)
	}
	return events, nil
}

func checkTask(t *fleet.Task, now time.Time, stalledAfter, longAfter time.Duration) []fleet.HealthEvent {
	if t.IsTerminal() || t.StartedAt == nil {
		return nil
	}
	running := now.Sub(*t.StartedAt)

	if t.Timeout > 0 && running > t.Timeout {
		return []fleet.HealthEvent{{
			Subject:   fleet.SubjectTask,
			SubjectID: t.ID,
			Kind:      fleet.EventTaskTimeout,
			Severity:  fleet.SeverityCritical,
			Message: fmt.Sprintf("task %q exceeded its %s timeout (running %s)",
				t.Name, t.Timeout, running.Round(time.Second)),
			ProjectID:  t.ProjectID,
			Context:    map[string]string{"agent_id": t.AssignedTo},
			DetectedAt: now,
		}}
	}

	var events []fleet.HealthEvent
	if now.Sub(t.LastUpdated) > stalledAfter {
		events = append(events, fleet.HealthEvent{
			Subject:   fleet.SubjectTask,
			SubjectID: t.ID,
			Kind:      fleet.EventTaskStalled,
			Severity:  fleet.SeverityWarning,
			Message: fmt.Sprintf("task %q has reported nothing for %s",
				t.Name, now.Sub(t.LastUpdated).Round(time.Minute)),
			ProjectID:  t.ProjectID,
			Context:    map[string]string{"agent_id": t.AssignedTo},
			DetectedAt: now,
		})
	}
	if running > longAfter {
		events = append(events, fleet.HealthEvent{
			Subject:   fleet.SubjectTask,
			SubjectID: t.ID,
			Kind:      fleet.EventTaskLongRunning,
			Severity:  fleet.SeverityInfo,
			Message: fmt.Sprintf("task %q has been running for %s",
				t.Name, running.Round(time.Minute)),
			ProjectID:  t.ProjectID,
			DetectedAt: now,
		})
	}
	return events
}

// scanAgents inspects every non-disabled agent for silence, error-rate, and
// memory-pressure conditions.
func (m *Monitor) scanAgents(ctx context.Context, now time.Time) ([]fleet.HealthEvent, error) {
	agents, err := m.repo.ListAgents(ctx, fleet.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("agent scan: %w", err)
	}

	var events []fleet.HealthEvent
	for _, a := range agents {
		if a.Status == fleet.AgentDisabled {
			continue
		}
		events = append(events, checkAgent(a, now, m.cfg.AgentSilentAfter.Std(),
			m.cfg.AgentHighErrorRate, m.cfg.AgentMemoryPressure)...)
	}
	return events, nil
}

func checkAgent(a *fleet.Agent, now time.Time, silentAfter time.Duration, errorRate, memoryPressure float64) []fleet.HealthEvent {
	var events []fleet.HealthEvent

	if !a.LastHeartbeat.IsZero() && now.Sub(a.LastHeartbeat) > silentAfter {
		events = append(events, fleet.HealthEvent{
			Subject:   fleet.SubjectAgent,
			SubjectID: a.ID,
			Kind:      fleet.EventAgentSilent,
			Severity:  fleet.SeverityWarning,
			Message: fmt.Sprintf("agent %q last heartbeat %s ago",
				a.Name, now.Sub(a.LastHeartbeat).Round(time.Minute)),
			DetectedAt: now,
		})
	}
	if rate := a.Metrics.RecentErrorRate(); rate > errorRate {
		events = append(events, fleet.HealthEvent{
			Subject:   fleet.SubjectAgent,
			SubjectID: a.ID,
			Kind:      fleet.EventAgentHighErrors,
			Severity:  fleet.SeverityWarning,
			Message: fmt.Sprintf("agent %q failed %.0f%% of its recent tasks",
				a.Name, rate*100),
			DetectedAt: now,
		})
	}
	if a.MemoryUsage > memoryPressure {
		events = append(events, fleet.HealthEvent{
			Subject:   fleet.SubjectAgent,
			SubjectID: a.ID,
			Kind:      fleet.EventAgentMemory,
			Severity:  fleet.SeverityInfo,
			Message: fmt.Sprintf("agent %q reports %.0f%% memory utilization",
				a.Name, a.MemoryUsage*100),
			DetectedAt: now,
		})
	}
	return events
}

// scanSources polls the external signal sources. One broken source is logged
// and skipped; the others still contribute.
func (m *Monitor) scanSources(ctx context.Context, now time.Time) ([]fleet.HealthEvent, error) {
	var events []fleet.HealthEvent
	for _, src := range m.sources {
		found, err := src.Check(ctx)
		if err != nil {
			m.logger.Warn("signal source failed",
				zap.String("source", src.Name()), zap.Error(err))
			continue
		}
		for _, ev := range found {
			if ev.Kind == "" {
				ev.Kind = fleet.EventExternalSignal
			}
			if ev.Severity == "" {
				ev.Severity = fleet.SeverityInfo
			}
			if ev.DetectedAt.IsZero() {
				ev.DetectedAt = now
			}
			events = append(events, ev)
		}
	}
	return events, nil
}
