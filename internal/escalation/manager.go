package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Manager owns the escalation lifecycle: deduplicated raising, resolution,
// and the critical-severity suspension rule. At most one unresolved record
// exists per trigger key; re-detections refresh it in place.
type Manager struct {
	repo   fleet.Repository
	logger *zap.Logger
}

// NewManager creates an escalation manager backed by the repository.
func NewManager(repo fleet.Repository, logger *zap.Logger) *Manager {
	return &Manager{repo: repo, logger: logger}
}

// Raise opens an escalation for the event, or refreshes the unresolved one
// already holding its trigger key. The returned flag reports whether a new
// record was created, which callers use to keep side effects idempotent.
// A critical escalation suspends the owning project pending human input.
func (m *Manager) Raise(ctx context.Context, ev fleet.HealthEvent, suggested string) (*fleet.Escalation, bool, error) {
	rec, created, err := m.repo.UpsertEscalation(ctx, &fleet.Escalation{
		SubjectType: ev.Subject,
		SubjectID:   ev.SubjectID,
		Kind:        ev.Kind,
		Severity:    ev.Severity,
		ProjectID:   ev.ProjectID,
		Description: ev.Message,
		Suggested:   suggested,
	})
	if err != nil {
		return nil, false, fmt.Errorf("raise escalation: %w", err)
	}

	if created {
		m.logger.Warn("escalation opened",
			zap.String("escalation_id", rec.ID),
			zap.String("trigger", rec.TriggerKey()),
			zap.String("severity", string(rec.Severity)))
	} else {
		m.logger.Debug("escalation refreshed",
			zap.String("escalation_id", rec.ID),
			zap.String("trigger", rec.TriggerKey()))
	}

	// A refresh can raise severity to critical, so the suspension rule
	// applies to both branches.
	if rec.Severity == fleet.SeverityCritical && rec.ProjectID != "" {
		if err := m.suspendProject(ctx, rec.ProjectID); err != nil {
			m.logger.Error("suspend project failed",
				zap.String("project_id", rec.ProjectID), zap.Error(err))
		}
	}
	return rec, created, nil
}

// Resolve closes an escalation with a human-supplied resolution. If the
// record was critical and no other critical escalation still references the
// project, the suspended project resumes.
func (m *Manager) Resolve(ctx context.Context, id, resolution string) (*fleet.Escalation, error) {
	e, err := m.repo.GetEscalation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Unresolved() {
		return nil, fmt.Errorf("escalation %s already %s", id, e.Status)
	}

	now := time.Now()
	e.Status = fleet.EscalationResolved
	e.Resolution = resolution
	e.ResolvedAt = &now
	if err := m.repo.UpdateEscalation(ctx, e); err != nil {
		return nil, err
	}
	m.logger.Info("escalation resolved",
		zap.String("escalation_id", e.ID),
		zap.String("trigger", e.TriggerKey()))

	if e.Severity == fleet.SeverityCritical && e.ProjectID != "" {
		if err := m.maybeResumeProject(ctx, e.ProjectID); err != nil {
			m.logger.Error("resume project failed",
				zap.String("project_id", e.ProjectID), zap.Error(err))
		}
	}
	return e, nil
}

// AutoResolve closes the unresolved escalation holding the trigger key after
// its condition cleared on its own. Missing records are not an error: the
// caller only knows the condition, not whether it was ever escalated.
func (m *Manager) AutoResolve(ctx context.Context, subject fleet.SubjectType, subjectID string, kind fleet.EventKind) error {
	key := (&fleet.Escalation{SubjectType: subject, SubjectID: subjectID, Kind: kind}).TriggerKey()
	open, err := m.findUnresolved(ctx, key)
	if err != nil || open == nil {
		return err
	}

	now := time.Now()
	open.Status = fleet.EscalationAutoResolved
	open.ResolvedAt = &now
	if err := m.repo.UpdateEscalation(ctx, open); err != nil {
		return err
	}
	m.logger.Info("escalation auto-resolved", zap.String("trigger", key))
	return nil
}

// Awaiting hands an open escalation to a human without resolving it.
func (m *Manager) Awaiting(ctx context.Context, id string) error {
	e, err := m.repo.GetEscalation(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != fleet.EscalationOpen {
		return fmt.Errorf("escalation %s is %s, not open", id, e.Status)
	}
	e.Status = fleet.EscalationAwaitingHuman
	return m.repo.UpdateEscalation(ctx, e)
}

func (m *Manager) findUnresolved(ctx context.Context, key string) (*fleet.Escalation, error) {
	for _, status := range []fleet.EscalationStatus{fleet.EscalationOpen, fleet.EscalationAwaitingHuman} {
		list, err := m.repo.ListEscalations(ctx, status)
		if err != nil {
			return nil, err
		}
		for _, e := range list {
			if e.TriggerKey() == key {
				return e, nil
			}
		}
	}
	return nil, nil
}

func (m *Manager) suspendProject(ctx context.Context, projectID string) error {
	p, err := m.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status != fleet.ProjectActive {
		return nil
	}
	p.Status = fleet.ProjectPaused
	if err := m.repo.UpdateProject(ctx, p); err != nil {
		return err
	}
	m.logger.Warn("project suspended pending human input",
		zap.String("project_id", projectID))
	return nil
}

// maybeResumeProject reactivates a paused project once no critical
// escalation references it anymore.
func (m *Manager) maybeResumeProject(ctx context.Context, projectID string) error {
	for _, status := range []fleet.EscalationStatus{fleet.EscalationOpen, fleet.EscalationAwaitingHuman} {
		list, err := m.repo.ListEscalations(ctx, status)
		if err != nil {
			return err
		}
		for _, e := range list {
			if e.ProjectID == projectID && e.Severity == fleet.SeverityCritical {
				return nil
			}
		}
	}

	p, err := m.repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if p.Status != fleet.ProjectPaused {
		return nil
	}
	p.Status = fleet.ProjectActive
	if err := m.repo.UpdateProject(ctx, p); err != nil {
		return err
	}
	m.logger.Info("project resumed", zap.String("project_id", projectID))
	return nil
}
