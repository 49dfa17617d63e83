package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/store"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *store.Memory) {
	t.Helper()
	repo := store.NewMemory(zap.NewNop())
	return NewManager(repo, zap.NewNop()), repo
}

func stalledEvent(taskID string, severity fleet.Severity) fleet.HealthEvent {
	return fleet.HealthEvent{
		Subject:    fleet.SubjectTask,
		SubjectID:  taskID,
		Kind:       fleet.EventTaskStalled,
		Severity:   severity,
		Message:    "no progress",
		DetectedAt: time.Now(),
	}
}

func TestRaiseDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	first, created, err := m.Raise(ctx, stalledEvent("t1", fleet.SeverityWarning), "check the agent")
	if err != nil {
		t.Fatalf("first raise: %v", err)
	}
	if !created {
		t.Fatal("first raise must create")
	}

	second, created, err := m.Raise(ctx, stalledEvent("t1", fleet.SeverityWarning), "check the agent")
	if err != nil {
		t.Fatalf("second raise: %v", err)
	}
	if created {
		t.Fatal("second raise must refresh")
	}
	if second.ID != first.ID {
		t.Errorf("refresh produced new record %s, want %s", second.ID, first.ID)
	}
}

func TestCriticalRaiseSuspendsProject(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	p := &fleet.Project{Name: "p", InitialRequest: "r", Status: fleet.ProjectActive, Phase: fleet.PhaseMonitor}
	if err := repo.CreateProject(ctx, p, nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	ev := stalledEvent("t1", fleet.SeverityCritical)
	ev.Kind = fleet.EventTaskTimeout
	ev.ProjectID = p.ID
	if _, _, err := m.Raise(ctx, ev, "cancel and reassign"); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	stored, _ := repo.GetProject(ctx, p.ID)
	if stored.Status != fleet.ProjectPaused {
		t.Errorf("project status = %q, want paused", stored.Status)
	}
}

func TestResolveResumesProject(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	p := &fleet.Project{Name: "p", InitialRequest: "r", Status: fleet.ProjectActive, Phase: fleet.PhaseMonitor}
	if err := repo.CreateProject(ctx, p, nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	ev := stalledEvent("t1", fleet.SeverityCritical)
	ev.Kind = fleet.EventTaskTimeout
	ev.ProjectID = p.ID
	rec, _, err := m.Raise(ctx, ev, "cancel and reassign")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	resolved, err := m.Resolve(ctx, rec.ID, "agent replaced")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != fleet.EscalationResolved {
		t.Errorf("status = %q, want resolved", resolved.Status)
	}
	if resolved.ResolvedAt == nil {
		t.Error("resolved_at not set")
	}
	if resolved.Resolution != "agent replaced" {
		t.Errorf("resolution = %q", resolved.Resolution)
	}

	stored, _ := repo.GetProject(ctx, p.ID)
	if stored.Status != fleet.ProjectActive {
		t.Errorf("project status = %q, want active after resolve", stored.Status)
	}
}

func TestResolveKeepsProjectPausedWhileOthersCritical(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	p := &fleet.Project{Name: "p", InitialRequest: "r", Status: fleet.ProjectActive, Phase: fleet.PhaseMonitor}
	if err := repo.CreateProject(ctx, p, nil); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	evA := stalledEvent("t1", fleet.SeverityCritical)
	evA.Kind = fleet.EventTaskTimeout
	evA.ProjectID = p.ID
	recA, _, _ := m.Raise(ctx, evA, "")

	evB := stalledEvent("t2", fleet.SeverityCritical)
	evB.Kind = fleet.EventTaskTimeout
	evB.ProjectID = p.ID
	if _, _, err := m.Raise(ctx, evB, ""); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	if _, err := m.Resolve(ctx, recA.ID, "one down"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	stored, _ := repo.GetProject(ctx, p.ID)
	if stored.Status != fleet.ProjectPaused {
		t.Errorf("project status = %q, want still paused", stored.Status)
	}
}

func TestResolveRejectsClosedRecord(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	rec, _, err := m.Raise(ctx, stalledEvent("t1", fleet.SeverityWarning), "")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if _, err := m.Resolve(ctx, rec.ID, "done"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := m.Resolve(ctx, rec.ID, "again"); err == nil {
		t.Fatal("second resolve should fail")
	}
}

func TestAutoResolveFreesTriggerKey(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Raise(ctx, stalledEvent("t1", fleet.SeverityWarning), ""); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if err := m.AutoResolve(ctx, fleet.SubjectTask, "t1", fleet.EventTaskStalled); err != nil {
		t.Fatalf("AutoResolve: %v", err)
	}

	// The slot is free again, so a re-detection opens a fresh record.
	_, created, err := m.Raise(ctx, stalledEvent("t1", fleet.SeverityWarning), "")
	if err != nil {
		t.Fatalf("re-raise: %v", err)
	}
	if !created {
		t.Error("re-raise after auto-resolve should create a fresh record")
	}
}

func TestAutoResolveWithoutRecordIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.AutoResolve(context.Background(), fleet.SubjectTask, "ghost", fleet.EventTaskStalled); err != nil {
		t.Fatalf("AutoResolve on missing record: %v", err)
	}
}
