package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/store"
	"go.uber.org/zap"
)

type fakeReassigner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeReassigner) Reassign(_ context.Context, taskID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, taskID)
	return f.err
}

func (f *fakeReassigner) reassigned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig() config.SchedulerConfig {
	cfg := config.Config{}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg.Scheduler
}

func newTestMonitor(t *testing.T, sources ...SignalSource) (*Monitor, *store.Memory, *fakeReassigner, *escalation.Manager) {
	t.Helper()
	logger := zap.NewNop()
	repo := store.NewMemory(logger)
	escalator := escalation.NewManager(repo, logger)
	reassigner := &fakeReassigner{}
	senders := notify.NewRegistry(logger)
	d := NewDispatcher(repo, escalator, reassigner, senders, audit.NewMemory(logger), logger)
	m := NewMonitor(repo, d, sources, testConfig(), logger)
	return m, repo, reassigner, escalator
}

func seedProject(t *testing.T, repo *store.Memory, tasks ...*fleet.Task) *fleet.Project {
	t.Helper()
	p := &fleet.Project{
		Name:   "p",
		Status: fleet.ProjectActive,
		Phase:  fleet.PhaseMonitor,
	}
	if err := repo.CreateProject(context.Background(), p, tasks); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func minutesAgo(n int) time.Time { return time.Now().Add(-time.Duration(n) * time.Minute) }

func TestCheckTaskStalled(t *testing.T) {
	started := minutesAgo(35)
	task := &fleet.Task{
		ID:          "t1",
		Name:        "build",
		Status:      fleet.TaskInProgress,
		StartedAt:   &started,
		LastUpdated: minutesAgo(31),
		Timeout:     4 * time.Hour,
	}
	events := checkTask(task, time.Now(), 30*time.Minute, 120*time.Minute)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != fleet.EventTaskStalled || events[0].Severity != fleet.SeverityWarning {
		t.Fatalf("got %s/%s, want task_stalled warning", events[0].Kind, events[0].Severity)
	}
}

func TestCheckTaskLongRunningIsInfo(t *testing.T) {
	started := minutesAgo(130)
	task := &fleet.Task{
		ID:          "t1",
		Name:        "train",
		Status:      fleet.TaskInProgress,
		StartedAt:   &started,
		LastUpdated: minutesAgo(5),
		Timeout:     4 * time.Hour,
	}
	events := checkTask(task, time.Now(), 30*time.Minute, 120*time.Minute)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != fleet.EventTaskLongRunning || events[0].Severity != fleet.SeverityInfo {
		t.Fatalf("got %s/%s, want task_long_running info", events[0].Kind, events[0].Severity)
	}
}

func TestCheckTaskTimeoutSupersedesOtherFlags(t *testing.T) {
	// 31 minutes without progress against a 30 minute timeout: exactly one
	// critical timeout, no stalled or long-running noise.
	started := minutesAgo(31)
	task := &fleet.Task{
		ID:          "t1",
		Name:        "deploy",
		Status:      fleet.TaskInProgress,
		StartedAt:   &started,
		LastUpdated: minutesAgo(31),
		Timeout:     30 * time.Minute,
	}
	events := checkTask(task, time.Now(), 30*time.Minute, 120*time.Minute)
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(events))
	}
	if events[0].Kind != fleet.EventTaskTimeout || events[0].Severity != fleet.SeverityCritical {
		t.Fatalf("got %s/%s, want task_timeout critical", events[0].Kind, events[0].Severity)
	}
}

func TestCheckTaskPendingIsQuiet(t *testing.T) {
	task := &fleet.Task{
		ID:          "t1",
		Status:      fleet.TaskPending,
		LastUpdated: minutesAgo(300),
	}
	if events := checkTask(task, time.Now(), 30*time.Minute, 120*time.Minute); len(events) != 0 {
		t.Fatalf("pending task produced %d events, want 0", len(events))
	}
}

func TestCheckAgentSilent(t *testing.T) {
	a := &fleet.Agent{
		ID:            "a1",
		Name:          "worker",
		Status:        fleet.AgentWorking,
		LastHeartbeat: minutesAgo(16),
	}
	events := checkAgent(a, time.Now(), 15*time.Minute, 0.3, 0.9)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Kind != fleet.EventAgentSilent || events[0].Severity != fleet.SeverityWarning {
		t.Fatalf("got %s/%s, want agent_silent warning", events[0].Kind, events[0].Severity)
	}
}

func TestCheckAgentHighErrorRate(t *testing.T) {
	a := &fleet.Agent{
		ID:            "a1",
		Name:          "flaky",
		Status:        fleet.AgentWorking,
		LastHeartbeat: time.Now(),
	}
	for i := 0; i < 10; i++ {
		a.Metrics.RecordOutcome(i%2 == 0, time.Minute, "")
	}
	events := checkAgent(a, time.Now(), 15*time.Minute, 0.3, 0.9)
	if len(events) != 1 || events[0].Kind != fleet.EventAgentHighErrors {
		t.Fatalf("got %v, want a single agent_high_errors", events)
	}
}

func TestCheckAgentMemoryPressure(t *testing.T) {
	a := &fleet.Agent{
		ID:            "a1",
		Name:          "hungry",
		Status:        fleet.AgentIdle,
		LastHeartbeat: time.Now(),
		MemoryUsage:   0.95,
	}
	events := checkAgent(a, time.Now(), 15*time.Minute, 0.3, 0.9)
	if len(events) != 1 || events[0].Kind != fleet.EventAgentMemory || events[0].Severity != fleet.SeverityInfo {
		t.Fatalf("got %v, want a single agent_memory_pressure info", events)
	}
}

func TestRunNowMergesTaskEventsBeforeAgentEvents(t *testing.T) {
	m, repo, _, _ := newTestMonitor(t)
	ctx := context.Background()

	// The repository stamps LastUpdated on every write, so the seeded task
	// trips the timeout check (StartedAt survives the write) rather than the
	// stalled one.
	started := minutesAgo(40)
	seedProject(t, repo, &fleet.Task{
		ID:          "t1",
		Name:        "build",
		Status:      fleet.TaskInProgress,
		AssignedTo:  "a1",
		StartedAt:   &started,
		LastUpdated: started,
		Timeout:     30 * time.Minute,
		Version:     1,
	})
	if err := repo.CreateAgent(ctx, &fleet.Agent{
		ID:            "a1",
		Name:          "worker",
		Status:        fleet.AgentWorking,
		LastHeartbeat: minutesAgo(20),
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	report, err := m.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(report.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(report.Events))
	}
	if report.Events[0].Subject != fleet.SubjectTask || report.Events[1].Subject != fleet.SubjectAgent {
		t.Fatalf("events not in task-before-agent order: %s, %s",
			report.Events[0].Subject, report.Events[1].Subject)
	}
	if report.Dispatched != 2 {
		t.Fatalf("dispatched %d, want 2", report.Dispatched)
	}
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Check(context.Context) ([]fleet.HealthEvent, error) {
	return nil, errors.New("unreachable")
}

type staticSource struct{ events []fleet.HealthEvent }

func (staticSource) Name() string { return "static" }
func (s staticSource) Check(context.Context) ([]fleet.HealthEvent, error) {
	return s.events, nil
}

func TestRunNowToleratesBrokenSource(t *testing.T) {
	m, _, _, _ := newTestMonitor(t, failingSource{}, staticSource{events: []fleet.HealthEvent{{
		Subject:   fleet.SubjectAgent,
		SubjectID: "ext-1",
		Message:   "external alarm",
	}}})

	report, err := m.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if len(report.Events) != 1 {
		t.Fatalf("got %d events, want 1 from the healthy source", len(report.Events))
	}
	if report.Events[0].Kind != fleet.EventExternalSignal {
		t.Fatalf("kind = %s, want external_signal default", report.Events[0].Kind)
	}
}

func TestDispatchTimeoutReassignsOnce(t *testing.T) {
	m, repo, reassigner, _ := newTestMonitor(t)
	ctx := context.Background()

	started := minutesAgo(31)
	p := seedProject(t, repo, &fleet.Task{
		ID:          "t1",
		Name:        "deploy",
		Status:      fleet.TaskInProgress,
		StartedAt:   &started,
		LastUpdated: minutesAgo(31),
		Timeout:     30 * time.Minute,
		Version:     1,
	})

	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectTask,
		SubjectID:  "t1",
		Kind:       fleet.EventTaskTimeout,
		Severity:   fleet.SeverityCritical,
		Message:    "task timed out",
		ProjectID:  p.ID,
		DetectedAt: time.Now(),
	}
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	// Second occurrence while the escalation is open: refresh, no new actions.
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch repeat: %v", err)
	}

	if got := reassigner.reassigned(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("reassigned = %v, want exactly one call for t1", got)
	}
	open, err := repo.ListEscalations(ctx, fleet.EscalationOpen)
	if err != nil {
		t.Fatalf("ListEscalations: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("got %d open escalations, want 1", len(open))
	}
	if open[0].Severity != fleet.SeverityCritical {
		t.Fatalf("severity = %s, want critical", open[0].Severity)
	}

	// The critical escalation suspends the owning project.
	got, err := repo.GetProject(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Status != fleet.ProjectPaused {
		t.Fatalf("project status = %s, want paused", got.Status)
	}
}

func TestDispatchSilentAgentDegradesThenDisables(t *testing.T) {
	m, repo, reassigner, _ := newTestMonitor(t)
	ctx := context.Background()

	started := minutesAgo(5)
	seedProject(t, repo, &fleet.Task{
		ID:          "t1",
		Name:        "build",
		Status:      fleet.TaskInProgress,
		AssignedTo:  "a1",
		StartedAt:   &started,
		LastUpdated: started,
		Timeout:     4 * time.Hour,
		Version:     1,
	})
	if err := repo.CreateAgent(ctx, &fleet.Agent{
		ID:            "a1",
		Name:          "worker",
		Status:        fleet.AgentWorking,
		CurrentTasks:  []string{"t1"},
		LastHeartbeat: minutesAgo(16),
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectAgent,
		SubjectID:  "a1",
		Kind:       fleet.EventAgentSilent,
		Severity:   fleet.SeverityWarning,
		Message:    "agent silent",
		DetectedAt: time.Now(),
	}
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	a, err := repo.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != fleet.AgentError {
		t.Fatalf("agent status = %s, want error after first detection", a.Status)
	}
	if got := reassigner.reassigned(); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("reassigned = %v, want its open task released", got)
	}

	// Still silent on the next cycle: disabled.
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch repeat: %v", err)
	}
	a, err = repo.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if a.Status != fleet.AgentDisabled {
		t.Fatalf("agent status = %s, want disabled after persistent silence", a.Status)
	}
}

func TestDispatchHighErrorsReducesAssignments(t *testing.T) {
	m, repo, _, _ := newTestMonitor(t)
	ctx := context.Background()

	if err := repo.CreateAgent(ctx, &fleet.Agent{
		ID:            "a1",
		Name:          "flaky",
		Status:        fleet.AgentWorking,
		LastHeartbeat: time.Now(),
	}); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectAgent,
		SubjectID:  "a1",
		Kind:       fleet.EventAgentHighErrors,
		Severity:   fleet.SeverityWarning,
		Message:    "error rate high",
		DetectedAt: time.Now(),
	}
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	a, _ := repo.GetAgent(ctx, "a1")
	if a.Status != fleet.AgentError {
		t.Fatalf("agent status = %s, want error (no new assignments)", a.Status)
	}

	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch repeat: %v", err)
	}
	a, _ = repo.GetAgent(ctx, "a1")
	if a.Status != fleet.AgentDisabled {
		t.Fatalf("agent status = %s, want disabled after persistent errors", a.Status)
	}
}

func TestResolvedEscalationReopensOnRedetection(t *testing.T) {
	m, repo, reassigner, escalator := newTestMonitor(t)
	ctx := context.Background()

	started := minutesAgo(31)
	p := seedProject(t, repo, &fleet.Task{
		ID:          "t1",
		Name:        "deploy",
		Status:      fleet.TaskInProgress,
		StartedAt:   &started,
		LastUpdated: started,
		Timeout:     30 * time.Minute,
		Version:     1,
	})
	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectTask,
		SubjectID:  "t1",
		Kind:       fleet.EventTaskTimeout,
		Severity:   fleet.SeverityCritical,
		Message:    "task timed out",
		ProjectID:  p.ID,
		DetectedAt: time.Now(),
	}
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	open, _ := repo.ListEscalations(ctx, fleet.EscalationOpen)
	if len(open) != 1 {
		t.Fatalf("got %d open escalations, want 1", len(open))
	}
	if _, err := escalator.Resolve(ctx, open[0].ID, "restarted the runner"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A fresh occurrence after resolution opens a new record and re-fires
	// the handler.
	if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
		t.Fatalf("Dispatch after resolve: %v", err)
	}
	open, _ = repo.ListEscalations(ctx, fleet.EscalationOpen)
	if len(open) != 1 {
		t.Fatalf("got %d open escalations after re-detection, want 1", len(open))
	}
	if got := reassigner.reassigned(); len(got) != 2 {
		t.Fatalf("reassign calls = %d, want 2 (one per occurrence)", len(got))
	}
}
