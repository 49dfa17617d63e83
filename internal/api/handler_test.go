package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/health"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"github.com/nidhogg/overseer/internal/sandbox"
	"github.com/nidhogg/overseer/internal/scoring"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/team"
	"go.uber.org/zap"
)

// newTestServer wires the full stack over the in-memory repository.
func newTestServer(t *testing.T) (*httptest.Server, *store.Memory) {
	t.Helper()
	logger := zap.NewNop()
	cfg := config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	repo := store.NewMemory(logger)
	scores := scoring.NewEngine(cfg.Scheduler, logger)
	delegator := delegate.NewEngine(repo, scores, cfg.Scheduler, logger)
	escalator := escalation.NewManager(repo, logger)
	auditor := audit.NewMemory(logger)
	senders := notify.NewRegistry(logger)
	registry := orchestrator.NewRegistry(repo, delegator, escalator, sandbox.Nop{}, scores, auditor, cfg.Scheduler, logger)
	summarizer := orchestrator.NewSummarizer(repo, scores, senders, logger)
	coordinator := team.NewCoordinator(repo, registry, senders, auditor, cfg.Scheduler, logger)
	dispatcher := health.NewDispatcher(repo, escalator, registry, senders, auditor, logger)
	monitor := health.NewMonitor(repo, dispatcher, nil, cfg.Scheduler, logger)

	h := NewHandler(repo, registry, coordinator, escalator, monitor, summarizer,
		senders, auditor, auditor, "memory", "memory", logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, repo
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func seedAgent(t *testing.T, repo *store.Memory, id string, skills ...string) {
	t.Helper()
	a := &fleet.Agent{ID: id, Name: id, SkillTags: skills, MaxTasks: 2}
	if err := repo.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
}

func TestCreateProjectAndListTasks(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/projects", orchestrator.ProjectRequest{
		Name:           "api-demo",
		InitialRequest: "ship it",
		Tasks: []orchestrator.TaskSpec{
			{Name: "build", Skills: []string{"go"}},
			{Name: "test", Skills: []string{"go"}, DependsOn: []string{"build"}},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project = %d: %s", resp.StatusCode, body)
	}
	var p fleet.Project
	if err := json.Unmarshal(body, &p); err != nil {
		t.Fatalf("decode project: %v", err)
	}

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/projects/"+p.ID+"/tasks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks = %d: %s", resp.StatusCode, body)
	}
	var tasks []*fleet.Task
	if err := json.Unmarshal(body, &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
}

func TestCreateProjectRejectsCycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/projects", orchestrator.ProjectRequest{
		Name:           "cyclic",
		InitialRequest: "impossible",
		Tasks: []orchestrator.TaskSpec{
			{Name: "a", Skills: []string{"go"}, DependsOn: []string{"b"}},
			{Name: "b", Skills: []string{"go"}, DependsOn: []string{"a"}},
		},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, body)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/projects/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAgentLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/agents", fleet.Agent{
		Name: "worker", SkillTags: []string{"go", "sql"}, MaxTasks: 3,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create agent = %d: %s", resp.StatusCode, body)
	}
	var a fleet.Agent
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}

	role := "builder"
	resp, body = doJSON(t, http.MethodPatch, srv.URL+"/api/agents/"+a.ID, agentPatch{Role: &role})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch agent = %d: %s", resp.StatusCode, body)
	}
	var patched fleet.Agent
	json.Unmarshal(body, &patched)
	if patched.Role != "builder" {
		t.Fatalf("role = %q, want builder", patched.Role)
	}

	conf := 0.9
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/agents/"+a.ID+"/heartbeat",
		orchestrator.HeartbeatReport{Confidence: &conf})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat = %d: %s", resp.StatusCode, body)
	}
	var beaten fleet.Agent
	json.Unmarshal(body, &beaten)
	if beaten.Confidence != 0.9 {
		t.Fatalf("confidence = %v, want 0.9", beaten.Confidence)
	}
	if beaten.LastHeartbeat.IsZero() {
		t.Fatal("heartbeat did not stamp last_heartbeat")
	}
}

func TestListAgentsFiltersByStatus(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	seedAgent(t, repo, "idle-1")
	disabled := &fleet.Agent{ID: "off-1", Name: "off-1", Status: fleet.AgentDisabled, MaxTasks: 1}
	if err := repo.CreateAgent(ctx, disabled); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/agents?status=idle", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var agents []*fleet.Agent
	json.Unmarshal(body, &agents)
	if len(agents) != 1 || agents[0].ID != "idle-1" {
		t.Fatalf("filtered agents = %+v, want just idle-1", agents)
	}
}

func TestTaskProgressAndResult(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/projects", orchestrator.ProjectRequest{
		Name:           "flow",
		InitialRequest: "one task",
		Tasks:          []orchestrator.TaskSpec{{Name: "only", Skills: []string{"go"}}},
	})
	var p fleet.Project
	json.Unmarshal(body, &p)

	tasks, err := repo.ListProjectTasks(context.Background(), p.ID)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("tasks = %v, %v", tasks, err)
	}
	taskID := tasks[0].ID

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+taskID+"/progress",
		progressRequest{Percent: 50, Note: "halfway"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("progress = %d: %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+taskID+"/result",
		resultRequest{Success: true, Output: "done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result = %d: %s", resp.StatusCode, body)
	}

	got, _ := repo.GetTask(context.Background(), taskID)
	if got.Status != fleet.TaskCompleted {
		t.Fatalf("task status = %s, want completed", got.Status)
	}
}

func TestProgressRejectsOutOfRange(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/x/progress", progressRequest{Percent: 150})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestNegotiationOverHTTP(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"lead", "m1", "m2"} {
		seedAgent(t, repo, id)
	}
	tm := &fleet.Team{Name: "squad", LeaderID: "lead", MemberIDs: []string{"m1", "m2"}, State: fleet.TeamWorking}
	if err := repo.CreateTeam(ctx, tm); err != nil {
		t.Fatalf("CreateTeam: %v", err)
	}

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/teams/"+tm.ID+"/propose",
		proposeRequest{AgentID: "m1", Payload: "switch branch strategy"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("propose = %d: %s", resp.StatusCode, body)
	}
	var msg fleet.NegotiationMessage
	json.Unmarshal(body, &msg)

	for _, voter := range []string{"lead", "m2"} {
		resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/teams/"+tm.ID+"/vote",
			voteRequest{AgentID: voter, ProposalID: msg.ID, Vote: "agree"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("vote %s = %d: %s", voter, resp.StatusCode, body)
		}
	}
	var out team.Outcome
	json.Unmarshal(body, &out)
	if out.Decision != team.DecisionAdopted {
		t.Fatalf("decision = %s, want adopted", out.Decision)
	}

	got, _ := repo.GetTeam(ctx, tm.ID)
	if got.State != fleet.TeamCompleted {
		t.Fatalf("team state = %s, want completed", got.State)
	}
}

func TestVoteFromOutsiderIsForbidden(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"lead", "m1"} {
		seedAgent(t, repo, id)
	}
	tm := &fleet.Team{Name: "duo", LeaderID: "lead", MemberIDs: []string{"m1"}, State: fleet.TeamWorking}
	repo.CreateTeam(ctx, tm)

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/teams/"+tm.ID+"/propose",
		proposeRequest{AgentID: "m1", Payload: "p"})
	var msg fleet.NegotiationMessage
	json.Unmarshal(body, &msg)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/teams/"+tm.ID+"/vote",
		voteRequest{AgentID: "stranger", ProposalID: msg.ID, Vote: "agree"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/health/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("run = %d: %s", resp.StatusCode, body)
	}
	var report health.Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}

	for _, path := range []string{"/api/health/status", "/api/health/tasks", "/api/health/agents", "/api/health/metrics"} {
		resp, body := doJSON(t, http.MethodGet, srv.URL+path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s = %d: %s", path, resp.StatusCode, body)
		}
	}
}

func TestDailySummaryEndpoint(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/summary/daily", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary = %d: %s", resp.StatusCode, body)
	}
	var s orchestrator.DailySummary
	if err := json.Unmarshal(body, &s); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if s.GeneratedAt.IsZero() {
		t.Fatal("summary missing generated_at")
	}
}

func TestEscalationResolveOverHTTP(t *testing.T) {
	srv, repo := newTestServer(t)
	ctx := context.Background()

	_, _, err := escalation.NewManager(repo, zap.NewNop()).Raise(ctx, fleet.HealthEvent{
		Subject:   fleet.SubjectAgent,
		SubjectID: "a9",
		Kind:      fleet.EventAgentSilent,
		Severity:  fleet.SeverityWarning,
		Message:   "agent a9 went quiet",
	}, "check the runner")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/escalations", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d", resp.StatusCode)
	}
	var open []*fleet.Escalation
	json.Unmarshal(body, &open)
	if len(open) != 1 {
		t.Fatalf("open escalations = %d, want 1", len(open))
	}

	url := fmt.Sprintf("%s/api/escalations/%s/resolve", srv.URL, open[0].ID)
	resp, body = doJSON(t, http.MethodPost, url, resolveRequest{Resolution: "restarted the runner"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve = %d: %s", resp.StatusCode, body)
	}
	var resolved fleet.Escalation
	json.Unmarshal(body, &resolved)
	if resolved.Status != fleet.EscalationResolved {
		t.Fatalf("status = %s, want resolved", resolved.Status)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	// Creating a project writes audit entries.
	doJSON(t, http.MethodPost, srv.URL+"/api/projects", orchestrator.ProjectRequest{
		Name:           "audited",
		InitialRequest: "r",
		Tasks:          []orchestrator.TaskSpec{{Name: "t", Skills: []string{"go"}}},
	})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/events?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events = %d: %s", resp.StatusCode, body)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no audit entries after project creation")
	}
}

func TestCancelProjectOverHTTP(t *testing.T) {
	srv, repo := newTestServer(t)
	seedAgent(t, repo, "a1", "go")

	_, body := doJSON(t, http.MethodPost, srv.URL+"/api/projects", orchestrator.ProjectRequest{
		Name:           "doomed",
		InitialRequest: "r",
		Tasks:          []orchestrator.TaskSpec{{Name: "t", Skills: []string{"go"}}},
	})
	var p fleet.Project
	json.Unmarshal(body, &p)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/projects/"+p.ID+"/cancel",
		cancelRequest{Reason: "requirements changed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel = %d: %s", resp.StatusCode, body)
	}

	got, _ := repo.GetProject(context.Background(), p.ID)
	if got.Status != fleet.ProjectCancelled {
		t.Fatalf("project status = %s, want cancelled", got.Status)
	}
}
