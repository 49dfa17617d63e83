package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/team"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		testSkipMsg = fmt.Sprintf("postgres container unavailable: %v", err)
		os.Exit(m.Run())
	}

	testRepo, err = store.NewPostgres(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		pgCleanup()
		os.Exit(1)
	}
	if err := testRepo.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		testRepo.Close()
		pgCleanup()
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		testRepo.Close()
		pgCleanup()
		os.Exit(1)
	}
	testRedisURL = redisURL

	code := m.Run()

	testRepo.Close()
	redisCleanup()
	pgCleanup()
	os.Exit(code)
}

// TestProgressiveFlow walks the whole service in stages over real Postgres
// and Redis: fleet registration, a project driven to completion through the
// delegation ripple, team negotiation and handoff, health-driven escalation,
// and finally the observability surface. Later stages build on the state the
// earlier ones leave behind.
func TestProgressiveFlow(t *testing.T) {
	skipIfNoBackends(t)
	ctx := context.Background()
	srv := newStack(t)
	base := srv.URL

	var vera, odin, titus *fleet.Agent

	t.Run("L1_Fleet", func(t *testing.T) {
		vera = createAgent(t, base, "vera", 2, "go", "review")
		odin = createAgent(t, base, "odin", 2, "go")
		titus = createAgent(t, base, "titus", 1, "docs")

		resp, body := doJSON(t, http.MethodGet, base+"/api/agents?status=idle", nil)
		mustStatus(t, resp, body, http.StatusOK)
		var idle []*fleet.Agent
		if err := json.Unmarshal(body, &idle); err != nil {
			t.Fatalf("decode agents: %v", err)
		}
		if len(idle) < 3 {
			t.Fatalf("idle agents = %d, want >= 3", len(idle))
		}

		conf := 0.85
		resp, body = doJSON(t, http.MethodPost, base+"/api/agents/"+vera.ID+"/heartbeat",
			map[string]interface{}{"confidence": conf})
		mustStatus(t, resp, body, http.StatusOK)
		var beat fleet.Agent
		json.Unmarshal(body, &beat)
		if beat.Confidence != conf {
			t.Errorf("confidence = %f, want %f", beat.Confidence, conf)
		}

		resp, body = doJSON(t, http.MethodPatch, base+"/api/agents/"+titus.ID,
			map[string]interface{}{"role": "writer"})
		mustStatus(t, resp, body, http.StatusOK)
		var patched fleet.Agent
		json.Unmarshal(body, &patched)
		if patched.Role != "writer" {
			t.Errorf("role = %q, want writer", patched.Role)
		}
	})

	var projectID string

	t.Run("L2_Project", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, base+"/api/projects", map[string]interface{}{
			"name":            "billing-pipeline",
			"initial_request": "ship the billing export pipeline",
			"tasks": []map[string]interface{}{
				{"name": "design", "priority": 8, "skills": []string{"go"}},
				{"name": "build", "priority": 5, "skills": []string{"go"}, "depends_on": []string{"design"}},
				{"name": "document", "priority": 3, "skills": []string{"docs"}, "depends_on": []string{"build"}},
			},
		})
		mustStatus(t, resp, body, http.StatusCreated)
		var p fleet.Project
		if err := json.Unmarshal(body, &p); err != nil {
			t.Fatalf("decode project: %v", err)
		}
		projectID = p.ID

		// Only the dependency-free task is dispatched at creation.
		byName := projectTasks(t, ctx, projectID)
		if got := byName["design"].Status; got != fleet.TaskAssigned {
			t.Fatalf("design status = %s, want %s", got, fleet.TaskAssigned)
		}
		for _, name := range []string{"build", "document"} {
			if got := byName[name].Status; got != fleet.TaskPending {
				t.Fatalf("%s status = %s, want %s", name, got, fleet.TaskPending)
			}
		}

		// Completing each task unlocks and dispatches its dependents.
		finishTask(t, base, byName["design"].ID)
		byName = projectTasks(t, ctx, projectID)
		if got := byName["build"].Status; got != fleet.TaskAssigned {
			t.Fatalf("build status after design = %s, want %s", got, fleet.TaskAssigned)
		}

		finishTask(t, base, byName["build"].ID)
		byName = projectTasks(t, ctx, projectID)
		if got := byName["document"].Status; got != fleet.TaskAssigned {
			t.Fatalf("document status after build = %s, want %s", got, fleet.TaskAssigned)
		}
		if got := byName["document"].AssignedTo; got != titus.ID {
			t.Errorf("document assigned to %s, want %s (the only docs agent)", got, titus.ID)
		}

		finishTask(t, base, byName["document"].ID)
		done, err := testRepo.GetProject(ctx, projectID)
		if err != nil {
			t.Fatalf("get project: %v", err)
		}
		if done.Status != fleet.ProjectCompleted {
			t.Fatalf("project status = %s, want %s", done.Status, fleet.ProjectCompleted)
		}
	})

	var alpha, bravo *fleet.Team

	t.Run("L3_Teams", func(t *testing.T) {
		rex := createAgent(t, base, "rex", 2, "rust")
		bruno := createAgent(t, base, "bruno", 2, "rust")

		bravo = createTeam(t, base, map[string]interface{}{
			"name":       "bravo",
			"leader_id":  rex.ID,
			"member_ids": []string{bruno.ID},
		})
		alpha = createTeam(t, base, map[string]interface{}{
			"name":       "alpha",
			"leader_id":  vera.ID,
			"member_ids": []string{odin.ID, titus.ID},
			"permits": []map[string]string{
				{"team_id": bravo.ID, "mode": "crosstalk"},
				{"team_id": bravo.ID, "mode": "handoff"},
			},
		})

		t.Run("Negotiation", func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/propose",
				map[string]string{"agent_id": odin.ID, "payload": "switch the export format to parquet"})
			mustStatus(t, resp, body, http.StatusCreated)
			var proposal fleet.NegotiationMessage
			json.Unmarshal(body, &proposal)

			if got := teamState(t, ctx, alpha.ID); got != fleet.TeamNegotiating {
				t.Fatalf("team state = %s, want %s", got, fleet.TeamNegotiating)
			}

			// An agent outside the team cannot vote.
			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/vote",
				map[string]string{"agent_id": rex.ID, "proposal_id": proposal.ID, "vote": "agree"})
			mustStatus(t, resp, body, http.StatusForbidden)

			// A 1-1 split lands in the leader-decides band.
			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/vote",
				map[string]string{"agent_id": vera.ID, "proposal_id": proposal.ID, "vote": "agree"})
			mustStatus(t, resp, body, http.StatusOK)
			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/vote",
				map[string]string{"agent_id": titus.ID, "proposal_id": proposal.ID, "vote": "disagree"})
			mustStatus(t, resp, body, http.StatusOK)
			var out team.Outcome
			json.Unmarshal(body, &out)
			if !out.LeaderDecides {
				t.Fatalf("outcome = %+v, want leader-decides band", out)
			}

			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/confirm",
				map[string]interface{}{"leader_id": vera.ID, "proposal_id": proposal.ID, "adopt": false})
			mustStatus(t, resp, body, http.StatusOK)
			json.Unmarshal(body, &out)
			if out.Decision != team.DecisionRejected {
				t.Fatalf("decision = %s, want %s", out.Decision, team.DecisionRejected)
			}
			if got := teamState(t, ctx, alpha.ID); got != fleet.TeamWorking {
				t.Fatalf("team state after rejection = %s, want %s", got, fleet.TeamWorking)
			}
		})

		t.Run("Crosstalk", func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/crosstalk",
				map[string]string{"agent_id": vera.ID, "to_team_id": bravo.ID, "question": "capacity this week?"})
			mustStatus(t, resp, body, http.StatusOK)
			var reply team.CrosstalkReply
			json.Unmarshal(body, &reply)
			if reply.TeamName != "bravo" || reply.Members != 2 {
				t.Fatalf("reply = %+v, want bravo with 2 members", reply)
			}

			// Bravo holds no permit back toward alpha.
			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+bravo.ID+"/crosstalk",
				map[string]string{"agent_id": rex.ID, "to_team_id": alpha.ID, "question": "status?"})
			mustStatus(t, resp, body, http.StatusForbidden)
		})

		t.Run("Handoff", func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, base+"/api/projects", map[string]interface{}{
				"name":            "migration",
				"initial_request": "migrate the ledger schema",
				"tasks": []map[string]interface{}{
					{"name": "migrate", "priority": 5, "skills": []string{"go"}},
				},
			})
			mustStatus(t, resp, body, http.StatusCreated)
			var p fleet.Project
			json.Unmarshal(body, &p)

			tasks := projectTasks(t, ctx, p.ID)
			task := tasks["migrate"]
			if task.Status != fleet.TaskAssigned {
				t.Fatalf("migrate status = %s, want %s", task.Status, fleet.TaskAssigned)
			}

			resp, body = doJSON(t, http.MethodPost, base+"/api/teams/"+alpha.ID+"/handoff",
				map[string]interface{}{
					"agent_id":   task.AssignedTo,
					"to_team_id": bravo.ID,
					"task_id":    task.ID,
					"payload": map[string]interface{}{
						"artifacts": []string{"schema-v2.sql"},
						"notes":     "ownership moves with the rollout window",
					},
				})
			mustStatus(t, resp, body, http.StatusCreated)
			var offer team.Handoff
			json.Unmarshal(body, &offer)

			resp, body = doJSON(t, http.MethodGet, base+"/api/handoffs?to="+bravo.ID, nil)
			mustStatus(t, resp, body, http.StatusOK)
			var pending []*team.Handoff
			json.Unmarshal(body, &pending)
			if len(pending) != 1 || pending[0].ID != offer.ID {
				t.Fatalf("pending handoffs = %+v, want the one offer", pending)
			}

			resp, body = doJSON(t, http.MethodPost, base+"/api/handoffs/"+offer.ID+"/ack",
				map[string]string{"agent_id": bruno.ID})
			mustStatus(t, resp, body, http.StatusOK)

			moved, err := testRepo.GetTask(ctx, task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if moved.AssignedTo != bruno.ID {
				t.Fatalf("task assigned to %s, want %s", moved.AssignedTo, bruno.ID)
			}
			if got := teamState(t, ctx, alpha.ID); got != fleet.TeamWorking {
				t.Fatalf("offering team state = %s, want %s", got, fleet.TeamWorking)
			}

			finishTask(t, base, task.ID)
		})
	})

	t.Run("L4_Health", func(t *testing.T) {
		stale := &fleet.Agent{
			ID:            "stale-agent",
			Name:          "stale",
			MaxTasks:      1,
			LastHeartbeat: time.Now().Add(-2 * time.Hour),
		}
		if err := testRepo.CreateAgent(ctx, stale); err != nil {
			t.Fatalf("create agent: %v", err)
		}

		resp, body := doJSON(t, http.MethodPost, base+"/api/health/run", nil)
		mustStatus(t, resp, body, http.StatusOK)

		resp, body = doJSON(t, http.MethodGet, base+"/api/escalations", nil)
		mustStatus(t, resp, body, http.StatusOK)
		var open []*fleet.Escalation
		json.Unmarshal(body, &open)
		var silent *fleet.Escalation
		for _, e := range open {
			if e.Kind == fleet.EventAgentSilent && e.SubjectID == stale.ID {
				silent = e
			}
		}
		if silent == nil {
			t.Fatalf("no agent_silent escalation for %s in %d open records", stale.ID, len(open))
		}

		// A second cycle refreshes the same record instead of opening another.
		resp, body = doJSON(t, http.MethodPost, base+"/api/health/run", nil)
		mustStatus(t, resp, body, http.StatusOK)
		resp, body = doJSON(t, http.MethodGet, base+"/api/escalations", nil)
		mustStatus(t, resp, body, http.StatusOK)
		open = nil
		json.Unmarshal(body, &open)
		count := 0
		for _, e := range open {
			if e.Kind == fleet.EventAgentSilent && e.SubjectID == stale.ID {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("agent_silent escalations = %d, want 1", count)
		}

		resp, body = doJSON(t, http.MethodPost, base+"/api/escalations/"+silent.ID+"/resolve",
			map[string]string{"resolution": "agent host decommissioned"})
		mustStatus(t, resp, body, http.StatusOK)
		var resolved fleet.Escalation
		json.Unmarshal(body, &resolved)
		if resolved.Status != fleet.EscalationResolved {
			t.Fatalf("status = %s, want %s", resolved.Status, fleet.EscalationResolved)
		}
	})

	t.Run("L5_Observability", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, base+"/api/health/status", nil)
		mustStatus(t, resp, body, http.StatusOK)
		var status struct {
			Repository struct {
				Backend string `json:"backend"`
				State   string `json:"state"`
			} `json:"repository"`
			Audit struct {
				Backend string `json:"backend"`
			} `json:"audit"`
		}
		json.Unmarshal(body, &status)
		if status.Repository.Backend != "postgres" || status.Repository.State != "ok" {
			t.Fatalf("repository = %+v, want reachable postgres", status.Repository)
		}
		if status.Audit.Backend != "redis-stream" {
			t.Fatalf("audit backend = %q, want redis-stream", status.Audit.Backend)
		}

		resp, body = doJSON(t, http.MethodGet, base+"/api/health/tasks", nil)
		mustStatus(t, resp, body, http.StatusOK)
		var taskStats struct {
			Counts map[string]int `json:"counts"`
		}
		json.Unmarshal(body, &taskStats)
		if taskStats.Counts[string(fleet.TaskCompleted)] < 4 {
			t.Errorf("completed tasks = %d, want >= 4", taskStats.Counts[string(fleet.TaskCompleted)])
		}

		resp, body = doJSON(t, http.MethodGet, base+"/api/summary/daily", nil)
		mustStatus(t, resp, body, http.StatusOK)

		// Every stage above recorded into the Redis stream.
		waitFor(t, 5*time.Second, func() bool {
			resp, body := doJSON(t, http.MethodGet, base+"/api/events?limit=100", nil)
			if resp.StatusCode != http.StatusOK {
				return false
			}
			var events []json.RawMessage
			if err := json.Unmarshal(body, &events); err != nil {
				return false
			}
			return len(events) >= 10
		})
	})
}

// projectTasks returns the project's tasks keyed by name.
func projectTasks(t *testing.T, ctx context.Context, projectID string) map[string]*fleet.Task {
	t.Helper()
	tasks, err := testRepo.ListProjectTasks(ctx, projectID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	byName := make(map[string]*fleet.Task, len(tasks))
	for _, task := range tasks {
		byName[task.Name] = task
	}
	return byName
}

// finishTask reports mid-progress and then a successful result over the API.
func finishTask(t *testing.T, baseURL, taskID string) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/tasks/"+taskID+"/progress",
		map[string]interface{}{"percent": 50, "note": "halfway"})
	mustStatus(t, resp, body, http.StatusOK)
	resp, body = doJSON(t, http.MethodPost, baseURL+"/api/tasks/"+taskID+"/result",
		map[string]interface{}{"success": true, "output": "done"})
	mustStatus(t, resp, body, http.StatusOK)
}

func createTeam(t *testing.T, baseURL string, req map[string]interface{}) *fleet.Team {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/teams", req)
	mustStatus(t, resp, body, http.StatusCreated)
	var tm fleet.Team
	if err := json.Unmarshal(body, &tm); err != nil {
		t.Fatalf("decode team: %v", err)
	}
	return &tm
}

func teamState(t *testing.T, ctx context.Context, teamID string) fleet.TeamState {
	t.Helper()
	tm, err := testRepo.GetTeam(ctx, teamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	return tm.State
}
