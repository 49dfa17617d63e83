package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/overseer/internal/api"
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
)

// Package-level shared state, set by TestMain and used by all subtests.
var (
	testLogger   *zap.Logger
	testRepo     *store.Postgres
	testRedisURL string
	testSkipMsg  string
)

// skipIfNoBackends skips the test when the containers could not be started,
// typically because Docker is not available on the host.
func skipIfNoBackends(t *testing.T) {
	t.Helper()
	if testSkipMsg != "" {
		t.Skip(testSkipMsg)
	}
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("overseer_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

// newStack wires the full service over the shared Postgres repository and a
// Redis-backed audit stream, the same composition the overseer binary builds,
// and returns the HTTP server fronting it.
func newStack(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config validate: %v", err)
	}

	auditor, err := audit.NewStream(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("audit stream: %v", err)
	}
	t.Cleanup(func() { auditor.Close() })

	senders := notify.NewRegistry(testLogger)
	scores := scoring.NewEngine(cfg.Scheduler, testLogger)
	delegator := delegate.NewEngine(testRepo, scores, cfg.Scheduler, testLogger)
	escalator := escalation.NewManager(testRepo, testLogger)
	registry := orchestrator.NewRegistry(testRepo, delegator, escalator, sandbox.Nop{}, scores, auditor, cfg.Scheduler, testLogger)
	summarizer := orchestrator.NewSummarizer(testRepo, scores, senders, testLogger)
	coordinator := team.NewCoordinator(testRepo, registry, senders, auditor, cfg.Scheduler, testLogger)
	dispatcher := health.NewDispatcher(testRepo, escalator, registry, senders, auditor, testLogger)
	monitor := health.NewMonitor(testRepo, dispatcher, nil, cfg.Scheduler, testLogger)

	h := api.NewHandler(testRepo, registry, coordinator, escalator, monitor, summarizer,
		senders, auditor, auditor, "postgres", "redis-stream", testLogger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv
}

// doJSON performs an HTTP request with an optional JSON body and returns the
// response plus its drained body.
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

// mustStatus fails the test unless the response carries the expected code.
func mustStatus(t *testing.T, resp *http.Response, body []byte, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, want, body)
	}
}

// createAgent registers an agent over the API and returns its stored form.
func createAgent(t *testing.T, baseURL, name string, maxTasks int, skills ...string) *fleet.Agent {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/agents", map[string]interface{}{
		"name":       name,
		"role":       "worker",
		"skill_tags": skills,
		"max_tasks":  maxTasks,
	})
	mustStatus(t, resp, body, http.StatusCreated)
	var a fleet.Agent
	if err := json.Unmarshal(body, &a); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	return &a
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
