package delegate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/scoring"
	"go.uber.org/zap"
)

// ErrNoEligibleAgent is returned when no active agent can take the task. The
// task stays pending; the orchestrator retries on its next delegate pass.
var ErrNoEligibleAgent = errors.New("no eligible agent")

// maxConflictRetries bounds how often a lost assignment race is retried
// against fresh state before the failure surfaces to the caller.
const maxConflictRetries = 3

// Candidate pairs an eligible agent with its adjusted ranking score.
type Candidate struct {
	Agent *fleet.Agent
	Score float64
}

// Result reports a completed hand-off.
type Result struct {
	Task  *fleet.Task
	Agent *fleet.Agent
	Score float64
}

// Engine assigns pending tasks to the best eligible agent. Hand-off is a
// compare-and-swap on the task's version, so two concurrent delegations of
// the same task can never both win.
type Engine struct {
	repo   fleet.Repository
	scores *scoring.Engine
	mode   string
	rng    *rand.Rand
	logger *zap.Logger
}

// NewEngine creates a delegation engine using the configured selection mode.
func NewEngine(repo fleet.Repository, scores *scoring.Engine, cfg config.SchedulerConfig, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		scores: scores,
		mode:   cfg.Assignment,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// Delegate selects an agent for the pending task and atomically hands it
// over. Version conflicts are retried with freshly read state.
func (e *Engine) Delegate(ctx context.Context, taskID string) (*Result, error) {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var res *Result
		res, err = e.tryDelegate(ctx, taskID)
		if errors.Is(err, fleet.ErrVersionConflict) {
			e.logger.Debug("assignment conflict, retrying",
				zap.String("task_id", taskID),
				zap.Int("attempt", attempt+1))
			continue
		}
		return res, err
	}
	return nil, err
}

func (e *Engine) tryDelegate(ctx context.Context, taskID string) (*Result, error) {
	t, err := e.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != fleet.TaskPending {
		return nil, fmt.Errorf("task %s is %s, not pending", t.ID, t.Status)
	}

	agents, err := e.repo.ListAgents(ctx, fleet.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	candidates := e.Rank(Filter(agents, t), t)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("task %s: %w", t.ID, ErrNoEligibleAgent)
	}
	pick := e.pick(candidates)

	now := time.Now()
	t.Status = fleet.TaskAssigned
	t.AssignedTo = pick.Agent.ID
	t.StartedAt = &now
	pick.Agent.CurrentTasks = append(pick.Agent.CurrentTasks, t.ID)
	if pick.Agent.Status == fleet.AgentIdle {
		pick.Agent.Status = fleet.AgentWorking
	}

	if err := e.repo.AssignTask(ctx, t, pick.Agent); err != nil {
		return nil, err
	}
	e.logger.Info("task delegated",
		zap.String("task_id", t.ID),
		zap.String("agent_id", pick.Agent.ID),
		zap.Float64("score", pick.Score))
	return &Result{Task: t, Agent: pick.Agent, Score: pick.Score}, nil
}

// Filter returns the agents eligible for the task: active, skilled,
// permitted, and below their concurrency limit.
func Filter(agents []*fleet.Agent, t *fleet.Task) []*fleet.Agent {
	var out []*fleet.Agent
	for _, a := range agents {
		if !a.Active() {
			continue
		}
		if !a.HasSkills(t.SkillsNeeded) {
			continue
		}
		if !a.HasPermissions(t.PermsNeeded) {
			continue
		}
		if !a.HasCapacity() {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Rank computes each candidate's adjusted score: the overall score, plus 10
// for prior completions of the identical requirement set, discounted by
// current workload, then nudged by trend.
func (e *Engine) Rank(candidates []*fleet.Agent, t *fleet.Task) []Candidate {
	key := fleet.SkillKey(t.SkillsNeeded)
	out := make([]Candidate, 0, len(candidates))
	for _, a := range candidates {
		card := e.scores.Compute(a)
		adjusted := card.Overall
		if a.Metrics.CompletedSkillSet(key) {
			adjusted += 10
		}
		limit := a.MaxTasks
		if limit <= 0 {
			limit = 1
		}
		adjusted *= 1 - float64(len(a.CurrentTasks))/float64(limit)
		switch card.Trend {
		case scoring.TrendImproving:
			adjusted += 5
		case scoring.TrendDeclining:
			adjusted -= 5
		}
		out = append(out, Candidate{Agent: a, Score: adjusted})
	}
	return out
}

func (e *Engine) pick(candidates []Candidate) Candidate {
	if e.mode == "probabilistic" {
		return e.pickWeighted(candidates)
	}
	return pickBest(candidates)
}

// pickBest takes the highest adjusted score, breaking ties by the earliest
// last heartbeat so starved agents win over recently active ones.
func pickBest(candidates []Candidate) Candidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > best.Score {
			best = c
			continue
		}
		if c.Score == best.Score && c.Agent.LastHeartbeat.Before(best.Agent.LastHeartbeat) {
			best = c
		}
	}
	return best
}

// pickWeighted draws a candidate with probability proportional to its score.
// Scores are floored at 1 so low scorers keep a nonzero chance.
func (e *Engine) pickWeighted(candidates []Candidate) Candidate {
	total := 0.0
	for _, c := range candidates {
		total += weightOf(c.Score)
	}
	draw := e.rng.Float64() * total
	for _, c := range candidates {
		draw -= weightOf(c.Score)
		if draw <= 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func weightOf(score float64) float64 {
	if score < 1 {
		return 1
	}
	return score
}
