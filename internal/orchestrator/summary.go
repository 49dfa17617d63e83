package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/scoring"
	"go.uber.org/zap"
)

// digestEvery is the cadence of the broadcast fleet digest.
const digestEvery = 24 * time.Hour

// topAgentCount caps the leaderboard in the daily summary.
const topAgentCount = 5

// AgentStanding is one leaderboard row of the daily summary.
type AgentStanding struct {
	AgentID string        `json:"agent_id"`
	Name    string        `json:"name"`
	Score   float64       `json:"score"`
	Trend   scoring.Trend `json:"trend"`
}

// DailySummary aggregates fleet activity for operators: task and agent counts
// by status, the agent leaderboard, and the fleet-wide success rate.
type DailySummary struct {
	TaskCounts      map[fleet.TaskStatus]int  `json:"task_counts"`
	AgentCounts     map[fleet.AgentStatus]int `json:"agent_counts"`
	TopAgents       []AgentStanding           `json:"top_agents"`
	TasksCompleted  int                       `json:"tasks_completed"`
	TasksFailed     int                       `json:"tasks_failed"`
	SuccessRate     float64                   `json:"success_rate"`
	OpenEscalations int                       `json:"open_escalations"`
	GeneratedAt     time.Time                 `json:"generated_at"`
}

// Summarizer builds the daily summary on demand and broadcasts it as a digest
// once per day when driven by the shared clock.
type Summarizer struct {
	repo    fleet.Repository
	scores  *scoring.Engine
	senders *notify.Registry
	logger  *zap.Logger

	mu         sync.Mutex
	lastDigest time.Time
}

// NewSummarizer creates a summarizer. The first digest goes out a full period
// after startup, not immediately.
func NewSummarizer(repo fleet.Repository, scores *scoring.Engine, senders *notify.Registry, logger *zap.Logger) *Summarizer {
	return &Summarizer{
		repo:       repo,
		scores:     scores,
		senders:    senders,
		logger:     logger,
		lastDigest: time.Now(),
	}
}

// Generate computes the summary from current repository state.
func (s *Summarizer) Generate(ctx context.Context) (*DailySummary, error) {
	taskCounts, err := s.repo.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	agentCounts, err := s.repo.CountAgentsByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	agents, err := s.repo.ListAgents(ctx, fleet.AgentFilter{})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	sum := &DailySummary{
		TaskCounts:  taskCounts,
		AgentCounts: agentCounts,
		GeneratedAt: time.Now(),
	}

	standings := make([]AgentStanding, 0, len(agents))
	for _, a := range agents {
		card := s.scores.Compute(a)
		standings = append(standings, AgentStanding{
			AgentID: a.ID,
			Name:    a.Name,
			Score:   card.Overall,
			Trend:   card.Trend,
		})
		sum.TasksCompleted += a.Metrics.TasksCompleted
		sum.TasksFailed += a.Metrics.TasksFailed
	}
	sort.SliceStable(standings, func(i, j int) bool {
		return standings[i].Score > standings[j].Score
	})
	if len(standings) > topAgentCount {
		standings = standings[:topAgentCount]
	}
	sum.TopAgents = standings

	if total := sum.TasksCompleted + sum.TasksFailed; total > 0 {
		sum.SuccessRate = float64(sum.TasksCompleted) / float64(total)
	}

	for _, status := range []fleet.EscalationStatus{fleet.EscalationOpen, fleet.EscalationAwaitingHuman} {
		list, err := s.repo.ListEscalations(ctx, status)
		if err != nil {
			return nil, fmt.Errorf("list escalations: %w", err)
		}
		sum.OpenEscalations += len(list)
	}
	return sum, nil
}

// OnTick implements clock.Listener: once per digest period the summary is
// generated and broadcast through the notification gateway.
func (s *Summarizer) OnTick(now time.Time) {
	s.mu.Lock()
	if now.Sub(s.lastDigest) < digestEvery {
		s.mu.Unlock()
		return
	}
	s.lastDigest = now
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sum, err := s.Generate(ctx)
	if err != nil {
		s.logger.Error("daily summary failed", zap.Error(err))
		return
	}
	ev := notify.Event{
		Kind:     "daily_summary",
		Title:    "Fleet daily summary",
		Body:     sum.Digest(),
		Severity: fleet.SeverityInfo,
	}
	if err := s.senders.Notify(ctx, ev); err != nil {
		s.logger.Warn("daily digest delivery failed", zap.Error(err))
	}
}

// Digest renders the summary as the multi-line text sent to chat channels.
func (d *DailySummary) Digest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tasks: %d completed, %d failed (success %.0f%%)\n",
		d.TasksCompleted, d.TasksFailed, d.SuccessRate*100)
	fmt.Fprintf(&b, "Open escalations: %d\n", d.OpenEscalations)
	if len(d.TopAgents) > 0 {
		b.WriteString("Top agents:\n")
		for i, a := range d.TopAgents {
			fmt.Fprintf(&b, "  %d. %s %.1f (%s)\n", i+1, a.Name, a.Score, a.Trend)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
