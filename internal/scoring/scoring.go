package scoring

import (
	"time"

	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Trend classifies the direction of an agent's recent score samples.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// trendEpsilon is the mean-difference beyond which a trend is not stable.
const trendEpsilon = 2.0

// Card holds the four sub-scores and the weighted overall for one agent,
// all clamped to [0,100].
type Card struct {
	Success     float64 `json:"success"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
	Confidence  float64 `json:"confidence"`
	Overall     float64 `json:"overall"`
	Trend       Trend   `json:"trend"`
}

// Engine computes performance scores from rolling agent metrics. Scoring is
// pure over a metrics snapshot; the history book feeds trend detection.
type Engine struct {
	weights   config.Weights
	benchmark time.Duration
	window    int
	history   *History
	logger    *zap.Logger
}

// NewEngine creates a scoring engine. The weight vector has already been
// validated at config load.
func NewEngine(cfg config.SchedulerConfig, logger *zap.Logger) *Engine {
	return &Engine{
		weights:   cfg.Weights,
		benchmark: cfg.BenchmarkDuration.Std(),
		window:    cfg.TrendWindow,
		history:   NewHistory(logger),
		logger:    logger,
	}
}

// Compute derives the agent's score card from its current metrics snapshot.
func (e *Engine) Compute(a *fleet.Agent) Card {
	m := a.Metrics
	card := Card{
		Success:     successScore(m),
		Speed:       speedScore(m, e.benchmark),
		Reliability: reliabilityScore(m),
		Confidence:  clamp(a.Confidence),
	}
	card.Overall = clamp(e.weights.Success*card.Success +
		e.weights.Speed*card.Speed +
		e.weights.Reliability*card.Reliability +
		e.weights.Confidence*card.Confidence)
	card.Trend = e.history.Trend(a.ID, e.window)
	return card
}

// RecordSample appends an overall-score sample after a task completion or
// failure so trend detection has material to work with.
func (e *Engine) RecordSample(agentID string, overall float64) {
	e.history.Record(agentID, overall)
}

// TrendFor returns the trend classification for an agent.
func (e *Engine) TrendFor(agentID string) Trend {
	return e.history.Trend(agentID, e.window)
}

// successScore is completed/(completed+failed)*100, 0 when there is no
// history rather than 100.
func successScore(m fleet.AgentMetrics) float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 0
	}
	return clamp(float64(m.TasksCompleted) / float64(total) * 100)
}

// speedScore is min(100, benchmark/avg*100); no completed work scores 0.
func speedScore(m fleet.AgentMetrics, benchmark time.Duration) float64 {
	avg := m.AvgWork()
	if avg <= 0 || benchmark <= 0 {
		return 0
	}
	return clamp(float64(benchmark) / float64(avg) * 100)
}

// reliabilityScore is 100 minus the reassignment/override fraction; a clean
// slate counts as fully reliable.
func reliabilityScore(m fleet.AgentMetrics) float64 {
	total := m.TasksCompleted + m.TasksFailed
	if total == 0 {
		return 100
	}
	penalty := float64(m.TasksReassigned+m.Overrides) / float64(total) * 100
	return clamp(100 - penalty)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
