package scoring

import (
	"sync"

	"go.uber.org/zap"
)

// maxSamples bounds the per-agent sample history.
const maxSamples = 100

// History keeps a rolling window of overall-score samples per agent.
type History struct {
	samples map[string][]float64 // agentID -> samples, newest last
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewHistory creates an empty score history book.
func NewHistory(logger *zap.Logger) *History {
	return &History{
		samples: make(map[string][]float64),
		logger:  logger,
	}
}

// Record appends a score sample for an agent, keeping the history bounded.
func (h *History) Record(agentID string, overall float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := append(h.samples[agentID], overall)
	if len(s) > maxSamples {
		s = s[len(s)-maxSamples:]
	}
	h.samples[agentID] = s
}

// Samples returns a copy of an agent's recorded samples.
func (h *History) Samples(agentID string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.samples[agentID]
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

// Trend compares the mean of the most recent window against the mean of the
// preceding window of equal size. Less than two full windows is stable.
func (h *History) Trend(agentID string, window int) Trend {
	h.mu.RLock()
	defer h.mu.RUnlock()

	s := h.samples[agentID]
	if window <= 0 || len(s) < 2*window {
		return TrendStable
	}

	recent := mean(s[len(s)-window:])
	previous := mean(s[len(s)-2*window : len(s)-window])

	switch diff := recent - previous; {
	case diff > trendEpsilon:
		return TrendImproving
	case diff < -trendEpsilon:
		return TrendDeclining
	default:
		return TrendStable
	}
}

func mean(s []float64) float64 {
	if len(s) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s {
		sum += v
	}
	return sum / float64(len(s))
}
