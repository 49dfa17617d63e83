package team

import (
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
)

// pairLimiter enforces a rolling-window budget on inter-team exchanges,
// counted per ordered (from, to, mode) triple.
type pairLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

func newPairLimiter(limit int, window time.Duration) *pairLimiter {
	return &pairLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// allow records an exchange attempt and reports whether it fits the budget.
// A denied attempt is not recorded.
func (l *pairLimiter) allow(fromTeamID, toTeamID string, mode fleet.PermitMode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := fromTeamID + "|" + toTeamID + "|" + string(mode)
	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.hits[key] = kept
		return false
	}
	l.hits[key] = append(kept, now)
	return true
}

// checkPermit verifies the granting team allows the mode toward the target
// and that the pair's rolling budget has room.
func (c *Coordinator) checkPermit(from, to *fleet.Team, mode fleet.PermitMode) error {
	if !from.Allows(to.ID, mode) {
		return ErrPermitMissing
	}
	if !c.limiter.allow(from.ID, to.ID, mode) {
		return ErrRateLimited
	}
	return nil
}
