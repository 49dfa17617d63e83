package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives scheduler ticks.
type Listener interface {
	OnTick(now time.Time)
}

// Clock fans wall-clock ticks out to registered listeners. Listeners gate
// their own cadence against the tick timestamp; the clock only provides the
// pulse, so one slow listener never skews another's schedule.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	mu        sync.RWMutex
	cancel    context.CancelFunc
	logger    *zap.Logger
}

// New creates a clock with the given tick interval.
func New(interval time.Duration, logger *zap.Logger) *Clock {
	return &Clock{
		interval: interval,
		logger:   logger,
	}
}

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Start begins the tick loop in a background goroutine.
func (c *Clock) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.loop(ctx)
	c.logger.Info("scheduler clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop.
func (c *Clock) Stop() {
	if c.cancel != nil {
		c.cancel()
		c.logger.Info("scheduler clock stopped")
	}
}

func (c *Clock) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.tick(now)
		}
	}
}

func (c *Clock) tick(now time.Time) {
	c.mu.RLock()
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l.OnTick(now)
	}
}
