package health

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// SignalSource is an optional external feed of health events scanned once
// per cycle alongside the task and agent scans.
type SignalSource interface {
	Name() string
	Check(ctx context.Context) ([]fleet.HealthEvent, error)
}

// Report summarizes one health cycle: the merged events in dispatch order
// and the names of scans that failed. A failed scan never aborts the cycle;
// the surviving results are dispatched anyway.
type Report struct {
	Events     []fleet.HealthEvent `json:"events"`
	Dispatched int                 `json:"dispatched"`
	ScanErrors []string            `json:"scan_errors,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	Elapsed    time.Duration       `json:"elapsed"`
}

// Monitor runs the fixed-cadence health cycle: three independent scans over
// active tasks, active agents, and external signal sources, merged in stable
// order (task, agent, external) and handed to the dispatcher one by one.
type Monitor struct {
	repo       fleet.Repository
	dispatcher *Dispatcher
	sources    []SignalSource
	cfg        config.SchedulerConfig
	logger     *zap.Logger

	mu      sync.Mutex
	lastRun time.Time
	busy    bool
}

// NewMonitor creates a health monitor. Sources may be empty.
func NewMonitor(repo fleet.Repository, dispatcher *Dispatcher, sources []SignalSource,
	cfg config.SchedulerConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		repo:       repo,
		dispatcher: dispatcher,
		sources:    sources,
		cfg:        cfg,
		logger:     logger,
	}
}

// OnTick implements clock.Listener. The monitor gates its own cadence
// against the tick timestamp and never runs two cycles at once; a cycle
// still in flight when the next tick arrives simply absorbs it.
func (m *Monitor) OnTick(now time.Time) {
	m.mu.Lock()
	if m.busy || now.Sub(m.lastRun) < m.cfg.HeartbeatInterval.Std() {
		m.mu.Unlock()
		return
	}
	m.lastRun = now
	m.busy = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.busy = false
			m.mu.Unlock()
		}()
		if _, err := m.RunNow(context.Background()); err != nil {
			m.logger.Error("health cycle failed", zap.Error(err))
		}
	}()
}

type scanResult struct {
	name   string
	events []fleet.HealthEvent
	err    error
}

// RunNow executes one full health cycle immediately. The three scans run
// concurrently under a hard per-cycle deadline; partial failures are logged
// and the cycle proceeds with whatever the healthy scans produced.
func (m *Monitor) RunNow(ctx context.Context) (*Report, error) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HeartbeatInterval.Std())
	defer cancel()

	results := make([]scanResult, 3)
	var wg sync.WaitGroup
	scans := []struct {
		name string
		run  func(context.Context, time.Time) ([]fleet.HealthEvent, error)
	}{
		{"tasks", m.scanTasks},
		{"agents", m.scanAgents},
		{"external", m.scanSources},
	}
	for i, s := range scans {
		wg.Add(1)
		go func(slot int, name string, run func(context.Context, time.Time) ([]fleet.HealthEvent, error)) {
			defer wg.Done()
			events, err := run(ctx, started)
			results[slot] = scanResult{name: name, events: events, err: err}
		}(i, s.name, s.run)
	}
	wg.Wait()

	// Merge in the fixed slot order so a cascading reassignment is always
	// preceded by its triggering event in the audit log.
	report := &Report{StartedAt: started}
	for _, r := range results {
		if r.err != nil {
			m.logger.Error("health scan failed, cycle continues with partial results",
				zap.String("scan", r.name), zap.Error(r.err))
			report.ScanErrors = append(report.ScanErrors, r.name)
			continue
		}
		report.Events = append(report.Events, r.events...)
	}

	for _, ev := range report.Events {
		if err := m.dispatcher.Dispatch(ctx, ev); err != nil {
			m.logger.Error("dispatch failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("subject_id", ev.SubjectID),
				zap.Error(err))
			continue
		}
		report.Dispatched++
	}

	report.Elapsed = time.Since(started)
	m.logger.Info("health cycle finished",
		zap.Int("events", len(report.Events)),
		zap.Int("dispatched", report.Dispatched),
		zap.Strings("failed_scans", report.ScanErrors),
		zap.Duration("elapsed", report.Elapsed))
	return report, nil
}
