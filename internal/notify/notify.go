package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Event is a human-readable notification about something the scheduler did
// or observed.
type Event struct {
	Kind     string         `json:"kind"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Severity fleet.Severity `json:"severity"`
}

// Sender delivers notifications to one platform. Delivery failures are
// logged by the registry and never roll back scheduler state.
type Sender interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Registry fans each notification out to every registered sender.
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
	logger  *zap.Logger
}

// NewRegistry creates an empty sender registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		senders: make(map[string]Sender),
		logger:  logger,
	}
}

// Register adds a sender.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[s.Name()] = s
	r.logger.Info("registered notifier", zap.String("platform", s.Name()))
}

// Notify delivers the event to all senders. Individual failures are logged
// and collected; the event still reaches every healthy sender.
func (r *Registry) Notify(ctx context.Context, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var failed int
	for name, s := range r.senders {
		if err := s.Notify(ctx, ev); err != nil {
			r.logger.Error("notify failed",
				zap.String("platform", name),
				zap.String("kind", ev.Kind),
				zap.Error(err))
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("notify failed on %d sender(s)", failed)
	}
	return nil
}

// Senders returns the registered platform names.
func (r *Registry) Senders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.senders))
	for name := range r.senders {
		names = append(names, name)
	}
	return names
}

// Log is the fallback sender writing notifications to the service log. It is
// always registered so events are visible even with no chat platform wired.
type Log struct {
	logger *zap.Logger
}

// NewLog creates the log sender.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Notify(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("kind", ev.Kind),
		zap.String("title", ev.Title),
		zap.String("body", ev.Body),
	}
	switch ev.Severity {
	case fleet.SeverityCritical:
		l.logger.Error("notification", fields...)
	case fleet.SeverityWarning:
		l.logger.Warn("notification", fields...)
	default:
		l.logger.Info("notification", fields...)
	}
	return nil
}
