package audit

import (
	"context"
	"sync"
	"time"

	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Entry is one audit-log record: what happened, to which subject, and when.
// Every state change the dispatcher applies lands here, in dispatch order.
type Entry struct {
	Kind      string            `json:"kind"`
	Subject   string            `json:"subject,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message"`
	Detail    map[string]string `json:"detail,omitempty"`
	At        time.Time         `json:"at"`
}

// FromEvent converts a health event into its audit entry.
func FromEvent(ev fleet.HealthEvent) Entry {
	return Entry{
		Kind:      string(ev.Kind),
		Subject:   string(ev.Subject),
		SubjectID: ev.SubjectID,
		ProjectID: ev.ProjectID,
		Severity:  string(ev.Severity),
		Message:   ev.Message,
		Detail:    ev.Context,
		At:        ev.DetectedAt,
	}
}

// Sink records audit entries. Record failures are logged by callers and never
// roll back the state change they describe.
type Sink interface {
	Record(ctx context.Context, e Entry) error
}

// Reader serves recent entries for the API's event views.
type Reader interface {
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// Feed streams entries as they are recorded, for live event consumers.
type Feed interface {
	Tail(ctx context.Context) <-chan Entry
}

// memoryCap bounds the in-process audit buffer.
const memoryCap = 1000

// Memory is the in-process audit sink used when Redis is unavailable and in
// tests. It keeps a bounded buffer and fans entries out to live tails.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	tails   map[chan Entry]struct{}
	logger  *zap.Logger
}

// NewMemory creates an in-process audit sink.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		tails:  make(map[chan Entry]struct{}),
		logger: logger,
	}
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	m.mu.Lock()
	m.entries = append(m.entries, e)
	if len(m.entries) > memoryCap {
		m.entries = m.entries[len(m.entries)-memoryCap:]
	}
	for ch := range m.tails {
		select {
		case ch <- e:
		default: // slow consumer, drop rather than block the hot path
		}
	}
	m.mu.Unlock()

	m.logger.Debug("audit",
		zap.String("kind", e.Kind),
		zap.String("subject", e.Subject),
		zap.String("subject_id", e.SubjectID),
		zap.String("message", e.Message))
	return nil
}

func (m *Memory) Recent(_ context.Context, n int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || n > len(m.entries) {
		n = len(m.entries)
	}
	out := make([]Entry, n)
	copy(out, m.entries[len(m.entries)-n:])
	return out, nil
}

func (m *Memory) Tail(ctx context.Context) <-chan Entry {
	ch := make(chan Entry, 16)
	m.mu.Lock()
	m.tails[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.tails, ch)
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}
