package fleet

import "time"

// Severity grades how urgent a health event or escalation is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// Rank returns the ordering value of a severity, higher is more urgent.
func (s Severity) Rank() int { return severityRank[s] }

// MaxSeverity returns the more urgent of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// EscalationStatus represents the resolution state of an escalation.
type EscalationStatus string

const (
	EscalationOpen          EscalationStatus = "open"
	EscalationAutoResolved  EscalationStatus = "auto_resolved"
	EscalationAwaitingHuman EscalationStatus = "awaiting_human"
	EscalationResolved      EscalationStatus = "resolved"
)

// Escalation is a deduplicated record of an unresolved problem. At most one
// record per trigger key may be open at a time; re-detection refreshes the
// existing record instead of opening another.
type Escalation struct {
	ID          string           `json:"id"`
	SubjectType SubjectType      `json:"subject_type"`
	SubjectID   string           `json:"subject_id"`
	Kind        EventKind        `json:"kind"`
	Severity    Severity         `json:"severity"`
	Status      EscalationStatus `json:"status"`
	ProjectID   string           `json:"project_id,omitempty"`
	Description string           `json:"description"`
	Suggested   string           `json:"suggested_action,omitempty"`
	Resolution  string           `json:"resolution,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	LastSeenAt  time.Time        `json:"last_seen_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	Version     int64            `json:"version"`
}

// TriggerKey identifies the deduplication slot for this escalation.
func (e *Escalation) TriggerKey() string {
	return string(e.SubjectType) + ":" + e.SubjectID + ":" + string(e.Kind)
}

// Unresolved reports whether the escalation still occupies its trigger key.
func (e *Escalation) Unresolved() bool {
	return e.Status == EscalationOpen || e.Status == EscalationAwaitingHuman
}
