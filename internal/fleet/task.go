package fleet

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Task is a unit of work with dependencies and a single current owner.
type Task struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	Status       TaskStatus    `json:"status"`
	Priority     int           `json:"priority"`
	SkillsNeeded []string      `json:"skills_needed"`
	PermsNeeded  []string      `json:"perms_needed,omitempty"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	AssignedTo   string        `json:"assigned_to,omitempty"`
	Timeout      time.Duration `json:"timeout"`
	MaxRetries   int           `json:"max_retries"`
	RetryCount   int           `json:"retry_count"`
	Progress     int           `json:"progress"`
	Output       string        `json:"output,omitempty"`
	Failure      string        `json:"failure,omitempty"`
	ExecHandle   string        `json:"exec_handle,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	LastUpdated  time.Time     `json:"last_updated"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// taskTransitions defines allowed task status transitions. Cancelled is
// terminal for late results but not for the scheduler: a timeout cancellation
// is followed by a requeue (→ pending) or retry exhaustion (→ failed).
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskAssigned, TaskBlocked, TaskFailed, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskCompleted, TaskPending, TaskFailed, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskPending, TaskCancelled},
	TaskBlocked:    {TaskPending, TaskCancelled},
	TaskCancelled:  {TaskPending, TaskFailed},
}

// TransitionTask validates and returns nil if from→to is a legal task transition.
func TransitionTask(from, to TaskStatus) error {
	allowed, ok := taskTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}

// IsTerminal reports whether the task has reached a final status.
func (t *Task) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// SkillKey canonicalizes a skill requirement set so that tasks with the same
// requirements compare equal regardless of declaration order.
func SkillKey(skills []string) string {
	if len(skills) == 0 {
		return ""
	}
	sorted := append([]string(nil), skills...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// Ready reports whether the task is pending with every dependency completed.
func (t *Task) Ready(done map[string]bool) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}
