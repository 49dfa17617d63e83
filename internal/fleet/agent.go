package fleet

import "time"

// AgentStatus represents the operational state of an agent.
type AgentStatus string

const (
	AgentIdle     AgentStatus = "idle"
	AgentWorking  AgentStatus = "working"
	AgentError    AgentStatus = "error"
	AgentDisabled AgentStatus = "disabled"
)

// recentWindow is how many recent task outcomes feed the error-rate check.
const recentWindow = 10

// AgentMetrics holds rolling counters used by the scoring engine.
type AgentMetrics struct {
	TasksCompleted  int            `json:"tasks_completed"`
	TasksFailed     int            `json:"tasks_failed"`
	TasksReassigned int            `json:"tasks_reassigned"`
	Overrides       int            `json:"overrides"`
	TotalWork       time.Duration  `json:"total_work"`
	RecentResults   []bool         `json:"recent_results,omitempty"` // true = success, newest last
	SkillHistory    map[string]int `json:"skill_history,omitempty"`  // SkillKey → completions
}

// RecordOutcome appends a task outcome, keeping the recent window bounded.
// skillKey identifies the completed task's requirement set for repeat-work
// ranking; it is counted only on success.
func (m *AgentMetrics) RecordOutcome(success bool, elapsed time.Duration, skillKey string) {
	if success {
		m.TasksCompleted++
		m.TotalWork += elapsed
		if skillKey != "" {
			if m.SkillHistory == nil {
				m.SkillHistory = make(map[string]int)
			}
			m.SkillHistory[skillKey]++
		}
	} else {
		m.TasksFailed++
	}
	m.RecentResults = append(m.RecentResults, success)
	if len(m.RecentResults) > recentWindow {
		m.RecentResults = m.RecentResults[len(m.RecentResults)-recentWindow:]
	}
}

// CompletedSkillSet reports whether the agent has finished a task with this
// exact requirement set before.
func (m *AgentMetrics) CompletedSkillSet(skillKey string) bool {
	return skillKey != "" && m.SkillHistory[skillKey] > 0
}

// RecentErrorRate returns the failure fraction over the recent window.
func (m *AgentMetrics) RecentErrorRate() float64 {
	if len(m.RecentResults) == 0 {
		return 0
	}
	errs := 0
	for _, ok := range m.RecentResults {
		if !ok {
			errs++
		}
	}
	return float64(errs) / float64(len(m.RecentResults))
}

// AvgWork returns the mean duration of completed tasks, zero when no history.
func (m *AgentMetrics) AvgWork() time.Duration {
	if m.TasksCompleted == 0 {
		return 0
	}
	return m.TotalWork / time.Duration(m.TasksCompleted)
}

// Agent is an autonomous worker that executes tasks and accrues a score.
type Agent struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Role          string       `json:"role"`
	Status        AgentStatus  `json:"status"`
	SkillTags     []string     `json:"skill_tags"`
	Permissions   []string     `json:"permissions"`
	MaxTasks      int          `json:"max_tasks"`
	CurrentTasks  []string     `json:"current_tasks,omitempty"`
	TeamID        string       `json:"team_id,omitempty"`
	Metrics       AgentMetrics `json:"metrics"`
	Score         float64      `json:"score"`
	Confidence    float64      `json:"confidence"`
	MemoryUsage   float64      `json:"memory_usage"` // 0..1, reported by heartbeat
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Version       int64        `json:"version"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Active reports whether the agent may receive new work.
func (a *Agent) Active() bool {
	return a.Status == AgentIdle || a.Status == AgentWorking
}

// HasCapacity reports whether the agent is below its concurrency limit.
func (a *Agent) HasCapacity() bool {
	limit := a.MaxTasks
	if limit <= 0 {
		limit = 1
	}
	return len(a.CurrentTasks) < limit
}

// HasSkills reports whether the agent's tags cover every required skill.
func (a *Agent) HasSkills(required []string) bool {
	if len(required) == 0 {
		return true
	}
	tags := make(map[string]bool, len(a.SkillTags))
	for _, t := range a.SkillTags {
		tags[t] = true
	}
	for _, r := range required {
		if !tags[r] {
			return false
		}
	}
	return true
}

// HasPermissions reports whether the agent holds every required permission.
func (a *Agent) HasPermissions(required []string) bool {
	if len(required) == 0 {
		return true
	}
	perms := make(map[string]bool, len(a.Permissions))
	for _, p := range a.Permissions {
		perms[p] = true
	}
	for _, r := range required {
		if !perms[r] {
			return false
		}
	}
	return true
}

// Holds reports whether the agent currently owns the given task.
func (a *Agent) Holds(taskID string) bool {
	for _, id := range a.CurrentTasks {
		if id == taskID {
			return true
		}
	}
	return false
}
