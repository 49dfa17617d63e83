package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// Memory is an in-process fleet.Repository with the same compare-and-swap
// semantics as the Postgres store. It backs unit tests and keeps the service
// usable when Postgres is unreachable.
type Memory struct {
	mu           sync.RWMutex
	projects     map[string]*fleet.Project
	tasks        map[string]*fleet.Task
	agents       map[string]*fleet.Agent
	teams        map[string]*fleet.Team
	escalations  map[string]*fleet.Escalation
	negotiations map[string][]*fleet.NegotiationMessage
	logger       *zap.Logger
}

// NewMemory creates an empty in-memory repository.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		projects:     make(map[string]*fleet.Project),
		tasks:        make(map[string]*fleet.Task),
		agents:       make(map[string]*fleet.Agent),
		teams:        make(map[string]*fleet.Team),
		escalations:  make(map[string]*fleet.Escalation),
		negotiations: make(map[string][]*fleet.NegotiationMessage),
		logger:       logger,
	}
}

// --- projects ---

func (m *Memory) CreateProject(_ context.Context, p *fleet.Project, tasks []*fleet.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.Version = 1
	p.CreatedAt = now
	p.UpdatedAt = now
	m.projects[p.ID] = cloneProject(p)

	for _, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.New().String()
		}
		t.ProjectID = p.ID
		t.Version = 1
		t.CreatedAt = now
		t.LastUpdated = now
		m.tasks[t.ID] = cloneTask(t)
	}
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*fleet.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, fleet.ErrNotFound)
	}
	return cloneProject(p), nil
}

func (m *Memory) ListProjects(_ context.Context) ([]*fleet.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*fleet.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateProject(_ context.Context, p *fleet.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.projects[p.ID]
	if !ok {
		return fmt.Errorf("project %s: %w", p.ID, fleet.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("project %s: %w", p.ID, fleet.ErrVersionConflict)
	}
	p.Version++
	p.UpdatedAt = time.Now()
	m.projects[p.ID] = cloneProject(p)
	return nil
}

// --- tasks ---

func (m *Memory) GetTask(_ context.Context, id string) (*fleet.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	return cloneTask(t), nil
}

func (m *Memory) ListProjectTasks(_ context.Context, projectID string) ([]*fleet.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*fleet.Task
	for _, t := range m.tasks {
		if t.ProjectID == projectID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveTasks(_ context.Context) ([]*fleet.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*fleet.Task
	for _, t := range m.tasks {
		if !t.IsTerminal() {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *fleet.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateTaskLocked(t)
}

func (m *Memory) updateTaskLocked(t *fleet.Task) error {
	cur, ok := m.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, fleet.ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("task %s: %w", t.ID, fleet.ErrVersionConflict)
	}
	t.Version++
	t.LastUpdated = time.Now()
	m.tasks[t.ID] = cloneTask(t)
	return nil
}

func (m *Memory) updateAgentLocked(a *fleet.Agent) error {
	cur, ok := m.agents[a.ID]
	if !ok {
		return fmt.Errorf("agent %s: %w", a.ID, fleet.ErrNotFound)
	}
	if cur.Version != a.Version {
		return fmt.Errorf("agent %s: %w", a.ID, fleet.ErrVersionConflict)
	}
	a.Version++
	a.UpdatedAt = time.Now()
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *Memory) AssignTask(_ context.Context, t *fleet.Task, a *fleet.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateTaskLocked(t); err != nil {
		return err
	}
	if err := m.updateAgentLocked(a); err != nil {
		// Roll the task back so the pair stays consistent.
		t.Version--
		m.tasks[t.ID] = cloneTask(t)
		return err
	}
	return nil
}

func (m *Memory) ReleaseTask(ctx context.Context, t *fleet.Task, a *fleet.Agent) error {
	return m.AssignTask(ctx, t, a)
}

func (m *Memory) TransferTask(_ context.Context, t *fleet.Task, from, to *fleet.Agent, record *fleet.NegotiationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.updateTaskLocked(t); err != nil {
		return err
	}
	if err := m.updateAgentLocked(from); err != nil {
		t.Version--
		m.tasks[t.ID] = cloneTask(t)
		return err
	}
	if err := m.updateAgentLocked(to); err != nil {
		t.Version--
		m.tasks[t.ID] = cloneTask(t)
		from.Version--
		m.agents[from.ID] = cloneAgent(from)
		return err
	}
	if record != nil {
		m.appendMessageLocked(record)
	}
	return nil
}

func (m *Memory) CountTasksByStatus(_ context.Context) (map[fleet.TaskStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[fleet.TaskStatus]int)
	for _, t := range m.tasks {
		out[t.Status]++
	}
	return out, nil
}

// --- agents ---

func (m *Memory) CreateAgent(_ context.Context, a *fleet.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = fleet.AgentIdle
	}
	a.Version = 1
	a.CreatedAt = now
	a.UpdatedAt = now
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*fleet.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, fleet.ErrNotFound)
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListAgents(_ context.Context, f fleet.AgentFilter) ([]*fleet.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*fleet.Agent
	for _, a := range m.agents {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateAgent(_ context.Context, a *fleet.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateAgentLocked(a)
}

func (m *Memory) CountAgentsByStatus(_ context.Context) (map[fleet.AgentStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[fleet.AgentStatus]int)
	for _, a := range m.agents {
		out[a.Status]++
	}
	return out, nil
}

// --- teams ---

func (m *Memory) CreateTeam(_ context.Context, t *fleet.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.State == "" {
		t.State = fleet.TeamIdle
	}
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

func (m *Memory) GetTeam(_ context.Context, id string) (*fleet.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, fleet.ErrNotFound)
	}
	return cloneTeam(t), nil
}

func (m *Memory) ListTeams(_ context.Context) ([]*fleet.Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*fleet.Team, 0, len(m.teams))
	for _, t := range m.teams {
		out = append(out, cloneTeam(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTeam(_ context.Context, t *fleet.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.teams[t.ID]
	if !ok {
		return fmt.Errorf("team %s: %w", t.ID, fleet.ErrNotFound)
	}
	if cur.Version != t.Version {
		return fmt.Errorf("team %s: %w", t.ID, fleet.ErrVersionConflict)
	}
	t.Version++
	t.UpdatedAt = time.Now()
	m.teams[t.ID] = cloneTeam(t)
	return nil
}

// --- escalations ---

func (m *Memory) UpsertEscalation(_ context.Context, e *fleet.Escalation) (*fleet.Escalation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key := e.TriggerKey()
	for _, cur := range m.escalations {
		if cur.Unresolved() && cur.TriggerKey() == key {
			cur.LastSeenAt = now
			cur.Severity = fleet.MaxSeverity(cur.Severity, e.Severity)
			cur.Version++
			return cloneEscalation(cur), false, nil
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = fleet.EscalationOpen
	}
	e.Version = 1
	e.CreatedAt = now
	e.LastSeenAt = now
	m.escalations[e.ID] = cloneEscalation(e)
	return cloneEscalation(e), true, nil
}

func (m *Memory) GetEscalation(_ context.Context, id string) (*fleet.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, fmt.Errorf("escalation %s: %w", id, fleet.ErrNotFound)
	}
	return cloneEscalation(e), nil
}

func (m *Memory) ListEscalations(_ context.Context, status fleet.EscalationStatus) ([]*fleet.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*fleet.Escalation
	for _, e := range m.escalations {
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, cloneEscalation(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateEscalation(_ context.Context, e *fleet.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escalations[e.ID]
	if !ok {
		return fmt.Errorf("escalation %s: %w", e.ID, fleet.ErrNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("escalation %s: %w", e.ID, fleet.ErrVersionConflict)
	}
	e.Version++
	m.escalations[e.ID] = cloneEscalation(e)
	return nil
}

// --- negotiation log ---

func (m *Memory) AppendMessage(_ context.Context, msg *fleet.NegotiationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendMessageLocked(msg)
	return nil
}

func (m *Memory) appendMessageLocked(msg *fleet.NegotiationMessage) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c := *msg
	m.negotiations[msg.TeamID] = append(m.negotiations[msg.TeamID], &c)
}

func (m *Memory) ListMessages(_ context.Context, teamID string, limit int) ([]*fleet.NegotiationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.negotiations[teamID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]*fleet.NegotiationMessage, 0, len(log)-start)
	for _, msg := range log[start:] {
		c := *msg
		out = append(out, &c)
	}
	return out, nil
}

// --- clone helpers: callers never share memory with stored entities ---

func cloneProject(p *fleet.Project) *fleet.Project {
	c := *p
	c.TechStack = append([]string(nil), p.TechStack...)
	c.Constraints = append([]string(nil), p.Constraints...)
	return &c
}

func cloneTask(t *fleet.Task) *fleet.Task {
	c := *t
	c.SkillsNeeded = append([]string(nil), t.SkillsNeeded...)
	c.PermsNeeded = append([]string(nil), t.PermsNeeded...)
	c.DependsOn = append([]string(nil), t.DependsOn...)
	return &c
}

func cloneAgent(a *fleet.Agent) *fleet.Agent {
	c := *a
	c.SkillTags = append([]string(nil), a.SkillTags...)
	c.Permissions = append([]string(nil), a.Permissions...)
	c.CurrentTasks = append([]string(nil), a.CurrentTasks...)
	c.Metrics.RecentResults = append([]bool(nil), a.Metrics.RecentResults...)
	if a.Metrics.SkillHistory != nil {
		c.Metrics.SkillHistory = make(map[string]int, len(a.Metrics.SkillHistory))
		for k, v := range a.Metrics.SkillHistory {
			c.Metrics.SkillHistory[k] = v
		}
	}
	return &c
}

func cloneTeam(t *fleet.Team) *fleet.Team {
	c := *t
	c.MemberIDs = append([]string(nil), t.MemberIDs...)
	c.Permits = append([]fleet.TeamPermit(nil), t.Permits...)
	return &c
}

func cloneEscalation(e *fleet.Escalation) *fleet.Escalation {
	c := *e
	return &c
}
