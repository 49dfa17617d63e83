package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/fleet"
)

const agentColumns = `id, name, COALESCE(role,''), status, skill_tags, permissions,
	max_tasks, current_tasks, COALESCE(team_id,''), metrics, score, confidence,
	memory_usage, last_heartbeat, version, created_at, updated_at`

func scanAgent(row pgx.Row) (*fleet.Agent, error) {
	var a fleet.Agent
	var skills, perms, current, metrics []byte
	err := row.Scan(
		&a.ID, &a.Name, &a.Role, &a.Status, &skills, &perms,
		&a.MaxTasks, &current, &a.TeamID, &metrics, &a.Score, &a.Confidence,
		&a.MemoryUsage, &a.LastHeartbeat, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(skills, &a.SkillTags)
	_ = json.Unmarshal(perms, &a.Permissions)
	_ = json.Unmarshal(current, &a.CurrentTasks)
	_ = json.Unmarshal(metrics, &a.Metrics)
	return &a, nil
}

func (s *Postgres) CreateAgent(ctx context.Context, a *fleet.Agent) error {
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
	skills, _ := json.Marshal(a.SkillTags)
	perms, _ := json.Marshal(a.Permissions)
	current, _ := json.Marshal(a.CurrentTasks)
	metrics, _ := json.Marshal(a.Metrics)
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, name, role, status, skill_tags, permissions,
			max_tasks, current_tasks, team_id, metrics, score, confidence,
			memory_usage, last_heartbeat, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), $10,
			$11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Name, a.Role, a.Status, skills, perms,
		a.MaxTasks, current, a.TeamID, metrics, a.Score, a.Confidence,
		a.MemoryUsage, a.LastHeartbeat, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*fleet.Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

func (s *Postgres) ListAgents(ctx context.Context, f fleet.AgentFilter) ([]*fleet.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, f.Offset)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*fleet.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent is a compare-and-swap keyed on the agent's version.
func (s *Postgres) UpdateAgent(ctx context.Context, a *fleet.Agent) error {
	tag, err := s.db.Exec(ctx, agentUpdateSQL, agentUpdateArgs(a)...)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, a.ID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("agent %s: %w", a.ID, fleet.ErrNotFound)
		}
		return fmt.Errorf("agent %s: %w", a.ID, fleet.ErrVersionConflict)
	}
	a.Version++
	a.UpdatedAt = time.Now()
	return nil
}

const agentUpdateSQL = `
	UPDATE agents SET
		name = $1, role = NULLIF($2, ''), status = $3, skill_tags = $4,
		permissions = $5, max_tasks = $6, current_tasks = $7,
		team_id = NULLIF($8, ''), metrics = $9, score = $10, confidence = $11,
		memory_usage = $12, last_heartbeat = $13,
		updated_at = NOW(), version = version + 1
	WHERE id = $14 AND version = $15`

func agentUpdateArgs(a *fleet.Agent) []any {
	skills, _ := json.Marshal(a.SkillTags)
	perms, _ := json.Marshal(a.Permissions)
	current, _ := json.Marshal(a.CurrentTasks)
	metrics, _ := json.Marshal(a.Metrics)
	return []any{
		a.Name, a.Role, a.Status, skills,
		perms, a.MaxTasks, current,
		a.TeamID, metrics, a.Score, a.Confidence,
		a.MemoryUsage, a.LastHeartbeat,
		a.ID, a.Version,
	}
}

func (s *Postgres) updateAgentTx(ctx context.Context, tx pgx.Tx, a *fleet.Agent) error {
	tag, err := tx.Exec(ctx, agentUpdateSQL, agentUpdateArgs(a)...)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, fleet.ErrVersionConflict)
	}
	return nil
}

func (s *Postgres) CountAgentsByStatus(ctx context.Context) (map[fleet.AgentStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()

	out := make(map[fleet.AgentStatus]int)
	for rows.Next() {
		var status fleet.AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
