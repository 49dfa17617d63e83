package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/fleet"
)

const projectColumns = `id, name, COALESCE(description,''), initial_request,
	tech_stack, constraints, status, phase, COALESCE(summary,''),
	version, created_at, updated_at, completed_at`

func scanProject(row pgx.Row) (*fleet.Project, error) {
	var p fleet.Project
	var stack, constraints []byte
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.InitialRequest,
		&stack, &constraints, &p.Status, &p.Phase, &p.Summary,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(stack, &p.TechStack)
	_ = json.Unmarshal(constraints, &p.Constraints)
	return &p, nil
}

// CreateProject stores the project and its full task graph in one
// transaction. A project never exists without its tasks.
func (s *Postgres) CreateProject(ctx context.Context, p *fleet.Project, tasks []*fleet.Task) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer tx.Rollback(ctx)

	stack, _ := json.Marshal(p.TechStack)
	constraints, _ := json.Marshal(p.Constraints)
	_, err = tx.Exec(ctx, `
		INSERT INTO projects (id, name, description, initial_request, tech_stack,
			constraints, status, phase, summary, version, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)`,
		p.ID, p.Name, p.Description, p.InitialRequest, stack,
		constraints, p.Status, p.Phase, p.Summary, p.Version, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	for _, t := range tasks {
		if err := insertTaskTx(ctx, tx, t); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func insertTaskTx(ctx context.Context, tx pgx.Tx, t *fleet.Task) error {
	skills, _ := json.Marshal(t.SkillsNeeded)
	perms, _ := json.Marshal(t.PermsNeeded)
	deps, _ := json.Marshal(t.DependsOn)
	_, err := tx.Exec(ctx, `
		INSERT INTO tasks (id, project_id, name, description, status, priority,
			skills_needed, perms_needed, depends_on, assigned_to, timeout_secs,
			max_retries, retry_count, progress, version, created_at, last_updated)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, NULLIF($10, ''),
			$11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.ProjectID, t.Name, t.Description, t.Status, t.Priority,
		skills, perms, deps, t.AssignedTo, int64(t.Timeout/time.Second),
		t.MaxRetries, t.RetryCount, t.Progress, t.Version, t.CreatedAt, t.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Postgres) GetProject(ctx context.Context, id string) (*fleet.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

func (s *Postgres) ListProjects(ctx context.Context) ([]*fleet.Project, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*fleet.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Postgres) UpdateProject(ctx context.Context, p *fleet.Project) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE projects SET
			status = $1, phase = $2, summary = NULLIF($3, ''),
			completed_at = $4, updated_at = NOW(), version = version + 1
		WHERE id = $5 AND version = $6`,
		p.Status, p.Phase, p.Summary, p.CompletedAt, p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, p.ID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("project %s: %w", p.ID, fleet.ErrNotFound)
		}
		return fmt.Errorf("project %s: %w", p.ID, fleet.ErrVersionConflict)
	}
	p.Version++
	p.UpdatedAt = time.Now()
	return nil
}
