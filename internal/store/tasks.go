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

const taskColumns = `id, project_id, name, COALESCE(description,''), status, priority,
	skills_needed, perms_needed, depends_on, COALESCE(assigned_to,''), timeout_secs,
	max_retries, retry_count, progress, COALESCE(output,''), COALESCE(failure,''),
	COALESCE(exec_handle,''), version, created_at, last_updated, started_at, completed_at`

func scanTask(row pgx.Row) (*fleet.Task, error) {
	var t fleet.Task
	var skills, perms, deps []byte
	var timeoutSecs int64
	err := row.Scan(
		&t.ID, &t.ProjectID, &t.Name, &t.Description, &t.Status, &t.Priority,
		&skills, &perms, &deps, &t.AssignedTo, &timeoutSecs,
		&t.MaxRetries, &t.RetryCount, &t.Progress, &t.Output, &t.Failure,
		&t.ExecHandle, &t.Version, &t.CreatedAt, &t.LastUpdated, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(skills, &t.SkillsNeeded)
	_ = json.Unmarshal(perms, &t.PermsNeeded)
	_ = json.Unmarshal(deps, &t.DependsOn)
	t.Timeout = time.Duration(timeoutSecs) * time.Second
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*fleet.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (s *Postgres) ListProjectTasks(ctx context.Context, projectID string) ([]*fleet.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *Postgres) ListActiveTasks(ctx context.Context) ([]*fleet.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status NOT IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*fleet.Task, error) {
	var tasks []*fleet.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask is a compare-and-swap keyed on the task's version. A lost race
// returns fleet.ErrVersionConflict; the caller re-reads and retries.
func (s *Postgres) UpdateTask(ctx context.Context, t *fleet.Task) error {
	tag, err := s.db.Exec(ctx, taskUpdateSQL, taskUpdateArgs(t)...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.taskConflict(ctx, t.ID)
	}
	t.Version++
	t.LastUpdated = time.Now()
	return nil
}

const taskUpdateSQL = `
	UPDATE tasks SET
		status = $1, priority = $2, assigned_to = NULLIF($3, ''),
		retry_count = $4, progress = $5, output = $6, failure = $7,
		exec_handle = $8, started_at = $9, completed_at = $10,
		last_updated = NOW(), version = version + 1
	WHERE id = $11 AND version = $12`

func taskUpdateArgs(t *fleet.Task) []any {
	return []any{
		t.Status, t.Priority, t.AssignedTo,
		t.RetryCount, t.Progress, t.Output, t.Failure,
		t.ExecHandle, t.StartedAt, t.CompletedAt,
		t.ID, t.Version,
	}
}

// taskConflict distinguishes a missing row from a lost version race.
func (s *Postgres) taskConflict(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	if err == nil && !exists {
		return fmt.Errorf("task %s: %w", id, fleet.ErrNotFound)
	}
	return fmt.Errorf("task %s: %w", id, fleet.ErrVersionConflict)
}

// AssignTask persists a task hand-off and the owning agent's task set in one
// transaction, both guarded by their versions. Either update losing its race
// rolls the whole hand-off back.
func (s *Postgres) AssignTask(ctx context.Context, t *fleet.Task, a *fleet.Agent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.updateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := s.updateAgentTx(ctx, tx, a); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit assign: %w", err)
	}
	t.Version++
	a.Version++
	return nil
}

func (s *Postgres) ReleaseTask(ctx context.Context, t *fleet.Task, a *fleet.Agent) error {
	return s.AssignTask(ctx, t, a)
}

// TransferTask moves ownership between agents and appends the handoff record
// in the same transaction, so the payload travels with the ownership change.
func (s *Postgres) TransferTask(ctx context.Context, t *fleet.Task, from, to *fleet.Agent, record *fleet.NegotiationMessage) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.updateTaskTx(ctx, tx, t); err != nil {
		return err
	}
	if err := s.updateAgentTx(ctx, tx, from); err != nil {
		return err
	}
	if err := s.updateAgentTx(ctx, tx, to); err != nil {
		return err
	}
	if record != nil {
		if err := insertMessageTx(ctx, tx, record); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	t.Version++
	from.Version++
	to.Version++
	return nil
}

func (s *Postgres) updateTaskTx(ctx context.Context, tx pgx.Tx, t *fleet.Task) error {
	tag, err := tx.Exec(ctx, taskUpdateSQL, taskUpdateArgs(t)...)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", t.ID, fleet.ErrVersionConflict)
	}
	return nil
}

func (s *Postgres) CountTasksByStatus(ctx context.Context) (map[fleet.TaskStatus]int, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[fleet.TaskStatus]int)
	for rows.Next() {
		var status fleet.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
