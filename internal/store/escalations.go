package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/fleet"
)

const escalationColumns = `id, subject_type, subject_id, kind, severity, status,
	COALESCE(project_id,''), description, COALESCE(suggested_action,''),
	COALESCE(resolution,''), created_at, last_seen_at, resolved_at, version`

func scanEscalation(row pgx.Row) (*fleet.Escalation, error) {
	var e fleet.Escalation
	err := row.Scan(
		&e.ID, &e.SubjectType, &e.SubjectID, &e.Kind, &e.Severity, &e.Status,
		&e.ProjectID, &e.Description, &e.Suggested,
		&e.Resolution, &e.CreatedAt, &e.LastSeenAt, &e.ResolvedAt, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEscalation opens a new escalation, or refreshes the unresolved one
// already holding the same (subject_type, subject_id, kind) slot. The partial
// unique index on unresolved rows makes the insert-or-refresh a single atomic
// statement: concurrent detections of the same condition converge on one row.
// Refreshing bumps last_seen_at and raises severity, never lowers it.
func (s *Postgres) UpsertEscalation(ctx context.Context, e *fleet.Escalation) (*fleet.Escalation, bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = fleet.EscalationOpen
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO escalations (id, subject_type, subject_id, kind, severity,
			status, project_id, description, suggested_action, version,
			created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), 1, NOW(), NOW())
		ON CONFLICT (subject_type, subject_id, kind)
			WHERE status IN ('open', 'awaiting_human')
		DO UPDATE SET
			last_seen_at = NOW(),
			severity = CASE
				WHEN escalations.severity = 'critical' OR EXCLUDED.severity = 'critical' THEN 'critical'
				WHEN escalations.severity = 'warning' OR EXCLUDED.severity = 'warning' THEN 'warning'
				ELSE 'info'
			END,
			version = escalations.version + 1
		RETURNING `+escalationColumns+`, (xmax = 0) AS inserted`,
		e.ID, e.SubjectType, e.SubjectID, e.Kind, e.Severity,
		e.Status, e.ProjectID, e.Description, e.Suggested,
	)

	var out fleet.Escalation
	var inserted bool
	err := row.Scan(
		&out.ID, &out.SubjectType, &out.SubjectID, &out.Kind, &out.Severity, &out.Status,
		&out.ProjectID, &out.Description, &out.Suggested,
		&out.Resolution, &out.CreatedAt, &out.LastSeenAt, &out.ResolvedAt, &out.Version,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert escalation %s: %w", e.TriggerKey(), err)
	}
	return &out, inserted, nil
}

func (s *Postgres) GetEscalation(ctx context.Context, id string) (*fleet.Escalation, error) {
	e, err := scanEscalation(s.db.QueryRow(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escalation %s: %w", id, err)
	}
	return e, nil
}

func (s *Postgres) ListEscalations(ctx context.Context, status fleet.EscalationStatus) ([]*fleet.Escalation, error) {
	query := `SELECT ` + escalationColumns + ` FROM escalations`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	var out []*fleet.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEscalation is a compare-and-swap keyed on the escalation's version,
// used to resolve or hand records to a human.
func (s *Postgres) UpdateEscalation(ctx context.Context, e *fleet.Escalation) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE escalations SET
			severity = $1, status = $2, suggested_action = NULLIF($3, ''),
			resolution = NULLIF($4, ''), resolved_at = $5,
			version = version + 1
		WHERE id = $6 AND version = $7`,
		e.Severity, e.Status, e.Suggested, e.Resolution, e.ResolvedAt,
		e.ID, e.Version,
	)
	if err != nil {
		return fmt.Errorf("update escalation %s: %w", e.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM escalations WHERE id = $1)`, e.ID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("escalation %s: %w", e.ID, fleet.ErrNotFound)
		}
		return fmt.Errorf("escalation %s: %w", e.ID, fleet.ErrVersionConflict)
	}
	e.Version++
	return nil
}
