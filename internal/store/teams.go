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

const teamColumns = `id, name, leader_id, member_ids, state,
	COALESCE(escalation_policy,''), max_concurrent, permits,
	version, created_at, updated_at`

func scanTeam(row pgx.Row) (*fleet.Team, error) {
	var t fleet.Team
	var members, permits []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.LeaderID, &members, &t.State,
		&t.EscalationPolicy, &t.MaxConcurrent, &permits,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(members, &t.MemberIDs)
	_ = json.Unmarshal(permits, &t.Permits)
	return &t, nil
}

func (s *Postgres) CreateTeam(ctx context.Context, t *fleet.Team) error {
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
	members, _ := json.Marshal(t.MemberIDs)
	permits, _ := json.Marshal(t.Permits)
	_, err := s.db.Exec(ctx, `
		INSERT INTO teams (id, name, leader_id, member_ids, state,
			escalation_policy, max_concurrent, permits, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.LeaderID, members, t.State,
		t.EscalationPolicy, t.MaxConcurrent, permits, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create team %s: %w", t.ID, err)
	}
	return nil
}

func (s *Postgres) GetTeam(ctx context.Context, id string) (*fleet.Team, error) {
	t, err := scanTeam(s.db.QueryRow(ctx,
		`SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("team %s: %w", id, fleet.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", id, err)
	}
	return t, nil
}

func (s *Postgres) ListTeams(ctx context.Context) ([]*fleet.Team, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+teamColumns+` FROM teams ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var teams []*fleet.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

// UpdateTeam is a compare-and-swap keyed on the team's version.
func (s *Postgres) UpdateTeam(ctx context.Context, t *fleet.Team) error {
	members, _ := json.Marshal(t.MemberIDs)
	permits, _ := json.Marshal(t.Permits)
	tag, err := s.db.Exec(ctx, `
		UPDATE teams SET
			name = $1, leader_id = $2, member_ids = $3, state = $4,
			escalation_policy = NULLIF($5, ''), max_concurrent = $6, permits = $7,
			updated_at = NOW(), version = version + 1
		WHERE id = $8 AND version = $9`,
		t.Name, t.LeaderID, members, t.State,
		t.EscalationPolicy, t.MaxConcurrent, permits,
		t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("update team %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		err := s.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM teams WHERE id = $1)`, t.ID).Scan(&exists)
		if err == nil && !exists {
			return fmt.Errorf("team %s: %w", t.ID, fleet.ErrNotFound)
		}
		return fmt.Errorf("team %s: %w", t.ID, fleet.ErrVersionConflict)
	}
	t.Version++
	t.UpdatedAt = time.Now()
	return nil
}
