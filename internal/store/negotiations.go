package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/nidhogg/overseer/internal/fleet"
)

const messageColumns = `id, team_id, author_id, type, COALESCE(in_reply_to,''),
	COALESCE(vote,''), COALESCE(payload,''), created_at`

func (s *Postgres) AppendMessage(ctx context.Context, m *fleet.NegotiationMessage) error {
	_, err := s.db.Exec(ctx, messageInsertSQL, messageInsertArgs(m)...)
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

const messageInsertSQL = `
	INSERT INTO negotiation_messages (id, team_id, author_id, type, in_reply_to,
		vote, payload, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`

func messageInsertArgs(m *fleet.NegotiationMessage) []any {
	return []any{
		m.ID, m.TeamID, m.AuthorID, m.Type, m.InReplyTo,
		m.Vote, m.Payload, m.CreatedAt,
	}
}

func insertMessageTx(ctx context.Context, tx pgx.Tx, m *fleet.NegotiationMessage) error {
	_, err := tx.Exec(ctx, messageInsertSQL, messageInsertArgs(m)...)
	if err != nil {
		return fmt.Errorf("append message %s: %w", m.ID, err)
	}
	return nil
}

// ListMessages returns a team's most recent log entries in chronological order.
func (s *Postgres) ListMessages(ctx context.Context, teamID string, limit int) ([]*fleet.NegotiationMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT * FROM negotiation_messages WHERE team_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at`,
		teamID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*fleet.NegotiationMessage
	for rows.Next() {
		var m fleet.NegotiationMessage
		if err := rows.Scan(
			&m.ID, &m.TeamID, &m.AuthorID, &m.Type, &m.InReplyTo,
			&m.Vote, &m.Payload, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
