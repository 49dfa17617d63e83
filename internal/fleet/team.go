package fleet

import (
	"fmt"
	"time"
)

// TeamState represents the coordination state of a team.
type TeamState string

const (
	TeamIdle        TeamState = "idle"
	TeamWorking     TeamState = "working"
	TeamNegotiating TeamState = "negotiating"
	TeamHandoff     TeamState = "handoff"
	TeamCompleted   TeamState = "completed"
	TeamEscalated   TeamState = "escalated"
)

// PermitMode is a granted inter-team communication mode.
type PermitMode string

const (
	PermitCrosstalk PermitMode = "crosstalk"
	PermitHandoff   PermitMode = "handoff"
)

// TeamPermit grants one communication mode toward another team.
type TeamPermit struct {
	TeamID string     `json:"team_id"`
	Mode   PermitMode `json:"mode"`
}

// Team is a group of agents collaborating under a leader.
type Team struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	LeaderID         string       `json:"leader_id"`
	MemberIDs        []string     `json:"member_ids"`
	State            TeamState    `json:"state"`
	EscalationPolicy string       `json:"escalation_policy,omitempty"`
	MaxConcurrent    int          `json:"max_concurrent"`
	Permits          []TeamPermit `json:"permits,omitempty"`
	Version          int64        `json:"version"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// teamTransitions defines allowed team state moves.
var teamTransitions = map[TeamState][]TeamState{
	TeamIdle:        {TeamWorking},
	TeamWorking:     {TeamNegotiating, TeamHandoff, TeamCompleted, TeamEscalated},
	TeamNegotiating: {TeamWorking, TeamCompleted, TeamEscalated},
	TeamHandoff:     {TeamWorking, TeamCompleted},
	TeamEscalated:   {TeamWorking},
}

// TransitionTeam validates and returns nil if from→to is a legal team move.
func TransitionTeam(from, to TeamState) error {
	allowed, ok := teamTransitions[from]
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

// Allows reports whether this team granted the given mode toward other.
func (t *Team) Allows(otherTeamID string, mode PermitMode) bool {
	for _, p := range t.Permits {
		if p.TeamID == otherTeamID && p.Mode == mode {
			return true
		}
	}
	return false
}

// IsMember reports whether the agent belongs to the team.
func (t *Team) IsMember(agentID string) bool {
	if agentID == t.LeaderID {
		return true
	}
	for _, id := range t.MemberIDs {
		if id == agentID {
			return true
		}
	}
	return false
}
