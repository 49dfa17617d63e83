package team

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/fleet"
	"go.uber.org/zap"
)

// CrosstalkReply is the status snapshot a queried team returns.
type CrosstalkReply struct {
	TeamID    string          `json:"team_id"`
	TeamName  string          `json:"team_name"`
	State     fleet.TeamState `json:"state"`
	Members   int             `json:"members"`
	OpenTasks int             `json:"open_tasks"`
	AskedAt   time.Time       `json:"asked_at"`
}

// Crosstalk lets an agent in one team query another team's status. The
// querying team must hold a crosstalk permit toward the target, and the pair
// is subject to the hourly exchange budget.
func (c *Coordinator) Crosstalk(ctx context.Context, fromTeamID, toTeamID, agentID, question string) (*CrosstalkReply, error) {
	from, err := c.repo.GetTeam(ctx, fromTeamID)
	if err != nil {
		return nil, err
	}
	to, err := c.repo.GetTeam(ctx, toTeamID)
	if err != nil {
		return nil, err
	}
	if !from.IsMember(agentID) {
		return nil, fmt.Errorf("agent %s in team %s: %w", agentID, fromTeamID, ErrNotMember)
	}
	if err := c.checkPermit(from, to, fleet.PermitCrosstalk); err != nil {
		return nil, err
	}

	reply := &CrosstalkReply{
		TeamID:   to.ID,
		TeamName: to.Name,
		State:    to.State,
		Members:  len(to.MemberIDs) + 1,
		AskedAt:  time.Now(),
	}
	for _, id := range append([]string{to.LeaderID}, to.MemberIDs...) {
		a, err := c.repo.GetAgent(ctx, id)
		if err != nil {
			c.logger.Warn("crosstalk member lookup failed",
				zap.String("team_id", to.ID), zap.String("agent_id", id), zap.Error(err))
			continue
		}
		reply.OpenTasks += len(a.CurrentTasks)
	}

	c.record(ctx, audit.Entry{
		Kind:      "crosstalk",
		Subject:   string(fleet.SubjectTeam),
		SubjectID: fromTeamID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("agent %s asked team %q: %s", agentID, to.Name, question),
		Detail:    map[string]string{"to_team_id": toTeamID},
		At:        reply.AskedAt,
	})
	return reply, nil
}

// HandoffPayload is the context a task carries across teams.
type HandoffPayload struct {
	Artifacts []string `json:"artifacts,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Handoff is a pending inter-team task transfer. It completes only when a
// receiving agent acknowledges; until then ownership stays with the offerer.
type Handoff struct {
	ID          string         `json:"id"`
	FromTeamID  string         `json:"from_team_id"`
	ToTeamID    string         `json:"to_team_id"`
	FromAgentID string         `json:"from_agent_id"`
	TaskID      string         `json:"task_id"`
	Payload     HandoffPayload `json:"payload"`
	OfferedAt   time.Time      `json:"offered_at"`
}

// OfferHandoff opens a task transfer toward another team. The offering team
// needs a handoff permit and budget headroom, the task must be held by the
// offering agent, and the offering team moves to the handoff state.
func (c *Coordinator) OfferHandoff(ctx context.Context, fromTeamID, toTeamID, agentID, taskID string, payload HandoffPayload) (*Handoff, error) {
	from, err := c.repo.GetTeam(ctx, fromTeamID)
	if err != nil {
		return nil, err
	}
	to, err := c.repo.GetTeam(ctx, toTeamID)
	if err != nil {
		return nil, err
	}
	if !from.IsMember(agentID) {
		return nil, fmt.Errorf("agent %s in team %s: %w", agentID, fromTeamID, ErrNotMember)
	}
	if err := c.checkPermit(from, to, fleet.PermitHandoff); err != nil {
		return nil, err
	}

	task, err := c.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedTo != agentID {
		return nil, fmt.Errorf("task %s is not held by agent %s", taskID, agentID)
	}

	err = c.updateTeam(ctx, fromTeamID, func(t *fleet.Team) error {
		if t.State == fleet.TeamHandoff {
			return errNoChange
		}
		if t.State == fleet.TeamIdle {
			t.State = fleet.TeamWorking
		}
		if err := fleet.TransitionTeam(t.State, fleet.TeamHandoff); err != nil {
			return err
		}
		t.State = fleet.TeamHandoff
		return nil
	})
	if err != nil {
		return nil, err
	}

	h := &Handoff{
		ID:          uuid.New().String(),
		FromTeamID:  fromTeamID,
		ToTeamID:    toTeamID,
		FromAgentID: agentID,
		TaskID:      taskID,
		Payload:     payload,
		OfferedAt:   time.Now(),
	}
	c.mu.Lock()
	c.handoffs[h.ID] = h
	c.mu.Unlock()

	c.logger.Info("handoff offered",
		zap.String("handoff_id", h.ID),
		zap.String("task_id", taskID),
		zap.String("from_team", fromTeamID),
		zap.String("to_team", toTeamID))
	c.record(ctx, audit.Entry{
		Kind:      "handoff_offered",
		Subject:   string(fleet.SubjectTask),
		SubjectID: taskID,
		ProjectID: task.ProjectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("agent %s offered task %s to team %q", agentID, taskID, to.Name),
		Detail:    map[string]string{"handoff_id": h.ID},
		At:        h.OfferedAt,
	})
	return h, nil
}

// PendingHandoffs lists open offers, optionally filtered to one receiving team.
func (c *Coordinator) PendingHandoffs(toTeamID string) []*Handoff {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Handoff, 0, len(c.handoffs))
	for _, h := range c.handoffs {
		if toTeamID == "" || h.ToTeamID == toTeamID {
			out = append(out, h)
		}
	}
	return out
}

// AcknowledgeHandoff completes a pending transfer: the receiving agent takes
// ownership of the task, both agents' task lists are adjusted, the payload is
// recorded on the receiving team's log in the same write, and the offering
// team returns to working.
func (c *Coordinator) AcknowledgeHandoff(ctx context.Context, handoffID, receiverID string) error {
	c.mu.Lock()
	h, ok := c.handoffs[handoffID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("handoff %s: %w", handoffID, fleet.ErrNotFound)
	}

	to, err := c.repo.GetTeam(ctx, h.ToTeamID)
	if err != nil {
		return err
	}
	if !to.IsMember(receiverID) {
		return fmt.Errorf("agent %s in team %s: %w", receiverID, h.ToTeamID, ErrNotMember)
	}

	receiver, err := c.repo.GetAgent(ctx, receiverID)
	if err != nil {
		return err
	}
	if !receiver.Active() {
		return fmt.Errorf("agent %s is %s and cannot accept a handoff", receiverID, receiver.Status)
	}
	if !receiver.HasCapacity() {
		return fmt.Errorf("agent %s is at capacity", receiverID)
	}

	giver, err := c.repo.GetAgent(ctx, h.FromAgentID)
	if err != nil {
		return err
	}
	task, err := c.repo.GetTask(ctx, h.TaskID)
	if err != nil {
		return err
	}
	if task.AssignedTo != h.FromAgentID {
		// Reassigned or finished while the offer sat open; drop the offer.
		c.dropHandoff(handoffID)
		return fmt.Errorf("task %s is no longer held by the offering agent", h.TaskID)
	}

	now := time.Now()
	task.AssignedTo = receiverID
	task.Status = fleet.TaskAssigned
	task.Progress = 0
	task.StartedAt = &now
	task.LastUpdated = now

	giver.CurrentTasks = removeID(giver.CurrentTasks, task.ID)
	if len(giver.CurrentTasks) == 0 && giver.Status == fleet.AgentWorking {
		giver.Status = fleet.AgentIdle
	}
	receiver.CurrentTasks = append(receiver.CurrentTasks, task.ID)
	receiver.Status = fleet.AgentWorking

	blob, err := json.Marshal(h.Payload)
	if err != nil {
		return fmt.Errorf("encode handoff payload: %w", err)
	}
	record := &fleet.NegotiationMessage{
		ID:        uuid.New().String(),
		TeamID:    h.ToTeamID,
		AuthorID:  receiverID,
		Type:      fleet.MessageDecision,
		InReplyTo: h.ID,
		Payload:   string(blob),
		CreatedAt: now,
	}
	if err := c.repo.TransferTask(ctx, task, giver, receiver, record); err != nil {
		return fmt.Errorf("transfer task %s: %w", task.ID, err)
	}
	c.dropHandoff(handoffID)

	err = c.updateTeam(ctx, h.FromTeamID, func(t *fleet.Team) error {
		if t.State != fleet.TeamHandoff {
			return errNoChange
		}
		t.State = fleet.TeamWorking
		return nil
	})
	if err != nil {
		c.logger.Error("offering team did not return to working",
			zap.String("team_id", h.FromTeamID), zap.Error(err))
	}

	c.logger.Info("handoff acknowledged",
		zap.String("handoff_id", handoffID),
		zap.String("task_id", task.ID),
		zap.String("receiver", receiverID))
	c.record(ctx, audit.Entry{
		Kind:      "handoff_completed",
		Subject:   string(fleet.SubjectTask),
		SubjectID: task.ID,
		ProjectID: task.ProjectID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("task %s transferred from agent %s to agent %s", task.ID, h.FromAgentID, receiverID),
		Detail:    map[string]string{"handoff_id": handoffID},
		At:        now,
	})
	return nil
}

func (c *Coordinator) dropHandoff(id string) {
	c.mu.Lock()
	delete(c.handoffs, id)
	c.mu.Unlock()
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
