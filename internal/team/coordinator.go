package team

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/notify"
	"go.uber.org/zap"
)

var (
	// ErrNegotiationTimeout is raised by the deadline check when a proposal's
	// vote window elapses without quorum.
	ErrNegotiationTimeout = errors.New("negotiation deadline elapsed without quorum")

	// ErrNotMember is returned when the acting agent does not belong to the team.
	ErrNotMember = errors.New("agent is not a team member")

	// ErrNotLeader is returned when a leader-only action comes from a member.
	ErrNotLeader = errors.New("agent is not the team leader")

	// ErrProposalClosed is returned when a vote or confirmation arrives for a
	// proposal that already carries a decision.
	ErrProposalClosed = errors.New("proposal already decided")

	// ErrPermitMissing is returned when the acting pair of teams has no
	// permission record for the requested communication mode.
	ErrPermitMissing = errors.New("no permit for this team pair and mode")

	// ErrRateLimited is returned when a pair exceeds its hourly exchange budget.
	ErrRateLimited = errors.New("team pair rate limit exceeded")
)

// maxConflictRetries bounds team-update loops against version conflicts.
const maxConflictRetries = 3

// negotiationLogDepth is how far back the coordinator reads a team's log
// when tallying or sweeping.
const negotiationLogDepth = 500

// Escalator raises an escalation outside the coordinator. Satisfied by the
// orchestrator registry.
type Escalator interface {
	Escalate(ctx context.Context, ev fleet.HealthEvent, suggested string) error
}

// Coordinator drives the team state machine: the proposal/vote consensus
// protocol with its deadline, and the permit-gated crosstalk and handoff
// exchanges between teams.
type Coordinator struct {
	repo      fleet.Repository
	escalator Escalator
	senders   *notify.Registry
	auditor   audit.Sink
	cfg       config.SchedulerConfig
	limiter   *pairLimiter
	logger    *zap.Logger

	mu       sync.Mutex
	handoffs map[string]*Handoff
}

// NewCoordinator creates a team coordinator.
func NewCoordinator(repo fleet.Repository, escalator Escalator, senders *notify.Registry,
	auditor audit.Sink, cfg config.SchedulerConfig, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		repo:      repo,
		escalator: escalator,
		senders:   senders,
		auditor:   auditor,
		cfg:       cfg,
		limiter:   newPairLimiter(cfg.RateLimitPerHour, time.Hour),
		logger:    logger,
		handoffs:  make(map[string]*Handoff),
	}
}

// Decision is the lifecycle state of one proposal.
type Decision string

const (
	DecisionOpen           Decision = "open"
	DecisionAdopted        Decision = "adopted"
	DecisionRejected       Decision = "rejected"
	DecisionAwaitingLeader Decision = "awaiting_leader"
)

// Outcome reports where a proposal stands after a tally.
type Outcome struct {
	ProposalID string   `json:"proposal_id"`
	Decision   Decision `json:"decision"`
	Agree      int      `json:"agree"`
	Disagree   int      `json:"disagree"`
	Abstain    int      `json:"abstain"`
	Eligible   int      `json:"eligible"`
	AgreePct   float64  `json:"agree_pct"`
	// LeaderDecides distinguishes the 40-60 band, where the leader rules
	// unilaterally, from the 60-80 band, where the leader confirms the
	// members' majority.
	LeaderDecides bool `json:"leader_decides,omitempty"`
}

// Propose opens a proposal on the team's negotiation log and moves the team
// into negotiating. Any member may propose; an idle team is put to work first.
func (c *Coordinator) Propose(ctx context.Context, teamID, proposerID, payload string) (*fleet.NegotiationMessage, error) {
	t, err := c.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if !t.IsMember(proposerID) {
		return nil, fmt.Errorf("agent %s in team %s: %w", proposerID, teamID, ErrNotMember)
	}

	err = c.updateTeam(ctx, teamID, func(t *fleet.Team) error {
		if t.State == fleet.TeamNegotiating {
			return errNoChange
		}
		if t.State == fleet.TeamIdle {
			t.State = fleet.TeamWorking
		}
		if err := fleet.TransitionTeam(t.State, fleet.TeamNegotiating); err != nil {
			return err
		}
		t.State = fleet.TeamNegotiating
		return nil
	})
	if err != nil {
		return nil, err
	}

	msg := &fleet.NegotiationMessage{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		AuthorID:  proposerID,
		Type:      fleet.MessageProposal,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := c.repo.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append proposal: %w", err)
	}

	c.logger.Info("proposal opened",
		zap.String("team_id", teamID),
		zap.String("proposal_id", msg.ID),
		zap.String("proposer", proposerID))
	c.record(ctx, audit.Entry{
		Kind:      "proposal_opened",
		Subject:   string(fleet.SubjectTeam),
		SubjectID: teamID,
		Severity:  string(fleet.SeverityInfo),
		Message:   fmt.Sprintf("agent %s proposed: %s", proposerID, payload),
		Detail:    map[string]string{"proposal_id": msg.ID},
		At:        msg.CreatedAt,
	})
	return msg, nil
}

// Vote records a member's position on an open proposal and finalizes the
// outcome once every eligible member has voted. The proposer does not vote
// on their own proposal; a member voting again replaces their earlier vote.
func (c *Coordinator) Vote(ctx context.Context, teamID, voterID, proposalID string, v fleet.Vote) (*Outcome, error) {
	switch v {
	case fleet.VoteAgree, fleet.VoteDisagree, fleet.VoteAbstain:
	default:
		return nil, fmt.Errorf("unknown vote %q", v)
	}

	t, err := c.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if !t.IsMember(voterID) {
		return nil, fmt.Errorf("agent %s in team %s: %w", voterID, teamID, ErrNotMember)
	}

	msgs, err := c.repo.ListMessages(ctx, teamID, negotiationLogDepth)
	if err != nil {
		return nil, err
	}
	proposal := findProposal(msgs, proposalID)
	if proposal == nil {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, fleet.ErrNotFound)
	}
	if proposal.AuthorID == voterID {
		return nil, fmt.Errorf("proposer %s cannot vote on their own proposal", voterID)
	}
	if decided(msgs, proposalID) {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalClosed)
	}

	vote := &fleet.NegotiationMessage{
		ID:        uuid.New().String(),
		TeamID:    teamID,
		AuthorID:  voterID,
		Type:      fleet.MessageVote,
		InReplyTo: proposalID,
		Vote:      v,
		CreatedAt: time.Now(),
	}
	if err := c.repo.AppendMessage(ctx, vote); err != nil {
		return nil, fmt.Errorf("append vote: %w", err)
	}
	msgs = append(msgs, vote)

	outcome := c.tally(t, msgs, proposal)
	if outcome.Agree+outcome.Disagree+outcome.Abstain < outcome.Eligible {
		// Ballots still out; the deadline sweep takes over if they never arrive.
		outcome.Decision = DecisionOpen
		outcome.LeaderDecides = false
		return outcome, nil
	}
	return c.finalize(ctx, t, proposal, outcome)
}

// Confirm is the leader's ruling on a proposal parked in the 40-80% band:
// explicit confirmation of the majority (60-80) or a unilateral decision
// (40-60). adopt=false rejects and returns the team to working.
func (c *Coordinator) Confirm(ctx context.Context, teamID, leaderID, proposalID string, adopt bool) (*Outcome, error) {
	t, err := c.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if t.LeaderID != leaderID {
		return nil, fmt.Errorf("agent %s in team %s: %w", leaderID, teamID, ErrNotLeader)
	}

	msgs, err := c.repo.ListMessages(ctx, teamID, negotiationLogDepth)
	if err != nil {
		return nil, err
	}
	proposal := findProposal(msgs, proposalID)
	if proposal == nil {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, fleet.ErrNotFound)
	}
	if decided(msgs, proposalID) {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, ErrProposalClosed)
	}

	outcome := c.tally(t, msgs, proposal)
	if outcome.Decision != DecisionAwaitingLeader {
		return nil, fmt.Errorf("proposal %s is %s, not awaiting the leader", proposalID, outcome.Decision)
	}

	if adopt {
		outcome.Decision = DecisionAdopted
	} else {
		outcome.Decision = DecisionRejected
	}
	return c.settle(ctx, t, proposal, outcome, leaderID)
}

// Status tallies a proposal without mutating anything.
func (c *Coordinator) Status(ctx context.Context, teamID, proposalID string) (*Outcome, error) {
	t, err := c.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	msgs, err := c.repo.ListMessages(ctx, teamID, negotiationLogDepth)
	if err != nil {
		return nil, err
	}
	proposal := findProposal(msgs, proposalID)
	if proposal == nil {
		return nil, fmt.Errorf("proposal %s: %w", proposalID, fleet.ErrNotFound)
	}
	if d := recordedDecision(msgs, proposalID); d != "" {
		out := c.tally(t, msgs, proposal)
		out.Decision = d
		return out, nil
	}
	return c.tally(t, msgs, proposal), nil
}

// OnTick implements clock.Listener: negotiating teams are swept for
// proposals whose vote deadline elapsed.
func (c *Coordinator) OnTick(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.CheckDeadlines(ctx, now); err != nil {
		c.logger.Error("deadline sweep failed", zap.Error(err))
	}
}

// CheckDeadlines settles every overdue proposal. With quorum (more than half
// the eligible voters cast a ballot) the vote bands apply to the votes
// received; without it the team escalates with reason negotiation_timeout.
func (c *Coordinator) CheckDeadlines(ctx context.Context, now time.Time) error {
	teams, err := c.repo.ListTeams(ctx)
	if err != nil {
		return fmt.Errorf("list teams: %w", err)
	}
	for _, t := range teams {
		if t.State != fleet.TeamNegotiating {
			continue
		}
		if err := c.sweepTeam(ctx, t, now); err != nil {
			c.logger.Error("team sweep failed", zap.String("team_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) sweepTeam(ctx context.Context, t *fleet.Team, now time.Time) error {
	msgs, err := c.repo.ListMessages(ctx, t.ID, negotiationLogDepth)
	if err != nil {
		return err
	}
	deadline := c.cfg.VoteDeadline.Std()

	for _, m := range msgs {
		if m.Type != fleet.MessageProposal || decided(msgs, m.ID) {
			continue
		}
		if now.Sub(m.CreatedAt) < deadline {
			continue
		}

		outcome := c.tally(t, msgs, m)
		cast := outcome.Agree + outcome.Disagree + outcome.Abstain
		if cast*2 > outcome.Eligible {
			if _, err := c.finalize(ctx, t, m, outcome); err != nil {
				return err
			}
			continue
		}
		if err := c.escalateTimeout(ctx, t, m); err != nil {
			return err
		}
	}
	return nil
}

// escalateTimeout marks the team escalated and raises negotiation_timeout.
func (c *Coordinator) escalateTimeout(ctx context.Context, t *fleet.Team, proposal *fleet.NegotiationMessage) error {
	err := c.updateTeam(ctx, t.ID, func(t *fleet.Team) error {
		if t.State != fleet.TeamNegotiating {
			return errNoChange
		}
		t.State = fleet.TeamEscalated
		return nil
	})
	if err != nil {
		return err
	}

	// Close the proposal so the next sweep does not re-fire.
	decision := &fleet.NegotiationMessage{
		ID:        uuid.New().String(),
		TeamID:    t.ID,
		AuthorID:  t.LeaderID,
		Type:      fleet.MessageDecision,
		InReplyTo: proposal.ID,
		Payload:   string(DecisionRejected) + ": " + ErrNegotiationTimeout.Error(),
		CreatedAt: time.Now(),
	}
	if err := c.repo.AppendMessage(ctx, decision); err != nil {
		return fmt.Errorf("append timeout decision: %w", err)
	}

	c.logger.Warn("negotiation timed out",
		zap.String("team_id", t.ID),
		zap.String("proposal_id", proposal.ID))
	ev := fleet.HealthEvent{
		Subject:    fleet.SubjectTeam,
		SubjectID:  t.ID,
		Kind:       fleet.EventNegotiationTimeout,
		Severity:   fleet.SeverityWarning,
		Message:    fmt.Sprintf("team %q reached no quorum on proposal %s: %v", t.Name, proposal.ID, ErrNegotiationTimeout),
		DetectedAt: time.Now(),
	}
	if err := c.escalator.Escalate(ctx, ev, "have the leader decide, or re-propose with a longer deadline"); err != nil {
		c.logger.Error("negotiation-timeout escalation failed",
			zap.String("team_id", t.ID), zap.Error(err))
	}
	return nil
}

// tally counts the latest vote per eligible member. Percentages exclude
// abstentions from the denominator.
func (c *Coordinator) tally(t *fleet.Team, msgs []*fleet.NegotiationMessage, proposal *fleet.NegotiationMessage) *Outcome {
	latest := make(map[string]fleet.Vote)
	for _, m := range msgs {
		if m.Type != fleet.MessageVote || m.InReplyTo != proposal.ID {
			continue
		}
		if t.IsMember(m.AuthorID) && m.AuthorID != proposal.AuthorID {
			latest[m.AuthorID] = m.Vote
		}
	}

	out := &Outcome{ProposalID: proposal.ID, Eligible: eligibleVoters(t, proposal.AuthorID)}
	for _, v := range latest {
		switch v {
		case fleet.VoteAgree:
			out.Agree++
		case fleet.VoteDisagree:
			out.Disagree++
		default:
			out.Abstain++
		}
	}

	cast := out.Agree + out.Disagree
	if cast == 0 {
		out.Decision = DecisionOpen
		return out
	}
	out.AgreePct = float64(out.Agree) / float64(cast) * 100

	switch {
	case out.AgreePct >= 80:
		out.Decision = DecisionAdopted
	case out.AgreePct >= 60:
		out.Decision = DecisionAwaitingLeader
	case out.AgreePct >= 40:
		out.Decision = DecisionAwaitingLeader
		out.LeaderDecides = true
	default:
		out.Decision = DecisionRejected
	}
	return out
}

// finalize settles a fully-voted (or quorate overdue) proposal. Adopted and
// rejected outcomes are recorded immediately; the 40-80 band parks until the
// leader confirms.
func (c *Coordinator) finalize(ctx context.Context, t *fleet.Team, proposal *fleet.NegotiationMessage, outcome *Outcome) (*Outcome, error) {
	switch outcome.Decision {
	case DecisionAdopted, DecisionRejected:
		return c.settle(ctx, t, proposal, outcome, t.LeaderID)
	default:
		return outcome, nil
	}
}

// settle appends the decision record and moves the team to completed
// (adopted) or back to working (rejected, re-proposal allowed).
func (c *Coordinator) settle(ctx context.Context, t *fleet.Team, proposal *fleet.NegotiationMessage, outcome *Outcome, deciderID string) (*Outcome, error) {
	decision := &fleet.NegotiationMessage{
		ID:        uuid.New().String(),
		TeamID:    t.ID,
		AuthorID:  deciderID,
		Type:      fleet.MessageDecision,
		InReplyTo: proposal.ID,
		Payload:   string(outcome.Decision),
		CreatedAt: time.Now(),
	}
	if err := c.repo.AppendMessage(ctx, decision); err != nil {
		return nil, fmt.Errorf("append decision: %w", err)
	}

	target := fleet.TeamCompleted
	if outcome.Decision == DecisionRejected {
		target = fleet.TeamWorking
	}
	err := c.updateTeam(ctx, t.ID, func(t *fleet.Team) error {
		if t.State != fleet.TeamNegotiating {
			return errNoChange
		}
		t.State = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("proposal settled",
		zap.String("team_id", t.ID),
		zap.String("proposal_id", proposal.ID),
		zap.String("decision", string(outcome.Decision)),
		zap.Float64("agree_pct", outcome.AgreePct))
	c.record(ctx, audit.Entry{
		Kind:      "proposal_" + string(outcome.Decision),
		Subject:   string(fleet.SubjectTeam),
		SubjectID: t.ID,
		Severity:  string(fleet.SeverityInfo),
		Message: fmt.Sprintf("proposal %s %s with %d agree / %d disagree",
			proposal.ID, outcome.Decision, outcome.Agree, outcome.Disagree),
		At: decision.CreatedAt,
	})
	c.notifyDecision(ctx, t, proposal, outcome)
	return outcome, nil
}

func (c *Coordinator) notifyDecision(ctx context.Context, t *fleet.Team, proposal *fleet.NegotiationMessage, outcome *Outcome) {
	err := c.senders.Notify(ctx, notify.Event{
		Kind:     "negotiation_decision",
		Title:    fmt.Sprintf("team %s: proposal %s", t.Name, outcome.Decision),
		Body:     proposal.Payload,
		Severity: fleet.SeverityInfo,
	})
	if err != nil {
		c.logger.Warn("decision notification failed", zap.String("team_id", t.ID), zap.Error(err))
	}
}

func eligibleVoters(t *fleet.Team, proposerID string) int {
	seen := map[string]bool{t.LeaderID: true}
	for _, id := range t.MemberIDs {
		seen[id] = true
	}
	delete(seen, proposerID)
	return len(seen)
}

func findProposal(msgs []*fleet.NegotiationMessage, proposalID string) *fleet.NegotiationMessage {
	for _, m := range msgs {
		if m.ID == proposalID && m.Type == fleet.MessageProposal {
			return m
		}
	}
	return nil
}

func decided(msgs []*fleet.NegotiationMessage, proposalID string) bool {
	return recordedDecision(msgs, proposalID) != ""
}

func recordedDecision(msgs []*fleet.NegotiationMessage, proposalID string) Decision {
	for _, m := range msgs {
		if m.Type == fleet.MessageDecision && m.InReplyTo == proposalID {
			if len(m.Payload) >= len(DecisionRejected) && m.Payload[:len(DecisionRejected)] == string(DecisionRejected) {
				return DecisionRejected
			}
			return DecisionAdopted
		}
	}
	return ""
}

// errNoChange signals an update closure that no write is needed.
var errNoChange = errors.New("no change")

func (c *Coordinator) updateTeam(ctx context.Context, id string, mutate func(*fleet.Team) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		t, err := c.repo.GetTeam(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			if errors.Is(err, errNoChange) {
				return nil
			}
			return err
		}
		err = c.repo.UpdateTeam(ctx, t)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fleet.ErrVersionConflict) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

func (c *Coordinator) record(ctx context.Context, e audit.Entry) {
	if err := c.auditor.Record(ctx, e); err != nil {
		c.logger.Warn("audit write failed", zap.String("kind", e.Kind), zap.Error(err))
	}
}
