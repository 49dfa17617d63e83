package fleet

import "time"

// MessageType classifies entries in a team's negotiation log.
type MessageType string

const (
	MessageProposal MessageType = "proposal"
	MessageCounter  MessageType = "counter"
	MessageVote     MessageType = "vote"
	MessageDecision MessageType = "decision"
)

// Vote is a member's position on a proposal.
type Vote string

const (
	VoteAgree    Vote = "agree"
	VoteDisagree Vote = "disagree"
	VoteAbstain  Vote = "abstain"
)

// NegotiationMessage is one append-only entry in a team's consensus log.
type NegotiationMessage struct {
	ID        string      `json:"id"`
	TeamID    string      `json:"team_id"`
	AuthorID  string      `json:"author_id"`
	Type      MessageType `json:"type"`
	InReplyTo string      `json:"in_reply_to,omitempty"`
	Vote      Vote        `json:"vote,omitempty"`
	Payload   string      `json:"payload,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
