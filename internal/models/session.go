package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a research session.
type SessionState string

const (
	SessionDraft       SessionState = "draft"
	SessionRefining    SessionState = "refining"
	SessionRunning     SessionState = "running_research"
	SessionAggregating SessionState = "aggregating"
	SessionCompleted   SessionState = "completed"
	SessionPartial     SessionState = "partial"
	SessionFailed      SessionState = "failed"
)

// sessionTransitions is the only legal set of state moves. Terminal states
// (completed, partial, failed) have no outgoing edges.
var sessionTransitions = map[SessionState][]SessionState{
	SessionDraft:       {SessionRefining},
	SessionRefining:    {SessionRunning, SessionFailed},
	SessionRunning:     {SessionAggregating, SessionPartial, SessionFailed},
	SessionAggregating: {SessionCompleted, SessionPartial, SessionFailed},
}

// CanTransition reports whether a session may move from one state to another.
// Every state write must consult this table; a violation is a programming
// error, not a retryable runtime condition.
func CanTransition(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a session state has no outgoing transitions.
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionPartial, SessionFailed:
		return true
	}
	return false
}

// Session is the durable record of one research session.
type Session struct {
	ID            uuid.UUID    `db:"id"`
	UserID        uuid.UUID    `db:"user_id"`
	Topic         string       `db:"topic"`
	RefinedPrompt *string      `db:"refined_prompt"`
	State         SessionState `db:"state"`
	CreatedAt     time.Time    `db:"created_at"`
	RefinedAt     *time.Time   `db:"refined_at"`
	CompletedAt   *time.Time   `db:"completed_at"`
	UpdatedAt     time.Time    `db:"updated_at"`
}

// Prompt returns the refined prompt when present, else the raw topic.
func (s *Session) Prompt() string {
	if s.RefinedPrompt != nil && *s.RefinedPrompt != "" {
		return *s.RefinedPrompt
	}
	return s.Topic
}
