package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// AgentSession is the aggregate root for one conversation with the research
// agent. Steps and messages hang off the session; the session row itself only
// carries identity, coarse lifecycle state and the free-form metadata of the
// request that opened it (original question, locale).
type AgentSession struct {
	ID        string
	UserID    string
	KBName    string
	AgentType string
	Metadata  map[string]string
	Status    SessionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewAgentSession(userID, kbName, agentType string, metadata map[string]string) *AgentSession {
	now := time.Now()
	return &AgentSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		KBName:    kbName,
		AgentType: agentType,
		Metadata:  metadata,
		Status:    SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Locale returns the session's request locale, or the empty string when the
// opening request did not carry one.
func (s *AgentSession) Locale() string { return s.Metadata["locale"] }

func (s *AgentSession) Active() bool { return s.Status == SessionStatusActive }

// Message is the conversational view of a session. Messages are not stored in
// a table of their own; they are encoded as context_message steps and decoded
// back on read. Recovered marks messages synthesized from completed job output
// during history reconciliation rather than read from the step log.
type Message struct {
	SessionID string
	Role      string // "user" | "assistant" | "system"
	Content   string
	Agent     string // producing agent type for assistant turns, empty otherwise
	Files     []FileRef
	Recovered bool
	Timestamp time.Time
}
