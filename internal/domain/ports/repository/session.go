package repository

import (
	"context"

	"kb-research-agent/internal/domain/model"
)

// -----------------------------
// Agent Sessions
// -----------------------------

type SessionRepository interface {
	Save(ctx context.Context, qx any, session *model.AgentSession) error
	FindByID(ctx context.Context, qx any, id string) (*model.AgentSession, error)
	FindAllByUser(ctx context.Context, qx any, userID string) ([]*model.AgentSession, error)
	UpdateStatus(ctx context.Context, qx any, sessionID string, status model.SessionStatus) error

	// AppendStep persists a step, assigning the next step number for the
	// session atomically. Returns domain.ErrDuplicateStep when a concurrent
	// writer took the number first.
	AppendStep(ctx context.Context, qx any, step *model.AgentStep) error
	// ListSteps returns the session's full step log in step order.
	ListSteps(ctx context.Context, qx any, sessionID string) ([]*model.AgentStep, error)
	// LastStepByType returns the most recent step of the given type, or
	// domain.ErrNotFound when the session has none.
	LastStepByType(ctx context.Context, qx any, sessionID string, t model.StepType) (*model.AgentStep, error)
	// ListMessages decodes the session's context_message steps into the
	// conversational view, oldest first. Steps whose payload no longer
	// decodes are skipped.
	ListMessages(ctx context.Context, qx any, sessionID string) ([]model.Message, error)
}
