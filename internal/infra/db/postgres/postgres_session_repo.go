// File: internal/infra/db/postgres/postgres_session_repo.go
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/repository"
)

var _ repository.SessionRepository = (*SessionRepo)(nil)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func (r *SessionRepo) Save(ctx context.Context, qx any, session *model.AgentSession) error {
	meta, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	const q = `
INSERT INTO agent_sessions (id, user_id, kb_name, agent_type, metadata, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,COALESCE($7,NOW()),COALESCE($8,NOW()))
ON CONFLICT (id) DO UPDATE SET
  user_id = EXCLUDED.user_id,
  kb_name = EXCLUDED.kb_name,
  agent_type = EXCLUDED.agent_type,
  metadata = EXCLUDED.metadata,
  status = EXCLUDED.status,
  updated_at = EXCLUDED.updated_at;`
	_, err = execSQL(ctx, r.pool, qx, q,
		session.ID, session.UserID, session.KBName, session.AgentType, meta,
		string(session.Status), session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SessionRepo) FindByID(ctx context.Context, qx any, id string) (*model.AgentSession, error) {
	const q = `
SELECT id, user_id, kb_name, agent_type, metadata, status, created_at, updated_at
  FROM agent_sessions WHERE id = $1;`
	row, err := pickRow(ctx, r.pool, qx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSession(row)
}

func (r *SessionRepo) FindAllByUser(ctx context.Context, qx any, userID string) ([]*model.AgentSession, error) {
	const q = `
SELECT id, user_id, kb_name, agent_type, metadata, status, created_at, updated_at
  FROM agent_sessions WHERE user_id = $1 ORDER BY created_at DESC;`
	rows, err := queryRows(ctx, r.pool, qx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AgentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (*model.AgentSession, error) {
	var s model.AgentSession
	var status string
	var meta []byte
	if err := row.Scan(&s.ID, &s.UserID, &s.KBName, &s.AgentType, &meta, &status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal session metadata: %w", err)
		}
	}
	s.Status = model.SessionStatus(status)
	return &s, nil
}

func (r *SessionRepo) UpdateStatus(ctx context.Context, qx any, sessionID string, status model.SessionStatus) error {
	const q = `UPDATE agent_sessions SET status=$2, updated_at=NOW() WHERE id=$1;`
	tag, err := execSQL(ctx, r.pool, qx, q, sessionID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AppendStep assigns the next step number inside the insert itself, so two
// writers racing on the same session collide on the UNIQUE(session_id,
// step_number) constraint instead of silently sharing a number.
func (r *SessionRepo) AppendStep(ctx context.Context, qx any, step *model.AgentStep) error {
	payload, err := model.EncodeStepData(step.Type, step.Data)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO agent_steps (id, session_id, step_number, step_type, payload, created_at)
SELECT $1, $2, COALESCE(MAX(step_number), 0) + 1, $3, $4, COALESCE($5, NOW())
  FROM agent_steps WHERE session_id = $2
RETURNING step_number;`
	row, err := pickRow(ctx, r.pool, qx, q,
		step.ID, step.SessionID, string(step.Type), payload, step.CreatedAt)
	if err != nil {
		return err
	}
	if err := row.Scan(&step.StepNumber); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateStep
		}
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

func (r *SessionRepo) ListSteps(ctx context.Context, qx any, sessionID string) ([]*model.AgentStep, error) {
	const q = `
SELECT id, session_id, step_number, step_type, payload, created_at
  FROM agent_steps WHERE session_id = $1 ORDER BY step_number ASC;`
	rows, err := queryRows(ctx, r.pool, qx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.AgentStep
	for rows.Next() {
		step, err := scanStep(rows, true)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (r *SessionRepo) LastStepByType(ctx context.Context, qx any, sessionID string, t model.StepType) (*model.AgentStep, error) {
	const q = `
SELECT id, session_id, step_number, step_type, payload, created_at
  FROM agent_steps WHERE session_id = $1 AND step_type = $2
 ORDER BY step_number DESC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, qx, q, sessionID, string(t))
	if err != nil {
		return nil, err
	}
	return scanStep(row, false)
}

// ListMessages renders the conversational view. Steps whose payload no longer
// decodes are skipped rather than failing the whole read.
func (r *SessionRepo) ListMessages(ctx context.Context, qx any, sessionID string) ([]model.Message, error) {
	const q = `
SELECT id, session_id, step_number, step_type, payload, created_at
  FROM agent_steps WHERE session_id = $1 AND step_type = $2
 ORDER BY step_number ASC;`
	rows, err := queryRows(ctx, r.pool, qx, q, sessionID, string(model.StepTypeContextMessage))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		step, err := scanStep(rows, true)
		if err != nil {
			return nil, err
		}
		if msg, ok := step.Message(); ok {
			out = append(out, msg)
		}
	}
	return out, rows.Err()
}

// scanStep reads one step row. With tolerant set, a payload that fails to
// decode for its declared type is kept as raw bytes; targeted loads pass
// false and surface the decode error instead.
func scanStep(row pgx.Row, tolerant bool) (*model.AgentStep, error) {
	var s model.AgentStep
	var stepType string
	var payload []byte
	var createdAt time.Time
	if err := row.Scan(&s.ID, &s.SessionID, &s.StepNumber, &stepType, &payload, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Type = model.StepType(stepType)
	s.CreatedAt = createdAt
	data, err := model.DecodeStepData(s.Type, payload)
	if err != nil {
		if !tolerant {
			return nil, fmt.Errorf("decode step %s payload: %w", s.ID, err)
		}
		data = model.StepData{Raw: append([]byte(nil), payload...)}
	}
	s.Data = data
	return &s, nil
}
