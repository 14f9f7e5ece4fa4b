// File: internal/usecase/history_uc.go
package usecase

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/repository"
	"kb-research-agent/internal/infra/metrics"
)

// Compile-time check
var _ HistoryUseCase = (*historyUC)(nil)

// HistoryUseCase serves conversation transcripts, repairing a missing
// assistant turn from completed job output at read time.
type HistoryUseCase interface {
	// Transcript returns the session's messages oldest-first. When the
	// transcript holds user turns but no assistant turn, answers are
	// synthesized from the session's completed jobs and merged in. The repair
	// never writes back; every read re-derives it.
	Transcript(ctx context.Context, sessionID string) ([]model.Message, error)
	ListSessions(ctx context.Context, userID string) ([]*model.AgentSession, error)
}

type historyUC struct {
	sessions repository.SessionRepository
	jobs     repository.ResearchJobRepository
	log      *zerolog.Logger
}

func NewHistoryUseCase(
	sessions repository.SessionRepository,
	jobs repository.ResearchJobRepository,
	logger *zerolog.Logger,
) *historyUC {
	lg := logger.With().Str("component", "history_uc").Logger()
	return &historyUC{sessions: sessions, jobs: jobs, log: &lg}
}

func (h *historyUC) Transcript(ctx context.Context, sessionID string) ([]model.Message, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	msgs, err := h.sessions.ListMessages(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return msgs, nil
	}
	for _, m := range msgs {
		if m.Role == "assistant" {
			return msgs, nil
		}
	}

	// A transcript with questions but no answers means an assistant write was
	// lost. Completed jobs still hold the answers.
	jobs, err := h.jobs.FindBySession(ctx, nil, sessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sessionID).Msg("history repair skipped, jobs unavailable")
		return msgs, nil
	}
	recovered := 0
	for _, job := range jobs {
		if job.Status != model.JobStatusCompleted || job.OutputContent == "" {
			continue
		}
		ts := job.CreatedAt
		if job.CompletedAt != nil {
			ts = *job.CompletedAt
		}
		msgs = append(msgs, model.Message{
			SessionID: sessionID,
			Role:      "assistant",
			Content:   job.OutputContent,
			Agent:     job.Params.AgentType,
			Files:     job.Files,
			Recovered: true,
			Timestamp: ts,
		})
		recovered++
	}
	if recovered > 0 {
		sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
		metrics.AddMessagesRecovered(recovered)
		h.log.Info().Str("session_id", sessionID).Int("recovered", recovered).Msg("assistant turns recovered from job output")
	}
	return msgs, nil
}

func (h *historyUC) ListSessions(ctx context.Context, userID string) ([]*model.AgentSession, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, domain.ErrInvalidArgument
	}
	return h.sessions.FindAllByUser(ctx, nil, userID)
}
