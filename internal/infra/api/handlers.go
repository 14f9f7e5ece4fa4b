package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/usecase"

	"github.com/go-chi/chi/v5"
)

// submitJobRequest is the JSON body of POST /api/v1/jobs.
type submitJobRequest struct {
	Question  string `json:"question"`
	KBName    string `json:"kb_name"`
	AgentType string `json:"agent_type,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Locale    string `json:"locale,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type messageView struct {
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Agent     string          `json:"agent,omitempty"`
	Files     []model.FileRef `json:"files,omitempty"`
	Recovered bool            `json:"recovered,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type sessionView struct {
	ID        string              `json:"id"`
	UserID    string              `json:"user_id"`
	KBName    string              `json:"kb_name"`
	AgentType string              `json:"agent_type"`
	Status    model.SessionStatus `json:"status"`
	Metadata  map[string]string   `json:"metadata,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := s.queue.Enqueue(ctx, model.WorkflowParams{
		Question:  req.Question,
		KBName:    req.KBName,
		AgentType: req.AgentType,
		UserID:    req.UserID,
		Locale:    req.Locale,
		SessionID: req.SessionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidArgument):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, domain.ErrRateLimited):
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		default:
			http.Error(w, "Failed to create job", http.StatusInternalServerError)
		}
		return
	}

	// A rejected dispatch is not a submit failure: the job is persisted
	// as pending and the runner will pick it up.
	if err := s.queue.DispatchAsync(ctx, job.ID); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("immediate dispatch rejected, job left for runner")
	}

	writeJSON(w, http.StatusAccepted, usecase.ToJobStatusView(job))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.GetJobWithCleanup(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, usecase.ToJobStatusView(job))
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	msgs, err := s.history.Transcript(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "Failed to load transcript", http.StatusInternalServerError)
		return
	}

	items := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, messageView{
			Role:      m.Role,
			Content:   m.Content,
			Agent:     m.Agent,
			Files:     m.Files,
			Recovered: m.Recovered,
			Timestamp: m.Timestamp,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		SessionID string        `json:"session_id"`
		Items     []messageView `json:"items"`
	}{SessionID: sessionID, Items: items})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	sessions, err := s.history.ListSessions(r.Context(), userID)
	if err != nil {
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	items := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionView{
			ID:        sess.ID,
			UserID:    sess.UserID,
			KBName:    sess.KBName,
			AgentType: sess.AgentType,
			Status:    sess.Status,
			Metadata:  sess.Metadata,
			CreatedAt: sess.CreatedAt,
			UpdatedAt: sess.UpdatedAt,
		})
	}

	writeJSON(w, http.StatusOK, struct {
		Items []sessionView `json:"items"`
	}{Items: items})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	stuck, deleted, err := s.queue.RunCleanup(r.Context())
	if err != nil {
		http.Error(w, "Cleanup failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		StuckFailed int64 `json:"stuck_failed"`
		Deleted     int64 `json:"deleted"`
	}{StuckFailed: stuck, Deleted: deleted})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Counts map[model.JobStatus]int64 `json:"counts"`
	}{Counts: counts})
}

func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	// Resolve before upgrading so an unknown job is still a plain 404.
	job, err := s.queue.GetJobWithCleanup(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		return
	}

	c := s.hub.Watch(jobID, conn)
	c.push(usecase.ToJobStatusView(job))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
