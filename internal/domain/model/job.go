package model

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// WorkflowParams is the caller-supplied input of one research run. It is
// persisted verbatim in the job's metadata column so that an execution can be
// driven from the stored row alone.
type WorkflowParams struct {
	Question  string `json:"question"`
	KBName    string `json:"kb_name"`
	AgentType string `json:"agent_type,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Locale    string `json:"locale,omitempty"`
	// SessionID attaches the run to an existing conversation; when empty the
	// workflow creates a fresh session.
	SessionID string `json:"session_id,omitempty"`
}

// FileRef points at an artifact produced during a run (e.g. by the code
// sandbox). Only the reference is stored; the bytes live elsewhere.
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size,omitempty"`
}

// ResearchJob is the durable, pollable wrapper around one workflow run.
//
// Invariants maintained by the mutators below and enforced by the repository's
// conditional updates:
//   - CompletedAt != nil  iff  Status is terminal
//   - StartedAt  != nil   iff  Status != pending
//   - a job transitions into a terminal state exactly once
type ResearchJob struct {
	ID            string
	Status        JobStatus
	SessionID     string
	Progress      int
	CurrentStep   string
	OutputContent string
	Files         []FileRef
	Params        WorkflowParams
	ErrorMessage  string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

func NewResearchJob(params WorkflowParams) *ResearchJob {
	return &ResearchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		SessionID: params.SessionID,
		Params:    params,
		CreatedAt: time.Now(),
	}
}

func (j *ResearchJob) Terminal() bool { return j.Status.Terminal() }

func (j *ResearchJob) MarkProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
}

func (j *ResearchJob) MarkCompleted(output string, files []FileRef) {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.OutputContent = output
	j.Files = files
	j.Progress = 100
	j.CurrentStep = "completed"
	j.CompletedAt = &now
}

func (j *ResearchJob) MarkFailed(message string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.ErrorMessage = message
	j.CompletedAt = &now
}
