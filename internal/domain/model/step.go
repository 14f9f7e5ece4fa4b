package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"kb-research-agent/internal/domain"
)

type StepType string

const (
	StepTypeInvestigate    StepType = "investigate"
	StepTypeExecuteTools   StepType = "execute_tools"
	StepTypeFinalAnswer    StepType = "final_answer"
	StepTypeContextMessage StepType = "context_message"
)

// AgentStep is one append-only entry in a session's step log. StepNumber is
// assigned by the repository at insert time and is unique per session.
type AgentStep struct {
	ID         string
	SessionID  string
	StepNumber int
	Type       StepType
	Data       StepData
	CreatedAt  time.Time
}

func NewAgentStep(sessionID string, t StepType, data StepData) *AgentStep {
	return &AgentStep{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      t,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// StepData is a tagged union over the per-type payloads. Exactly one field is
// set for a known step type; Raw preserves payloads whose type this build does
// not recognize so that old rows survive a round trip untouched.
type StepData struct {
	Investigate    *InvestigatePayload
	ExecuteTools   *ExecuteToolsPayload
	FinalAnswer    *FinalAnswerPayload
	ContextMessage *ContextMessagePayload
	Raw            json.RawMessage
}

// InvestigatePayload records the planning stage: the model's raw reply and the
// plan parsed out of it.
type InvestigatePayload struct {
	Plan        Plan   `json:"plan"`
	RawResponse string `json:"raw_response,omitempty"`
	Model       string `json:"model,omitempty"`
}

// ToolRun summarizes one tool invocation, successful or not.
type ToolRun struct {
	Tool       string `json:"tool"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Results    int    `json:"results"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// ExecuteToolsPayload records the gathering stage: the question being worked
// on, the accumulated "[n] snippet" context the finalize stage will synthesize
// from, the ledger backing those markers, and any artifacts produced along the
// way. Each citation holds the full snippet, so the context string is
// derivable but kept verbatim for the synthesis prompt.
type ExecuteToolsPayload struct {
	Question  string       `json:"question"`
	Context   string       `json:"context"`
	ToolsRun  []ToolRun    `json:"tools_run,omitempty"`
	Citations CitationList `json:"citations,omitempty"`
	Files     []FileRef    `json:"files,omitempty"`
}

// FinalAnswerPayload records the synthesis stage. Files are carried over from
// the execute_tools stage so the job result is derivable from this step alone.
type FinalAnswerPayload struct {
	Answer     string       `json:"answer"`
	Citations  CitationList `json:"citations,omitempty"`
	Files      []FileRef    `json:"files,omitempty"`
	Model      string       `json:"model,omitempty"`
	TokensUsed int          `json:"tokens_used,omitempty"`
}

// ContextMessagePayload is a conversational message encoded as a step.
// Timestamp overrides the step's CreatedAt when set; reconciliation uses this
// to slot recovered messages at the time the producing job finished.
type ContextMessagePayload struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Agent     string    `json:"agent,omitempty"`
	Files     []FileRef `json:"files,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// EncodeStepData serializes the payload matching t. The payload for a known
// type must be present; Raw serves any type this build does not know.
func EncodeStepData(t StepType, d StepData) ([]byte, error) {
	switch t {
	case StepTypeInvestigate:
		if d.Investigate == nil {
			return nil, domain.ErrInvalidArgument
		}
		return json.Marshal(d.Investigate)
	case StepTypeExecuteTools:
		if d.ExecuteTools == nil {
			return nil, domain.ErrInvalidArgument
		}
		return json.Marshal(d.ExecuteTools)
	case StepTypeFinalAnswer:
		if d.FinalAnswer == nil {
			return nil, domain.ErrInvalidArgument
		}
		return json.Marshal(d.FinalAnswer)
	case StepTypeContextMessage:
		if d.ContextMessage == nil {
			return nil, domain.ErrInvalidArgument
		}
		return json.Marshal(d.ContextMessage)
	default:
		if d.Raw == nil {
			return nil, domain.ErrInvalidArgument
		}
		return d.Raw, nil
	}
}

// DecodeStepData parses raw according to t. Unknown types are preserved in
// Raw rather than rejected.
func DecodeStepData(t StepType, raw []byte) (StepData, error) {
	var d StepData
	switch t {
	case StepTypeInvestigate:
		d.Investigate = &InvestigatePayload{}
		if err := json.Unmarshal(raw, d.Investigate); err != nil {
			return StepData{}, err
		}
	case StepTypeExecuteTools:
		d.ExecuteTools = &ExecuteToolsPayload{}
		if err := json.Unmarshal(raw, d.ExecuteTools); err != nil {
			return StepData{}, err
		}
	case StepTypeFinalAnswer:
		d.FinalAnswer = &FinalAnswerPayload{}
		if err := json.Unmarshal(raw, d.FinalAnswer); err != nil {
			return StepData{}, err
		}
	case StepTypeContextMessage:
		d.ContextMessage = &ContextMessagePayload{}
		if err := json.Unmarshal(raw, d.ContextMessage); err != nil {
			return StepData{}, err
		}
	default:
		d.Raw = append(json.RawMessage(nil), raw...)
	}
	return d, nil
}

// Message converts a context_message step into its conversational view.
// The second return is false for any other step type.
func (s *AgentStep) Message() (Message, bool) {
	if s.Type != StepTypeContextMessage || s.Data.ContextMessage == nil {
		return Message{}, false
	}
	p := s.Data.ContextMessage
	ts := p.Timestamp
	if ts.IsZero() {
		ts = s.CreatedAt
	}
	return Message{
		SessionID: s.SessionID,
		Role:      p.Role,
		Content:   p.Content,
		Agent:     p.Agent,
		Files:     p.Files,
		Recovered: p.Recovered,
		Timestamp: ts,
	}, true
}

// NewMessageStep wraps a conversational message as a context_message step.
func NewMessageStep(sessionID string, msg Message) *AgentStep {
	step := NewAgentStep(sessionID, StepTypeContextMessage, StepData{
		ContextMessage: &ContextMessagePayload{
			Role:      msg.Role,
			Content:   msg.Content,
			Agent:     msg.Agent,
			Files:     msg.Files,
			Recovered: msg.Recovered,
			Timestamp: msg.Timestamp,
		},
	})
	if !msg.Timestamp.IsZero() {
		step.CreatedAt = msg.Timestamp
	}
	return step
}
