//go:build !integration

package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"kb-research-agent/internal/domain"
)

// --- ResearchJob Model Tests ---

func TestResearchJobLifecycle(t *testing.T) {
	t.Run("NewResearchJob should start pending with no timestamps", func(t *testing.T) {
		job := NewResearchJob(WorkflowParams{Question: "q", KBName: "kb"})
		if job.ID == "" {
			t.Error("expected job ID to be non-empty")
		}
		if job.Status != JobStatusPending {
			t.Errorf("expected status to be 'pending', but got %s", job.Status)
		}
		if job.StartedAt != nil {
			t.Error("expected StartedAt to be nil for a pending job")
		}
		if job.CompletedAt != nil {
			t.Error("expected CompletedAt to be nil for a pending job")
		}
		if job.Terminal() {
			t.Error("expected a pending job to be non-terminal")
		}
	})

	t.Run("MarkProcessing should set StartedAt", func(t *testing.T) {
		job := NewResearchJob(WorkflowParams{Question: "q", KBName: "kb"})
		job.MarkProcessing()
		if job.Status != JobStatusProcessing {
			t.Errorf("expected status to be 'processing', but got %s", job.Status)
		}
		if job.StartedAt == nil {
			t.Fatal("expected StartedAt to be set after MarkProcessing")
		}
		if job.CompletedAt != nil {
			t.Error("expected CompletedAt to remain nil while processing")
		}
	})

	t.Run("MarkCompleted should finish the job with full progress", func(t *testing.T) {
		job := NewResearchJob(WorkflowParams{Question: "q", KBName: "kb"})
		job.MarkProcessing()
		job.MarkCompleted("answer", []FileRef{{Name: "out.csv", URL: "s3://x/out.csv"}})
		if job.Status != JobStatusCompleted {
			t.Errorf("expected status to be 'completed', but got %s", job.Status)
		}
		if job.CompletedAt == nil {
			t.Fatal("expected CompletedAt to be set after MarkCompleted")
		}
		if job.Progress != 100 {
			t.Errorf("expected progress to be 100, but got %d", job.Progress)
		}
		if job.OutputContent != "answer" {
			t.Errorf("expected output content to be 'answer', but got %q", job.OutputContent)
		}
		if len(job.Files) != 1 || job.Files[0].Name != "out.csv" {
			t.Errorf("expected one file 'out.csv', but got %+v", job.Files)
		}
		if !job.Terminal() {
			t.Error("expected a completed job to be terminal")
		}
	})

	t.Run("MarkFailed should record the error and terminate", func(t *testing.T) {
		job := NewResearchJob(WorkflowParams{Question: "q", KBName: "kb"})
		job.MarkProcessing()
		job.MarkFailed("boom")
		if job.Status != JobStatusFailed {
			t.Errorf("expected status to be 'failed', but got %s", job.Status)
		}
		if job.ErrorMessage != "boom" {
			t.Errorf("expected error message to be 'boom', but got %q", job.ErrorMessage)
		}
		if job.CompletedAt == nil {
			t.Error("expected CompletedAt to be set after MarkFailed")
		}
		if !job.Terminal() {
			t.Error("expected a failed job to be terminal")
		}
	})
}

// --- CitationList Tests ---

func TestCitationList(t *testing.T) {
	t.Run("Add should assign sequential refs starting at 1", func(t *testing.T) {
		var ledger CitationList
		c1 := ledger.Add(Citation{Type: "rag", Source: "Doc A", URL: "kb://a"})
		c2 := ledger.Add(Citation{Type: "web", Source: "Page B", URL: "https://b"})
		c3 := ledger.Add(Citation{Type: "rag", Source: "Doc C", URL: "kb://c"})
		if c1.Ref != 1 || c2.Ref != 2 || c3.Ref != 3 {
			t.Errorf("expected refs 1,2,3, but got %d,%d,%d", c1.Ref, c2.Ref, c3.Ref)
		}
	})

	t.Run("Add must never deduplicate a repeated source", func(t *testing.T) {
		var ledger CitationList
		first := ledger.Add(Citation{Type: "rag", Source: "Doc A", URL: "kb://a"})
		again := ledger.Add(Citation{Type: "rag", Source: "Doc A", URL: "kb://a"})
		if first.Ref != 1 || again.Ref != 2 {
			t.Errorf("expected the same source to get refs 1 and 2, but got %d and %d", first.Ref, again.Ref)
		}
		if len(ledger) != 2 {
			t.Errorf("expected ledger to keep both entries, but got %d", len(ledger))
		}
	})

	t.Run("existing refs must never move when entries are appended", func(t *testing.T) {
		var ledger CitationList
		ledger.Add(Citation{Type: "rag", Source: "Doc A", URL: "kb://a"})
		before := ledger[0].Ref
		for i := 0; i < 10; i++ {
			ledger.Add(Citation{Type: "web", Source: "page", URL: "https://page/" + strings.Repeat("x", i+1)})
		}
		if ledger[0].Ref != before {
			t.Errorf("expected first ref to stay %d, but got %d", before, ledger[0].Ref)
		}
		if ledger[len(ledger)-1].Ref != len(ledger) {
			t.Errorf("expected last ref to equal ledger length %d, but got %d", len(ledger), ledger[len(ledger)-1].Ref)
		}
		for i, c := range ledger {
			if c.Ref != i+1 {
				t.Fatalf("expected strictly increasing refs, but entry %d has ref %d", i, c.Ref)
			}
		}
	})

	t.Run("Render should list entries in ref order", func(t *testing.T) {
		var ledger CitationList
		ledger.Add(Citation{Type: "rag", Source: "Doc A", URL: "kb://a"})
		ledger.Add(Citation{Type: "web", Source: "Page B", URL: "https://b"})

		out := ledger.Render()
		if !strings.HasPrefix(out, "References:") {
			t.Errorf("expected render to start with 'References:', but got %q", out)
		}
		if !strings.Contains(out, "[1] Doc A (kb://a)") {
			t.Errorf("expected render to contain entry 1, but got %q", out)
		}
		if !strings.Contains(out, "[2] Page B (https://b)") {
			t.Errorf("expected render to contain entry 2, but got %q", out)
		}
		if (CitationList{}).Render() != "" {
			t.Error("expected empty ledger to render as empty string")
		}
	})
}

// --- Plan Parsing Tests ---

func TestParsePlan(t *testing.T) {
	t.Run("should parse clean JSON", func(t *testing.T) {
		plan, err := ParsePlan(`{"understanding": "compare caches", "required_tools": ["rag", "web"]}`)
		if err != nil {
			t.Fatalf("expected plan to parse, but got: %v", err)
		}
		if plan.Understanding != "compare caches" {
			t.Errorf("expected understanding to survive parsing, but got %q", plan.Understanding)
		}
		if len(plan.RequiredTools) != 2 || plan.RequiredTools[0] != "rag" || plan.RequiredTools[1] != "web" {
			t.Errorf("expected tools [rag web], but got %v", plan.RequiredTools)
		}
	})

	t.Run("should parse a fenced JSON block", func(t *testing.T) {
		raw := "```json\n{\"required_tools\": [\"web\"], \"reasoning\": \"check the docs\"}\n```"
		plan, err := ParsePlan(raw)
		if err != nil {
			t.Fatalf("expected fenced plan to parse, but got: %v", err)
		}
		if plan.Reasoning != "check the docs" {
			t.Errorf("expected reasoning to survive parsing, but got %q", plan.Reasoning)
		}
		if !plan.Needs("web") {
			t.Errorf("expected plan to need 'web', but got %v", plan.RequiredTools)
		}
	})

	t.Run("should parse JSON surrounded by prose", func(t *testing.T) {
		raw := "Sure, here is my plan:\n{\"required_tools\": [\"rag\"]}\nLet me know."
		plan, err := ParsePlan(raw)
		if err != nil {
			t.Fatalf("expected prose-wrapped plan to parse, but got: %v", err)
		}
		if !plan.Needs("rag") {
			t.Errorf("expected plan to need 'rag', but got %v", plan.RequiredTools)
		}
	})

	t.Run("should normalize tool names and drop duplicates", func(t *testing.T) {
		plan, err := ParsePlan(`{"required_tools": [" RAG ", "rag", "", "Web"]}`)
		if err != nil {
			t.Fatalf("expected plan to parse, but got: %v", err)
		}
		if len(plan.RequiredTools) != 2 || plan.RequiredTools[0] != "rag" || plan.RequiredTools[1] != "web" {
			t.Errorf("expected normalized tools [rag web], but got %v", plan.RequiredTools)
		}
	})

	t.Run("should keep code snippets", func(t *testing.T) {
		raw := `{"required_tools": ["code"], "code": [{"language": "python", "source": "print(1)"}]}`
		plan, err := ParsePlan(raw)
		if err != nil {
			t.Fatalf("expected plan to parse, but got: %v", err)
		}
		if len(plan.Code) != 1 || plan.Code[0].Language != "python" {
			t.Errorf("expected one python snippet, but got %+v", plan.Code)
		}
	})

	t.Run("should report garbage so callers can substitute the default plan", func(t *testing.T) {
		testCases := []struct {
			name string
			raw  string
		}{
			{"empty reply", ""},
			{"no braces", "I could not produce a plan."},
			{"broken JSON", `{"required_tools": ["rag"`},
			{"empty tool list", `{"required_tools": []}`},
			{"whitespace only tools", `{"required_tools": ["  "]}`},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := ParsePlan(tc.raw); err == nil {
					t.Fatalf("expected an error for %s, but the plan parsed", tc.name)
				}
			})
		}
		fallback := DefaultPlan()
		if len(fallback.RequiredTools) != 1 || fallback.RequiredTools[0] != "rag" {
			t.Errorf("expected the default plan [rag], but got %v", fallback.RequiredTools)
		}
	})
}

// --- Step Payload Tests ---

func TestStepData(t *testing.T) {
	t.Run("should round-trip an investigate payload", func(t *testing.T) {
		in := StepData{Investigate: &InvestigatePayload{
			Plan:        Plan{RequiredTools: []string{"rag", "web"}},
			RawResponse: `{"required_tools":["rag","web"]}`,
		}}
		raw, err := EncodeStepData(StepTypeInvestigate, in)
		if err != nil {
			t.Fatalf("expected encode to succeed, but got: %v", err)
		}
		out, err := DecodeStepData(StepTypeInvestigate, raw)
		if err != nil {
			t.Fatalf("expected decode to succeed, but got: %v", err)
		}
		if out.Investigate == nil {
			t.Fatal("expected investigate payload after decode, but got nil")
		}
		if len(out.Investigate.Plan.RequiredTools) != 2 {
			t.Errorf("expected 2 required tools, but got %v", out.Investigate.Plan.RequiredTools)
		}
	})

	t.Run("should round-trip an execute_tools payload with citations", func(t *testing.T) {
		var ledger CitationList
		ledger.Add(Citation{Type: "rag", Source: "Doc A", Content: "body", URL: "kb://a"})
		in := StepData{ExecuteTools: &ExecuteToolsPayload{
			Question:  "what is a doc",
			Context:   "[1] body",
			ToolsRun:  []ToolRun{{Tool: "rag", OK: true, Results: 1}},
			Citations: ledger,
		}}
		raw, err := EncodeStepData(StepTypeExecuteTools, in)
		if err != nil {
			t.Fatalf("expected encode to succeed, but got: %v", err)
		}
		out, err := DecodeStepData(StepTypeExecuteTools, raw)
		if err != nil {
			t.Fatalf("expected decode to succeed, but got: %v", err)
		}
		if out.ExecuteTools == nil {
			t.Fatal("expected execute_tools payload after decode, but got nil")
		}
		if out.ExecuteTools.Question != "what is a doc" || out.ExecuteTools.Context != "[1] body" {
			t.Errorf("expected question and context to survive, but got %+v", out.ExecuteTools)
		}
		if len(out.ExecuteTools.Citations) != 1 || out.ExecuteTools.Citations[0].Ref != 1 {
			t.Errorf("expected citation ref 1 to survive, but got %+v", out.ExecuteTools.Citations)
		}
	})

	t.Run("should reject a payload that does not match the type", func(t *testing.T) {
		_, err := EncodeStepData(StepTypeFinalAnswer, StepData{Investigate: &InvestigatePayload{}})
		if err == nil {
			t.Fatal("expected an error for mismatched payload, but got nil")
		}
		if !errors.Is(err, domain.ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, but got %v", err)
		}
	})

	t.Run("should preserve unknown step types as raw bytes", func(t *testing.T) {
		raw := []byte(`{"future_field": 42}`)
		out, err := DecodeStepData(StepType("telemetry"), raw)
		if err != nil {
			t.Fatalf("expected decode to succeed, but got: %v", err)
		}
		if string(out.Raw) != string(raw) {
			t.Errorf("expected raw payload to be preserved, but got %s", out.Raw)
		}
		enc, err := EncodeStepData(StepType("telemetry"), out)
		if err != nil {
			t.Fatalf("expected encode to succeed, but got: %v", err)
		}
		if string(enc) != string(raw) {
			t.Errorf("expected unknown payload to round-trip untouched, but got %s", enc)
		}
	})
}

func TestMessageSteps(t *testing.T) {
	t.Run("NewMessageStep and Message should round-trip", func(t *testing.T) {
		ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		step := NewMessageStep("sess-1", Message{
			Role:      "assistant",
			Content:   "hello",
			Agent:     "research",
			Recovered: true,
			Timestamp: ts,
		})
		if step.Type != StepTypeContextMessage {
			t.Fatalf("expected context_message step, but got %s", step.Type)
		}
		if !step.CreatedAt.Equal(ts) {
			t.Errorf("expected step CreatedAt to follow the message timestamp, but got %v", step.CreatedAt)
		}
		msg, ok := step.Message()
		if !ok {
			t.Fatal("expected step to convert back to a message")
		}
		if msg.Role != "assistant" || msg.Content != "hello" || !msg.Recovered {
			t.Errorf("expected message fields to survive, but got %+v", msg)
		}
		if msg.Agent != "research" {
			t.Errorf("expected the agent tag to survive, but got %q", msg.Agent)
		}
		if !msg.Timestamp.Equal(ts) {
			t.Errorf("expected message timestamp %v, but got %v", ts, msg.Timestamp)
		}
	})

	t.Run("Message should refuse non-message steps", func(t *testing.T) {
		step := NewAgentStep("sess-1", StepTypeInvestigate, StepData{Investigate: &InvestigatePayload{}})
		if _, ok := step.Message(); ok {
			t.Error("expected investigate step to not convert to a message")
		}
	})

	t.Run("Message should fall back to step CreatedAt when payload has no timestamp", func(t *testing.T) {
		step := NewAgentStep("sess-1", StepTypeContextMessage, StepData{
			ContextMessage: &ContextMessagePayload{Role: "user", Content: "hi"},
		})
		msg, ok := step.Message()
		if !ok {
			t.Fatal("expected step to convert to a message")
		}
		if !msg.Timestamp.Equal(step.CreatedAt) {
			t.Errorf("expected timestamp to fall back to CreatedAt %v, but got %v", step.CreatedAt, msg.Timestamp)
		}
	})
}
