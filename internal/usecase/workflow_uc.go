// File: internal/usecase/workflow_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/adapter"
	"kb-research-agent/internal/domain/ports/repository"
	"kb-research-agent/internal/infra/i18n"
	"kb-research-agent/internal/infra/metrics"
	red "kb-research-agent/internal/infra/redis"
)

// Compile-time check
var _ WorkflowUseCase = (*workflowUC)(nil)

// Stage labels as reported to observers and stored in job progress fields.
const (
	StageInvestigate  = "investigate"
	StageExecuteTools = "execute_tools"
	StageFinalAnswer  = "final_answer"
)

// RunObserver receives best-effort progress callbacks from a workflow run.
// Callbacks must be cheap and must never fail the run.
type RunObserver interface {
	SessionStarted(ctx context.Context, sessionID string)
	StageChanged(ctx context.Context, stage string, progress int)
}

type noopObserver struct{}

func (noopObserver) SessionStarted(context.Context, string)    {}
func (noopObserver) StageChanged(context.Context, string, int) {}

// WorkflowResult is what a completed run hands back to its caller.
type WorkflowResult struct {
	SessionID string
	Answer    string
	Citations model.CitationList
	Files     []model.FileRef
}

// WorkflowUseCase is the three-stage research machine. Each stage is a
// separate invocation that reloads its predecessor's persisted state, so a
// run survives process restarts between stages; Run chains all three and
// skips the stages a previous attempt already persisted for the current
// question.
type WorkflowUseCase interface {
	StartSession(ctx context.Context, params model.WorkflowParams) (*model.AgentSession, error)
	Investigate(ctx context.Context, sessionID string) (*model.AgentStep, error)
	ExecuteTools(ctx context.Context, sessionID string) (*model.AgentStep, error)
	Finalize(ctx context.Context, sessionID string) (*model.AgentStep, error)
	Run(ctx context.Context, params model.WorkflowParams, obs RunObserver) (*WorkflowResult, error)
}

type workflowUC struct {
	sessions repository.SessionRepository
	ai       adapter.AIServiceAdapter
	rag      adapter.KnowledgeSearcher
	web      adapter.WebSearcher
	code     adapter.CodeRunner
	locker   red.Locker
	trans    *i18n.Bundle
	cfg      *config.Config
	log      *zerolog.Logger
}

func NewWorkflowUseCase(
	sessions repository.SessionRepository,
	ai adapter.AIServiceAdapter,
	rag adapter.KnowledgeSearcher,
	web adapter.WebSearcher,
	code adapter.CodeRunner,
	locker red.Locker,
	trans *i18n.Bundle,
	cfg *config.Config,
	logger *zerolog.Logger,
) *workflowUC {
	lg := logger.With().Str("component", "workflow_uc").Logger()
	return &workflowUC{
		sessions: sessions,
		ai:       ai,
		rag:      rag,
		web:      web,
		code:     code,
		locker:   locker,
		trans:    trans,
		cfg:      cfg,
		log:      &lg,
	}
}

// StartSession resolves the session a run works in: it loads the one named by
// params, or creates a fresh one, and appends the question as a user message.
// A question identical to the session's last user message is not appended
// again, so a run resumed after a crash does not duplicate its own turn.
func (w *workflowUC) StartSession(ctx context.Context, params model.WorkflowParams) (*model.AgentSession, error) {
	question := strings.TrimSpace(params.Question)
	if question == "" || strings.TrimSpace(params.KBName) == "" {
		return nil, domain.ErrInvalidArgument
	}

	var sess *model.AgentSession
	if params.SessionID != "" {
		s, err := w.sessions.FindByID(ctx, nil, params.SessionID)
		if err != nil {
			return nil, err
		}
		if !s.Active() {
			return nil, domain.ErrSessionNotActive
		}
		sess = s
	} else {
		meta := map[string]string{"question": question}
		if params.Locale != "" {
			meta["locale"] = params.Locale
		}
		if params.UserID != "" {
			meta["user_id"] = params.UserID
		}
		sess = model.NewAgentSession(params.UserID, params.KBName, params.AgentType, meta)
		if err := w.sessions.Save(ctx, nil, sess); err != nil {
			return nil, err
		}
	}

	msgs, err := w.sessions.ListMessages(ctx, nil, sess.ID)
	if err != nil {
		return nil, err
	}
	if n := len(msgs); n > 0 && msgs[n-1].Role == "user" && msgs[n-1].Content == question {
		return sess, nil
	}
	step := model.NewMessageStep(sess.ID, model.Message{SessionID: sess.ID, Role: "user", Content: question})
	if err := w.sessions.AppendStep(ctx, nil, step); err != nil {
		return nil, err
	}
	return sess, nil
}

// Investigate asks the planner model for a structured plan and persists it.
// A reply that does not parse falls back to the default plan; planning is
// advisory and a bad plan must not fail the run.
func (w *workflowUC) Investigate(ctx context.Context, sessionID string) (*model.AgentStep, error) {
	sess, err := w.sessions.FindByID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := w.sessions.ListMessages(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	question := lastUserContent(msgs)
	if question == "" {
		return nil, fmt.Errorf("investigate: no question in session %s: %w", sessionID, domain.ErrStateNotFound)
	}

	tr := w.trans.For(sess.Locale())
	prompt := []adapter.Message{{Role: "system", Content: tr.PlannerPrompt()}}
	for _, m := range historyWindow(msgs, w.cfg.Agent.MaxHistoryMessages) {
		prompt = append(prompt, adapter.Message{Role: m.Role, Content: m.Content})
	}

	plannerModel := w.cfg.AI.PlannerModel
	callStart := time.Now()
	reply, usage, err := w.ai.ChatWithUsage(ctx, plannerModel, prompt)
	latency := time.Since(callStart)
	if err != nil {
		metrics.ObserveChatUsage("provider_guess", plannerModel, 0, 0, 0, int(latency/time.Millisecond), false)
		return nil, fmt.Errorf("investigate: planner chat: %w", err)
	}
	metrics.ObserveChatUsage("provider_guess", plannerModel,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		int(latency/time.Millisecond), true)

	plan, perr := model.ParsePlan(reply)
	if perr != nil {
		plan = model.DefaultPlan()
		metrics.IncPlanParse("fallback")
		w.log.Warn().Err(perr).Str("session_id", sessionID).Msg("plan did not parse, using default plan")
	} else {
		metrics.IncPlanParse("parsed")
	}

	step := model.NewAgentStep(sessionID, model.StepTypeInvestigate, model.StepData{
		Investigate: &model.InvestigatePayload{Plan: plan, RawResponse: reply, Model: plannerModel},
	})
	if err := w.sessions.AppendStep(ctx, nil, step); err != nil {
		return nil, fmt.Errorf("investigate: persist step: %w", err)
	}
	w.log.Debug().Str("session_id", sessionID).Strs("tools", plan.RequiredTools).Msg("plan persisted")
	return step, nil
}

// ExecuteTools loads the latest plan and runs its tools sequentially. Unknown
// tool names are skipped; a failing tool is logged and skipped so the
// remaining tools still contribute. Every result lands in the citation ledger
// and as a numbered block in the accumulated context.
func (w *workflowUC) ExecuteTools(ctx context.Context, sessionID string) (*model.AgentStep, error) {
	sess, err := w.sessions.FindByID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	inv, err := w.sessions.LastStepByType(ctx, nil, sessionID, model.StepTypeInvestigate)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("execute tools: no investigate step in session %s: %w", sessionID, domain.ErrStateNotFound)
		}
		return nil, err
	}
	if inv.Data.Investigate == nil {
		return nil, fmt.Errorf("execute tools: investigate step %s has no plan: %w", inv.ID, domain.ErrStateNotFound)
	}
	plan := inv.Data.Investigate.Plan

	msgs, err := w.sessions.ListMessages(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	question := lastUserContent(msgs)
	if question == "" {
		question = sess.Metadata["question"]
	}
	if question == "" {
		return nil, fmt.Errorf("execute tools: no question in session %s: %w", sessionID, domain.ErrStateNotFound)
	}

	var (
		ledger   model.CitationList
		blocks   []string
		toolsRun []model.ToolRun
		files    []model.FileRef
	)
	addHits := func(tool string, hits []adapter.SearchHit) {
		for _, hit := range hits {
			source := hit.Title
			if source == "" {
				source = hit.URL
			}
			c := ledger.Add(model.Citation{Type: tool, Source: source, Content: hit.Content, URL: hit.URL})
			blocks = append(blocks, fmt.Sprintf("[%d] %s", c.Ref, hit.Content))
		}
	}

	for _, tool := range plan.RequiredTools {
		start := time.Now()
		switch tool {
		case "rag":
			hits, terr := w.rag.Search(ctx, sess.KBName, question, w.cfg.Tools.RAG.TopK)
			if terr != nil {
				toolsRun = append(toolsRun, failedToolRun(tool, terr, start))
				metrics.IncToolRun(tool, "error")
				w.log.Warn().Err(terr).Str("session_id", sessionID).Msg("rag search failed, continuing without it")
				continue
			}
			addHits(tool, hits)
			toolsRun = append(toolsRun, okToolRun(tool, len(hits), start))
			metrics.IncToolRun(tool, "ok")
		case "web":
			hits, terr := w.web.Search(ctx, question, w.cfg.Tools.Web.TopK)
			if terr != nil {
				toolsRun = append(toolsRun, failedToolRun(tool, terr, start))
				metrics.IncToolRun(tool, "error")
				w.log.Warn().Err(terr).Str("session_id", sessionID).Msg("web search failed, continuing without it")
				continue
			}
			addHits(tool, hits)
			toolsRun = append(toolsRun, okToolRun(tool, len(hits), start))
			metrics.IncToolRun(tool, "ok")
		case "code":
			for _, snippet := range plan.Code {
				snipStart := time.Now()
				res, terr := w.code.Run(ctx, snippet)
				if terr != nil {
					toolsRun = append(toolsRun, failedToolRun(tool, terr, snipStart))
					metrics.IncToolRun(tool, "error")
					w.log.Warn().Err(terr).Str("session_id", sessionID).Msg("code execution failed, continuing without it")
					continue
				}
				if res.ExitCode != 0 {
					toolsRun = append(toolsRun, failedToolRun(tool, fmt.Errorf("exit code %d: %s", res.ExitCode, res.Stderr), snipStart))
					metrics.IncToolRun(tool, "error")
					continue
				}
				c := ledger.Add(model.Citation{
					Type:    tool,
					Source:  fmt.Sprintf("code (%s)", snippet.Language),
					Content: res.Stdout,
				})
				blocks = append(blocks, fmt.Sprintf("[%d] %s", c.Ref, res.Stdout))
				files = append(files, res.Files...)
				toolsRun = append(toolsRun, okToolRun(tool, 1, snipStart))
				metrics.IncToolRun(tool, "ok")
			}
		default:
			// Planners may name tools before they are wired up.
			metrics.IncToolRun(tool, "skipped")
			w.log.Debug().Str("session_id", sessionID).Str("tool", tool).Msg("unknown tool skipped")
		}
	}
	metrics.AddCitations(len(ledger))

	contextText := strings.Join(blocks, "\n\n")
	if contextText == "" {
		contextText = w.trans.For(sess.Locale()).T("no_evidence")
	}

	step := model.NewAgentStep(sessionID, model.StepTypeExecuteTools, model.StepData{
		ExecuteTools: &model.ExecuteToolsPayload{
			Question:  question,
			Context:   contextText,
			ToolsRun:  toolsRun,
			Citations: ledger,
			Files:     files,
		},
	})
	if err := w.sessions.AppendStep(ctx, nil, step); err != nil {
		return nil, fmt.Errorf("execute tools: persist step: %w", err)
	}
	w.log.Debug().Str("session_id", sessionID).Int("citations", len(ledger)).Msg("tool results persisted")
	return step, nil
}

// Finalize synthesizes the answer from the persisted context, appends the
// rendered reference block, stores the final step, mirrors the answer into
// the transcript and completes the session.
func (w *workflowUC) Finalize(ctx context.Context, sessionID string) (*model.AgentStep, error) {
	sess, err := w.sessions.FindByID(ctx, nil, sessionID)
	if err != nil {
		return nil, err
	}
	exec, err := w.sessions.LastStepByType(ctx, nil, sessionID, model.StepTypeExecuteTools)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("finalize: no execute_tools step in session %s: %w", sessionID, domain.ErrStateNotFound)
		}
		return nil, err
	}
	gathered := exec.Data.ExecuteTools
	if gathered == nil {
		return nil, fmt.Errorf("finalize: execute_tools step %s has no context: %w", exec.ID, domain.ErrStateNotFound)
	}

	answerModel := w.cfg.AI.DefaultModel
	contextText := w.trimContext(ctx, answerModel, gathered.Context)

	tr := w.trans.For(sess.Locale())
	prompt := []adapter.Message{
		{Role: "system", Content: tr.SynthesisPrompt()},
		{Role: "user", Content: fmt.Sprintf("Question: %s\n\nEvidence:\n%s", gathered.Question, contextText)},
	}
	callStart := time.Now()
	answer, usage, err := w.ai.ChatWithUsage(ctx, answerModel, prompt)
	latency := time.Since(callStart)
	if err != nil {
		metrics.ObserveChatUsage("provider_guess", answerModel, 0, 0, 0, int(latency/time.Millisecond), false)
		return nil, fmt.Errorf("finalize: synthesis chat: %w", err)
	}
	metrics.ObserveChatUsage("provider_guess", answerModel,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		int(latency/time.Millisecond), true)

	full := strings.TrimSpace(answer)
	if refs := gathered.Citations.Render(); refs != "" {
		full = full + "\n\n" + refs
	}

	step := model.NewAgentStep(sessionID, model.StepTypeFinalAnswer, model.StepData{
		FinalAnswer: &model.FinalAnswerPayload{
			Answer:     full,
			Citations:  gathered.Citations,
			Files:      gathered.Files,
			Model:      answerModel,
			TokensUsed: usage.TotalTokens,
		},
	})
	if err := w.sessions.AppendStep(ctx, nil, step); err != nil {
		return nil, fmt.Errorf("finalize: persist step: %w", err)
	}

	// The transcript copy is best-effort: if it is lost, history
	// reconciliation rebuilds it from the completed job's output.
	assistant := model.NewMessageStep(sessionID, model.Message{
		SessionID: sessionID, Role: "assistant", Content: full,
		Agent: sess.AgentType, Files: gathered.Files,
	})
	if err := w.sessions.AppendStep(ctx, nil, assistant); err != nil {
		w.log.Warn().Err(err).Str("session_id", sessionID).Msg("assistant message not persisted")
	}

	if err := w.sessions.UpdateStatus(ctx, nil, sessionID, model.SessionStatusCompleted); err != nil {
		w.log.Warn().Err(err).Str("session_id", sessionID).Msg("session status not updated")
	}
	return step, nil
}

// Run chains the three stages under the per-session lock. Stages already
// persisted for the session's latest question are skipped, which is what lets
// a re-enqueued run pick up where a crashed one stopped.
func (w *workflowUC) Run(ctx context.Context, params model.WorkflowParams, obs RunObserver) (*WorkflowResult, error) {
	if obs == nil {
		obs = noopObserver{}
	}
	lockTTL := w.cfg.Queue.StuckAfter

	// For an existing session take the lock before touching the step log, so
	// two racing runs cannot both append the question. A fresh session gets
	// its lock right after creation; its id cannot be contended yet.
	var lockKey, lockToken string
	if params.SessionID != "" {
		lockKey = red.SessionLockKey(params.SessionID)
		token, err := w.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		lockToken = token
	}

	sess, err := w.StartSession(ctx, params)
	if err != nil {
		if lockKey != "" {
			_ = w.locker.Unlock(ctx, lockKey, lockToken)
		}
		return nil, err
	}
	if lockKey == "" {
		lockKey = red.SessionLockKey(sess.ID)
		token, lerr := w.locker.TryLock(ctx, lockKey, lockTTL)
		if lerr != nil {
			return nil, lerr
		}
		lockToken = token
	}
	defer func() { _ = w.locker.Unlock(ctx, lockKey, lockToken) }()

	obs.SessionStarted(ctx, sess.ID)

	point, err := w.resumePoint(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if point.answered != nil {
		// A previous attempt already finished this question.
		return resultFromFinal(sess.ID, point.answered), nil
	}

	stage := func(name string, progress int, f func(context.Context, string) (*model.AgentStep, error)) (*model.AgentStep, error) {
		obs.StageChanged(ctx, name, progress)
		start := time.Now()
		st, serr := f(ctx, sess.ID)
		metrics.ObserveStageDuration(name, time.Since(start).Seconds())
		return st, serr
	}

	if !point.investigated {
		if _, err := stage(StageInvestigate, 25, w.Investigate); err != nil {
			return nil, w.failRun(ctx, sess.ID, err)
		}
	}
	if !point.executed {
		if _, err := stage(StageExecuteTools, 60, w.ExecuteTools); err != nil {
			return nil, w.failRun(ctx, sess.ID, err)
		}
	}
	final, err := stage(StageFinalAnswer, 85, w.Finalize)
	if err != nil {
		return nil, w.failRun(ctx, sess.ID, err)
	}

	metrics.IncWorkflowRun("completed")
	return resultFromFinal(sess.ID, final), nil
}

// resumePoint inspects the step log to find which stages already ran for the
// session's latest user message.
type resumePoint struct {
	investigated bool
	executed     bool
	answered     *model.AgentStep
}

func (w *workflowUC) resumePoint(ctx context.Context, sessionID string) (resumePoint, error) {
	steps, err := w.sessions.ListSteps(ctx, nil, sessionID)
	if err != nil {
		return resumePoint{}, err
	}
	lastUser := 0
	var lastInv, lastExec, lastFinal *model.AgentStep
	for _, s := range steps {
		switch s.Type {
		case model.StepTypeContextMessage:
			if msg, ok := s.Message(); ok && msg.Role == "user" {
				lastUser = s.StepNumber
			}
		case model.StepTypeInvestigate:
			lastInv = s
		case model.StepTypeExecuteTools:
			lastExec = s
		case model.StepTypeFinalAnswer:
			lastFinal = s
		}
	}
	var p resumePoint
	p.investigated = lastInv != nil && lastInv.StepNumber > lastUser
	p.executed = lastExec != nil && lastExec.StepNumber > lastUser
	if lastFinal != nil && lastFinal.StepNumber > lastUser && lastFinal.Data.FinalAnswer != nil {
		p.answered = lastFinal
	}
	return p, nil
}

func (w *workflowUC) failRun(ctx context.Context, sessionID string, cause error) error {
	metrics.IncWorkflowRun("failed")
	if err := w.sessions.UpdateStatus(ctx, nil, sessionID, model.SessionStatusFailed); err != nil {
		w.log.Warn().Err(err).Str("session_id", sessionID).Msg("session not marked failed")
	}
	w.log.Error().Err(cause).Str("session_id", sessionID).Msg("workflow run failed")
	return cause
}

// trimContext keeps whole leading evidence blocks within the token budget.
// Blocks are never cut mid-way; the first block survives even when it alone
// exceeds the budget, so the model always sees something.
func (w *workflowUC) trimContext(ctx context.Context, aiModel, text string) string {
	budget := w.cfg.AI.MaxContextTokens
	if budget <= 0 {
		return text
	}
	blocks := strings.Split(text, "\n\n")
	total := 0
	kept := 0
	for _, block := range blocks {
		n, err := w.ai.CountTokens(ctx, aiModel, []adapter.Message{{Role: "user", Content: block}})
		if err != nil {
			return text
		}
		if kept > 0 && total+n > budget {
			break
		}
		total += n
		kept++
	}
	if kept >= len(blocks) {
		return text
	}
	w.log.Debug().Int("kept", kept).Int("dropped", len(blocks)-kept).Msg("context trimmed to token budget")
	return strings.Join(blocks[:kept], "\n\n")
}

func resultFromFinal(sessionID string, final *model.AgentStep) *WorkflowResult {
	p := final.Data.FinalAnswer
	return &WorkflowResult{
		SessionID: sessionID,
		Answer:    p.Answer,
		Citations: p.Citations,
		Files:     p.Files,
	}
}

func lastUserContent(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func historyWindow(msgs []model.Message, max int) []model.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	return msgs[len(msgs)-max:]
}

func okToolRun(tool string, results int, start time.Time) model.ToolRun {
	return model.ToolRun{Tool: tool, OK: true, Results: results, DurationMS: time.Since(start).Milliseconds()}
}

func failedToolRun(tool string, err error, start time.Time) model.ToolRun {
	return model.ToolRun{Tool: tool, OK: false, Error: err.Error(), DurationMS: time.Since(start).Milliseconds()}
}
