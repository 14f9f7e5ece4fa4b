//go:build !integration

// File: internal/usecase/mock_test.go
package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kb-research-agent/internal/config"
	"kb-research-agent/internal/domain"
	"kb-research-agent/internal/domain/model"
	"kb-research-agent/internal/domain/ports/adapter"
	"kb-research-agent/internal/domain/ports/repository"
	"kb-research-agent/internal/infra/i18n"
	red "kb-research-agent/internal/infra/redis"
)

// =============================
// Repositories
// =============================

// ---- Mock SessionRepository ----

// MockSessionRepo keeps sessions and their step logs in memory. The default
// AppendStep assigns step numbers the way the real repository does: next
// number per session, starting at 1.
type MockSessionRepo struct {
	mu    sync.Mutex
	byID  map[string]*model.AgentSession
	steps map[string][]*model.AgentStep

	SaveFunc           func(ctx context.Context, qx any, s *model.AgentSession) error
	FindByIDFunc       func(ctx context.Context, qx any, id string) (*model.AgentSession, error)
	FindAllByUserFunc  func(ctx context.Context, qx any, userID string) ([]*model.AgentSession, error)
	UpdateStatusFunc   func(ctx context.Context, qx any, sessionID string, status model.SessionStatus) error
	AppendStepFunc     func(ctx context.Context, qx any, step *model.AgentStep) error
	ListStepsFunc      func(ctx context.Context, qx any, sessionID string) ([]*model.AgentStep, error)
	LastStepByTypeFunc func(ctx context.Context, qx any, sessionID string, t model.StepType) (*model.AgentStep, error)
	ListMessagesFunc   func(ctx context.Context, qx any, sessionID string) ([]model.Message, error)
}

var _ repository.SessionRepository = (*MockSessionRepo)(nil)

func NewMockSessionRepo() *MockSessionRepo {
	return &MockSessionRepo{
		byID:  map[string]*model.AgentSession{},
		steps: map[string][]*model.AgentStep{},
	}
}

func (r *MockSessionRepo) Save(ctx context.Context, qx any, s *model.AgentSession) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, qx, s)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	r.byID[s.ID] = &cp
	return nil
}

func (r *MockSessionRepo) FindByID(ctx context.Context, qx any, id string) (*model.AgentSession, error) {
	if r.FindByIDFunc != nil {
		return r.FindByIDFunc(ctx, qx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[id]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockSessionRepo) FindAllByUser(ctx context.Context, qx any, userID string) ([]*model.AgentSession, error) {
	if r.FindAllByUserFunc != nil {
		return r.FindAllByUserFunc(ctx, qx, userID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.AgentSession
	for _, s := range r.byID {
		if s.UserID == userID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MockSessionRepo) UpdateStatus(ctx context.Context, qx any, sessionID string, status model.SessionStatus) error {
	if r.UpdateStatusFunc != nil {
		return r.UpdateStatusFunc(ctx, qx, sessionID, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[sessionID]; ok {
		s.Status = status
		s.UpdatedAt = time.Now()
		return nil
	}
	return domain.ErrNotFound
}

func (r *MockSessionRepo) AppendStep(ctx context.Context, qx any, step *model.AgentStep) error {
	if r.AppendStepFunc != nil {
		return r.AppendStepFunc(ctx, qx, step)
	}
	return r.appendStep(step)
}

// appendStep is the default AppendStep body, callable from an AppendStepFunc
// override that only wants to fail selectively.
func (r *MockSessionRepo) appendStep(step *model.AgentStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	step.StepNumber = len(r.steps[step.SessionID]) + 1
	cp := *step
	r.steps[step.SessionID] = append(r.steps[step.SessionID], &cp)
	return nil
}

func (r *MockSessionRepo) ListSteps(ctx context.Context, qx any, sessionID string) ([]*model.AgentStep, error) {
	if r.ListStepsFunc != nil {
		return r.ListStepsFunc(ctx, qx, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.AgentStep, 0, len(r.steps[sessionID]))
	for _, s := range r.steps[sessionID] {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MockSessionRepo) LastStepByType(ctx context.Context, qx any, sessionID string, t model.StepType) (*model.AgentStep, error) {
	if r.LastStepByTypeFunc != nil {
		return r.LastStepByTypeFunc(ctx, qx, sessionID, t)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.steps[sessionID]
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Type == t {
			cp := *steps[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MockSessionRepo) ListMessages(ctx context.Context, qx any, sessionID string) ([]model.Message, error) {
	if r.ListMessagesFunc != nil {
		return r.ListMessagesFunc(ctx, qx, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, s := range r.steps[sessionID] {
		if msg, ok := s.Message(); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// stepTypes lists the session's step log types in order, for shape assertions.
func (r *MockSessionRepo) stepTypes(sessionID string) []model.StepType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.StepType, 0, len(r.steps[sessionID]))
	for _, s := range r.steps[sessionID] {
		out = append(out, s.Type)
	}
	return out
}

func (r *MockSessionRepo) statusOf(sessionID string) model.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byID[sessionID]; ok {
		return s.Status
	}
	return ""
}

// ---- Mock ResearchJobRepository ----

type MockJobRepo struct {
	mu   sync.Mutex
	data map[string]*model.ResearchJob

	SaveFunc                   func(ctx context.Context, qx any, job *model.ResearchJob) error
	FindByIDFunc               func(ctx context.Context, qx any, id string) (*model.ResearchJob, error)
	FindBySessionFunc          func(ctx context.Context, qx any, sessionID string) ([]*model.ResearchJob, error)
	UpdateProgressFunc         func(ctx context.Context, qx any, id string, progress int, currentStep string) error
	FetchAndMarkProcessingFunc func(ctx context.Context) (*model.ResearchJob, error)
	MarkProcessingByIDFunc     func(ctx context.Context, qx any, id string) (*model.ResearchJob, error)
	FailIfStuckFunc            func(ctx context.Context, qx any, id string, cutoff time.Time, message string) (bool, error)
}

var _ repository.ResearchJobRepository = (*MockJobRepo)(nil)

func NewMockJobRepo() *MockJobRepo {
	return &MockJobRepo{data: map[string]*model.ResearchJob{}}
}

func (r *MockJobRepo) Save(ctx context.Context, qx any, job *model.ResearchJob) error {
	if r.SaveFunc != nil {
		return r.SaveFunc(ctx, qx, job)
	}
	return r.save(job)
}

func (r *MockJobRepo) save(job *model.ResearchJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	cp := *job
	r.data[job.ID] = &cp
	return nil
}

func (r *MockJobRepo) FindByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error) {
	if r.FindByIDFunc != nil {
		return r.FindByIDFunc(ctx, qx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.data[id]; ok {
		cp := *j
		return &cp, nil
	}
	return nil, domain.ErrNotFound
}

func (r *MockJobRepo) FindBySession(ctx context.Context, qx any, sessionID string) ([]*model.ResearchJob, error) {
	if r.FindBySessionFunc != nil {
		return r.FindBySessionFunc(ctx, qx, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.ResearchJob
	for _, j := range r.data {
		if j.SessionID == sessionID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MockJobRepo) UpdateProgress(ctx context.Context, qx any, id string, progress int, currentStep string) error {
	if r.UpdateProgressFunc != nil {
		return r.UpdateProgressFunc(ctx, qx, id, progress, currentStep)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.data[id]; ok {
		j.Progress = progress
		j.CurrentStep = currentStep
		return nil
	}
	return domain.ErrNotFound
}

func (r *MockJobRepo) FetchAndMarkProcessing(ctx context.Context) (*model.ResearchJob, error) {
	if r.FetchAndMarkProcessingFunc != nil {
		return r.FetchAndMarkProcessingFunc(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var oldest *model.ResearchJob
	for _, j := range r.data {
		if j.Status != model.JobStatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, domain.ErrNotFound
	}
	oldest.MarkProcessing()
	cp := *oldest
	return &cp, nil
}

func (r *MockJobRepo) MarkProcessingByID(ctx context.Context, qx any, id string) (*model.ResearchJob, error) {
	if r.MarkProcessingByIDFunc != nil {
		return r.MarkProcessingByIDFunc(ctx, qx, id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	switch {
	case j.Status == model.JobStatusPending:
		j.MarkProcessing()
		cp := *j
		return &cp, nil
	case j.Terminal():
		return nil, domain.ErrJobTerminal
	default:
		return nil, domain.ErrAlreadyClaimed
	}
}

func (r *MockJobRepo) FailIfStuck(ctx context.Context, qx any, id string, cutoff time.Time, message string) (bool, error) {
	if r.FailIfStuckFunc != nil {
		return r.FailIfStuckFunc(ctx, qx, id, cutoff, message)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.data[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if j.Status == model.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
		j.MarkFailed(message)
		return true, nil
	}
	return false, nil
}

func (r *MockJobRepo) FailStuckBefore(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, j := range r.data {
		if j.Status == model.JobStatusProcessing && j.StartedAt != nil && j.StartedAt.Before(cutoff) {
			j.MarkFailed(message)
			n++
		}
	}
	return n, nil
}

func (r *MockJobRepo) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, j := range r.data {
		if j.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(r.data, id)
			n++
		}
	}
	return n, nil
}

func (r *MockJobRepo) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[model.JobStatus]int64)
	for _, j := range r.data {
		counts[j.Status]++
	}
	return counts, nil
}

// seed stores a job verbatim, bypassing lifecycle helpers, so tests can place
// rows in arbitrary states.
func (r *MockJobRepo) seed(job *model.ResearchJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.data[job.ID] = &cp
}

func (r *MockJobRepo) get(id string) *model.ResearchJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.data[id]; ok {
		cp := *j
		return &cp
	}
	return nil
}

// =============================
// Adapters
// =============================

// ---- Mock AIServiceAdapter ----

type MockAI struct {
	mu sync.Mutex

	ListModelsFunc    func(ctx context.Context) ([]string, error)
	GetModelInfoFunc  func(modelName string) (adapter.ModelInfo, error)
	CountTokensFunc   func(ctx context.Context, model string, msgs []adapter.Message) (int, error)
	ChatFunc          func(ctx context.Context, model string, msgs []adapter.Message) (string, error)
	ChatWithUsageFunc func(ctx context.Context, model string, msgs []adapter.Message) (string, adapter.Usage, error)

	// models passed to Chat/ChatWithUsage, in call order
	Calls []string
}

var _ adapter.AIServiceAdapter = (*MockAI)(nil)

func (m *MockAI) ListModels(ctx context.Context) ([]string, error) {
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return []string{"gpt-4o-mini"}, nil
}

func (m *MockAI) GetModelInfo(model string) (adapter.ModelInfo, error) {
	if m.GetModelInfoFunc != nil {
		return m.GetModelInfoFunc(model)
	}
	return adapter.ModelInfo{Name: model}, nil
}

func (m *MockAI) CountTokens(ctx context.Context, model string, msgs []adapter.Message) (int, error) {
	if m.CountTokensFunc != nil {
		return m.CountTokensFunc(ctx, model, msgs)
	}
	n := 0
	for _, x := range msgs {
		n += len(x.Content)
	} // dumb baseline
	return n, nil
}

func (m *MockAI) Chat(ctx context.Context, model string, msgs []adapter.Message) (string, error) {
	m.record(model)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, model, msgs)
	}
	return "ok", nil
}

func (m *MockAI) ChatWithUsage(ctx context.Context, model string, msgs []adapter.Message) (string, adapter.Usage, error) {
	m.record(model)
	if m.ChatWithUsageFunc != nil {
		return m.ChatWithUsageFunc(ctx, model, msgs)
	}
	return "ok", adapter.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, nil
}

func (m *MockAI) record(model string) {
	m.mu.Lock()
	m.Calls = append(m.Calls, model)
	m.mu.Unlock()
}

// ---- Mock tool adapters ----

type MockRAG struct {
	mu      sync.Mutex
	Hits    []adapter.SearchHit
	Err     error
	Queries []string

	SearchFunc func(ctx context.Context, kbName, query string, topK int) ([]adapter.SearchHit, error)
}

var _ adapter.KnowledgeSearcher = (*MockRAG)(nil)

func (m *MockRAG) Search(ctx context.Context, kbName, query string, topK int) ([]adapter.SearchHit, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, kbName, query, topK)
	}
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Hits, nil
}

type MockWeb struct {
	mu      sync.Mutex
	Hits    []adapter.SearchHit
	Err     error
	Queries []string

	SearchFunc func(ctx context.Context, query string, topK int) ([]adapter.SearchHit, error)
}

var _ adapter.WebSearcher = (*MockWeb)(nil)

func (m *MockWeb) Search(ctx context.Context, query string, topK int) ([]adapter.SearchHit, error) {
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, query, topK)
	}
	m.mu.Lock()
	m.Queries = append(m.Queries, query)
	m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Hits, nil
}

type MockCode struct {
	mu     sync.Mutex
	Result adapter.CodeResult
	Err    error
	Runs   []model.CodeSnippet

	RunFunc func(ctx context.Context, snippet model.CodeSnippet) (adapter.CodeResult, error)
}

var _ adapter.CodeRunner = (*MockCode)(nil)

func (m *MockCode) Run(ctx context.Context, snippet model.CodeSnippet) (adapter.CodeResult, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, snippet)
	}
	m.mu.Lock()
	m.Runs = append(m.Runs, snippet)
	m.mu.Unlock()
	if m.Err != nil {
		return adapter.CodeResult{}, m.Err
	}
	return m.Result, nil
}

// =============================
// Infra helpers for tests
// =============================

// ---- In-memory Locker (implements redis.Locker port) ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ red.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", domain.ErrSessionBusy
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		return nil
	}
	return errors.New("unlock token mismatch")
}

func (l *MockLocker) heldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// ---- Job notifier ----

type MockNotifier struct {
	mu      sync.Mutex
	Updates []*model.ResearchJob
}

func (m *MockNotifier) JobUpdated(ctx context.Context, job *model.ResearchJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.Updates = append(m.Updates, &cp)
}

func (m *MockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Updates)
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
// It writes to io.Discard to prevent logs from cluttering test output.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// newTestBundle loads the real embedded locales so prompt wiring is exercised.
func newTestBundle(t interface{ Fatalf(string, ...any) }) *i18n.Bundle {
	b, err := i18n.NewBundle(i18n.LocalesFS, "en", "en", "es")
	if err != nil {
		t.Fatalf("load locales: %v", err)
	}
	return b
}

// testConfig mirrors the defaults the loader applies, minus any external
// endpoints.
func testConfig() *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			Workers:          2,
			PollInterval:     10 * time.Millisecond,
			StuckAfter:       10 * time.Minute,
			RetentionDays:    7,
			SubmitRateLimit:  6,
			SubmitRateWindow: time.Minute,
		},
		AI: config.AIConfig{
			DefaultModel:     "answer-model",
			PlannerModel:     "planner-model",
			MaxContextTokens: 16000,
		},
		Tools: config.ToolsConfig{
			RAG: config.ToolEndpoint{TopK: 5},
			Web: config.ToolEndpoint{TopK: 5},
		},
		Agent: config.AgentConfig{
			DefaultAgentType:   "research",
			MaxHistoryMessages: 20,
			DefaultLocale:      "en",
		},
	}
}
