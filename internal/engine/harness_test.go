package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/steadyline/proactor/internal/decision"
	"github.com/steadyline/proactor/internal/retrieval"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/schema"
)

func newTestEngine(t *testing.T, s store.Store, exec tools.Executor, dec decision.Engine, enq Enqueuer, cfg Config) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(s, exec, dec, retrieval.Noop{}, enq, cfg, logger)
	require.NoError(t, err)
	return eng
}

// memStore is an in-memory Store with honest compare-and-set semantics, so
// driver race tests exercise the same claim behavior the SQL store provides.
type memStore struct {
	mu        sync.Mutex
	workflows map[string]*store.Workflow
	steps     map[string][]*store.WorkflowStep
}

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]*store.Workflow),
		steps:     make(map[string][]*store.WorkflowStep),
	}
}

func cloneWorkflow(wf *store.Workflow) *store.Workflow {
	c := *wf
	c.InputData = append(json.RawMessage(nil), wf.InputData...)
	c.Context = append(json.RawMessage(nil), wf.Context...)
	if wf.TimeoutAt != nil {
		t := *wf.TimeoutAt
		c.TimeoutAt = &t
	}
	if wf.CompletedAt != nil {
		t := *wf.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneStep(s *store.WorkflowStep) *store.WorkflowStep {
	c := *s
	c.Config = append(json.RawMessage(nil), s.Config...)
	c.Condition = append(json.RawMessage(nil), s.Condition...)
	c.OutputData = append(json.RawMessage(nil), s.OutputData...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (m *memStore) CreateWorkflow(ctx context.Context, wf *store.Workflow, steps []*store.WorkflowStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	now := time.Now().UTC()
	c := cloneWorkflow(wf)
	c.CreatedAt, c.UpdatedAt = now, now
	m.workflows[wf.ID] = c
	for _, s := range steps {
		m.steps[wf.ID] = append(m.steps[wf.ID], cloneStep(s))
	}
	sort.Slice(m.steps[wf.ID], func(i, j int) bool {
		return m.steps[wf.ID][i].StepNumber < m.steps[wf.ID][j].StepNumber
	})
	return nil
}

func (m *memStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return cloneWorkflow(wf), nil
}

func (m *memStore) GetUserWorkflow(ctx context.Context, id, userID string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok || wf.UserID != userID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return cloneWorkflow(wf), nil
}

func (m *memStore) applyUpdate(wf *store.Workflow, update store.WorkflowUpdate) {
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Context != nil {
		wf.Context = append(json.RawMessage(nil), update.Context...)
	}
	if update.TimeoutAt != nil {
		t := *update.TimeoutAt
		wf.TimeoutAt = &t
	}
	if update.ClearTimeoutAt {
		wf.TimeoutAt = nil
	}
	if update.RetryCount != nil {
		wf.RetryCount = *update.RetryCount
	}
	if update.ErrorMessage != nil {
		wf.ErrorMessage = *update.ErrorMessage
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		wf.CompletedAt = &t
	}
	wf.UpdatedAt = time.Now().UTC()
}

func (m *memStore) UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	m.applyUpdate(wf, update)
	return nil
}

func (m *memStore) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if filter.UserID != "" && wf.UserID != filter.UserID {
			continue
		}
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	delete(m.workflows, id)
	delete(m.steps, id)
	return nil
}

func (m *memStore) TransitionWorkflow(ctx context.Context, id string, from []schema.WorkflowStatus, to schema.WorkflowStatus, update store.WorkflowUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	claimed := false
	for _, f := range from {
		if wf.Status == f {
			claimed = true
			break
		}
	}
	if !claimed {
		return false, nil
	}
	wf.Status = to
	m.applyUpdate(wf, update)
	return true, nil
}

func (m *memStore) ExtendTimeout(ctx context.Context, id string, observed, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	if wf.Status != schema.WorkflowWaiting || wf.TimeoutAt == nil || !wf.TimeoutAt.Equal(observed) {
		return false, nil
	}
	t := next
	wf.TimeoutAt = &t
	wf.RetryCount++
	wf.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memStore) ListSteps(ctx context.Context, workflowID string) ([]*store.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.WorkflowStep, 0, len(m.steps[workflowID]))
	for _, s := range m.steps[workflowID] {
		out = append(out, cloneStep(s))
	}
	return out, nil
}

func (m *memStore) NextPendingStep(ctx context.Context, workflowID string) (*store.WorkflowStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.steps[workflowID] {
		if s.Status == schema.StepPending {
			return cloneStep(s), nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateStep(ctx context.Context, id string, update store.StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, steps := range m.steps {
		for _, s := range steps {
			if s.ID != id {
				continue
			}
			if update.Status != nil {
				s.Status = *update.Status
			}
			if update.OutputData != nil {
				s.OutputData = append(json.RawMessage(nil), update.OutputData...)
			}
			if update.ErrorMessage != nil {
				s.ErrorMessage = *update.ErrorMessage
			}
			if update.StartedAt != nil {
				t := *update.StartedAt
				s.StartedAt = &t
			}
			if update.CompletedAt != nil {
				t := *update.CompletedAt
				s.CompletedAt = &t
			}
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", id)
}

func (m *memStore) ExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		if wf.Status != schema.WorkflowWaiting || wf.TimeoutAt == nil || wf.TimeoutAt.After(now) {
			continue
		}
		out = append(out, cloneWorkflow(wf))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) TerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, wf := range m.workflows {
		if !wf.Status.IsTerminal() || wf.CompletedAt == nil || !wf.CompletedAt.Before(cutoff) {
			continue
		}
		ids = append(ids, wf.ID)
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (map[schema.WorkflowStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[schema.WorkflowStatus]int)
	for _, wf := range m.workflows {
		out[wf.Status]++
	}
	return out, nil
}

func (m *memStore) CountCreatedSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, wf := range m.workflows {
		if !wf.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, wf := range m.workflows {
		if wf.CompletedAt != nil && !wf.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Vacuum(ctx context.Context) error  { return nil }
func (m *memStore) Close() error                      { return nil }

var _ store.Store = (*memStore)(nil)

// --- Collaborator fakes ---

// scriptedExecutor answers tool calls from canned results and records every
// invocation.
type scriptedExecutor struct {
	mu      sync.Mutex
	results map[string]*tools.Result
	calls   []recordedCall
}

type recordedCall struct {
	Tool   string
	Args   map[string]any
	UserID string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{results: make(map[string]*tools.Result)}
}

func (f *scriptedExecutor) on(tool string, result *tools.Result) {
	f.results[tool] = result
}

func (f *scriptedExecutor) Execute(ctx context.Context, name string, args map[string]any, userID string) (*tools.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{Tool: name, Args: args, UserID: userID})
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &tools.Result{Success: true, Result: map[string]any{"tool": name}}, nil
}

func (f *scriptedExecutor) Catalogue() []tools.Spec {
	return nil
}

func (f *scriptedExecutor) callsFor(tool string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}

// scriptedDecider returns narratives keyed by a substring of the prompt's
// instruction, falling back to a default answer.
type scriptedDecider struct {
	mu       sync.Mutex
	answers  map[string]decision.Decision
	fallback string
	prompts  []string
}

func newScriptedDecider() *scriptedDecider {
	return &scriptedDecider{
		answers:  make(map[string]decision.Decision),
		fallback: "done",
	}
}

func (f *scriptedDecider) on(promptContains, narrative string, calls ...decision.ToolCall) {
	f.answers[promptContains] = decision.Decision{Narrative: narrative, ToolCalls: calls}
}

func (f *scriptedDecider) Decide(ctx context.Context, req decision.DecideRequest) (*decision.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, req.Prompt)
	for key, d := range f.answers {
		if strings.Contains(req.Prompt, key) {
			out := d
			return &out, nil
		}
	}
	return &decision.Decision{Narrative: f.fallback}, nil
}

func (f *scriptedDecider) Continue(ctx context.Context, req decision.ContinueRequest) (*decision.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, d := range f.answers {
		if strings.Contains(req.History, key) {
			return &decision.Decision{Narrative: d.Narrative}, nil
		}
	}
	return &decision.Decision{Narrative: f.fallback}, nil
}

// recordingEnqueuer captures enqueued tasks without executing them.
type recordingEnqueuer struct {
	mu        sync.Mutex
	runs      []string
	reminders []string
}

func (q *recordingEnqueuer) EnqueueRun(ctx context.Context, workflowID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.runs = append(q.runs, workflowID)
	return nil
}

func (q *recordingEnqueuer) EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reminders = append(q.reminders, workflowID)
	return nil
}
