// Package engine contains the execution driver: the synchronous chain that
// walks a workflow's steps, the status state machines, and the periodic
// timeout monitor and retention sweeper. The engine is the only writer of
// workflow and step status; everything it persists goes through
// compare-and-set transitions so concurrent triggers for the same workflow
// resolve to exactly one active driver pass.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/steadyline/proactor/internal/decision"
	"github.com/steadyline/proactor/internal/expressions"
	"github.com/steadyline/proactor/internal/logging"
	"github.com/steadyline/proactor/internal/retrieval"
	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/internal/template"
	"github.com/steadyline/proactor/internal/tools"
	"github.com/steadyline/proactor/pkg/schema"
)

// Enqueuer hands units of deferred work to the task dispatcher. Satisfied by
// internal/dispatch; an inline implementation runs them synchronously.
type Enqueuer interface {
	EnqueueRun(ctx context.Context, workflowID string) error
	EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error
}

// Orchestrator is the operation surface transports program against. *Engine
// is the canonical implementation; the MCP layer mocks it in tests.
type Orchestrator interface {
	// Start creates a workflow from a template type and enqueues its first run.
	Start(ctx context.Context, workflowType, userID string, input map[string]any, name string) (*schema.StartResult, error)

	// ContinueFromResponse delivers an external response to a waiting workflow
	// and runs it forward synchronously.
	ContinueFromResponse(ctx context.Context, workflowID, userID string, response map[string]any) (*schema.ContinueResult, error)

	// GetStatus returns a workflow view with ordered step summaries.
	GetStatus(ctx context.Context, workflowID, userID string) (*schema.WorkflowView, error)

	// List returns a user's workflows, newest first.
	List(ctx context.Context, userID string, status *schema.WorkflowStatus, limit int) ([]*schema.WorkflowView, error)

	// Cancel stops an active workflow and skips its remaining steps.
	Cancel(ctx context.Context, workflowID, userID string) (*schema.ContinueResult, error)

	// Metrics returns aggregate workflow counts.
	Metrics(ctx context.Context) (*schema.Metrics, error)
}

var _ Orchestrator = (*Engine)(nil)

// Defaults for Config zero values.
const (
	DefaultTimeoutHours       = 24.0
	DefaultExtensionHours     = 24.0
	DefaultMaxRetries         = 3
	DefaultMaxChainIterations = 64
	DefaultListLimit          = 20
	MaxListLimit              = 100
	DefaultMonitorBatch       = 50
	DefaultRetentionDays      = 30
	DefaultSweepBatch         = 100
)

// Config tunes the engine. Zero values resolve to the defaults above.
type Config struct {
	// DefaultTimeoutHours applies to wait steps whose config carries no
	// timeout of its own.
	DefaultTimeoutHours float64
	// ExtensionHours is how far the monitor pushes timeout_at when it spends
	// a unit of reminder budget.
	ExtensionHours float64
	// MaxRetries is the reminder budget stamped on new workflows.
	MaxRetries int
	// MaxChainIterations bounds one driver pass; tripping it fails the
	// workflow rather than looping forever on a template bug.
	MaxChainIterations int
	// MonitorBatch bounds one timeout monitor scan.
	MonitorBatch int
	// RetentionDays is how long terminal workflows are kept before the
	// sweeper deletes them.
	RetentionDays int
	// SweepBatch bounds one retention sweeper pass.
	SweepBatch int
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeoutHours <= 0 {
		c.DefaultTimeoutHours = DefaultTimeoutHours
	}
	if c.ExtensionHours <= 0 {
		c.ExtensionHours = DefaultExtensionHours
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxChainIterations <= 0 {
		c.MaxChainIterations = DefaultMaxChainIterations
	}
	if c.MonitorBatch <= 0 {
		c.MonitorBatch = DefaultMonitorBatch
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = DefaultSweepBatch
	}
	return c
}

// Engine coordinates workflow execution against the store and the external
// collaborators. Safe for concurrent use; all per-workflow state lives in the
// store.
type Engine struct {
	store     store.Store
	tools     tools.Executor
	decider   decision.Engine
	retriever retrieval.Provider
	enqueuer  Enqueuer

	cel     *expressions.CELEngine
	matcher *expressions.ExprEngine
	jq      *expressions.GoJQEngine
	interp  *expressions.Interpolator

	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Engine. decider, retriever and enqueuer may be nil: decisions
// then fail loudly, retrieval is a no-op, and run tasks execute inline within
// Start.
func New(s store.Store, exec tools.Executor, decider decision.Engine, retriever retrieval.Provider, enqueuer Enqueuer, cfg Config, logger *slog.Logger) (*Engine, error) {
	if s == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "engine requires a store")
	}
	if exec == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "engine requires a tool executor")
	}
	if decider == nil {
		decider = decision.Unconfigured{}
	}
	if retriever == nil {
		retriever = retrieval.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init condition engine: %w", err)
	}
	jq := expressions.NewGoJQEngine()

	e := &Engine{
		store:     s,
		tools:     exec,
		decider:   decider,
		retriever: retriever,
		enqueuer:  enqueuer,
		cel:       cel,
		matcher:   expressions.NewExprEngine(),
		jq:        jq,
		interp:    expressions.NewInterpolator(jq, logger),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
	if e.enqueuer == nil {
		e.enqueuer = inlineEnqueuer{engine: e}
	}
	return e, nil
}

// SetEnqueuer wires the task dispatcher after construction. The dispatcher
// itself drives this engine, so the two cannot be built in one pass. Call it
// before the engine starts taking requests.
func (e *Engine) SetEnqueuer(enq Enqueuer) {
	if enq != nil {
		e.enqueuer = enq
	}
}

// inlineEnqueuer runs tasks synchronously when no dispatcher is wired.
type inlineEnqueuer struct {
	engine *Engine
}

func (q inlineEnqueuer) EnqueueRun(ctx context.Context, workflowID string) error {
	return q.engine.RunWorkflow(ctx, workflowID)
}

func (q inlineEnqueuer) EnqueueReminder(ctx context.Context, workflowID, userID string, wfContext map[string]any) error {
	q.engine.logger.WarnContext(ctx, "no reminder dispatcher wired, dropping reminder",
		slog.String("workflow_id", workflowID))
	return nil
}

// Start validates the input for the workflow type, persists the workflow with
// its generated steps, and enqueues a run task.
func (e *Engine) Start(ctx context.Context, workflowType, userID string, input map[string]any, name string) (*schema.StartResult, error) {
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_id is required")
	}
	if workflowType == "" {
		workflowType = schema.WorkflowTypeGeneric
	}

	meta, descriptors, err := template.Generate(workflowType, input)
	if err != nil {
		return nil, err
	}

	inputData, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not JSON-encodable").WithCause(err)
	}
	if name == "" {
		name = meta.Name
	}

	wf := &store.Workflow{
		ID:          uuid.NewString(),
		UserID:      userID,
		Name:        name,
		Description: meta.Description,
		Type:        workflowType,
		Status:      schema.WorkflowPending,
		InputData:   inputData,
		Context:     json.RawMessage(`{}`),
		MaxRetries:  e.cfg.MaxRetries,
	}

	steps := make([]*store.WorkflowStep, 0, len(descriptors))
	for _, d := range descriptors {
		s := &store.WorkflowStep{
			ID:         uuid.NewString(),
			WorkflowID: wf.ID,
			StepNumber: d.StepNumber,
			Name:       d.Name,
			Type:       d.Type,
			Config:     d.Config,
			Status:     schema.StepPending,
		}
		if d.Condition != nil {
			raw, err := json.Marshal(d.Condition)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeInternal, "encode step condition").WithCause(err)
			}
			s.Condition = raw
		}
		steps = append(steps, s)
	}

	if err := e.store.CreateWorkflow(ctx, wf, steps); err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflowID(logging.WithUserID(ctx, userID), wf.ID)
	e.logger.InfoContext(ctx, "workflow created",
		slog.String("workflow_type", workflowType),
		slog.Int("steps", len(steps)))

	if err := e.enqueuer.EnqueueRun(ctx, wf.ID); err != nil {
		return nil, schema.NewError(schema.ErrCodeDispatch, "enqueue run task").
			WithWorkflow(wf.ID).WithCause(err)
	}

	return &schema.StartResult{
		WorkflowID: wf.ID,
		Status:     schema.WorkflowPending,
		Message:    fmt.Sprintf("workflow %q accepted with %d steps", name, len(steps)),
	}, nil
}

// ContinueFromResponse delivers an external response to a waiting workflow
// and runs the resumed chain synchronously. Calling it when the workflow is
// no longer waiting is a safe no-op that reports the current status.
func (e *Engine) ContinueFromResponse(ctx context.Context, workflowID, userID string, response map[string]any) (*schema.ContinueResult, error) {
	wf, err := e.store.GetUserWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(logging.WithUserID(ctx, userID), workflowID)

	if wf.Status != schema.WorkflowWaiting {
		return &schema.ContinueResult{
			Status:  wf.Status,
			Message: fmt.Sprintf("workflow is %s, not waiting for a response", wf.Status),
		}, nil
	}

	// The waiting step's match predicate was frozen into the context at
	// suspension time. Verify before any state change.
	if err := e.checkMatch(ctx, wf, response); err != nil {
		return nil, err
	}

	final, err := e.ResumeWorkflow(ctx, workflowID, response)
	if err != nil {
		return nil, err
	}

	result := &schema.ContinueResult{
		Status:  final.Status,
		Message: continueMessage(final),
	}
	if final.Status == schema.WorkflowCompleted {
		result.Result = e.finalNarrative(ctx, workflowID)
	}
	return result, nil
}

func (e *Engine) checkMatch(ctx context.Context, wf *store.Workflow, response map[string]any) error {
	wfContext := decodeJSONObject(wf.Context)
	predicate := waitingMatch(wfContext)
	if predicate == "" {
		return nil
	}
	ok, err := e.matcher.Match(ctx, predicate, map[string]any{
		"response": response,
		"context":  wfContext,
	})
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewError(schema.ErrCodeValidation,
			"response does not satisfy the waiting step's match predicate").
			WithWorkflow(wf.ID)
	}
	return nil
}

func waitingMatch(wfContext map[string]any) string {
	waiting, _ := wfContext[schema.ContextKeyWaiting].(map[string]any)
	if waiting == nil {
		return ""
	}
	match, _ := waiting["match"].(string)
	return match
}

func continueMessage(wf *store.Workflow) string {
	switch wf.Status {
	case schema.WorkflowCompleted:
		return "workflow completed"
	case schema.WorkflowWaiting:
		return "workflow is waiting for the next response"
	case schema.WorkflowFailed:
		return "workflow failed: " + wf.ErrorMessage
	default:
		return "workflow is " + string(wf.Status)
	}
}

// finalNarrative is the narrative of the last completed step that produced
// one, used as the chain's overall result.
func (e *Engine) finalNarrative(ctx context.Context, workflowID string) any {
	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Status != schema.StepCompleted || len(steps[i].OutputData) == 0 {
			continue
		}
		output := decodeJSONObject(steps[i].OutputData)
		if narrative, ok := output["narrative"].(string); ok && narrative != "" {
			return narrative
		}
	}
	return nil
}

// GetStatus returns the workflow plus its ordered step summaries, scoped to
// the owning user.
func (e *Engine) GetStatus(ctx context.Context, workflowID, userID string) (*schema.WorkflowView, error) {
	wf, err := e.store.GetUserWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	view := workflowView(wf)
	view.Steps = make([]schema.StepView, 0, len(steps))
	for _, s := range steps {
		view.Steps = append(view.Steps, schema.StepView{
			StepNumber:  s.StepNumber,
			Name:        s.Name,
			Type:        s.Type,
			Status:      s.Status,
			Error:       s.ErrorMessage,
			StartedAt:   s.StartedAt,
			CompletedAt: s.CompletedAt,
		})
	}
	return view, nil
}

// List returns the user's workflows, newest first.
func (e *Engine) List(ctx context.Context, userID string, status *schema.WorkflowStatus, limit int) ([]*schema.WorkflowView, error) {
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user_id is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := e.store.ListWorkflows(ctx, store.WorkflowFilter{
		UserID: userID,
		Status: status,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}

	views := make([]*schema.WorkflowView, 0, len(rows))
	for _, wf := range rows {
		views = append(views, workflowView(wf))
	}
	return views, nil
}

// Cancel moves a workflow to cancelled from any non-terminal status and
// cascades pending and running steps to skipped. Step history is preserved.
func (e *Engine) Cancel(ctx context.Context, workflowID, userID string) (*schema.ContinueResult, error) {
	wf, err := e.store.GetUserWorkflow(ctx, workflowID, userID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithWorkflowID(logging.WithUserID(ctx, userID), workflowID)

	if err := validateWorkflowTransition(workflowID, wf.Status, schema.WorkflowCancelled); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	cancelled := schema.WorkflowCancelled
	claimed, err := e.store.TransitionWorkflow(ctx, workflowID,
		[]schema.WorkflowStatus{schema.WorkflowPending, schema.WorkflowRunning, schema.WorkflowWaiting},
		cancelled,
		store.WorkflowUpdate{CompletedAt: &now, ClearTimeoutAt: true},
	)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// A concurrent transition won; report whatever the row says now.
		wf, err = e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		return &schema.ContinueResult{
			Status:  wf.Status,
			Message: "workflow already " + string(wf.Status),
		}, nil
	}

	steps, err := e.store.ListSteps(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	skipped := schema.StepSkipped
	for _, s := range steps {
		if s.Status != schema.StepPending && s.Status != schema.StepRunning {
			continue
		}
		if err := e.store.UpdateStep(ctx, s.ID, store.StepUpdate{
			Status:      &skipped,
			CompletedAt: &now,
		}); err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "workflow cancelled")
	return &schema.ContinueResult{
		Status:  schema.WorkflowCancelled,
		Message: "workflow cancelled",
	}, nil
}

// Metrics aggregates instance counts for operations dashboards.
func (e *Engine) Metrics(ctx context.Context) (*schema.Metrics, error) {
	byStatus, err := e.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	since := e.now().UTC().Add(-24 * time.Hour)
	created, err := e.store.CountCreatedSince(ctx, since)
	if err != nil {
		return nil, err
	}
	completed, err := e.store.CountCompletedSince(ctx, since)
	if err != nil {
		return nil, err
	}

	m := &schema.Metrics{
		ByStatus:         byStatus,
		CreatedLast24h:   created,
		CompletedLast24h: completed,
	}
	for status, n := range byStatus {
		m.Total += n
		if !status.IsTerminal() {
			m.Active += n
		}
	}
	return m, nil
}

func workflowView(wf *store.Workflow) *schema.WorkflowView {
	return &schema.WorkflowView{
		WorkflowID:  wf.ID,
		UserID:      wf.UserID,
		Name:        wf.Name,
		Description: wf.Description,
		Type:        wf.Type,
		Status:      wf.Status,
		Error:       wf.ErrorMessage,
		RetryCount:  wf.RetryCount,
		MaxRetries:  wf.MaxRetries,
		TimeoutAt:   wf.TimeoutAt,
		CreatedAt:   wf.CreatedAt,
		UpdatedAt:   wf.UpdatedAt,
		CompletedAt: wf.CompletedAt,
	}
}

// decodeJSONObject tolerates empty or malformed payloads, returning an empty
// map so callers never branch on decode errors for opaque context blobs.
func decodeJSONObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
