package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steadyline/proactor/internal/store"
	"github.com/steadyline/proactor/pkg/schema"
)

func seedTerminal(t *testing.T, s *memStore, id string, status schema.WorkflowStatus, completedAt time.Time) {
	t.Helper()
	require.NoError(t, s.CreateWorkflow(context.Background(), &store.Workflow{
		ID:          id,
		UserID:      "u1",
		Name:        id,
		Type:        schema.WorkflowTypeGeneric,
		Status:      status,
		InputData:   json.RawMessage(`{}`),
		Context:     json.RawMessage(`{}`),
		CompletedAt: &completedAt,
	}, []*store.WorkflowStep{{
		ID:         id + "-s1",
		WorkflowID: id,
		StepNumber: 1,
		Name:       "handle_request",
		Type:       schema.StepAIDecision,
		Config:     json.RawMessage(`{}`),
		Status:     schema.StepCompleted,
	}}))
}

func TestSweeperDeletesOldTerminalOnly(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	eng := newTestEngine(t, s, newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{RetentionDays: 30})

	old := time.Now().UTC().AddDate(0, 0, -40)
	recent := time.Now().UTC().AddDate(0, 0, -5)
	seedTerminal(t, s, "wf-old-completed", schema.WorkflowCompleted, old)
	seedTerminal(t, s, "wf-old-failed", schema.WorkflowFailed, old)
	seedTerminal(t, s, "wf-recent", schema.WorkflowCompleted, recent)

	// An active workflow with an old creation date must survive.
	timeout := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateWorkflow(ctx, &store.Workflow{
		ID:        "wf-active",
		UserID:    "u1",
		Name:      "wf-active",
		Type:      schema.WorkflowTypeGeneric,
		Status:    schema.WorkflowWaiting,
		InputData: json.RawMessage(`{}`),
		Context:   json.RawMessage(`{}`),
		TimeoutAt: &timeout,
	}, nil))

	require.NoError(t, eng.SweepRetention(ctx))

	_, err := s.GetWorkflow(ctx, "wf-old-completed")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrCode(err))
	_, err = s.GetWorkflow(ctx, "wf-old-failed")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrCode(err))

	steps, err := s.ListSteps(ctx, "wf-old-completed")
	require.NoError(t, err)
	assert.Empty(t, steps, "steps are deleted with their workflow")

	_, err = s.GetWorkflow(ctx, "wf-recent")
	assert.NoError(t, err)
	_, err = s.GetWorkflow(ctx, "wf-active")
	assert.NoError(t, err)
}

func TestSweeperNoopWhenNothingExpired(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	eng := newTestEngine(t, s, newScriptedExecutor(), newScriptedDecider(), &recordingEnqueuer{}, Config{})

	seedTerminal(t, s, "wf-recent", schema.WorkflowCompleted, time.Now().UTC())
	require.NoError(t, eng.SweepRetention(ctx))

	_, err := s.GetWorkflow(ctx, "wf-recent")
	assert.NoError(t, err)
}
