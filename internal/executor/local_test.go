package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bioflow-run/bioflow/internal/logger"
	"github.com/bioflow-run/bioflow/internal/model"
)

func testRunContext(t *testing.T) *RunContext {
	return &RunContext{
		RunID:      "run1",
		WorkingDir: t.TempDir(),
		TempDir:    t.TempDir(),
		Env:        map[string]string{},
		Logger:     logger.Discard,
		Containers: NewContainerTracker(),
	}
}

func TestLocalAccepts(t *testing.T) {
	l := &Local{}
	require.True(t, l.Accepts(&model.Step{Kind: model.KindSingle, Command: "true"}))
	require.False(t, l.Accepts(&model.Step{Kind: model.KindSingle}))
	require.False(t, l.Accepts(&model.Step{Kind: model.KindSingle, Command: "true", Container: &model.Container{}}))
	require.False(t, l.Accepts(&model.Step{Kind: model.KindParallelGroup, NestedSteps: []model.Step{{}}}))
}

func TestLocalExecuteSuccess(t *testing.T) {
	l := &Local{}
	step := &model.Step{Name: "a", Kind: model.KindSingle, Command: "true"}
	state := model.NewStepExecutionState(*step)

	require.NoError(t, l.Execute(context.Background(), step, testRunContext(t), state))
	require.Equal(t, model.StatusCompleted, state.Status())
	require.Equal(t, 0, state.ExitCode())
}

func TestLocalExecuteFailure(t *testing.T) {
	l := &Local{}
	step := &model.Step{Name: "a", Kind: model.KindSingle, Command: "echo boom 1>&2 && false"}
	state := model.NewStepExecutionState(*step)

	require.NoError(t, l.Execute(context.Background(), step, testRunContext(t), state))
	require.Equal(t, model.StatusFailed, state.Status())
	require.Contains(t, state.ErrorMessage(), "boom")
}

func TestLocalExecuteCancellation(t *testing.T) {
	l := &Local{}
	step := &model.Step{Name: "a", Kind: model.KindSingle, Command: "sleep 5"}
	state := model.NewStepExecutionState(*step)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, l.Execute(ctx, step, testRunContext(t), state))
	require.Equal(t, model.StatusCancelled, state.Status())
}

func TestLocalExecuteInheritsComposedEnv(t *testing.T) {
	l := &Local{}
	step := &model.Step{Name: "a", Kind: model.KindSingle, Command: "[ \"$FOO\" = \"bar\" ]"}
	state := model.NewStepExecutionState(*step)

	rc := testRunContext(t)
	rc.Env["FOO"] = "bar"

	require.NoError(t, l.Execute(context.Background(), step, rc, state))
	require.Equal(t, model.StatusCompleted, state.Status())
}
