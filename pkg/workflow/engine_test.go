package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
	"github.com/agentfleet/fleetd/pkg/task"
)

type harness struct {
	engine *Engine
	svc    *Service
	tasks  *task.Service
	ctrl   *spawn.Controller
	store  *memory.Store
	bus    *bus.EventBus
}

func newHarness() *harness {
	st := memory.New()
	b := bus.NewEventBus()
	tasks := task.NewService(st, b)
	ctrl := spawn.NewController(st, b, spawn.SpawnerFunc(func(context.Context, *store.SpawnRequest) error {
		return nil
	}), spawn.DefaultLimits())
	return &harness{
		engine: NewEngine(st, st, tasks, ctrl, b),
		svc:    NewService(st),
		tasks:  tasks,
		ctrl:   ctrl,
		store:  st,
		bus:    b,
	}
}

func (h *harness) mustStart(t *testing.T, def string, inputs map[string]any) *store.Execution {
	t.Helper()
	w, err := h.svc.Create(context.Background(), t.Name(), json.RawMessage(def), false)
	require.NoError(t, err)
	exec, err := h.engine.Start(context.Background(), StartRequest{
		WorkflowID: w.ID,
		Inputs:     inputs,
		CreatedBy:  "lead",
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) stepByKey(t *testing.T, execID, key string) *store.Step {
	t.Helper()
	steps, err := h.engine.ListSteps(context.Background(), execID)
	require.NoError(t, err)
	for _, st := range steps {
		if st.StepKey == key {
			return st
		}
	}
	t.Fatalf("step %q not found", key)
	return nil
}

const chainDef = `{
  "steps": [
    {"key": "a", "type": "task", "config": {"assignTo": "w1"}},
    {"key": "b", "type": "task", "dependsOn": ["a"], "config": {"assignTo": "w1"}},
    {"key": "c", "type": "task", "dependsOn": ["a", "b"], "config": {"assignTo": "w1"}}
  ]
}`

func TestStartMaterializesReadySet(t *testing.T) {
	h := newHarness()
	exec := h.mustStart(t, chainDef, nil)

	a := h.stepByKey(t, exec.ID, "a")
	b := h.stepByKey(t, exec.ID, "b")
	c := h.stepByKey(t, exec.ID, "c")

	assert.Equal(t, store.StepReady, a.Status)
	assert.Equal(t, store.StepPending, b.Status)
	assert.Equal(t, 1, b.BlockedByCount)
	assert.Equal(t, store.StepPending, c.Status)
	assert.Equal(t, 2, c.BlockedByCount)

	got, _ := h.engine.GetExecution(context.Background(), exec.ID)
	assert.Equal(t, store.ExecRunning, got.Status)
}

func TestDependencyCascade(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	exec := h.mustStart(t, chainDef, nil)

	a := h.stepByKey(t, exec.ID, "a")
	ok, err := h.engine.CompleteStep(ctx, a.ID, json.RawMessage(`{"out":1}`), "")
	require.NoError(t, err)
	require.True(t, ok)

	b := h.stepByKey(t, exec.ID, "b")
	c := h.stepByKey(t, exec.ID, "c")
	assert.Equal(t, store.StepReady, b.Status)
	assert.Equal(t, 0, b.BlockedByCount)
	assert.Equal(t, store.StepPending, c.Status)
	assert.Equal(t, 1, c.BlockedByCount)

	ok, err = h.engine.CompleteStep(ctx, b.ID, nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	c = h.stepByKey(t, exec.ID, "c")
	assert.Equal(t, store.StepReady, c.Status)

	ok, err = h.engine.CompleteStep(ctx, c.ID, nil, "")
	require.NoError(t, err)
	require.True(t, ok)

	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteStepIdempotentOnTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	exec := h.mustStart(t, chainDef, nil)

	a := h.stepByKey(t, exec.ID, "a")
	ok, _ := h.engine.CompleteStep(ctx, a.ID, nil, "")
	require.True(t, ok)
	ok, err := h.engine.CompleteStep(ctx, a.ID, nil, "")
	require.NoError(t, err)
	assert.False(t, ok, "second completion must be a rejected no-op")
}

func TestMissingRequiredInput(t *testing.T) {
	h := newHarness()
	def := `{
	  "inputs": {"env": {"required": true}, "region": {"default": "us-east-1"}},
	  "steps": [{"key": "a", "type": "script", "config": {"script": "1"}}]
	}`
	w, err := h.svc.Create(context.Background(), t.Name(), json.RawMessage(def), false)
	require.NoError(t, err)

	_, err = h.engine.Start(context.Background(), StartRequest{WorkflowID: w.ID, CreatedBy: "lead"})
	assert.True(t, store.IsValidation(err), "missing required input should be a validation error: %v", err)

	exec, err := h.engine.Start(context.Background(), StartRequest{
		WorkflowID: w.ID,
		Inputs:     map[string]any{"env": "prod"},
		CreatedBy:  "lead",
	})
	require.NoError(t, err)

	var execCtx map[string]any
	require.NoError(t, json.Unmarshal(exec.Context, &execCtx))
	inputs := execCtx["inputs"].(map[string]any)
	assert.Equal(t, "prod", inputs["env"])
	assert.Equal(t, "us-east-1", inputs["region"], "default must fill absent input")
}

func TestGateBranching(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "prep", "type": "task", "config": {"assignTo": "w1"}},
	    {"key": "gate", "type": "gate", "dependsOn": ["prep"],
	     "config": {"condition": "steps.prep.output.ok", "onTrue": ["yes"], "onFalse": ["no"]}},
	    {"key": "yes", "type": "task", "dependsOn": ["gate"], "config": {"assignTo": "w1"}},
	    {"key": "no", "type": "task", "dependsOn": ["gate"], "config": {"assignTo": "w1"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	prep := h.stepByKey(t, exec.ID, "prep")
	ok, err := h.engine.CompleteStep(ctx, prep.ID, json.RawMessage(`{"ok": true}`), "")
	require.NoError(t, err)
	require.True(t, ok)

	h.engine.Tick(ctx)

	assert.Equal(t, store.StepCompleted, h.stepByKey(t, exec.ID, "gate").Status)
	assert.Equal(t, store.StepSkipped, h.stepByKey(t, exec.ID, "no").Status)
	yes := h.stepByKey(t, exec.ID, "yes")
	assert.Contains(t, []store.StepStatus{store.StepReady, store.StepRunning}, yes.Status)

	ok, err = h.engine.CompleteStep(ctx, yes.ID, nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestPauseThenCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "a", "type": "task", "config": {"assignTo": "w1"}},
	    {"key": "b", "type": "task", "dependsOn": ["a"], "config": {"assignTo": "w1"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	a := h.stepByKey(t, exec.ID, "a")
	_, err := h.engine.CompleteStep(ctx, a.ID, nil, "")
	require.NoError(t, err)
	h.engine.Tick(ctx)
	require.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "b").Status)

	require.NoError(t, h.engine.Pause(ctx, exec.ID))
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecPaused, got.Status)

	err = h.engine.Pause(ctx, exec.ID)
	assert.True(t, store.IsConflict(err), "pausing a paused execution should conflict")

	require.NoError(t, h.engine.Cancel(ctx, exec.ID))
	got, _ = h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCancelled, got.Status)
	assert.Equal(t, "Cancelled by user", got.Error)

	b := h.stepByKey(t, exec.ID, "b")
	ok, err := h.engine.CompleteStep(ctx, b.ID, nil, "")
	require.NoError(t, err)
	assert.False(t, ok, "late completion after cancel must be ignored")
	got, _ = h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCancelled, got.Status)
}

func TestScriptStepAndOutputFlow(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "inputs": {"n": {"default": 4}},
	  "steps": [
	    {"key": "calc", "type": "script", "config": {"script": "inputs.n * 2"}},
	    {"key": "check", "type": "gate", "dependsOn": ["calc"],
	     "config": {"condition": "steps.calc.output == 8", "onTrue": [], "onFalse": []}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	calc := h.stepByKey(t, exec.ID, "calc")
	assert.Equal(t, store.StepCompleted, calc.Status)
	assert.JSONEq(t, `8`, string(calc.Output))

	h.engine.Tick(ctx)
	check := h.stepByKey(t, exec.ID, "check")
	assert.Equal(t, store.StepCompleted, check.Status)
	assert.JSONEq(t, `{"result": true}`, string(check.Output))

	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestGuardSkipsStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "inputs": {"deploy": {"default": false}},
	  "steps": [
	    {"key": "guarded", "type": "script", "guard": "inputs.deploy", "config": {"script": "1"}},
	    {"key": "after", "type": "script", "dependsOn": ["guarded"], "config": {"script": "2"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	assert.Equal(t, store.StepSkipped, h.stepByKey(t, exec.ID, "guarded").Status)
	h.engine.Tick(ctx)
	assert.Equal(t, store.StepCompleted, h.stepByKey(t, exec.ID, "after").Status)

	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestRetryThenExhaust(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "flaky", "type": "script", "onFailure": "retry", "maxRetries": 2,
	     "config": {"script": "1 / 0"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	flaky := h.stepByKey(t, exec.ID, "flaky")
	assert.Equal(t, store.StepReady, flaky.Status)
	assert.Equal(t, 1, flaky.RetryCount)

	h.engine.Tick(ctx)
	flaky = h.stepByKey(t, exec.ID, "flaky")
	assert.Equal(t, 2, flaky.RetryCount)

	h.engine.Tick(ctx)
	flaky = h.stepByKey(t, exec.ID, "flaky")
	assert.Equal(t, store.StepFailed, flaky.Status)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecFailed, got.Status)
}

func TestOnFailureSkipAndContinue(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "soft", "type": "script", "onFailure": "skip", "config": {"script": "1 / 0"}},
	    {"key": "tolerated", "type": "script", "onFailure": "continue", "dependsOn": ["soft"],
	     "config": {"script": "bad +"}},
	    {"key": "last", "type": "script", "dependsOn": ["tolerated"], "config": {"script": "3"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	assert.Equal(t, store.StepSkipped, h.stepByKey(t, exec.ID, "soft").Status)
	h.engine.Tick(ctx)
	assert.Equal(t, store.StepFailed, h.stepByKey(t, exec.ID, "tolerated").Status)
	h.engine.Tick(ctx)
	assert.Equal(t, store.StepCompleted, h.stepByKey(t, exec.ID, "last").Status)

	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status, "continue failures must not fail the execution")
}

func TestStepTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "slow", "type": "task", "timeoutMs": 1, "config": {"assignTo": "w1"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	require.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "slow").Status)

	time.Sleep(5 * time.Millisecond)
	h.engine.Tick(ctx)
	slow := h.stepByKey(t, exec.ID, "slow")
	assert.Equal(t, store.StepFailed, slow.Status)
	assert.Equal(t, "TimeoutExceeded", slow.Error)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecFailed, got.Status)
}

func TestTaskStepCompletesOnResolution(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "review", "type": "task", "config": {"assignTo": "w1", "subject": "review PR", "team": "alpha"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	review := h.stepByKey(t, exec.ID, "review")
	require.Equal(t, store.StepRunning, review.Status)
	require.NotEmpty(t, review.RefID)
	assert.Equal(t, "w1", string(review.AssignedTo))

	created, err := h.tasks.Get(ctx, review.RefID)
	require.NoError(t, err)
	assert.Equal(t, "review PR", created.Subject)

	_, err = h.tasks.UpdateStatus(ctx, review.RefID, store.TaskResolved)
	require.NoError(t, err)
	h.engine.Tick(ctx)

	assert.Equal(t, store.StepCompleted, h.stepByKey(t, exec.ID, "review").Status)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestSpawnStepEnqueuesRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "helper", "type": "spawn", "config": {"agentRole": "coder", "task": "fix tests"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	helper := h.stepByKey(t, exec.ID, "helper")
	require.Equal(t, store.StepRunning, helper.Status)
	require.NotEmpty(t, helper.RefID)

	req, err := h.ctrl.Get(ctx, helper.RefID)
	require.NoError(t, err)
	assert.Equal(t, "coder", req.TargetAgentType)
	assert.Equal(t, store.SpawnPending, req.Status)

	ok, err := h.engine.CompleteStep(ctx, helper.ID, nil, "")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestParallelRaceCancelsSiblings(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "p", "type": "parallel", "config": {"stepKeys": ["x", "y"], "strategy": "race"}},
	    {"key": "x", "type": "task", "dependsOn": ["p"], "config": {"assignTo": "w1"}},
	    {"key": "y", "type": "task", "dependsOn": ["p"], "config": {"assignTo": "w2"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	require.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "p").Status)
	require.Equal(t, store.StepReady, h.stepByKey(t, exec.ID, "x").Status)
	require.Equal(t, store.StepReady, h.stepByKey(t, exec.ID, "y").Status)

	h.engine.Tick(ctx)
	require.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "x").Status)
	require.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "y").Status)

	x := h.stepByKey(t, exec.ID, "x")
	ok, err := h.engine.CompleteStep(ctx, x.ID, json.RawMessage(`{"winner": true}`), "")
	require.NoError(t, err)
	require.True(t, ok)

	h.engine.Tick(ctx)
	assert.Equal(t, store.StepSkipped, h.stepByKey(t, exec.ID, "y").Status, "race must cancel running siblings")
	p := h.stepByKey(t, exec.ID, "p")
	assert.Equal(t, store.StepCompleted, p.Status)
	assert.JSONEq(t, `{"winner": true}`, string(p.Output))

	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)

	y := h.stepByKey(t, exec.ID, "y")
	ok, _ = h.engine.CompleteStep(ctx, y.ID, nil, "")
	assert.False(t, ok, "late completion of a cancelled sibling is ignored")
}

func TestParallelAllWaitsForEveryChild(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "p", "type": "parallel", "config": {"stepKeys": ["x", "y"]}},
	    {"key": "x", "type": "task", "dependsOn": ["p"], "config": {"assignTo": "w1"}},
	    {"key": "y", "type": "task", "dependsOn": ["p"], "config": {"assignTo": "w2"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	h.engine.Tick(ctx)

	x := h.stepByKey(t, exec.ID, "x")
	_, err := h.engine.CompleteStep(ctx, x.ID, nil, "")
	require.NoError(t, err)
	h.engine.Tick(ctx)
	assert.Equal(t, store.StepRunning, h.stepByKey(t, exec.ID, "p").Status, "all strategy waits for y")

	y := h.stepByKey(t, exec.ID, "y")
	_, err = h.engine.CompleteStep(ctx, y.ID, nil, "")
	require.NoError(t, err)
	h.engine.Tick(ctx)
	assert.Equal(t, store.StepCompleted, h.stepByKey(t, exec.ID, "p").Status)
}

func TestMaxReadyPerTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [
	    {"key": "s1", "type": "script", "config": {"script": "1"}},
	    {"key": "s2", "type": "script", "config": {"script": "2"}},
	    {"key": "s3", "type": "script", "config": {"script": "3"}},
	    {"key": "s4", "type": "script", "config": {"script": "4"}},
	    {"key": "s5", "type": "script", "config": {"script": "5"}},
	    {"key": "s6", "type": "script", "config": {"script": "6"}}
	  ]
	}`
	exec := h.mustStart(t, def, nil)

	h.engine.Tick(ctx)
	steps, _ := h.engine.ListSteps(ctx, exec.ID)
	completed := 0
	for _, st := range steps {
		if st.Status == store.StepCompleted {
			completed++
		}
	}
	assert.Equal(t, 5, completed, "one tick dispatches at most five steps")

	h.engine.Tick(ctx)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecCompleted, got.Status)
}

func TestRetryStepRevivesFailedExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	def := `{
	  "steps": [{"key": "a", "type": "task", "config": {"assignTo": "w1"}}]
	}`
	exec := h.mustStart(t, def, nil)

	a := h.stepByKey(t, exec.ID, "a")
	ok, err := h.engine.CompleteStep(ctx, a.ID, nil, "tool crashed")
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := h.engine.GetExecution(ctx, exec.ID)
	require.Equal(t, store.ExecFailed, got.Status)

	require.NoError(t, h.engine.RetryStep(ctx, a.ID))
	a = h.stepByKey(t, exec.ID, "a")
	assert.Equal(t, store.StepReady, a.Status)
	got, _ = h.engine.GetExecution(ctx, exec.ID)
	assert.Equal(t, store.ExecRunning, got.Status)
}

func TestReadyStepsHaveZeroBlockedBy(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	exec := h.mustStart(t, chainDef, nil)

	a := h.stepByKey(t, exec.ID, "a")
	_, _ = h.engine.CompleteStep(ctx, a.ID, nil, "")

	steps, _ := h.engine.ListSteps(ctx, exec.ID)
	for _, st := range steps {
		if st.Status == store.StepReady && st.BlockedByCount != 0 {
			t.Errorf("ready step %s has blockedByCount %d", st.StepKey, st.BlockedByCount)
		}
	}
}
