package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/task"
)

// DefaultMaxReadyPerTick bounds how many ready steps one tick dispatches per
// execution.
const DefaultMaxReadyPerTick = 5

// Engine advances workflow executions. All step state transitions for one
// execution happen on the scheduler tick or through CompleteStep, so they
// are totally ordered per execution.
type Engine struct {
	store           store.WorkflowStore
	checkpoints     store.CheckpointStore
	tasks           *task.Service
	spawner         *spawn.Controller
	bus             *bus.EventBus
	maxReadyPerTick int
	defaultTeam     identity.TeamName
}

func NewEngine(st store.WorkflowStore, cps store.CheckpointStore, tasks *task.Service, spawner *spawn.Controller, b *bus.EventBus) *Engine {
	return &Engine{
		store:           st,
		checkpoints:     cps,
		tasks:           tasks,
		spawner:         spawner,
		bus:             b,
		maxReadyPerTick: DefaultMaxReadyPerTick,
		defaultTeam:     "fleet",
	}
}

// SetMaxReadyPerTick overrides how many ready steps one tick may dispatch
// per execution.
func (e *Engine) SetMaxReadyPerTick(n int) {
	if n > 0 {
		e.maxReadyPerTick = n
	}
}

// SetDefaultTeam sets the team used for task steps without an explicit team.
func (e *Engine) SetDefaultTeam(team identity.TeamName) {
	e.defaultTeam = team
}

// StartRequest carries the caller-supplied fields of a new execution.
type StartRequest struct {
	WorkflowID string
	Inputs     map[string]any
	SwarmID    identity.SwarmID
	CreatedBy  identity.Handle
	Trigger    map[string]any
}

// Start validates inputs against the workflow's declarations, materializes
// the step graph, promotes dependency-free steps to ready, and transitions
// the execution to running.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*store.Execution, error) {
	w, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	def, err := ParseDefinition(w.Definition)
	if err != nil {
		return nil, err
	}

	inputs := make(map[string]any, len(req.Inputs))
	for k, v := range req.Inputs {
		inputs[k] = v
	}
	for name, decl := range def.Inputs {
		if _, present := inputs[name]; present {
			continue
		}
		if decl.Default != nil {
			inputs[name] = decl.Default
			continue
		}
		if decl.Required {
			return nil, &store.ValidationError{Field: "inputs." + name, Reason: "required input missing"}
		}
	}

	execCtx := map[string]any{"inputs": inputs}
	if req.Trigger != nil {
		execCtx["trigger"] = req.Trigger
	}
	rawCtx, err := json.Marshal(execCtx)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	now := time.Now().UTC()
	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: w.ID,
		SwarmID:    req.SwarmID,
		Status:     store.ExecPending,
		Context:    rawCtx,
		CreatedAt:  now,
		CreatedBy:  req.CreatedBy,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}

	steps := make([]*store.Step, 0, len(def.Steps))
	for i, sd := range def.Steps {
		onFailure := sd.OnFailure
		if onFailure == "" {
			onFailure = store.FailureFail
		}
		st := &store.Step{
			ID:             uuid.NewString(),
			ExecutionID:    exec.ID,
			StepKey:        sd.Key,
			StepType:       sd.Type,
			Status:         store.StepPending,
			Config:         sd.Config,
			DependsOn:      sd.DependsOn,
			BlockedByCount: len(sd.DependsOn),
			MaxRetries:     sd.MaxRetries,
			TimeoutMs:      sd.TimeoutMs,
			OnFailure:      onFailure,
			Guard:          sd.Guard,
			// Staggered so (createdAt, id) ordering preserves definition order.
			CreatedAt: now.Add(time.Duration(i) * time.Microsecond),
		}
		if st.BlockedByCount == 0 {
			st.Status = store.StepReady
		}
		steps = append(steps, st)
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return nil, fmt.Errorf("create steps: %w", err)
	}

	startedAt := time.Now().UTC()
	exec.Status = store.ExecRunning
	exec.StartedAt = &startedAt
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return nil, err
	}

	logger.InfoCF("workflow", "execution started", map[string]any{
		"execution": exec.ID,
		"workflow":  w.Name,
		"steps":     len(steps),
	})
	e.bus.Publish(bus.Event{Name: bus.EventWorkflowStarted, Payload: map[string]any{
		"executionId": exec.ID,
		"workflowId":  w.ID,
	}})
	return exec, nil
}

// Tick advances every running execution. Per-execution errors are recorded
// on the execution and never abort the pass.
func (e *Engine) Tick(ctx context.Context) {
	execs, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: store.ExecRunning})
	if err != nil {
		logger.ErrorCF("workflow", "list running executions failed", map[string]any{"error": err.Error()})
		return
	}
	for _, exec := range execs {
		if err := e.advance(ctx, exec); err != nil {
			logger.ErrorCF("workflow", "execution advance failed", map[string]any{
				"execution": exec.ID,
				"error":     err.Error(),
			})
			e.failExecution(ctx, exec, err.Error())
		}
	}
}

func (e *Engine) advance(ctx context.Context, exec *store.Execution) error {
	r, err := e.newRun(ctx, exec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, st := range r.steps {
		if r.exec.Status.Terminal() {
			return nil
		}
		if st.Status != store.StepRunning {
			continue
		}
		if st.TimeoutMs > 0 && st.StartedAt != nil && now.Sub(*st.StartedAt) > time.Duration(st.TimeoutMs)*time.Millisecond {
			if err := r.failStep(st, "TimeoutExceeded"); err != nil {
				return err
			}
			continue
		}
		switch st.StepType {
		case store.StepTask:
			if err := r.pollTaskStep(st); err != nil {
				return err
			}
		case store.StepCheckpoint:
			if err := r.pollCheckpointStep(st); err != nil {
				return err
			}
		case store.StepParallel:
			if err := r.pollParallelStep(st); err != nil {
				return err
			}
		}
	}
	if r.exec.Status.Terminal() {
		return nil
	}

	var ready []*store.Step
	for _, st := range r.steps {
		if st.Status == store.StepReady && st.BlockedByCount == 0 {
			ready = append(ready, st)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].CreatedAt.Before(ready[j].CreatedAt) })
	if len(ready) > e.maxReadyPerTick {
		ready = ready[:e.maxReadyPerTick]
	}
	for _, st := range ready {
		if r.exec.Status.Terminal() {
			break
		}
		if err := r.dispatch(st); err != nil {
			return err
		}
	}

	return r.checkCompletion()
}

// CompleteStep is the external hook task and spawn steps use to report
// finish. It returns false without effect when the step is already terminal
// or the execution is no longer live.
func (e *Engine) CompleteStep(ctx context.Context, stepID string, output json.RawMessage, errMsg string) (bool, error) {
	st, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return false, err
	}
	if st.Status.Terminal() {
		return false, nil
	}
	exec, err := e.store.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		return false, err
	}
	if exec.Status.Terminal() {
		return false, nil
	}

	r, err := e.newRun(ctx, exec)
	if err != nil {
		return false, err
	}
	live := r.byID[stepID]
	if live == nil || live.Status.Terminal() {
		return false, nil
	}
	if errMsg != "" {
		if err := r.failStep(live, errMsg); err != nil {
			return false, err
		}
	} else {
		if err := r.completeStep(live, output); err != nil {
			return false, err
		}
	}
	if err := r.checkCompletion(); err != nil {
		return false, err
	}
	return true, nil
}

// RetryStep puts a failed step back in the ready set. Retrying a step of a
// fatally failed execution revives the execution.
func (e *Engine) RetryStep(ctx context.Context, stepID string) error {
	st, err := e.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if st.Status != store.StepFailed {
		return &store.ConflictError{Reason: fmt.Sprintf("step %s is %s, not failed", stepID, st.Status)}
	}
	exec, err := e.store.GetExecution(ctx, st.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status == store.ExecCancelled {
		return &store.ConflictError{Reason: "execution is cancelled"}
	}

	st.Status = store.StepReady
	st.Error = ""
	st.CompletedAt = nil
	if err := e.store.UpdateStep(ctx, st); err != nil {
		return err
	}
	if exec.Status == store.ExecFailed {
		exec.Status = store.ExecRunning
		exec.Error = ""
		exec.CompletedAt = nil
		if err := e.store.UpdateExecution(ctx, exec); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

func (e *Engine) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, f)
}

func (e *Engine) ListSteps(ctx context.Context, executionID string) ([]*store.Step, error) {
	if _, err := e.store.GetExecution(ctx, executionID); err != nil {
		return nil, err
	}
	return e.store.ListSteps(ctx, executionID)
}

// Pause stops dispatching new steps. In-flight steps keep running and their
// completions are still recorded.
func (e *Engine) Pause(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecRunning {
		return &store.ConflictError{Reason: fmt.Sprintf("execution is %s, not running", exec.Status)}
	}
	exec.Status = store.ExecPaused
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{Name: bus.EventWorkflowPaused, Payload: map[string]any{"executionId": exec.ID}})
	return nil
}

func (e *Engine) Resume(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecPaused {
		return &store.ConflictError{Reason: fmt.Sprintf("execution is %s, not paused", exec.Status)}
	}
	exec.Status = store.ExecRunning
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{Name: bus.EventWorkflowResumed, Payload: map[string]any{"executionId": exec.ID}})
	return nil
}

// Cancel terminally cancels a running or paused execution. Running external
// steps are not force-killed; their late completions are ignored.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != store.ExecRunning && exec.Status != store.ExecPaused {
		return &store.ConflictError{Reason: fmt.Sprintf("execution is %s", exec.Status)}
	}
	now := time.Now().UTC()
	exec.Status = store.ExecCancelled
	exec.Error = "Cancelled by user"
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{Name: bus.EventWorkflowCancelled, Payload: map[string]any{"executionId": exec.ID}})
	return nil
}

func (e *Engine) failExecution(ctx context.Context, exec *store.Execution, msg string) {
	now := time.Now().UTC()
	exec.Status = store.ExecFailed
	exec.Error = msg
	exec.CompletedAt = &now
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		logger.ErrorCF("workflow", "record execution failure", map[string]any{
			"execution": exec.ID,
			"error":     err.Error(),
		})
		return
	}
	e.bus.Publish(bus.Event{Name: bus.EventWorkflowFailed, Payload: map[string]any{
		"executionId": exec.ID,
		"error":       msg,
	}})
}
