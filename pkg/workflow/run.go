package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/expr"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/task"
)

// run holds one execution's live step set while the engine works on it.
// Mutations go through its methods so the cascade and completion checks see
// a consistent view.
type run struct {
	e     *Engine
	ctx   context.Context
	exec  *store.Execution
	steps []*store.Step
	byKey map[string]*store.Step
	byID  map[string]*store.Step
}

func (e *Engine) newRun(ctx context.Context, exec *store.Execution) (*run, error) {
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	r := &run{
		e:     e,
		ctx:   ctx,
		exec:  exec,
		steps: steps,
		byKey: make(map[string]*store.Step, len(steps)),
		byID:  make(map[string]*store.Step, len(steps)),
	}
	for _, st := range steps {
		r.byKey[st.StepKey] = st
		r.byID[st.ID] = st
	}
	return r, nil
}

// env builds the expression evaluation context: execution context (inputs,
// trigger) plus each step's output under steps.KEY.output.
func (r *run) env() map[string]any {
	env := make(map[string]any)
	if len(r.exec.Context) > 0 {
		_ = json.Unmarshal(r.exec.Context, &env)
	}
	stepsEnv := make(map[string]any, len(r.steps))
	for _, st := range r.steps {
		var out any
		if len(st.Output) > 0 {
			_ = json.Unmarshal(st.Output, &out)
		}
		stepsEnv[st.StepKey] = map[string]any{
			"output": out,
			"status": string(st.Status),
		}
	}
	env["steps"] = stepsEnv
	return env
}

func (r *run) dispatch(st *store.Step) error {
	if st.Guard != "" {
		pass, err := expr.EvalBool(st.Guard, r.env())
		if err != nil {
			return r.failStep(st, fmt.Sprintf("guard: %s", err))
		}
		if !pass {
			return r.skipStep(st)
		}
	}

	switch st.StepType {
	case store.StepTask:
		return r.dispatchTask(st)
	case store.StepSpawn:
		return r.dispatchSpawn(st)
	case store.StepCheckpoint:
		return r.dispatchCheckpoint(st)
	case store.StepGate:
		return r.dispatchGate(st)
	case store.StepParallel:
		return r.dispatchParallel(st)
	case store.StepScript:
		return r.dispatchScript(st)
	}
	return r.failStep(st, fmt.Sprintf("unknown step type %q", st.StepType))
}

func (r *run) dispatchTask(st *store.Step) error {
	cfg, err := parseConfig[TaskConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	team := identity.TeamName(cfg.Team)
	if team == "" {
		team = r.e.defaultTeam
	}
	subject := cfg.Subject
	if subject == "" {
		subject = st.StepKey
	}
	t, err := r.e.tasks.Create(r.ctx, task.CreateRequest{
		TeamName:    team,
		OwnerHandle: identity.Handle(cfg.AssignTo),
		CreatedBy:   r.exec.CreatedBy,
		Subject:     subject,
		Description: cfg.Description,
	})
	if err != nil {
		return r.failStep(st, fmt.Sprintf("create task: %s", err))
	}
	st.AssignedTo = identity.Handle(cfg.AssignTo)
	st.RefID = t.ID
	return r.markRunning(st)
}

func (r *run) dispatchSpawn(st *store.Step) error {
	cfg, err := parseConfig[SpawnConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	if cfg.AgentRole == "" {
		return r.failStep(st, "spawn step requires agentRole")
	}
	req, err := r.e.spawner.Enqueue(r.ctx, spawn.EnqueueRequest{
		RequesterHandle: r.exec.CreatedBy,
		TargetAgentType: cfg.AgentRole,
		Task:            cfg.Task,
		SwarmID:         r.exec.SwarmID,
		Priority:        store.Priority(cfg.Priority),
	})
	if err != nil {
		return r.failStep(st, fmt.Sprintf("enqueue spawn: %s", err))
	}
	st.RefID = req.ID
	return r.markRunning(st)
}

func (r *run) dispatchCheckpoint(st *store.Step) error {
	cfg, err := parseConfig[CheckpointConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	if cfg.ToHandle == "" {
		return r.failStep(st, "checkpoint step requires toHandle")
	}
	cp := &store.Checkpoint{
		ID:        uuid.NewString(),
		ToHandle:  identity.Handle(cfg.ToHandle),
		Summary:   cfg.Summary,
		Status:    store.CheckpointPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.e.checkpoints.CreateCheckpoint(r.ctx, cp); err != nil {
		return fmt.Errorf("create checkpoint: %w", err)
	}
	st.RefID = cp.ID
	if !cfg.WaitForAcceptance {
		now := time.Now().UTC()
		st.StartedAt = &now
		return r.completeStep(st, nil)
	}
	return r.markRunning(st)
}

func (r *run) dispatchGate(st *store.Step) error {
	cfg, err := parseConfig[GateConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	result, err := expr.EvalBool(cfg.Condition, r.env())
	if err != nil {
		return r.failStep(st, fmt.Sprintf("gate condition: %s", err))
	}

	// The untaken branch is skipped before the gate completes, so the
	// completion cascade only promotes the taken branch.
	untaken := cfg.OnTrue
	if result {
		untaken = cfg.OnFalse
	}
	for _, key := range untaken {
		child := r.byKey[key]
		if child == nil || child.Status.Terminal() || child.Status == store.StepRunning {
			continue
		}
		if err := r.skipStep(child); err != nil {
			return err
		}
	}

	output, _ := json.Marshal(map[string]any{"result": result})
	now := time.Now().UTC()
	st.StartedAt = &now
	return r.completeStep(st, output)
}

func (r *run) dispatchParallel(st *store.Step) error {
	cfg, err := parseConfig[ParallelConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	if len(cfg.StepKeys) == 0 {
		return r.failStep(st, "parallel step requires stepKeys")
	}
	for _, key := range cfg.StepKeys {
		child := r.byKey[key]
		if child == nil {
			return r.failStep(st, fmt.Sprintf("parallel references unknown step %q", key))
		}
		if child.Status != store.StepPending {
			continue
		}
		child.Status = store.StepReady
		child.BlockedByCount = 0
		if err := r.e.store.UpdateStep(r.ctx, child); err != nil {
			return err
		}
	}
	return r.markRunning(st)
}

func (r *run) dispatchScript(st *store.Step) error {
	cfg, err := parseConfig[ScriptConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	v, err := expr.Eval(cfg.Script, r.env())
	if err != nil {
		return r.failStep(st, fmt.Sprintf("script: %s", err))
	}
	output, err := json.Marshal(v)
	if err != nil {
		return r.failStep(st, fmt.Sprintf("script result: %s", err))
	}
	now := time.Now().UTC()
	st.StartedAt = &now
	return r.completeStep(st, output)
}

func (r *run) markRunning(st *store.Step) error {
	now := time.Now().UTC()
	st.Status = store.StepRunning
	st.StartedAt = &now
	return r.e.store.UpdateStep(r.ctx, st)
}

// pollTaskStep completes a running task step once its task resolves.
func (r *run) pollTaskStep(st *store.Step) error {
	if st.RefID == "" {
		return nil
	}
	t, err := r.e.tasks.Get(r.ctx, st.RefID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.failStep(st, "task disappeared")
		}
		return err
	}
	if t.Status == store.TaskResolved {
		return r.completeStep(st, nil)
	}
	return nil
}

// pollCheckpointStep resolves a waiting checkpoint step from its record's
// decision.
func (r *run) pollCheckpointStep(st *store.Step) error {
	if st.RefID == "" {
		return nil
	}
	cp, err := r.e.checkpoints.GetCheckpoint(r.ctx, st.RefID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return r.failStep(st, "checkpoint disappeared")
		}
		return err
	}
	switch cp.Status {
	case store.CheckpointAccepted:
		return r.completeStep(st, nil)
	case store.CheckpointRejected:
		return r.failStep(st, "checkpoint rejected")
	}
	return nil
}

// pollParallelStep applies the step's completion strategy over its children.
func (r *run) pollParallelStep(st *store.Step) error {
	cfg, err := parseConfig[ParallelConfig](st.Config, st.StepKey)
	if err != nil {
		return r.failStep(st, err.Error())
	}
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyAll
	}

	var children []*store.Step
	for _, key := range cfg.StepKeys {
		if child := r.byKey[key]; child != nil {
			children = append(children, child)
		}
	}

	switch strategy {
	case StrategyAll:
		for _, child := range children {
			if !child.Status.Terminal() {
				return nil
			}
		}
		return r.completeStep(st, nil)
	case StrategyAny, StrategyRace:
		var winner *store.Step
		for _, child := range children {
			if child.Status == store.StepCompleted {
				winner = child
				break
			}
		}
		if winner == nil {
			return nil
		}
		for _, child := range children {
			if child == winner || child.Status.Terminal() {
				continue
			}
			// race also cancels running siblings; any only skips the
			// not-yet-started ones.
			if child.Status == store.StepRunning && strategy != StrategyRace {
				continue
			}
			if err := r.skipStep(child); err != nil {
				return err
			}
		}
		return r.completeStep(st, winner.Output)
	}
	return r.failStep(st, fmt.Sprintf("unknown parallel strategy %q", strategy))
}

func (r *run) completeStep(st *store.Step, output json.RawMessage) error {
	now := time.Now().UTC()
	st.Status = store.StepCompleted
	if output != nil {
		st.Output = output
	}
	st.CompletedAt = &now
	st.Error = ""
	if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
		return err
	}
	r.e.bus.Publish(bus.Event{Name: bus.EventStepCompleted, Payload: map[string]any{
		"executionId": r.exec.ID,
		"stepKey":     st.StepKey,
	}})
	return r.cascade(st.StepKey)
}

func (r *run) skipStep(st *store.Step) error {
	now := time.Now().UTC()
	st.Status = store.StepSkipped
	st.CompletedAt = &now
	if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
		return err
	}
	return r.cascade(st.StepKey)
}

func (r *run) failStep(st *store.Step, msg string) error {
	onFailure := st.OnFailure
	if onFailure == "" {
		onFailure = store.FailureFail
	}

	if onFailure == store.FailureRetry && st.RetryCount < st.MaxRetries {
		st.RetryCount++
		st.Error = ""
		st.Status = store.StepReady
		st.StartedAt = nil
		logger.WarnCF("workflow", "step retrying", map[string]any{
			"execution": r.exec.ID,
			"step":      st.StepKey,
			"attempt":   st.RetryCount,
			"cause":     msg,
		})
		return r.e.store.UpdateStep(r.ctx, st)
	}

	now := time.Now().UTC()
	st.Error = msg
	st.CompletedAt = &now

	switch onFailure {
	case store.FailureSkip:
		st.Status = store.StepSkipped
		if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
			return err
		}
		return r.cascade(st.StepKey)
	case store.FailureContinue:
		st.Status = store.StepFailed
		if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
			return err
		}
		r.e.bus.Publish(bus.Event{Name: bus.EventStepFailed, Payload: map[string]any{
			"executionId": r.exec.ID,
			"stepKey":     st.StepKey,
			"error":       msg,
		}})
		return r.cascade(st.StepKey)
	default:
		st.Status = store.StepFailed
		if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
			return err
		}
		r.e.bus.Publish(bus.Event{Name: bus.EventStepFailed, Payload: map[string]any{
			"executionId": r.exec.ID,
			"stepKey":     st.StepKey,
			"error":       msg,
		}})
		r.e.failExecution(r.ctx, r.exec, fmt.Sprintf("step %s: %s", st.StepKey, msg))
		return nil
	}
}

// cascade decrements every pending dependent of the finished step and
// promotes those reaching zero to ready.
func (r *run) cascade(finishedKey string) error {
	for _, st := range r.steps {
		if st.Status != store.StepPending {
			continue
		}
		depends := false
		for _, dep := range st.DependsOn {
			if dep == finishedKey {
				depends = true
				break
			}
		}
		if !depends {
			continue
		}
		if st.BlockedByCount > 0 {
			st.BlockedByCount--
		}
		if st.BlockedByCount == 0 {
			st.Status = store.StepReady
		}
		if err := r.e.store.UpdateStep(r.ctx, st); err != nil {
			return err
		}
	}
	return nil
}

// checkCompletion transitions the execution to completed once every step is
// terminal. Fatal failures transition it earlier, in failStep.
func (r *run) checkCompletion() error {
	if r.exec.Status != store.ExecRunning {
		return nil
	}
	for _, st := range r.steps {
		if !st.Status.Terminal() {
			return nil
		}
	}
	now := time.Now().UTC()
	r.exec.Status = store.ExecCompleted
	r.exec.CompletedAt = &now
	if err := r.e.store.UpdateExecution(r.ctx, r.exec); err != nil {
		return err
	}
	logger.InfoCF("workflow", "execution completed", map[string]any{"execution": r.exec.ID})
	r.e.bus.Publish(bus.Event{Name: bus.EventWorkflowCompleted, Payload: map[string]any{
		"executionId": r.exec.ID,
	}})
	return nil
}
