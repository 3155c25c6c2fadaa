package scheduler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/registry"
	"github.com/agentfleet/fleetd/pkg/spawn"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
	"github.com/agentfleet/fleetd/pkg/task"
	"github.com/agentfleet/fleetd/pkg/trigger"
	"github.com/agentfleet/fleetd/pkg/workflow"
)

type fixture struct {
	sched  *Scheduler
	engine *workflow.Engine
	svc    *workflow.Service
	ctrl   *spawn.Controller
	match  *trigger.Matcher
	store  *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	b := bus.NewEventBus()
	tasks := task.NewService(st, b)
	ctrl := spawn.NewController(st, b, spawn.SpawnerFunc(func(context.Context, *store.SpawnRequest) error {
		return nil
	}), spawn.DefaultLimits())
	reg := registry.New(st, b)
	engine := workflow.NewEngine(st, st, tasks, ctrl, b)
	match := trigger.NewMatcher(st, engine, b)
	return &fixture{
		sched:  New(engine, ctrl, reg, match, DefaultTickInterval),
		engine: engine,
		svc:    workflow.NewService(st),
		ctrl:   ctrl,
		match:  match,
		store:  st,
	}
}

func TestTickAdvancesAllSubsystems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w, err := f.svc.Create(ctx, "one-shot", json.RawMessage(`{
	  "steps": [{"key": "a", "type": "script", "config": {"script": "41 + 1"}}]
	}`), false)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	exec, err := f.engine.Start(ctx, workflow.StartRequest{WorkflowID: w.ID, CreatedBy: "lead"})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}

	req, err := f.ctrl.Enqueue(ctx, spawn.EnqueueRequest{
		RequesterHandle: "lead",
		TargetAgentType: "coder",
	})
	if err != nil {
		t.Fatalf("enqueue spawn: %v", err)
	}

	f.sched.Tick(ctx)

	got, _ := f.engine.GetExecution(ctx, exec.ID)
	if got.Status != store.ExecCompleted {
		t.Errorf("execution status = %s, want completed", got.Status)
	}
	spawned, err := f.ctrl.Get(ctx, req.ID)
	if err != nil {
		t.Fatalf("get spawn request: %v", err)
	}
	if spawned.Status != store.SpawnSpawned {
		t.Errorf("spawn request status = %s, want spawned", spawned.Status)
	}
	if f.sched.Ticks() != 1 {
		t.Errorf("ticks = %d, want 1", f.sched.Ticks())
	}
}

func TestTickSamplesScheduleTriggers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	w, err := f.svc.Create(ctx, "cron-job", json.RawMessage(`{
	  "steps": [{"key": "a", "type": "script", "config": {"script": "1"}}]
	}`), false)
	if err != nil {
		t.Fatalf("create workflow: %v", err)
	}
	if _, err := f.match.Create(ctx, w.ID, store.TriggerSchedule, json.RawMessage(`{"intervalMs": 60000}`), true); err != nil {
		t.Fatalf("create trigger: %v", err)
	}

	f.sched.Tick(ctx)
	execs, err := f.engine.ListExecutions(ctx, store.ExecutionFilter{})
	if err != nil {
		t.Fatalf("list executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected the schedule trigger to start 1 execution, got %d", len(execs))
	}
}

func TestReentrantTickIsSkippedNotQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sched.ticking.Store(true)
	f.sched.Tick(ctx)
	if f.sched.Ticks() != 0 {
		t.Errorf("guarded tick still ran: ticks = %d", f.sched.Ticks())
	}
	if f.sched.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", f.sched.Skipped())
	}

	f.sched.ticking.Store(false)
	f.sched.Tick(ctx)
	if f.sched.Ticks() != 1 {
		t.Errorf("ticks = %d, want 1 after guard release", f.sched.Ticks())
	}
	if f.sched.Skipped() != 1 {
		t.Errorf("skipped = %d, want 1", f.sched.Skipped())
	}
}
