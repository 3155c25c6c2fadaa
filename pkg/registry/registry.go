// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package registry holds the in-memory roster of live workers, mirrored
// through the WorkerStore for durability across restarts. Health is derived
// from heartbeat age by the periodic sweep.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Heartbeat age thresholds for derived health.
const (
	healthyWindow  = 30 * time.Second
	degradedWindow = 120 * time.Second
)

// DefaultRestartThreshold is how long a worker may sit unhealthy before it
// becomes eligible for restart.
const DefaultRestartThreshold = 5 * time.Minute

// ExitHook is notified when a worker leaves the roster, with the exit reason.
type ExitHook func(handle identity.Handle, reason string)

type Registry struct {
	mu               sync.RWMutex
	workers          map[identity.Handle]*store.Worker
	unhealthySince   map[identity.Handle]time.Time
	store            store.WorkerStore
	bus              *bus.EventBus
	restartThreshold time.Duration
	exitHooks        []ExitHook
}

func New(st store.WorkerStore, b *bus.EventBus) *Registry {
	return &Registry{
		workers:          make(map[identity.Handle]*store.Worker),
		unhealthySince:   make(map[identity.Handle]time.Time),
		store:            st,
		bus:              b,
		restartThreshold: DefaultRestartThreshold,
	}
}

// SetRestartThreshold overrides the restart eligibility window.
func (r *Registry) SetRestartThreshold(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restartThreshold = d
}

// OnExit registers a hook called after a worker exits or is dismissed.
func (r *Registry) OnExit(h ExitHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitHooks = append(r.exitHooks, h)
}

// Load rebuilds the roster from persisted worker rows. Dismissed rows are
// not revived.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.store.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("load workers: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range rows {
		if !w.State.Active() {
			continue
		}
		cp := *w
		r.workers[w.Handle] = &cp
	}
	logger.InfoCF("registry", "roster restored", map[string]any{"workers": len(r.workers)})
	return nil
}

// RegisterSpec carries the fields of a newly admitted worker.
type RegisterSpec struct {
	Handle       identity.Handle
	TeamName     identity.TeamName
	SwarmID      identity.SwarmID
	SpawnMode    store.SpawnMode
	DepthLevel   int
	ParentHandle identity.Handle
	PID          int
}

// Register adds a worker to the roster in state starting and emits
// worker:spawned. Re-registering a live handle is a conflict.
func (r *Registry) Register(ctx context.Context, spec RegisterSpec) (*store.Worker, error) {
	if spec.Handle == "" {
		return nil, &store.ValidationError{Field: "handle", Reason: "required"}
	}
	if spec.TeamName == "" {
		return nil, &store.ValidationError{Field: "teamName", Reason: "required"}
	}
	if spec.SpawnMode == "" {
		spec.SpawnMode = store.SpawnNative
	}

	now := time.Now().UTC()
	w := &store.Worker{
		ID:            uuid.NewString(),
		Handle:        spec.Handle,
		TeamName:      spec.TeamName,
		SwarmID:       spec.SwarmID,
		State:         store.WorkerStarting,
		Health:        store.HealthHealthy,
		SpawnMode:     spec.SpawnMode,
		DepthLevel:    spec.DepthLevel,
		ParentHandle:  spec.ParentHandle,
		PID:           spec.PID,
		LastHeartbeat: now,
		SpawnedAt:     now,
	}

	r.mu.Lock()
	if _, exists := r.workers[spec.Handle]; exists {
		r.mu.Unlock()
		return nil, &store.ConflictError{Reason: fmt.Sprintf("worker %s already registered", spec.Handle)}
	}
	r.workers[spec.Handle] = w
	r.mu.Unlock()

	if err := r.store.UpsertWorker(ctx, w); err != nil {
		r.mu.Lock()
		delete(r.workers, spec.Handle)
		r.mu.Unlock()
		return nil, fmt.Errorf("persist worker: %w", err)
	}

	logger.InfoCF("registry", "worker registered", map[string]any{
		"handle": w.Handle,
		"team":   w.TeamName,
		"depth":  w.DepthLevel,
	})
	r.bus.Publish(bus.Event{Name: bus.EventWorkerSpawned, Payload: map[string]any{
		"handle": string(w.Handle),
		"team":   string(w.TeamName),
		"swarm":  string(w.SwarmID),
	}})
	cp := *w
	return &cp, nil
}

func (r *Registry) Get(handle identity.Handle) (*store.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[handle]
	if !ok {
		return nil, false
	}
	cp := *w
	return &cp, true
}

// UpdateState transitions a worker's lifecycle state.
func (r *Registry) UpdateState(ctx context.Context, handle identity.Handle, state store.WorkerState) error {
	r.mu.Lock()
	w, ok := r.workers[handle]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	w.State = state
	cp := *w
	r.mu.Unlock()
	return r.store.UpsertWorker(ctx, &cp)
}

// Heartbeat records liveness and restores health immediately.
func (r *Registry) Heartbeat(ctx context.Context, handle identity.Handle) error {
	r.mu.Lock()
	w, ok := r.workers[handle]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	w.LastHeartbeat = time.Now().UTC()
	w.Health = store.HealthHealthy
	delete(r.unhealthySince, handle)
	cp := *w
	r.mu.Unlock()
	return r.store.UpsertWorker(ctx, &cp)
}

// MarkHealth sets health explicitly, overriding the derived value until the
// next heartbeat or sweep.
func (r *Registry) MarkHealth(ctx context.Context, handle identity.Handle, health store.WorkerHealth) error {
	r.mu.Lock()
	w, ok := r.workers[handle]
	if !ok {
		r.mu.Unlock()
		return store.ErrNotFound
	}
	w.Health = health
	cp := *w
	r.mu.Unlock()
	return r.store.UpsertWorker(ctx, &cp)
}

// RecordOutput broadcasts one line of worker output.
func (r *Registry) RecordOutput(handle identity.Handle, line string) {
	r.bus.Publish(bus.Event{Name: bus.EventWorkerOutput, Payload: map[string]any{
		"handle": string(handle),
		"line":   line,
	}})
}

// HandleExit removes an exited worker and notifies exit hooks (the spawn
// controller releases its slot there). Unknown handles are a no-op.
func (r *Registry) HandleExit(ctx context.Context, handle identity.Handle, reason string) error {
	r.mu.Lock()
	_, ok := r.workers[handle]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.workers, handle)
	delete(r.unhealthySince, handle)
	hooks := append([]ExitHook(nil), r.exitHooks...)
	r.mu.Unlock()

	if err := r.store.DeleteWorker(ctx, handle); err != nil {
		logger.WarnCF("registry", "delete worker row failed", map[string]any{
			"handle": handle,
			"error":  err.Error(),
		})
	}
	logger.InfoCF("registry", "worker exited", map[string]any{"handle": handle, "reason": reason})
	r.bus.Publish(bus.Event{Name: bus.EventWorkerExit, Payload: map[string]any{
		"handle": string(handle),
		"reason": reason,
	}})
	for _, h := range hooks {
		h(handle, reason)
	}
	return nil
}

// Dismiss transitions a worker to dismissed and removes it from the roster.
// Idempotent: dismissing a gone worker is a no-op.
func (r *Registry) Dismiss(ctx context.Context, handle identity.Handle) error {
	r.mu.Lock()
	w, ok := r.workers[handle]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	w.State = store.WorkerDismissed
	cp := *w
	delete(r.workers, handle)
	delete(r.unhealthySince, handle)
	hooks := append([]ExitHook(nil), r.exitHooks...)
	r.mu.Unlock()

	if err := r.store.UpsertWorker(ctx, &cp); err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.WarnCF("registry", "persist dismissed worker failed", map[string]any{
			"handle": handle,
			"error":  err.Error(),
		})
	}
	logger.InfoCF("registry", "worker dismissed", map[string]any{"handle": handle})
	r.bus.Publish(bus.Event{Name: bus.EventWorkerDismissed, Payload: map[string]any{
		"handle": string(handle),
	}})
	for _, h := range hooks {
		h(handle, "dismissed")
	}
	return nil
}

func (r *Registry) List() []*store.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(*store.Worker) bool { return true })
}

func (r *Registry) ListByTeam(team identity.TeamName) []*store.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(w *store.Worker) bool { return w.TeamName == team })
}

func (r *Registry) ListBySwarm(swarm identity.SwarmID) []*store.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked(func(w *store.Worker) bool { return w.SwarmID == swarm })
}

func (r *Registry) listLocked(match func(*store.Worker) bool) []*store.Worker {
	var list []*store.Worker
	for _, w := range r.workers {
		if !match(w) {
			continue
		}
		cp := *w
		list = append(list, &cp)
	}
	return list
}

// ActiveCount reports the number of workers in an active state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.State.Active() {
			n++
		}
	}
	return n
}

// HealthFor derives health from a heartbeat age.
func HealthFor(age time.Duration) store.WorkerHealth {
	switch {
	case age < healthyWindow:
		return store.HealthHealthy
	case age <= degradedWindow:
		return store.HealthDegraded
	default:
		return store.HealthUnhealthy
	}
}

// Sweep recomputes every worker's health from heartbeat age and flags
// workers stuck unhealthy past the restart threshold, bumping their restart
// count and emitting worker:restart. Called from the scheduler tick.
func (r *Registry) Sweep(ctx context.Context, now time.Time) {
	type restart struct {
		handle identity.Handle
		count  int
	}
	var changed []*store.Worker
	var restarts []restart

	r.mu.Lock()
	for handle, w := range r.workers {
		health := HealthFor(now.Sub(w.LastHeartbeat))
		if health != w.Health {
			w.Health = health
			cp := *w
			changed = append(changed, &cp)
		}
		if health != store.HealthUnhealthy {
			delete(r.unhealthySince, handle)
			continue
		}
		since, ok := r.unhealthySince[handle]
		if !ok {
			r.unhealthySince[handle] = now
			continue
		}
		if now.Sub(since) > r.restartThreshold {
			w.RestartCount++
			r.unhealthySince[handle] = now
			cp := *w
			changed = append(changed, &cp)
			restarts = append(restarts, restart{handle: handle, count: w.RestartCount})
		}
	}
	r.mu.Unlock()

	for _, w := range changed {
		if err := r.store.UpsertWorker(ctx, w); err != nil {
			logger.WarnCF("registry", "persist health failed", map[string]any{
				"handle": w.Handle,
				"error":  err.Error(),
			})
		}
	}
	for _, rs := range restarts {
		logger.WarnCF("registry", "worker eligible for restart", map[string]any{
			"handle":   rs.handle,
			"restarts": rs.count,
		})
		r.bus.Publish(bus.Event{Name: bus.EventWorkerRestart, Payload: map[string]any{
			"handle":   string(rs.handle),
			"restarts": rs.count,
		}})
	}
}
