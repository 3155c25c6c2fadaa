// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package spawn implements the bounded admission controller for worker
// spawning. Requests queue as pending, drain in FIFO order within priority
// class, and respect three limits: soft (queue above it), hard (reject above
// it), and max depth (reject beyond it).
package spawn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Default limits.
const (
	DefaultSoftLimit = 50
	DefaultHardLimit = 100
	DefaultMaxDepth  = 3
)

// Limits bounds the controller's admission decisions.
type Limits struct {
	SoftLimit int
	HardLimit int
	MaxDepth  int
}

func DefaultLimits() Limits {
	return Limits{SoftLimit: DefaultSoftLimit, HardLimit: DefaultHardLimit, MaxDepth: DefaultMaxDepth}
}

// Spawner materializes an approved request into a live worker. The worker
// registry provides the production implementation.
type Spawner interface {
	Spawn(ctx context.Context, req *store.SpawnRequest) error
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, req *store.SpawnRequest) error

func (f SpawnerFunc) Spawn(ctx context.Context, req *store.SpawnRequest) error { return f(ctx, req) }

// QueueStatus is the controller's observable state.
type QueueStatus struct {
	SoftLimit int `json:"softLimit"`
	HardLimit int `json:"hardLimit"`
	MaxDepth  int `json:"maxDepth"`
	Active    int `json:"active"`
	Pending   int `json:"pending"`
	Approved  int `json:"approved"`
}

type Controller struct {
	mu      sync.Mutex
	store   store.SpawnQueueStore
	bus     *bus.EventBus
	spawner Spawner
	limits  Limits
	active  int
}

func NewController(st store.SpawnQueueStore, b *bus.EventBus, spawner Spawner, limits Limits) *Controller {
	if limits.SoftLimit <= 0 {
		limits.SoftLimit = DefaultSoftLimit
	}
	if limits.HardLimit <= 0 {
		limits.HardLimit = DefaultHardLimit
	}
	if limits.MaxDepth <= 0 {
		limits.MaxDepth = DefaultMaxDepth
	}
	return &Controller{store: st, bus: b, spawner: spawner, limits: limits}
}

// SetActive seeds the slot counter, used at startup to match the restored
// worker roster.
func (c *Controller) SetActive(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = n
}

// EnqueueRequest carries the caller-supplied fields of a spawn request.
type EnqueueRequest struct {
	RequesterHandle identity.Handle
	TargetAgentType string
	Task            string
	SwarmID         identity.SwarmID
	Priority        store.Priority
	DepthLevel      int
	ParentHandle    identity.Handle
	DependsOn       []string
}

// Enqueue validates and persists a request. Depth violations persist a
// rejected row and return a conflict; at the hard limit the row is rejected
// and a capacity error returned. Dependencies are recorded verbatim.
func (c *Controller) Enqueue(ctx context.Context, req EnqueueRequest) (*store.SpawnRequest, error) {
	if req.RequesterHandle == "" {
		return nil, &store.ValidationError{Field: "requesterHandle", Reason: "required"}
	}
	if req.TargetAgentType == "" {
		return nil, &store.ValidationError{Field: "targetAgentType", Reason: "required"}
	}
	if req.DepthLevel < 0 {
		return nil, &store.ValidationError{Field: "depthLevel", Reason: "must be >= 0"}
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if !store.ValidPriority(req.Priority) {
		return nil, &store.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}

	now := time.Now().UTC()
	r := &store.SpawnRequest{
		ID:              uuid.NewString(),
		RequesterHandle: req.RequesterHandle,
		TargetAgentType: req.TargetAgentType,
		Task:            req.Task,
		SwarmID:         req.SwarmID,
		Priority:        req.Priority,
		DepthLevel:      req.DepthLevel,
		ParentHandle:    req.ParentHandle,
		DependsOn:       req.DependsOn,
		Status:          store.SpawnPending,
		CreatedAt:       now,
	}

	if req.DepthLevel > c.limits.MaxDepth {
		r.Status = store.SpawnRejected
		r.Reason = store.ReasonDepthLimitExceeded
		r.DecidedAt = &now
		if err := c.store.CreateSpawnRequest(ctx, r); err != nil {
			return nil, fmt.Errorf("persist rejected request: %w", err)
		}
		c.bus.Publish(bus.Event{Name: bus.EventSpawnRejected, Payload: map[string]any{
			"requestId": r.ID,
			"reason":    r.Reason,
		}})
		return r, &store.ConflictError{Reason: store.ReasonDepthLimitExceeded}
	}

	c.mu.Lock()
	atHardLimit := c.active >= c.limits.HardLimit
	c.mu.Unlock()
	if atHardLimit {
		r.Status = store.SpawnRejected
		r.Reason = store.ReasonHardLimitReached
		r.DecidedAt = &now
		if err := c.store.CreateSpawnRequest(ctx, r); err != nil {
			return nil, fmt.Errorf("persist rejected request: %w", err)
		}
		c.bus.Publish(bus.Event{Name: bus.EventSpawnRejected, Payload: map[string]any{
			"requestId": r.ID,
			"reason":    r.Reason,
		}})
		return r, &store.CapacityError{Reason: store.ReasonHardLimitReached}
	}

	if err := c.store.CreateSpawnRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("persist request: %w", err)
	}
	logger.InfoCF("spawn", "request enqueued", map[string]any{
		"id":        r.ID,
		"requester": r.RequesterHandle,
		"agentType": r.TargetAgentType,
		"depth":     r.DepthLevel,
	})
	c.bus.Publish(bus.Event{Name: bus.EventSpawnEnqueued, Payload: map[string]any{
		"requestId": r.ID,
	}})
	return r, nil
}

func (c *Controller) Get(ctx context.Context, id string) (*store.SpawnRequest, error) {
	return c.store.GetSpawnRequest(ctx, id)
}

func (c *Controller) List(ctx context.Context, status store.SpawnStatus) ([]*store.SpawnRequest, error) {
	return c.store.ListSpawnRequests(ctx, status)
}

// Status reports limits and current queue counts.
func (c *Controller) Status(ctx context.Context) (QueueStatus, error) {
	pending, err := c.store.ListSpawnRequests(ctx, store.SpawnPending)
	if err != nil {
		return QueueStatus{}, err
	}
	approved, err := c.store.ListSpawnRequests(ctx, store.SpawnApproved)
	if err != nil {
		return QueueStatus{}, err
	}
	c.mu.Lock()
	active := c.active
	c.mu.Unlock()
	return QueueStatus{
		SoftLimit: c.limits.SoftLimit,
		HardLimit: c.limits.HardLimit,
		MaxDepth:  c.limits.MaxDepth,
		Active:    active,
		Pending:   len(pending),
		Approved:  len(approved),
	}, nil
}

// Cancel terminally cancels a pending or approved request. Cancelling an
// approved request releases its reserved slot; a worker already spawned from
// it is left alone.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	r, err := c.store.GetSpawnRequest(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != store.SpawnPending && r.Status != store.SpawnApproved {
		return &store.ConflictError{Reason: fmt.Sprintf("request %s is %s", id, r.Status)}
	}
	now := time.Now().UTC()
	if err := c.store.UpdateSpawnRequest(ctx, id, store.SpawnCancelled, "cancelled by user", &now); err != nil {
		return err
	}
	if r.Status == store.SpawnApproved {
		c.mu.Lock()
		if c.active > 0 {
			c.active--
		}
		c.mu.Unlock()
	}
	logger.InfoCF("spawn", "request cancelled", map[string]any{"id": id})
	return nil
}

// ReserveSlot admits a worker registered outside the queue, enforcing the
// hard limit. Every active worker holds exactly one slot, so the usual exit
// hook releases these too.
func (c *Controller) ReserveSlot() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active >= c.limits.HardLimit {
		return &store.CapacityError{Reason: store.ReasonHardLimitReached}
	}
	c.active++
	return nil
}

// ReleaseSlot undoes a reservation whose registration never produced a
// worker.
func (c *Controller) ReleaseSlot() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// OnWorkerExit releases one slot. Wired as a registry exit hook.
func (c *Controller) OnWorkerExit(identity.Handle, string) {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// Drain runs one approval pass: pending requests oldest first (ties broken
// by higher priority, then lower depth) are approved while capacity remains
// and their dependencies are all spawned. Called from the scheduler tick.
func (c *Controller) Drain(ctx context.Context) error {
	pending, err := c.store.ListSpawnRequests(ctx, store.SpawnPending)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		return a.DepthLevel < b.DepthLevel
	})

	for _, r := range pending {
		c.mu.Lock()
		hasCapacity := c.active < c.limits.SoftLimit
		c.mu.Unlock()
		if !hasCapacity {
			break
		}

		ok, dead, err := c.dependenciesSpawned(ctx, r)
		if err != nil {
			return err
		}
		if dead {
			now := time.Now().UTC()
			if err := c.store.UpdateSpawnRequest(ctx, r.ID, store.SpawnBlocked, "dependency terminally unsatisfied", &now); err != nil {
				return err
			}
			continue
		}
		if !ok {
			continue
		}

		if err := c.approve(ctx, r); err != nil {
			logger.ErrorCF("spawn", "approval failed", map[string]any{
				"id":    r.ID,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// dependenciesSpawned reports whether every dependency is spawned, and
// whether any can never be (rejected or cancelled).
func (c *Controller) dependenciesSpawned(ctx context.Context, r *store.SpawnRequest) (ok bool, dead bool, err error) {
	for _, depID := range r.DependsOn {
		dep, err := c.store.GetSpawnRequest(ctx, depID)
		if err != nil {
			return false, false, fmt.Errorf("dependency %s: %w", depID, err)
		}
		switch dep.Status {
		case store.SpawnSpawned:
		case store.SpawnRejected, store.SpawnCancelled, store.SpawnBlocked:
			return false, true, nil
		default:
			return false, false, nil
		}
	}
	return true, false, nil
}

// approve reserves a slot, hands the request to the spawner, and finalizes
// to spawned. A spawn failure releases the slot and rejects the request.
func (c *Controller) approve(ctx context.Context, r *store.SpawnRequest) error {
	now := time.Now().UTC()
	if err := c.store.UpdateSpawnRequest(ctx, r.ID, store.SpawnApproved, "", &now); err != nil {
		return err
	}
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
	c.bus.Publish(bus.Event{Name: bus.EventSpawnApproved, Payload: map[string]any{
		"requestId": r.ID,
	}})

	if err := c.spawner.Spawn(ctx, r); err != nil {
		c.mu.Lock()
		if c.active > 0 {
			c.active--
		}
		c.mu.Unlock()
		decided := time.Now().UTC()
		if uerr := c.store.UpdateSpawnRequest(ctx, r.ID, store.SpawnRejected, store.ReasonSpawnFailed, &decided); uerr != nil {
			return uerr
		}
		return fmt.Errorf("spawn %s: %w", r.ID, err)
	}

	decided := time.Now().UTC()
	if err := c.store.UpdateSpawnRequest(ctx, r.ID, store.SpawnSpawned, "", &decided); err != nil {
		return err
	}
	logger.InfoCF("spawn", "request spawned", map[string]any{
		"id":        r.ID,
		"agentType": r.TargetAgentType,
	})
	return nil
}
