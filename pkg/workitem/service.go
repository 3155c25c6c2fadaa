// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package workitem implements flat work items, their append-only event log,
// and batch dispatch. The current status of an item is always derivable from
// the last status-changing event.
package workitem

import (
	"context"
	"fmt"
	"time"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
)

type Service struct {
	store store.WorkItemStore
	bus   *bus.EventBus
}

func NewService(st store.WorkItemStore, b *bus.EventBus) *Service {
	return &Service{store: st, bus: b}
}

// eventForStatus maps a status transition to its event type.
func eventForStatus(status store.WorkItemStatus) store.WorkItemEventType {
	switch status {
	case store.ItemInProgress:
		return store.EventStarted
	case store.ItemCompleted:
		return store.EventCompleted
	case store.ItemBlocked:
		return store.EventBlocked
	case store.ItemCancelled:
		return store.EventCancelled
	case store.ItemPending:
		return store.EventUnblocked
	}
	return store.EventComment
}

func (s *Service) Create(ctx context.Context, title, description string, actor identity.Handle) (*store.WorkItem, error) {
	if title == "" {
		return nil, &store.ValidationError{Field: "title", Reason: "required"}
	}
	now := time.Now().UTC()
	w := &store.WorkItem{
		ID:          identity.NewSlug("wi"),
		Title:       title,
		Description: description,
		Status:      store.ItemPending,
		CreatedAt:   now,
	}
	ev := &store.WorkItemEvent{
		WorkItemID: w.ID,
		EventType:  store.EventCreated,
		Actor:      actor,
		CreatedAt:  now,
	}
	if err := s.store.CreateWorkItem(ctx, w, ev); err != nil {
		return nil, fmt.Errorf("create work item: %w", err)
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.WorkItem, error) {
	return s.store.GetWorkItem(ctx, id)
}

func (s *Service) List(ctx context.Context, f store.WorkItemFilter) ([]*store.WorkItem, error) {
	return s.store.ListWorkItems(ctx, f)
}

func (s *Service) Events(ctx context.Context, id string) ([]*store.WorkItemEvent, error) {
	if _, err := s.store.GetWorkItem(ctx, id); err != nil {
		return nil, err
	}
	return s.store.GetWorkItemEvents(ctx, id)
}

// Assign sets the item's assignee. Re-assigning the same worker is a no-op
// and appends no event.
func (s *Service) Assign(ctx context.Context, id string, worker identity.Handle, actor identity.Handle) (*store.WorkItem, error) {
	if worker == "" {
		return nil, &store.ValidationError{Field: "assignedTo", Reason: "required"}
	}
	w, err := s.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.AssignedTo == worker {
		return w, nil
	}
	w.AssignedTo = worker
	ev := &store.WorkItemEvent{
		WorkItemID: w.ID,
		EventType:  store.EventAssigned,
		Actor:      actor,
		Details:    string(worker),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpdateWorkItem(ctx, w, ev); err != nil {
		return nil, err
	}
	s.bus.Publish(bus.Event{Name: bus.EventTaskAssigned, Payload: map[string]any{
		"workItemId": w.ID,
		"assignedTo": string(worker),
	}})
	return w, nil
}

// UpdateStatus transitions the item and appends the paired event atomically.
// Completing the last member of a batch auto-completes the batch.
func (s *Service) UpdateStatus(ctx context.Context, id string, status store.WorkItemStatus, actor identity.Handle, details string) (*store.WorkItem, error) {
	if !store.ValidWorkItemStatus(status) {
		return nil, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	w, err := s.store.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status == status {
		return w, nil
	}
	w.Status = status
	ev := &store.WorkItemEvent{
		WorkItemID: w.ID,
		EventType:  eventForStatus(status),
		Actor:      actor,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpdateWorkItem(ctx, w, ev); err != nil {
		return nil, err
	}

	if status == store.ItemCompleted && w.BatchID != "" {
		if err := s.maybeCompleteBatch(ctx, w.BatchID); err != nil {
			logger.WarnCF("workitem", "batch auto-complete failed", map[string]any{
				"batch": w.BatchID,
				"error": err.Error(),
			})
		}
	}
	return w, nil
}

// Comment appends a comment event without touching the status.
func (s *Service) Comment(ctx context.Context, id string, actor identity.Handle, details string) error {
	if _, err := s.store.GetWorkItem(ctx, id); err != nil {
		return err
	}
	return s.store.AppendWorkItemEvent(ctx, &store.WorkItemEvent{
		WorkItemID: id,
		EventType:  store.EventComment,
		Actor:      actor,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Service) CreateBatch(ctx context.Context, name string) (*store.Batch, error) {
	if name == "" {
		return nil, &store.ValidationError{Field: "name", Reason: "required"}
	}
	b := &store.Batch{
		ID:        identity.NewSlug("batch"),
		Name:      name,
		Status:    store.BatchOpen,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return b, nil
}

func (s *Service) GetBatch(ctx context.Context, id string) (*store.Batch, error) {
	return s.store.GetBatch(ctx, id)
}

// AddToBatch attaches an existing item to an open batch.
func (s *Service) AddToBatch(ctx context.Context, itemID, batchID string) error {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if b.Status != store.BatchOpen {
		return &store.ConflictError{Reason: fmt.Sprintf("batch %s is %s", batchID, b.Status)}
	}
	w, err := s.store.GetWorkItem(ctx, itemID)
	if err != nil {
		return err
	}
	if w.BatchID == batchID {
		return nil
	}
	w.BatchID = batchID
	return s.store.UpdateWorkItem(ctx, w, nil)
}

// DispatchBatch assigns every member item to one worker and marks the batch
// dispatched. Idempotent on retry: members already assigned to the worker
// are left untouched and gain no duplicate event.
func (s *Service) DispatchBatch(ctx context.Context, batchID string, worker identity.Handle, actor identity.Handle) (*store.Batch, error) {
	if worker == "" {
		return nil, &store.ValidationError{Field: "worker", Reason: "required"}
	}
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == store.BatchCancelled || b.Status == store.BatchCompleted {
		return nil, &store.ConflictError{Reason: fmt.Sprintf("batch %s is %s", batchID, b.Status)}
	}

	items, err := s.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for _, w := range items {
		if w.AssignedTo == worker {
			continue
		}
		w.AssignedTo = worker
		ev := &store.WorkItemEvent{
			WorkItemID: w.ID,
			EventType:  store.EventAssigned,
			Actor:      actor,
			Details:    string(worker),
			CreatedAt:  now,
		}
		if err := s.store.UpdateWorkItem(ctx, w, ev); err != nil {
			return nil, fmt.Errorf("assign %s: %w", w.ID, err)
		}
	}
	if err := s.store.UpdateBatchStatus(ctx, batchID, store.BatchDispatched); err != nil {
		return nil, err
	}
	b.Status = store.BatchDispatched

	logger.InfoCF("workitem", "batch dispatched", map[string]any{
		"batch":  batchID,
		"worker": worker,
		"items":  len(items),
	})
	return b, nil
}

func (s *Service) maybeCompleteBatch(ctx context.Context, batchID string) error {
	items, err := s.store.ListBatchItems(ctx, batchID)
	if err != nil {
		return err
	}
	for _, w := range items {
		if w.Status != store.ItemCompleted {
			return nil
		}
	}
	return s.store.UpdateBatchStatus(ctx, batchID, store.BatchCompleted)
}
