// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package task implements the team-scoped task service. Status transitions
// are free except resolution, which requires every blocking task to already
// be resolved.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/logger"
	"github.com/agentfleet/fleetd/pkg/store"
)

type Service struct {
	store store.TeamStore
	bus   *bus.EventBus
}

func NewService(st store.TeamStore, b *bus.EventBus) *Service {
	return &Service{store: st, bus: b}
}

// CreateRequest carries the caller-supplied fields of a new task.
type CreateRequest struct {
	TeamName    identity.TeamName
	OwnerHandle identity.Handle
	CreatedBy   identity.Handle
	Subject     string
	Description string
	BlockedBy   []string
}

func (s *Service) Create(ctx context.Context, req CreateRequest) (*store.Task, error) {
	if req.Subject == "" {
		return nil, &store.ValidationError{Field: "subject", Reason: "required"}
	}
	if req.TeamName == "" {
		return nil, &store.ValidationError{Field: "teamName", Reason: "required"}
	}
	if req.OwnerHandle == "" {
		req.OwnerHandle = req.CreatedBy
	}
	for _, dep := range req.BlockedBy {
		if _, err := s.store.GetTask(ctx, dep); err != nil {
			return nil, fmt.Errorf("blockedBy task %s: %w", dep, err)
		}
	}

	now := time.Now().UTC()
	t := &store.Task{
		ID:              uuid.NewString(),
		TeamName:        req.TeamName,
		OwnerHandle:     req.OwnerHandle,
		OwnerUID:        identity.DeriveUID(req.TeamName, req.OwnerHandle),
		CreatedByHandle: req.CreatedBy,
		CreatedByUID:    identity.DeriveUID(req.TeamName, req.CreatedBy),
		Subject:         req.Subject,
		Description:     req.Description,
		Status:          store.TaskOpen,
		BlockedBy:       req.BlockedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	logger.InfoCF("task", "task created", map[string]any{
		"id":    t.ID,
		"team":  t.TeamName,
		"owner": t.OwnerHandle,
	})
	s.bus.Publish(bus.Event{Name: bus.EventTaskCreated, Payload: map[string]any{
		"taskId": t.ID,
		"team":   string(t.TeamName),
		"owner":  string(t.OwnerHandle),
	}})
	return t, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListByTeam(ctx context.Context, team identity.TeamName) ([]*store.Task, error) {
	return s.store.ListTasksByTeam(ctx, team)
}

// UpdateStatus applies a status transition. Transitions are free except to
// resolved, which fails with a conflict enumerating unresolved blockers.
func (s *Service) UpdateStatus(ctx context.Context, id string, status store.TaskStatus) (*store.Task, error) {
	if !store.ValidTaskStatus(status) {
		return nil, &store.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if status == store.TaskResolved {
		var unresolved []string
		for _, dep := range t.BlockedBy {
			blocker, err := s.store.GetTask(ctx, dep)
			if err != nil {
				return nil, fmt.Errorf("blocker %s: %w", dep, err)
			}
			if blocker.Status != store.TaskResolved {
				unresolved = append(unresolved, dep)
			}
		}
		if len(unresolved) > 0 {
			return nil, &store.ConflictError{
				Reason:    "cannot resolve",
				BlockedBy: unresolved,
			}
		}
	}

	now := time.Now().UTC()
	if err := s.store.UpdateTaskStatus(ctx, id, status, now); err != nil {
		return nil, err
	}
	t.Status = status
	t.UpdatedAt = now

	s.bus.Publish(bus.Event{Name: bus.EventTaskUpdated, Payload: map[string]any{
		"taskId": t.ID,
		"status": string(status),
	}})
	return t, nil
}
