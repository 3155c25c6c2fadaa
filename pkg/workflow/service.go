package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/store"
)

// Service manages workflow definitions: versioned, uniquely named, optionally
// marked as templates.
type Service struct {
	store store.WorkflowStore
}

func NewService(st store.WorkflowStore) *Service {
	return &Service{store: st}
}

func (s *Service) Create(ctx context.Context, name string, definition json.RawMessage, isTemplate bool) (*store.Workflow, error) {
	if name == "" {
		return nil, &store.ValidationError{Field: "name", Reason: "required"}
	}
	if _, err := ParseDefinition(definition); err != nil {
		return nil, err
	}
	if _, err := s.store.GetWorkflowByName(ctx, name); err == nil {
		return nil, &store.ConflictError{Reason: fmt.Sprintf("workflow %q already exists", name)}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	w := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       name,
		Version:    1,
		Definition: definition,
		IsTemplate: isTemplate,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, id string) (*store.Workflow, error) {
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) GetByName(ctx context.Context, name string) (*store.Workflow, error) {
	return s.store.GetWorkflowByName(ctx, name)
}

func (s *Service) List(ctx context.Context, isTemplate *bool) ([]*store.Workflow, error) {
	return s.store.ListWorkflows(ctx, isTemplate)
}

// Update replaces the definition and bumps the version.
func (s *Service) Update(ctx context.Context, id string, definition json.RawMessage, isTemplate *bool) (*store.Workflow, error) {
	w, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if definition != nil {
		if _, err := ParseDefinition(definition); err != nil {
			return nil, err
		}
		w.Definition = definition
	}
	if isTemplate != nil {
		w.IsTemplate = *isTemplate
	}
	w.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return s.store.GetWorkflow(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteWorkflow(ctx, id)
}
