package task

import (
	"context"
	"errors"
	"testing"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
)

func newService() *Service {
	return NewService(memory.New(), bus.NewEventBus())
}

func TestCreateRequiresSubject(t *testing.T) {
	svc := newService()
	_, err := svc.Create(context.Background(), CreateRequest{TeamName: "alpha", CreatedBy: "lead"})
	if !store.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDefaultsOwnerToCreator(t *testing.T) {
	svc := newService()
	created, err := svc.Create(context.Background(), CreateRequest{
		TeamName:  "alpha",
		CreatedBy: "lead",
		Subject:   "setup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.OwnerHandle != "lead" {
		t.Errorf("owner = %q, want lead", created.OwnerHandle)
	}
	if created.Status != store.TaskOpen {
		t.Errorf("status = %q, want open", created.Status)
	}
	if created.OwnerUID != created.CreatedByUID {
		t.Errorf("owner and creator UIDs should match")
	}
}

func TestResolveBlockedTask(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	a, err := svc.Create(ctx, CreateRequest{TeamName: "alpha", CreatedBy: "lead", Subject: "setup"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Create(ctx, CreateRequest{
		TeamName: "alpha", CreatedBy: "lead", Subject: "deploy", BlockedBy: []string{a.ID},
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.UpdateStatus(ctx, b.ID, store.TaskResolved)
	var ce *store.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(ce.BlockedBy) != 1 || ce.BlockedBy[0] != a.ID {
		t.Errorf("conflict should enumerate blocker, got %v", ce.BlockedBy)
	}

	if _, err := svc.UpdateStatus(ctx, a.ID, store.TaskResolved); err != nil {
		t.Fatalf("resolving unblocked task: %v", err)
	}
	updated, err := svc.UpdateStatus(ctx, b.ID, store.TaskResolved)
	if err != nil {
		t.Fatalf("retry after blocker resolved: %v", err)
	}
	if updated.Status != store.TaskResolved {
		t.Errorf("status = %q, want resolved", updated.Status)
	}
}

func TestFreeTransitions(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	created, _ := svc.Create(ctx, CreateRequest{TeamName: "alpha", CreatedBy: "lead", Subject: "t"})

	for _, status := range []store.TaskStatus{
		store.TaskInProgress, store.TaskBlocked, store.TaskOpen, store.TaskResolved, store.TaskOpen,
	} {
		if _, err := svc.UpdateStatus(ctx, created.ID, status); err != nil {
			t.Fatalf("transition to %s: %v", status, err)
		}
	}
}

func TestUpdateStatusRejectsUnknownStatus(t *testing.T) {
	svc := newService()
	_, err := svc.UpdateStatus(context.Background(), "x", store.TaskStatus("bogus"))
	if !store.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestUpdateStatusNotFound(t *testing.T) {
	svc := newService()
	_, err := svc.UpdateStatus(context.Background(), "missing", store.TaskOpen)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
