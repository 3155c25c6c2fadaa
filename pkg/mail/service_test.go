package mail

import (
	"context"
	"testing"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
)

func newService() *Service {
	return NewService(memory.New(), bus.NewEventBus())
}

func TestUnreadIsSubsetOfInbox(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	m1, err := svc.Send(ctx, "alice", "bob", "hi", "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Send(ctx, "alice", "bob", "", "second"); err != nil {
		t.Fatal(err)
	}

	inbox, _ := svc.Inbox(ctx, "bob")
	unread, _ := svc.Unread(ctx, "bob")
	if len(inbox) != 2 || len(unread) != 2 {
		t.Fatalf("inbox=%d unread=%d, want 2/2", len(inbox), len(unread))
	}

	if err := svc.MarkRead(ctx, m1.ID); err != nil {
		t.Fatal(err)
	}
	inbox, _ = svc.Inbox(ctx, "bob")
	unread, _ = svc.Unread(ctx, "bob")
	if len(inbox) != 2 {
		t.Errorf("inbox shrank after markRead")
	}
	if len(unread) != 1 || unread[0].ID == m1.ID {
		t.Errorf("unread should exclude read mail, got %v", unread)
	}
}

func TestMarkReadIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	m, _ := svc.Send(ctx, "alice", "bob", "", "body")

	if err := svc.MarkRead(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	first, _ := svc.Inbox(ctx, "bob")
	readAt := first[0].ReadAt

	if err := svc.MarkRead(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	second, _ := svc.Inbox(ctx, "bob")
	if !second[0].ReadAt.Equal(*readAt) {
		t.Errorf("readAt changed on re-mark")
	}
}

func TestSendValidation(t *testing.T) {
	svc := newService()
	if _, err := svc.Send(context.Background(), "", "bob", "", "body"); !store.IsValidation(err) {
		t.Errorf("missing from accepted: %v", err)
	}
	if _, err := svc.Send(context.Background(), "alice", "bob", "subj", ""); !store.IsValidation(err) {
		t.Errorf("missing body accepted: %v", err)
	}
}

func TestHandoffLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	h, err := svc.CreateHandoff(ctx, HandoffRequest{
		From:    "alice",
		To:      "bob",
		Reason:  "rotating off",
		Context: []byte(`{"branch":"feat-x"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != store.HandoffPending {
		t.Fatalf("status = %s, want pending", h.Status)
	}

	decided, err := svc.DecideHandoff(ctx, h.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if decided.Status != store.HandoffAccepted {
		t.Errorf("status = %s, want accepted", decided.Status)
	}

	if _, err := svc.DecideHandoff(ctx, h.ID, false); !store.IsConflict(err) {
		t.Errorf("re-deciding should conflict, got %v", err)
	}
}
