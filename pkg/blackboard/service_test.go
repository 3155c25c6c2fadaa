package blackboard

import (
	"context"
	"testing"
	"time"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/store"
	"github.com/agentfleet/fleetd/pkg/store/memory"
)

func newService() *Service {
	return NewService(memory.New(), bus.NewEventBus())
}

func TestUnreadFiltering(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	m1, err := svc.Post(ctx, PostRequest{
		SwarmID: "s", SenderHandle: "x", MessageType: store.MsgStatus,
	})
	if err != nil {
		t.Fatal(err)
	}
	m2, err := svc.Post(ctx, PostRequest{
		SwarmID: "s", SenderHandle: "x", MessageType: store.MsgStatus,
	})
	if err != nil {
		t.Fatal(err)
	}

	unread, err := svc.Read(ctx, "s", store.BlackboardFilter{UnreadOnly: true, ReaderHandle: "y"})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 2 {
		t.Fatalf("unread = %d, want 2", len(unread))
	}

	if err := svc.MarkRead(ctx, []string{m1.ID}, "y"); err != nil {
		t.Fatal(err)
	}
	unread, _ = svc.Read(ctx, "s", store.BlackboardFilter{UnreadOnly: true, ReaderHandle: "y"})
	if len(unread) != 1 || unread[0].ID != m2.ID {
		t.Fatalf("unread after markRead = %v, want only m2", unread)
	}
	n, _ := svc.UnreadCount(ctx, "s", "y")
	if n != 1 {
		t.Errorf("unread count = %d, want 1", n)
	}

	archived, err := svc.ArchiveOlderThan(ctx, "s", 0)
	if err != nil {
		t.Fatal(err)
	}
	if archived != 2 {
		t.Errorf("archived = %d, want 2", archived)
	}
	rest, _ := svc.Read(ctx, "s", store.BlackboardFilter{})
	if len(rest) != 0 {
		t.Errorf("read after archive = %d messages, want 0", len(rest))
	}
}

func TestMarkReadIdempotentAndSkipsUnknown(t *testing.T) {
	ctx := context.Background()
	svc := newService()
	m, _ := svc.Post(ctx, PostRequest{SwarmID: "s", SenderHandle: "x", MessageType: store.MsgRequest})

	for i := 0; i < 3; i++ {
		if err := svc.MarkRead(ctx, []string{m.ID, "no-such-id"}, "y"); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := svc.Read(ctx, "s", store.BlackboardFilter{})
	if len(msgs[0].ReadBy) != 1 {
		t.Errorf("readBy = %v, want single reader", msgs[0].ReadBy)
	}
}

func TestOrderingByCreatedAtThenID(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := svc.Post(ctx, PostRequest{SwarmID: "s", SenderHandle: "x", MessageType: store.MsgStatus})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, m.ID)
		time.Sleep(2 * time.Millisecond)
	}

	msgs, _ := svc.Read(ctx, "s", store.BlackboardFilter{})
	if len(msgs) != 5 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Fatalf("order broken at %d", i)
		}
	}
}

func TestPostValidation(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, err := svc.Post(ctx, PostRequest{SenderHandle: "x", MessageType: store.MsgStatus})
	if !store.IsValidation(err) {
		t.Errorf("missing swarm accepted: %v", err)
	}
	_, err = svc.Post(ctx, PostRequest{SwarmID: "s", SenderHandle: "x", MessageType: "bogus"})
	if !store.IsValidation(err) {
		t.Errorf("bad message type accepted: %v", err)
	}
	_, err = svc.Read(ctx, "s", store.BlackboardFilter{UnreadOnly: true})
	if !store.IsValidation(err) {
		t.Errorf("unreadOnly without reader accepted: %v", err)
	}
}

func TestFilterByTypeAndPriority(t *testing.T) {
	ctx := context.Background()
	svc := newService()

	_, _ = svc.Post(ctx, PostRequest{SwarmID: "s", SenderHandle: "x", MessageType: store.MsgRequest, Priority: store.PriorityHigh})
	_, _ = svc.Post(ctx, PostRequest{SwarmID: "s", SenderHandle: "x", MessageType: store.MsgStatus})

	reqs, _ := svc.Read(ctx, "s", store.BlackboardFilter{MessageType: store.MsgRequest})
	if len(reqs) != 1 || reqs[0].MessageType != store.MsgRequest {
		t.Errorf("type filter returned %v", reqs)
	}
	high, _ := svc.Read(ctx, "s", store.BlackboardFilter{Priority: store.PriorityHigh})
	if len(high) != 1 {
		t.Errorf("priority filter returned %d messages", len(high))
	}
}
