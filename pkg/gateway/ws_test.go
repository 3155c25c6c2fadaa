package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfleet/fleetd/pkg/bus"
)

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestWSAuthHandshake(t *testing.T) {
	s := newTestServer(t)
	token, uid := s.authenticate(t, "ada", "alpha", "worker")
	conn := dialWS(t, s.ts)

	conn.WriteJSON(WSMessage{Type: "auth", Token: token})
	frame := readFrame(t, conn)
	if frame.Type != "authenticated" || frame.UID != uid {
		t.Errorf("frame = %+v", frame)
	}

	conn.WriteJSON(WSMessage{Type: "ping"})
	if frame := readFrame(t, conn); frame.Type != "pong" {
		t.Errorf("type = %q, want pong", frame.Type)
	}
}

func TestWSRejectsBadToken(t *testing.T) {
	s := newTestServer(t)
	conn := dialWS(t, s.ts)

	conn.WriteJSON(WSMessage{Type: "auth", Token: "bogus"})
	if frame := readFrame(t, conn); frame.Type != "error" {
		t.Errorf("type = %q, want error", frame.Type)
	}

	conn.WriteJSON(WSMessage{Type: "subscribe", ChatID: "room"})
	frame := readFrame(t, conn)
	if frame.Type != "error" || frame.Error != "authenticate first" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestWSChatScopedFanout(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "ada", "alpha", "worker")

	subscriber := dialWS(t, s.ts)
	subscriber.WriteJSON(WSMessage{Type: "auth", Token: token})
	readFrame(t, subscriber)
	subscriber.WriteJSON(WSMessage{Type: "subscribe", ChatID: "swarm-1"})
	readFrame(t, subscriber)

	bystander := dialWS(t, s.ts)
	bystander.WriteJSON(WSMessage{Type: "auth", Token: token})
	readFrame(t, bystander)

	s.bus.Publish(bus.Event{
		Name:    bus.EventMailSent,
		ChatID:  "swarm-1",
		Payload: map[string]any{"subject": "hi"},
	})

	frame := readFrame(t, subscriber)
	if frame.Type != "new_message" || frame.ChatID != "swarm-1" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Payload["subject"] != "hi" {
		t.Errorf("payload = %v", frame.Payload)
	}

	// The bystander never subscribed to the chat, so nothing arrives.
	bystander.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray WSMessage
	if err := bystander.ReadJSON(&stray); err == nil {
		t.Errorf("bystander received %+v", stray)
	}
}

func TestWSChatlessEventsBroadcast(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "ada", "alpha", "worker")

	conn := dialWS(t, s.ts)
	conn.WriteJSON(WSMessage{Type: "auth", Token: token})
	readFrame(t, conn)

	s.bus.Publish(bus.Event{
		Name:    bus.EventWorkerSpawned,
		Payload: map[string]any{"handle": "w7"},
	})

	frame := readFrame(t, conn)
	if frame.Type != "worker_spawned" {
		t.Errorf("type = %q, want worker_spawned", frame.Type)
	}
}

func TestWSUnmappedEventsAreDropped(t *testing.T) {
	s := newTestServer(t)
	token, _ := s.authenticate(t, "ada", "alpha", "worker")

	conn := dialWS(t, s.ts)
	conn.WriteJSON(WSMessage{Type: "auth", Token: token})
	readFrame(t, conn)

	s.bus.Publish(bus.Event{Name: bus.EventStepCompleted, Payload: map[string]any{"stepId": "x"}})
	s.bus.Publish(bus.Event{Name: bus.EventWorkerSpawned, Payload: map[string]any{"handle": "w1"}})

	// Only the mapped event comes through.
	if frame := readFrame(t, conn); frame.Type != "worker_spawned" {
		t.Errorf("type = %q, want worker_spawned", frame.Type)
	}
}
