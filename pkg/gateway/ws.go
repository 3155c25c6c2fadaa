package gateway

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/logger"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WSMessage is the JSON frame exchanged on /ws.
type WSMessage struct {
	Type    string         `json:"type"`
	Token   string         `json:"token,omitempty"`
	ChatID  string         `json:"chatId,omitempty"`
	UID     string         `json:"uid,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

type wsClient struct {
	conn     *websocket.Conn
	send     chan WSMessage
	uid      string
	authed   bool
	channels map[string]bool
	mu       sync.Mutex
}

func (c *wsClient) subscribed(chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[chatID]
}

func (c *wsClient) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *wsClient) setAuthed(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authed = true
	c.uid = uid
}

func (c *wsClient) setSubscribed(chatID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.channels[chatID] = true
	} else {
		delete(c.channels, chatID)
	}
}

// Hub fans bus events out to authenticated WebSocket clients. Events with a
// chat id go to that chat's subscribers only; the rest broadcast to every
// authenticated client.
type Hub struct {
	auth     *Authenticator
	bus      *bus.EventBus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]bool
	closed  bool
	sub     bus.Subscription
}

func NewHub(auth *Authenticator, b *bus.EventBus) *Hub {
	h := &Hub{
		auth: auth,
		bus:  b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]bool),
	}
	h.sub = b.SubscribeAll(h.broadcast)
	return h
}

// wsTypeFor maps bus event names to client-facing frame types.
func wsTypeFor(name string) string {
	switch name {
	case bus.EventMailSent:
		return "new_message"
	case bus.EventTaskAssigned:
		return "task_assigned"
	case bus.EventTaskCreated, bus.EventTaskUpdated:
		return "task_updated"
	case bus.EventWorkerSpawned:
		return "worker_spawned"
	case bus.EventWorkerDismissed:
		return "worker_dismissed"
	case bus.EventWorkerOutput:
		return "worker_output"
	case bus.EventWorkflowStarted:
		return "workflow_started"
	case bus.EventWorkflowCompleted:
		return "workflow_completed"
	case bus.EventWorkflowFailed:
		return "workflow_failed"
	case bus.EventBlackboardPosted:
		return "blackboard_posted"
	}
	return ""
}

func (h *Hub) broadcast(ev bus.Event) {
	frameType := wsTypeFor(ev.Name)
	if frameType == "" {
		return
	}
	msg := WSMessage{Type: frameType, ChatID: ev.ChatID, Payload: ev.Payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.isAuthed() {
			continue
		}
		if ev.ChatID != "" && !c.subscribed(ev.ChatID) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// Slow consumer; drop the frame rather than block the bus.
		}
	}
}

func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnCF("gateway", "websocket upgrade failed", map[string]any{"error": err.Error()})
		return
	}
	client := &wsClient{
		conn:     conn,
		send:     make(chan WSMessage, 32),
		channels: make(map[string]bool),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	client.conn.Close()
}

func (h *Hub) readLoop(client *wsClient) {
	defer h.remove(client)

	client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var msg WSMessage
		if err := client.conn.ReadJSON(&msg); err != nil {
			return
		}
		h.handleFrame(client, msg)
	}
}

func (h *Hub) handleFrame(client *wsClient, msg WSMessage) {
	switch msg.Type {
	case "auth":
		claims, err := h.auth.Verify(msg.Token)
		if err != nil {
			client.send <- WSMessage{Type: "error", Error: "invalid token"}
			return
		}
		client.setAuthed(claims.UID)
		client.send <- WSMessage{Type: "authenticated", UID: claims.UID}
	case "subscribe":
		if !client.isAuthed() {
			client.send <- WSMessage{Type: "error", Error: "authenticate first"}
			return
		}
		client.setSubscribed(msg.ChatID, true)
		client.send <- WSMessage{Type: "subscribed", ChatID: msg.ChatID}
	case "unsubscribe":
		client.setSubscribed(msg.ChatID, false)
		client.send <- WSMessage{Type: "unsubscribed", ChatID: msg.ChatID}
	case "ping":
		client.send <- WSMessage{Type: "pong"}
	default:
		client.send <- WSMessage{Type: "error", Error: "unknown message type"}
	}
}

func (h *Hub) writeLoop(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				client.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(wsWriteWait))
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := client.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and detaches from the bus.
func (h *Hub) Close() {
	h.bus.Unsubscribe(h.sub)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	// Closing the conn unblocks each read loop, which tears the client down.
	for c := range h.clients {
		c.conn.Close()
	}
}
