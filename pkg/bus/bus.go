// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package bus is the process-local event bus. Two subject kinds exist:
// chat-scoped subscriptions that only see events for their chat, and global
// subscriptions that see everything. Delivery is synchronous and in
// registration order; handlers must not block.
package bus

import (
	"sync"
)

// Event is one state transition broadcast through the bus.
type Event struct {
	Name    string         `json:"name"`
	ChatID  string         `json:"chatId,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler consumes one event. Handlers run on the publisher's goroutine.
type Handler func(Event)

// Subscription identifies one registered handler for later removal.
type Subscription struct {
	id     int
	chatID string
	global bool
}

type entry struct {
	id      int
	handler Handler
}

// EventBus fans events out to chat-scoped and global subscribers.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	chats  map[string][]entry
	global []entry
	closed bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		chats: make(map[string][]entry),
	}
}

// Subscribe registers a handler for one chat's events.
func (b *EventBus) Subscribe(chatID string, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.chats[chatID] = append(b.chats[chatID], entry{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, chatID: chatID}
}

// SubscribeAll registers a handler for every event, including chat-scoped ones.
func (b *EventBus) SubscribeAll(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.global = append(b.global, entry{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, global: true}
}

// Unsubscribe removes a handler. Removing an unknown subscription is a no-op.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.global {
		b.global = removeEntry(b.global, sub.id)
		return
	}
	list := removeEntry(b.chats[sub.chatID], sub.id)
	if len(list) == 0 {
		delete(b.chats, sub.chatID)
	} else {
		b.chats[sub.chatID] = list
	}
}

// Publish delivers ev synchronously, chat subscribers first, then global
// ones, preserving per-subject registration order. At-most-once per
// subscriber: a handler that was removed mid-publish is simply skipped next
// time.
func (b *EventBus) Publish(ev Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	var targets []entry
	if ev.ChatID != "" {
		targets = append(targets, b.chats[ev.ChatID]...)
	}
	targets = append(targets, b.global...)
	b.mu.RUnlock()

	for _, e := range targets {
		e.handler(ev)
	}
}

// SubscriberCount reports the number of handlers that would see an event for
// chatID (chat-scoped plus global).
func (b *EventBus) SubscriberCount(chatID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.chats[chatID]) + len(b.global)
}

func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.chats = make(map[string][]entry)
	b.global = nil
}

func removeEntry(list []entry, id int) []entry {
	for i, e := range list {
		if e.id == id {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}
