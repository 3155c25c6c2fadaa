// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package blackboard implements the swarm-scoped append-only message log.
// Bodies are immutable; only the read set grows and archived flips to true.
// Order within a swarm is (createdAt, id) ascending everywhere.
package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

type Service struct {
	store store.BlackboardStore
	bus   *bus.EventBus
}

func NewService(st store.BlackboardStore, b *bus.EventBus) *Service {
	return &Service{store: st, bus: b}
}

// PostRequest carries the caller-supplied fields of a new message.
type PostRequest struct {
	SwarmID      identity.SwarmID
	SenderHandle identity.Handle
	MessageType  store.MessageType
	Priority     store.Priority
	TargetHandle identity.Handle
	Payload      json.RawMessage
}

// Post appends a message and returns its ID. The server assigns createdAt.
func (s *Service) Post(ctx context.Context, req PostRequest) (*store.BlackboardMessage, error) {
	if req.SwarmID == "" {
		return nil, &store.ValidationError{Field: "swarmId", Reason: "required"}
	}
	if req.SenderHandle == "" {
		return nil, &store.ValidationError{Field: "senderHandle", Reason: "required"}
	}
	if !store.ValidMessageType(req.MessageType) {
		return nil, &store.ValidationError{Field: "messageType", Reason: fmt.Sprintf("unknown type %q", req.MessageType)}
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}
	if !store.ValidPriority(req.Priority) {
		return nil, &store.ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", req.Priority)}
	}

	m := &store.BlackboardMessage{
		ID:           uuid.NewString(),
		SwarmID:      req.SwarmID,
		SenderHandle: req.SenderHandle,
		MessageType:  req.MessageType,
		Priority:     req.Priority,
		TargetHandle: req.TargetHandle,
		Payload:      req.Payload,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := s.store.PostMessage(ctx, m); err != nil {
		return nil, fmt.Errorf("post message: %w", err)
	}
	s.bus.Publish(bus.Event{Name: bus.EventBlackboardPosted, Payload: map[string]any{
		"messageId":   m.ID,
		"swarmId":     string(m.SwarmID),
		"messageType": string(m.MessageType),
		"sender":      string(m.SenderHandle),
	}})
	return m, nil
}

// Read returns messages ordered by (createdAt, id) ascending. unreadOnly
// requires a reader handle.
func (s *Service) Read(ctx context.Context, swarm identity.SwarmID, f store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	if swarm == "" {
		return nil, &store.ValidationError{Field: "swarmId", Reason: "required"}
	}
	if f.UnreadOnly && f.ReaderHandle == "" {
		return nil, &store.ValidationError{Field: "readerHandle", Reason: "required when unreadOnly"}
	}
	return s.store.ReadMessages(ctx, swarm, f)
}

// MarkRead adds reader to each message's read set. Idempotent; unknown IDs
// are silently skipped.
func (s *Service) MarkRead(ctx context.Context, ids []string, reader identity.Handle) error {
	if reader == "" {
		return &store.ValidationError{Field: "readerHandle", Reason: "required"}
	}
	return s.store.MarkMessagesRead(ctx, ids, reader)
}

// Archive hides messages from default reads. Terminal.
func (s *Service) Archive(ctx context.Context, ids []string) error {
	return s.store.ArchiveMessages(ctx, ids)
}

// ArchiveOlderThan archives every unarchived message older than maxAge and
// returns how many were archived.
func (s *Service) ArchiveOlderThan(ctx context.Context, swarm identity.SwarmID, maxAge time.Duration) (int, error) {
	if swarm == "" {
		return 0, &store.ValidationError{Field: "swarmId", Reason: "required"}
	}
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	return s.store.ArchiveOlderThan(ctx, swarm, cutoff)
}

func (s *Service) UnreadCount(ctx context.Context, swarm identity.SwarmID, reader identity.Handle) (int, error) {
	if reader == "" {
		return 0, &store.ValidationError{Field: "readerHandle", Reason: "required"}
	}
	return s.store.UnreadCount(ctx, swarm, reader)
}
