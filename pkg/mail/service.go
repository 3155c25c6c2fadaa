// Fleetd - multi-agent fleet coordination server
// License: MIT
//
// Copyright (c) 2026 Fleetd contributors

// Package mail implements directed messages between agents with unread
// tracking, and handoff records for context transfer.
package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/bus"
	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

type Service struct {
	store store.MailStore
	bus   *bus.EventBus
}

func NewService(st store.MailStore, b *bus.EventBus) *Service {
	return &Service{store: st, bus: b}
}

func (s *Service) Send(ctx context.Context, from, to identity.Handle, subject, body string) (*store.Mail, error) {
	if from == "" {
		return nil, &store.ValidationError{Field: "from", Reason: "required"}
	}
	if to == "" {
		return nil, &store.ValidationError{Field: "to", Reason: "required"}
	}
	if body == "" {
		return nil, &store.ValidationError{Field: "body", Reason: "required"}
	}
	m := &store.Mail{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateMail(ctx, m); err != nil {
		return nil, fmt.Errorf("send mail: %w", err)
	}
	s.bus.Publish(bus.Event{Name: bus.EventMailSent, Payload: map[string]any{
		"mailId": m.ID,
		"from":   string(from),
		"to":     string(to),
	}})
	return m, nil
}

func (s *Service) Inbox(ctx context.Context, handle identity.Handle) ([]*store.Mail, error) {
	return s.store.ListMail(ctx, handle)
}

func (s *Service) Unread(ctx context.Context, handle identity.Handle) ([]*store.Mail, error) {
	return s.store.ListUnread(ctx, handle)
}

// MarkRead sets readAt to now. Idempotent: marking an already-read mail
// keeps its original readAt.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.store.MarkMailRead(ctx, id, time.Now().UTC())
}

type HandoffRequest struct {
	From    identity.Handle
	To      identity.Handle
	Reason  string
	Context []byte
}

func (s *Service) CreateHandoff(ctx context.Context, req HandoffRequest) (*store.Handoff, error) {
	if req.From == "" {
		return nil, &store.ValidationError{Field: "fromHandle", Reason: "required"}
	}
	if req.To == "" {
		return nil, &store.ValidationError{Field: "toHandle", Reason: "required"}
	}
	h := &store.Handoff{
		ID:         uuid.NewString(),
		FromHandle: req.From,
		ToHandle:   req.To,
		Reason:     req.Reason,
		Context:    req.Context,
		Status:     store.HandoffPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateHandoff(ctx, h); err != nil {
		return nil, fmt.Errorf("create handoff: %w", err)
	}
	return h, nil
}

func (s *Service) GetHandoff(ctx context.Context, id string) (*store.Handoff, error) {
	return s.store.GetHandoff(ctx, id)
}

func (s *Service) ListHandoffs(ctx context.Context, to identity.Handle) ([]*store.Handoff, error) {
	return s.store.ListHandoffs(ctx, to)
}

// DecideHandoff accepts or rejects a pending handoff. Deciding an already
// decided handoff is a conflict.
func (s *Service) DecideHandoff(ctx context.Context, id string, accept bool) (*store.Handoff, error) {
	h, err := s.store.GetHandoff(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Status != store.HandoffPending {
		return nil, &store.ConflictError{Reason: fmt.Sprintf("handoff %s already %s", id, h.Status)}
	}
	status := store.HandoffRejected
	if accept {
		status = store.HandoffAccepted
	}
	if err := s.store.UpdateHandoffStatus(ctx, id, status); err != nil {
		return nil, err
	}
	h.Status = status
	return h, nil
}
