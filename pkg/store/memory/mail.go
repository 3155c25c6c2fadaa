package memory

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateMail(_ context.Context, m *store.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.mail[m.ID] = &cp
	s.mailOrder = append(s.mailOrder, m.ID)
	return nil
}

func (s *Store) GetMailByID(_ context.Context, id string) (*store.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mail[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListMail(_ context.Context, to identity.Handle) ([]*store.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMailLocked(to, false), nil
}

func (s *Store) ListUnread(_ context.Context, to identity.Handle) ([]*store.Mail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listMailLocked(to, true), nil
}

func (s *Store) listMailLocked(to identity.Handle, unreadOnly bool) []*store.Mail {
	var list []*store.Mail
	for _, id := range s.mailOrder {
		m := s.mail[id]
		if m.To != to {
			continue
		}
		if unreadOnly && m.ReadAt != nil {
			continue
		}
		cp := *m
		list = append(list, &cp)
	}
	return list
}

func (s *Store) MarkMailRead(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mail[id]
	if !ok {
		return store.ErrNotFound
	}
	if m.ReadAt == nil {
		m.ReadAt = &at
	}
	return nil
}

func (s *Store) CreateHandoff(_ context.Context, h *store.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *h
	s.handoffs[h.ID] = &cp
	return nil
}

func (s *Store) GetHandoff(_ context.Context, id string) (*store.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handoffs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *Store) UpdateHandoffStatus(_ context.Context, id string, status store.HandoffStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handoffs[id]
	if !ok {
		return store.ErrNotFound
	}
	h.Status = status
	return nil
}

func (s *Store) ListHandoffs(_ context.Context, to identity.Handle) ([]*store.Handoff, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Handoff
	for _, h := range s.handoffs {
		if h.ToHandle != to {
			continue
		}
		cp := *h
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(h *store.Handoff) (time.Time, string) { return h.CreatedAt, h.ID })
	return list, nil
}
