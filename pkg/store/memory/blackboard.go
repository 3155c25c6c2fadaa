package memory

import (
	"context"
	"sort"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) PostMessage(_ context.Context, m *store.BlackboardMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	cp.ReadBy = cloneHandles(m.ReadBy)
	s.board = append(s.board, &cp)
	return nil
}

func (s *Store) ReadMessages(_ context.Context, swarm identity.SwarmID, f store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.BlackboardMessage
	for _, m := range s.board {
		if m.SwarmID != swarm {
			continue
		}
		if !f.IncludeArchived && m.Archived {
			continue
		}
		if f.MessageType != "" && m.MessageType != f.MessageType {
			continue
		}
		if f.Priority != "" && m.Priority != f.Priority {
			continue
		}
		if f.UnreadOnly && m.ReadByContains(f.ReaderHandle) {
			continue
		}
		cp := *m
		cp.ReadBy = cloneHandles(m.ReadBy)
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt == list[j].CreatedAt {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt < list[j].CreatedAt
	})
	if f.Limit > 0 && len(list) > f.Limit {
		list = list[:f.Limit]
	}
	return list, nil
}

func (s *Store) MarkMessagesRead(_ context.Context, ids []string, reader identity.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for _, m := range s.board {
			if m.ID != id || m.ReadByContains(reader) {
				continue
			}
			m.ReadBy = append(m.ReadBy, reader)
		}
	}
	return nil
}

func (s *Store) ArchiveMessages(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for _, m := range s.board {
			if m.ID == id {
				m.Archived = true
			}
		}
	}
	return nil
}

func (s *Store) ArchiveOlderThan(_ context.Context, swarm identity.SwarmID, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.board {
		if m.SwarmID == swarm && !m.Archived && m.CreatedAt <= cutoff {
			m.Archived = true
			n++
		}
	}
	return n, nil
}

func (s *Store) UnreadCount(ctx context.Context, swarm identity.SwarmID, reader identity.Handle) (int, error) {
	msgs, err := s.ReadMessages(ctx, swarm, store.BlackboardFilter{UnreadOnly: true, ReaderHandle: reader})
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}
