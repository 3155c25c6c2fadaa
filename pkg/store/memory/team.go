package memory

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) UpsertUser(_ context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.UID] = &cp
	return nil
}

func (s *Store) GetUser(_ context.Context, uid identity.UID) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[uid]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) CreateTask(_ context.Context, t *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	cp.BlockedBy = cloneStrings(t.BlockedBy)
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	cp.BlockedBy = cloneStrings(t.BlockedBy)
	return &cp, nil
}

func (s *Store) ListTasksByTeam(_ context.Context, team identity.TeamName) ([]*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Task
	for _, t := range s.tasks {
		if t.TeamName != team {
			continue
		}
		cp := *t
		cp.BlockedBy = cloneStrings(t.BlockedBy)
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(t *store.Task) (time.Time, string) { return t.CreatedAt, t.ID })
	return list, nil
}

func (s *Store) UpdateTaskStatus(_ context.Context, id string, status store.TaskStatus, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = updatedAt
	return nil
}
