package memory

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateSpawnRequest(_ context.Context, r *store.SpawnRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	cp.DependsOn = cloneStrings(r.DependsOn)
	s.spawnReqs[r.ID] = &cp
	s.spawnOrder = append(s.spawnOrder, r.ID)
	return nil
}

func (s *Store) GetSpawnRequest(_ context.Context, id string) (*store.SpawnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.spawnReqs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	cp.DependsOn = cloneStrings(r.DependsOn)
	return &cp, nil
}

func (s *Store) UpdateSpawnRequest(_ context.Context, id string, status store.SpawnStatus, reason string, decidedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.spawnReqs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.Reason = reason
	r.DecidedAt = decidedAt
	return nil
}

func (s *Store) ListSpawnRequests(_ context.Context, status store.SpawnStatus) ([]*store.SpawnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.SpawnRequest
	for _, id := range s.spawnOrder {
		r := s.spawnReqs[id]
		if status != "" && r.Status != status {
			continue
		}
		cp := *r
		cp.DependsOn = cloneStrings(r.DependsOn)
		list = append(list, &cp)
	}
	return list, nil
}

func (s *Store) UpsertWorker(_ context.Context, w *store.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workers[w.Handle] = &cp
	return nil
}

func (s *Store) GetWorker(_ context.Context, handle identity.Handle) (*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[handle]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) DeleteWorker(_ context.Context, handle identity.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, handle)
	return nil
}

func (s *Store) ListWorkers(_ context.Context) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listWorkersLocked(func(*store.Worker) bool { return true }), nil
}

func (s *Store) ListWorkersByTeam(_ context.Context, team identity.TeamName) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listWorkersLocked(func(w *store.Worker) bool { return w.TeamName == team }), nil
}

func (s *Store) ListWorkersBySwarm(_ context.Context, swarm identity.SwarmID) ([]*store.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listWorkersLocked(func(w *store.Worker) bool { return w.SwarmID == swarm }), nil
}

func (s *Store) listWorkersLocked(match func(*store.Worker) bool) []*store.Worker {
	var list []*store.Worker
	for _, w := range s.workers {
		if !match(w) {
			continue
		}
		cp := *w
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(w *store.Worker) (time.Time, string) { return w.SpawnedAt, string(w.Handle) })
	return list
}

func (s *Store) CreateCheckpoint(_ context.Context, c *store.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.checkpoints[c.ID] = &cp
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkpoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateCheckpointStatus(_ context.Context, id string, status store.CheckpointStatus, decidedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.checkpoints[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = status
	c.DecidedAt = &decidedAt
	return nil
}

func (s *Store) ListCheckpointsFor(_ context.Context, to identity.Handle) ([]*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Checkpoint
	for _, c := range s.checkpoints {
		if c.ToHandle != to {
			continue
		}
		cp := *c
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(c *store.Checkpoint) (time.Time, string) { return c.CreatedAt, c.ID })
	return list, nil
}
