package memory

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateWorkItem(_ context.Context, w *store.WorkItem, ev *store.WorkItemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workItems[w.ID] = &cp
	if ev != nil {
		s.appendEventLocked(ev)
	}
	return nil
}

func (s *Store) GetWorkItem(_ context.Context, id string) (*store.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workItems[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWorkItems(_ context.Context, f store.WorkItemFilter) ([]*store.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.WorkItem
	for _, w := range s.workItems {
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Assignee != "" && w.AssignedTo != f.Assignee {
			continue
		}
		if f.BatchID != "" && w.BatchID != f.BatchID {
			continue
		}
		cp := *w
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(w *store.WorkItem) (time.Time, string) { return w.CreatedAt, w.ID })
	return list, nil
}

func (s *Store) UpdateWorkItem(_ context.Context, w *store.WorkItem, ev *store.WorkItemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workItems[w.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = w.Status
	cur.AssignedTo = w.AssignedTo
	cur.BatchID = w.BatchID
	if ev != nil {
		s.appendEventLocked(ev)
	}
	return nil
}

func (s *Store) AppendWorkItemEvent(_ context.Context, ev *store.WorkItemEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendEventLocked(ev)
	return nil
}

func (s *Store) appendEventLocked(ev *store.WorkItemEvent) {
	s.nextEventID++
	cp := *ev
	cp.ID = s.nextEventID
	ev.ID = s.nextEventID
	s.events = append(s.events, &cp)
}

func (s *Store) GetWorkItemEvents(_ context.Context, workItemID string) ([]*store.WorkItemEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.WorkItemEvent
	for _, ev := range s.events {
		if ev.WorkItemID != workItemID {
			continue
		}
		cp := *ev
		list = append(list, &cp)
	}
	return list, nil
}

func (s *Store) CreateBatch(_ context.Context, b *store.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.batches[b.ID] = &cp
	return nil
}

func (s *Store) GetBatch(_ context.Context, id string) (*store.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *Store) UpdateBatchStatus(_ context.Context, id string, status store.BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	return nil
}

func (s *Store) ListBatchItems(ctx context.Context, batchID string) ([]*store.WorkItem, error) {
	return s.ListWorkItems(ctx, store.WorkItemFilter{BatchID: batchID})
}
