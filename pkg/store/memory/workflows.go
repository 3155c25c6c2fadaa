package memory

import (
	"context"
	"time"

	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateWorkflow(_ context.Context, w *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) GetWorkflowByName(_ context.Context, name string) (*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.workflows {
		if w.Name == name {
			cp := *w
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListWorkflows(_ context.Context, isTemplate *bool) ([]*store.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Workflow
	for _, w := range s.workflows {
		if isTemplate != nil && w.IsTemplate != *isTemplate {
			continue
		}
		cp := *w
		list = append(list, &cp)
	}
	sortByCreatedAt(list, func(w *store.Workflow) (time.Time, string) { return w.CreatedAt, w.Name })
	return list, nil
}

func (s *Store) UpdateWorkflow(_ context.Context, w *store.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.workflows[w.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Definition = w.Definition
	cur.IsTemplate = w.IsTemplate
	cur.Version++
	cur.UpdatedAt = w.UpdatedAt
	return nil
}

func (s *Store) DeleteWorkflow(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.workflows, id)
	return nil
}

func (s *Store) CreateExecution(_ context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.executions[e.ID] = &cp
	s.execOrder = append(s.execOrder, e.ID)
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) UpdateExecution(_ context.Context, e *store.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.executions[e.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = e.Status
	cur.Context = e.Context
	cur.StartedAt = e.StartedAt
	cur.CompletedAt = e.CompletedAt
	cur.Error = e.Error
	return nil
}

func (s *Store) ListExecutions(_ context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Execution
	for _, id := range s.execOrder {
		e := s.executions[id]
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		cp := *e
		list = append(list, &cp)
	}
	return list, nil
}

func (s *Store) CreateSteps(_ context.Context, steps []*store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		cp := *st
		cp.DependsOn = cloneStrings(st.DependsOn)
		s.steps[st.ID] = &cp
		s.stepOrder = append(s.stepOrder, st.ID)
	}
	return nil
}

func (s *Store) GetStep(_ context.Context, id string) (*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.steps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	cp.DependsOn = cloneStrings(st.DependsOn)
	return &cp, nil
}

func (s *Store) UpdateStep(_ context.Context, st *store.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.steps[st.ID]
	if !ok {
		return store.ErrNotFound
	}
	cur.Status = st.Status
	cur.BlockedByCount = st.BlockedByCount
	cur.Output = st.Output
	cur.AssignedTo = st.AssignedTo
	cur.RefID = st.RefID
	cur.StartedAt = st.StartedAt
	cur.CompletedAt = st.CompletedAt
	cur.Error = st.Error
	cur.RetryCount = st.RetryCount
	return nil
}

func (s *Store) ListSteps(_ context.Context, executionID string) ([]*store.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Step
	for _, id := range s.stepOrder {
		st := s.steps[id]
		if st.ExecutionID != executionID {
			continue
		}
		cp := *st
		cp.DependsOn = cloneStrings(st.DependsOn)
		list = append(list, &cp)
	}
	return list, nil
}

func (s *Store) CreateTrigger(_ context.Context, t *store.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.triggers[t.ID] = &cp
	s.trigOrder = append(s.trigOrder, t.ID)
	return nil
}

func (s *Store) GetTrigger(_ context.Context, id string) (*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTriggers(_ context.Context, enabledOnly bool) ([]*store.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var list []*store.Trigger
	for _, id := range s.trigOrder {
		t := s.triggers[id]
		if enabledOnly && !t.IsEnabled {
			continue
		}
		cp := *t
		list = append(list, &cp)
	}
	return list, nil
}

func (s *Store) UpdateTriggerFired(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	t.LastFiredAt = &at
	t.FireCount++
	return nil
}

func (s *Store) UpdateTriggerEnabled(_ context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return store.ErrNotFound
	}
	t.IsEnabled = enabled
	return nil
}

func (s *Store) DeleteTrigger(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, id)
	return nil
}
