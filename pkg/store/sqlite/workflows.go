package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateWorkflow(ctx context.Context, w *store.Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, definition, is_template, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Version, string(w.Definition), boolToInt(w.IsTemplate),
		w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE id = ?`, id)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *Store) GetWorkflowByName(ctx context.Context, name string) (*store.Workflow, error) {
	row := s.db.QueryRowContext(ctx, workflowSelect+` WHERE name = ?`, name)
	w, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *Store) ListWorkflows(ctx context.Context, isTemplate *bool) ([]*store.Workflow, error) {
	query := workflowSelect
	var args []any
	if isTemplate != nil {
		query += ` WHERE is_template = ?`
		args = append(args, boolToInt(*isTemplate))
	}
	query += ` ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

// UpdateWorkflow replaces the definition and bumps the version counter.
func (s *Store) UpdateWorkflow(ctx context.Context, w *store.Workflow) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET definition = ?, is_template = ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		string(w.Definition), boolToInt(w.IsTemplate), w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const workflowSelect = `SELECT id, name, version, definition, is_template, created_at, updated_at FROM workflows`

func scanWorkflow(r rowScanner) (*store.Workflow, error) {
	var w store.Workflow
	var def string
	var isTemplate int
	err := r.Scan(&w.ID, &w.Name, &w.Version, &def, &isTemplate, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.Definition = []byte(def)
	w.IsTemplate = isTemplate != 0
	return &w, nil
}

func (s *Store) CreateExecution(ctx context.Context, e *store.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions
		 (id, workflow_id, swarm_id, status, context, started_at, completed_at, error, created_at, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, strOrNil(string(e.SwarmID)), e.Status, rawOrNil(e.Context),
		timePtrOrNil(e.StartedAt), timePtrOrNil(e.CompletedAt), strOrNil(e.Error),
		e.CreatedAt, e.CreatedBy)
	return err
}

func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx, executionSelect+` WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

func (s *Store) UpdateExecution(ctx context.Context, e *store.Execution) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, context = ?, started_at = ?, completed_at = ?, error = ?
		 WHERE id = ?`,
		e.Status, rawOrNil(e.Context), timePtrOrNil(e.StartedAt),
		timePtrOrNil(e.CompletedAt), strOrNil(e.Error), e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListExecutions(ctx context.Context, f store.ExecutionFilter) ([]*store.Execution, error) {
	query := executionSelect + ` WHERE 1=1`
	var args []any
	if f.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, e)
	}
	return list, rows.Err()
}

const executionSelect = `SELECT id, workflow_id, swarm_id, status, context, started_at,
 completed_at, error, created_at, created_by FROM executions`

func scanExecution(r rowScanner) (*store.Execution, error) {
	var e store.Execution
	var swarm, contextCol, errCol sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(&e.ID, &e.WorkflowID, &swarm, &e.Status, &contextCol,
		&startedAt, &completedAt, &errCol, &e.CreatedAt, &e.CreatedBy)
	if err != nil {
		return nil, err
	}
	e.SwarmID = identity.SwarmID(nullStr(swarm))
	e.Context = nullRaw(contextCol)
	e.StartedAt = nullTimePtr(startedAt)
	e.CompletedAt = nullTimePtr(completedAt)
	e.Error = nullStr(errCol)
	return &e, nil
}

// CreateSteps persists the full step set of a new execution atomically,
// including the initial pending -> ready promotions.
func (s *Store) CreateSteps(ctx context.Context, steps []*store.Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps
			 (id, execution_id, step_key, step_type, status, config, depends_on, blocked_by_count,
			  output, assigned_to, ref_id, started_at, completed_at, error, retry_count,
			  max_retries, timeout_ms, on_failure, guard, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ExecutionID, st.StepKey, st.StepType, st.Status,
			rawOrNil(st.Config), marshalStrings(st.DependsOn), st.BlockedByCount,
			rawOrNil(st.Output), strOrNil(string(st.AssignedTo)), strOrNil(st.RefID),
			timePtrOrNil(st.StartedAt), timePtrOrNil(st.CompletedAt), strOrNil(st.Error),
			st.RetryCount, st.MaxRetries, st.TimeoutMs, strOrNil(string(st.OnFailure)),
			strOrNil(st.Guard), st.CreatedAt)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := s.db.QueryRowContext(ctx, stepSelect+` WHERE id = ?`, id)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return st, err
}

func (s *Store) UpdateStep(ctx context.Context, st *store.Step) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET status = ?, blocked_by_count = ?, output = ?, assigned_to = ?,
		 ref_id = ?, started_at = ?, completed_at = ?, error = ?, retry_count = ?
		 WHERE id = ?`,
		st.Status, st.BlockedByCount, rawOrNil(st.Output), strOrNil(string(st.AssignedTo)),
		strOrNil(st.RefID), timePtrOrNil(st.StartedAt), timePtrOrNil(st.CompletedAt),
		strOrNil(st.Error), st.RetryCount, st.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSteps(ctx context.Context, executionID string) ([]*store.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		stepSelect+` WHERE execution_id = ? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, st)
	}
	return list, rows.Err()
}

const stepSelect = `SELECT id, execution_id, step_key, step_type, status, config, depends_on,
 blocked_by_count, output, assigned_to, ref_id, started_at, completed_at, error,
 retry_count, max_retries, timeout_ms, on_failure, guard, created_at FROM steps`

func scanStep(r rowScanner) (*store.Step, error) {
	var st store.Step
	var config, dependsOn, output, assigned, refID, errCol, onFailure, guard sql.NullString
	var startedAt, completedAt sql.NullTime
	err := r.Scan(&st.ID, &st.ExecutionID, &st.StepKey, &st.StepType, &st.Status,
		&config, &dependsOn, &st.BlockedByCount, &output, &assigned, &refID,
		&startedAt, &completedAt, &errCol, &st.RetryCount, &st.MaxRetries,
		&st.TimeoutMs, &onFailure, &guard, &st.CreatedAt)
	if err != nil {
		return nil, err
	}
	st.Config = nullRaw(config)
	st.DependsOn = unmarshalStrings[string](dependsOn)
	st.Output = nullRaw(output)
	st.AssignedTo = identity.Handle(nullStr(assigned))
	st.RefID = nullStr(refID)
	st.StartedAt = nullTimePtr(startedAt)
	st.CompletedAt = nullTimePtr(completedAt)
	st.Error = nullStr(errCol)
	st.OnFailure = store.OnFailure(nullStr(onFailure))
	st.Guard = nullStr(guard)
	return &st, nil
}

func (s *Store) CreateTrigger(ctx context.Context, t *store.Trigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, workflow_id, trigger_type, config, is_enabled, last_fired_at, fire_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.TriggerType, rawOrNil(t.Config), boolToInt(t.IsEnabled),
		timePtrOrNil(t.LastFiredAt), t.FireCount, t.CreatedAt)
	return err
}

func (s *Store) GetTrigger(ctx context.Context, id string) (*store.Trigger, error) {
	row := s.db.QueryRowContext(ctx, triggerSelect+` WHERE id = ?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTriggers(ctx context.Context, enabledOnly bool) ([]*store.Trigger, error) {
	query := triggerSelect
	if enabledOnly {
		query += ` WHERE is_enabled = 1`
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Store) UpdateTriggerFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET last_fired_at = ?, fire_count = fire_count + 1 WHERE id = ?`, at, id)
	return err
}

func (s *Store) UpdateTriggerEnabled(ctx context.Context, id string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE triggers SET is_enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	return err
}

func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	return err
}

const triggerSelect = `SELECT id, workflow_id, trigger_type, config, is_enabled, last_fired_at, fire_count, created_at FROM triggers`

func scanTrigger(r rowScanner) (*store.Trigger, error) {
	var t store.Trigger
	var config sql.NullString
	var isEnabled int
	var lastFired sql.NullTime
	err := r.Scan(&t.ID, &t.WorkflowID, &t.TriggerType, &config, &isEnabled,
		&lastFired, &t.FireCount, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Config = nullRaw(config)
	t.IsEnabled = isEnabled != 0
	t.LastFiredAt = nullTimePtr(lastFired)
	return &t, nil
}
