package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateWorkItem(ctx context.Context, w *store.WorkItem, ev *store.WorkItemEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items (id, title, description, status, assigned_to, batch_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Title, strOrNil(w.Description), w.Status, strOrNil(string(w.AssignedTo)),
		strOrNil(w.BatchID), w.CreatedAt)
	if err != nil {
		return err
	}
	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (*store.WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, status, assigned_to, batch_id, created_at
		 FROM work_items WHERE id = ?`, id)
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *Store) ListWorkItems(ctx context.Context, f store.WorkItemFilter) ([]*store.WorkItem, error) {
	query := `SELECT id, title, description, status, assigned_to, batch_id, created_at FROM work_items WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Assignee != "" {
		query += ` AND assigned_to = ?`
		args = append(args, f.Assignee)
	}
	if f.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, f.BatchID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

// UpdateWorkItem writes status and assignee together with the describing
// event in one transaction, so readers always observe a consistent pair.
func (s *Store) UpdateWorkItem(ctx context.Context, w *store.WorkItem, ev *store.WorkItemEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET status = ?, assigned_to = ?, batch_id = ? WHERE id = ?`,
		w.Status, strOrNil(string(w.AssignedTo)), strOrNil(w.BatchID), w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	if ev != nil {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) AppendWorkItemEvent(ctx context.Context, ev *store.WorkItemEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO work_item_events (work_item_id, event_type, actor, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.WorkItemID, ev.EventType, strOrNil(string(ev.Actor)), strOrNil(ev.Details), ev.CreatedAt)
	return err
}

func (s *Store) GetWorkItemEvents(ctx context.Context, workItemID string) ([]*store.WorkItemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, work_item_id, event_type, actor, details, created_at
		 FROM work_item_events WHERE work_item_id = ? ORDER BY id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.WorkItemEvent
	for rows.Next() {
		var ev store.WorkItemEvent
		var actor, details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.WorkItemID, &ev.EventType, &actor, &details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Actor = identity.Handle(nullStr(actor))
		ev.Details = nullStr(details)
		list = append(list, &ev)
	}
	return list, rows.Err()
}

func (s *Store) CreateBatch(ctx context.Context, b *store.Batch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, name, status, created_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Name, b.Status, b.CreatedAt)
	return err
}

func (s *Store) GetBatch(ctx context.Context, id string) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, created_at FROM batches WHERE id = ?`, id)
	var b store.Batch
	err := row.Scan(&b.ID, &b.Name, &b.Status, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) UpdateBatchStatus(ctx context.Context, id string, status store.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListBatchItems(ctx context.Context, batchID string) ([]*store.WorkItem, error) {
	return s.ListWorkItems(ctx, store.WorkItemFilter{BatchID: batchID})
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev *store.WorkItemEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO work_item_events (work_item_id, event_type, actor, details, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.WorkItemID, ev.EventType, strOrNil(string(ev.Actor)), strOrNil(ev.Details), ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append work item event: %w", err)
	}
	return nil
}

func scanWorkItem(r rowScanner) (*store.WorkItem, error) {
	var w store.WorkItem
	var desc, assigned, batch sql.NullString
	err := r.Scan(&w.ID, &w.Title, &desc, &w.Status, &assigned, &batch, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.Description = nullStr(desc)
	w.AssignedTo = identity.Handle(nullStr(assigned))
	w.BatchID = nullStr(batch)
	return &w, nil
}
