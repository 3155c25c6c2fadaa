package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateMail(ctx context.Context, m *store.Mail) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mail (id, from_handle, to_handle, subject, body, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.From, m.To, strOrNil(m.Subject), m.Body, m.CreatedAt, timePtrOrNil(m.ReadAt))
	return err
}

func (s *Store) GetMailByID(ctx context.Context, id string) (*store.Mail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		 FROM mail WHERE id = ?`, id)
	m, err := scanMail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return m, err
}

func (s *Store) ListMail(ctx context.Context, to identity.Handle) ([]*store.Mail, error) {
	return s.queryMail(ctx,
		`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		 FROM mail WHERE to_handle = ? ORDER BY created_at, id`, to)
}

func (s *Store) ListUnread(ctx context.Context, to identity.Handle) ([]*store.Mail, error) {
	return s.queryMail(ctx,
		`SELECT id, from_handle, to_handle, subject, body, created_at, read_at
		 FROM mail WHERE to_handle = ? AND read_at IS NULL ORDER BY created_at, id`, to)
}

// MarkMailRead is idempotent: an already-read mail keeps its original read
// time.
func (s *Store) MarkMailRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE mail SET read_at = ? WHERE id = ? AND read_at IS NULL`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already read (fine) or missing.
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT 1 FROM mail WHERE id = ?`, id)
		if err := row.Scan(&exists); errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
	}
	return nil
}

func (s *Store) queryMail(ctx context.Context, query string, args ...any) ([]*store.Mail, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Mail
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func scanMail(r rowScanner) (*store.Mail, error) {
	var m store.Mail
	var subject sql.NullString
	var readAt sql.NullTime
	err := r.Scan(&m.ID, &m.From, &m.To, &subject, &m.Body, &m.CreatedAt, &readAt)
	if err != nil {
		return nil, err
	}
	m.Subject = nullStr(subject)
	m.ReadAt = nullTimePtr(readAt)
	return &m, nil
}

func (s *Store) CreateHandoff(ctx context.Context, h *store.Handoff) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO handoffs (id, from_handle, to_handle, reason, context, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.FromHandle, h.ToHandle, strOrNil(h.Reason), rawOrNil(h.Context), h.Status, h.CreatedAt)
	return err
}

func (s *Store) GetHandoff(ctx context.Context, id string) (*store.Handoff, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, from_handle, to_handle, reason, context, status, created_at
		 FROM handoffs WHERE id = ?`, id)
	h, err := scanHandoff(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return h, err
}

func (s *Store) UpdateHandoffStatus(ctx context.Context, id string, status store.HandoffStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE handoffs SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListHandoffs(ctx context.Context, to identity.Handle) ([]*store.Handoff, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_handle, to_handle, reason, context, status, created_at
		 FROM handoffs WHERE to_handle = ? ORDER BY created_at, id`, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, h)
	}
	return list, rows.Err()
}

func scanHandoff(r rowScanner) (*store.Handoff, error) {
	var h store.Handoff
	var reason, contextCol sql.NullString
	err := r.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &reason, &contextCol, &h.Status, &h.CreatedAt)
	if err != nil {
		return nil, err
	}
	h.Reason = nullStr(reason)
	h.Context = nullRaw(contextCol)
	return &h, nil
}
