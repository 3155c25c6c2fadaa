package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) UpsertUser(ctx context.Context, u *store.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (uid, handle, team_name, agent_type, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(uid) DO UPDATE SET agent_type = excluded.agent_type`,
		u.UID, u.Handle, u.TeamName, u.AgentType, u.CreatedAt)
	return err
}

func (s *Store) GetUser(ctx context.Context, uid identity.UID) (*store.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uid, handle, team_name, agent_type, created_at FROM users WHERE uid = ?`, uid)
	var u store.User
	err := row.Scan(&u.UID, &u.Handle, &u.TeamName, &u.AgentType, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, team_name, owner_handle, owner_uid, created_by_handle,
		 created_by_uid, subject, description, status, blocked_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TeamName, t.OwnerHandle, t.OwnerUID, t.CreatedByHandle, t.CreatedByUID,
		t.Subject, strOrNil(t.Description), t.Status, marshalStrings(t.BlockedBy),
		t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, team_name, owner_handle, owner_uid, created_by_handle, created_by_uid,
		 subject, description, status, blocked_by, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return t, err
}

func (s *Store) ListTasksByTeam(ctx context.Context, team identity.TeamName) ([]*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, team_name, owner_handle, owner_uid, created_by_handle, created_by_uid,
		 subject, description, status, blocked_by, created_at, updated_at
		 FROM tasks WHERE team_name = ? ORDER BY created_at`, team)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status store.TaskStatus, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*store.Task, error) {
	var t store.Task
	var desc, blockedBy sql.NullString
	err := r.Scan(&t.ID, &t.TeamName, &t.OwnerHandle, &t.OwnerUID, &t.CreatedByHandle,
		&t.CreatedByUID, &t.Subject, &desc, &t.Status, &blockedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Description = nullStr(desc)
	t.BlockedBy = unmarshalStrings[string](blockedBy)
	return &t, nil
}
