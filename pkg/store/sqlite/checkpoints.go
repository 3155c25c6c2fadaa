package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateCheckpoint(ctx context.Context, c *store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, to_handle, summary, payload, status, created_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ToHandle, strOrNil(c.Summary), rawOrNil(c.Payload), c.Status,
		c.CreatedAt, timePtrOrNil(c.DecidedAt))
	return err
}

func (s *Store) GetCheckpoint(ctx context.Context, id string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, to_handle, summary, payload, status, created_at, decided_at
		 FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

func (s *Store) UpdateCheckpointStatus(ctx context.Context, id string, status store.CheckpointStatus, decidedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, decided_at = ? WHERE id = ?`, status, decidedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListCheckpointsFor(ctx context.Context, to identity.Handle) ([]*store.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, to_handle, summary, payload, status, created_at, decided_at
		 FROM checkpoints WHERE to_handle = ? ORDER BY created_at, id`, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func scanCheckpoint(r rowScanner) (*store.Checkpoint, error) {
	var c store.Checkpoint
	var summary, payload sql.NullString
	var decidedAt sql.NullTime
	err := r.Scan(&c.ID, &c.ToHandle, &summary, &payload, &c.Status, &c.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	c.Summary = nullStr(summary)
	c.Payload = nullRaw(payload)
	c.DecidedAt = nullTimePtr(decidedAt)
	return &c, nil
}
