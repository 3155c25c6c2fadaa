package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) CreateSpawnRequest(ctx context.Context, r *store.SpawnRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spawn_requests
		 (id, requester_handle, target_agent_type, task, swarm_id, priority, depth_level,
		  parent_handle, depends_on, status, reason, created_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequesterHandle, r.TargetAgentType, r.Task, strOrNil(string(r.SwarmID)),
		r.Priority, r.DepthLevel, strOrNil(string(r.ParentHandle)),
		marshalStrings(r.DependsOn), r.Status, strOrNil(r.Reason), r.CreatedAt,
		timePtrOrNil(r.DecidedAt))
	return err
}

func (s *Store) GetSpawnRequest(ctx context.Context, id string) (*store.SpawnRequest, error) {
	row := s.db.QueryRowContext(ctx, spawnSelect+` WHERE id = ?`, id)
	r, err := scanSpawnRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return r, err
}

func (s *Store) UpdateSpawnRequest(ctx context.Context, id string, status store.SpawnStatus, reason string, decidedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spawn_requests SET status = ?, reason = ?, decided_at = ? WHERE id = ?`,
		status, strOrNil(reason), timePtrOrNil(decidedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSpawnRequests(ctx context.Context, status store.SpawnStatus) ([]*store.SpawnRequest, error) {
	query := spawnSelect
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.SpawnRequest
	for rows.Next() {
		r, err := scanSpawnRequest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

const spawnSelect = `SELECT id, requester_handle, target_agent_type, task, swarm_id, priority,
 depth_level, parent_handle, depends_on, status, reason, created_at, decided_at
 FROM spawn_requests`

func scanSpawnRequest(r rowScanner) (*store.SpawnRequest, error) {
	var req store.SpawnRequest
	var swarm, parent, dependsOn, reason sql.NullString
	var decidedAt sql.NullTime
	err := r.Scan(&req.ID, &req.RequesterHandle, &req.TargetAgentType, &req.Task,
		&swarm, &req.Priority, &req.DepthLevel, &parent, &dependsOn, &req.Status,
		&reason, &req.CreatedAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	req.SwarmID = identity.SwarmID(nullStr(swarm))
	req.ParentHandle = identity.Handle(nullStr(parent))
	req.DependsOn = unmarshalStrings[string](dependsOn)
	req.Reason = nullStr(reason)
	req.DecidedAt = nullTimePtr(decidedAt)
	return &req, nil
}
