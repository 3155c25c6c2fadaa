package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) UpsertWorker(ctx context.Context, w *store.Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers
		 (handle, id, team_name, swarm_id, state, health, spawn_mode, depth_level,
		  parent_handle, pid, restart_count, last_heartbeat, spawned_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET
		  state = excluded.state, health = excluded.health,
		  pid = excluded.pid, restart_count = excluded.restart_count,
		  last_heartbeat = excluded.last_heartbeat`,
		w.Handle, w.ID, w.TeamName, strOrNil(string(w.SwarmID)), w.State, w.Health,
		w.SpawnMode, w.DepthLevel, strOrNil(string(w.ParentHandle)), w.PID,
		w.RestartCount, w.LastHeartbeat, w.SpawnedAt)
	return err
}

func (s *Store) GetWorker(ctx context.Context, handle identity.Handle) (*store.Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE handle = ?`, handle)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return w, err
}

func (s *Store) DeleteWorker(ctx context.Context, handle identity.Handle) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE handle = ?`, handle)
	return err
}

func (s *Store) ListWorkers(ctx context.Context) ([]*store.Worker, error) {
	return s.queryWorkers(ctx, workerSelect+` ORDER BY spawned_at, handle`)
}

func (s *Store) ListWorkersByTeam(ctx context.Context, team identity.TeamName) ([]*store.Worker, error) {
	return s.queryWorkers(ctx, workerSelect+` WHERE team_name = ? ORDER BY spawned_at, handle`, team)
}

func (s *Store) ListWorkersBySwarm(ctx context.Context, swarm identity.SwarmID) ([]*store.Worker, error) {
	return s.queryWorkers(ctx, workerSelect+` WHERE swarm_id = ? ORDER BY spawned_at, handle`, swarm)
}

func (s *Store) queryWorkers(ctx context.Context, query string, args ...any) ([]*store.Worker, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}

const workerSelect = `SELECT handle, id, team_name, swarm_id, state, health, spawn_mode,
 depth_level, parent_handle, pid, restart_count, last_heartbeat, spawned_at
 FROM workers`

func scanWorker(r rowScanner) (*store.Worker, error) {
	var w store.Worker
	var swarm, parent sql.NullString
	var pid sql.NullInt64
	err := r.Scan(&w.Handle, &w.ID, &w.TeamName, &swarm, &w.State, &w.Health,
		&w.SpawnMode, &w.DepthLevel, &parent, &pid, &w.RestartCount,
		&w.LastHeartbeat, &w.SpawnedAt)
	if err != nil {
		return nil, err
	}
	w.SwarmID = identity.SwarmID(nullStr(swarm))
	w.ParentHandle = identity.Handle(nullStr(parent))
	w.PID = int(pid.Int64)
	return &w, nil
}
