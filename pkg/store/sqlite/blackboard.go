package sqlite

import (
	"context"
	"database/sql"

	"github.com/agentfleet/fleetd/pkg/identity"
	"github.com/agentfleet/fleetd/pkg/store"
)

func (s *Store) PostMessage(ctx context.Context, m *store.BlackboardMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blackboard_messages
		 (id, swarm_id, sender_handle, message_type, priority, target_handle, payload, created_at, read_by, archived)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SwarmID, m.SenderHandle, m.MessageType, m.Priority,
		strOrNil(string(m.TargetHandle)), rawOrNil(m.Payload), m.CreatedAt,
		marshalStrings(m.ReadBy), boolToInt(m.Archived))
	return err
}

func (s *Store) ReadMessages(ctx context.Context, swarm identity.SwarmID, f store.BlackboardFilter) ([]*store.BlackboardMessage, error) {
	query := `SELECT id, swarm_id, sender_handle, message_type, priority, target_handle,
	          payload, created_at, read_by, archived
	          FROM blackboard_messages WHERE swarm_id = ?`
	args := []any{swarm}
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.MessageType != "" {
		query += ` AND message_type = ?`
		args = append(args, f.MessageType)
	}
	if f.Priority != "" {
		query += ` AND priority = ?`
		args = append(args, f.Priority)
	}
	query += ` ORDER BY created_at, id`
	// The read set is filtered in Go (it is a JSON column), so an unread read
	// cannot limit in SQL: already-read rows in the first Limit positions
	// would hide unread ones behind them.
	if f.Limit > 0 && !f.UnreadOnly {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*store.BlackboardMessage
	for rows.Next() {
		m, err := scanBlackboard(rows)
		if err != nil {
			return nil, err
		}
		if f.UnreadOnly && m.ReadByContains(f.ReaderHandle) {
			continue
		}
		list = append(list, m)
		if f.Limit > 0 && len(list) == f.Limit {
			break
		}
	}
	return list, rows.Err()
}

func (s *Store) MarkMessagesRead(ctx context.Context, ids []string, reader identity.Handle) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, id := range ids {
		row := tx.QueryRowContext(ctx, `SELECT read_by FROM blackboard_messages WHERE id = ?`, id)
		var readBy sql.NullString
		if err := row.Scan(&readBy); err != nil {
			// Unknown IDs are silently skipped.
			continue
		}
		readers := unmarshalStrings[identity.Handle](readBy)
		already := false
		for _, h := range readers {
			if h == reader {
				already = true
				break
			}
		}
		if already {
			continue
		}
		readers = append(readers, reader)
		if _, err := tx.ExecContext(ctx,
			`UPDATE blackboard_messages SET read_by = ? WHERE id = ?`,
			marshalStrings(readers), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ArchiveMessages(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE blackboard_messages SET archived = 1 WHERE id = ?`, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ArchiveOlderThan(ctx context.Context, swarm identity.SwarmID, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE blackboard_messages SET archived = 1
		 WHERE swarm_id = ? AND archived = 0 AND created_at <= ?`, swarm, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) UnreadCount(ctx context.Context, swarm identity.SwarmID, reader identity.Handle) (int, error) {
	msgs, err := s.ReadMessages(ctx, swarm, store.BlackboardFilter{
		UnreadOnly:   true,
		ReaderHandle: reader,
	})
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func scanBlackboard(r rowScanner) (*store.BlackboardMessage, error) {
	var m store.BlackboardMessage
	var target, payload, readBy sql.NullString
	var archived int
	err := r.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &m.MessageType, &m.Priority,
		&target, &payload, &m.CreatedAt, &readBy, &archived)
	if err != nil {
		return nil, err
	}
	m.TargetHandle = identity.Handle(nullStr(target))
	m.Payload = nullRaw(payload)
	m.ReadBy = unmarshalStrings[identity.Handle](readBy)
	m.Archived = archived != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
