package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/parleyhq/parley/store"
)

func (d *DB) UpsertThread(ctx context.Context, upsert *store.Thread) (*store.Thread, error) {
	stmt := `INSERT INTO thread (thread_id, user_id, agent_id, created_ts, updated_ts)
	         VALUES (?, ?, ?, ?, ?)
	         ON CONFLICT (thread_id) DO NOTHING`
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.ThreadID, nullString(upsert.UserID), nullString(upsert.AgentID), upsert.CreatedTs, upsert.UpdatedTs,
	); err != nil {
		return nil, err
	}
	list, err := d.ListThreads(ctx, &store.FindThread{ThreadID: &upsert.ThreadID})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, sql.ErrNoRows
	}
	return list[0], nil
}

func (d *DB) UpdateThread(ctx context.Context, update *store.UpdateThread) error {
	set, args := []string{"updated_ts = ?"}, []any{update.UpdatedTs}
	if v := update.LastCheckpointID; v != nil {
		set, args = append(set, "last_checkpoint_id = ?"), append(args, *v)
	}
	if v := update.LastMessage; v != nil {
		set, args = append(set, "last_message = ?"), append(args, *v)
	}
	if v := update.LastStatus; v != nil {
		set, args = append(set, "last_status = ?"), append(args, *v)
	}
	args = append(args, update.ThreadID)
	_, err := d.db.ExecContext(ctx, `UPDATE thread SET `+strings.Join(set, ", ")+` WHERE thread_id = ?`, args...)
	return err
}

func (d *DB) ListThreads(ctx context.Context, find *store.FindThread) ([]*store.Thread, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ThreadID; v != nil {
		where, args = append(where, "thread_id = ?"), append(args, *v)
	}
	if v := find.UserID; v != nil {
		if *v == "" {
			where = append(where, "user_id IS NULL")
		} else {
			where, args = append(where, "user_id = ?"), append(args, *v)
		}
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = ?"), append(args, *v)
	}
	query := `SELECT thread_id, user_id, agent_id, last_checkpoint_id, last_message, last_status, created_ts, updated_ts
	          FROM thread WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC, thread_id ASC`
	if find.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, find.Limit, find.Offset)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Thread
	for rows.Next() {
		t := &store.Thread{}
		var userID, agentID sql.NullString
		if err := rows.Scan(&t.ThreadID, &userID, &agentID, &t.LastCheckpointID, &t.LastMessage, &t.LastStatus,
			&t.CreatedTs, &t.UpdatedTs); err != nil {
			return nil, err
		}
		t.UserID, t.AgentID = userID.String, agentID.String
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) DeleteThread(ctx context.Context, threadID string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM thread WHERE thread_id = ?`, threadID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
