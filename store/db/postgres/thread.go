package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/store"
)

func (d *DB) UpsertThread(ctx context.Context, upsert *store.Thread) (*store.Thread, error) {
	stmt := `INSERT INTO thread (thread_id, user_id, agent_id, created_ts, updated_ts)
	         VALUES ($1, $2, $3, $4, $5)
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
	set, args := []string{"updated_ts = " + placeholder(1)}, []any{update.UpdatedTs}
	if v := update.LastCheckpointID; v != nil {
		set, args = append(set, "last_checkpoint_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.LastMessage; v != nil {
		set, args = append(set, "last_message = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := update.LastStatus; v != nil {
		set, args = append(set, "last_status = "+placeholder(len(args)+1)), append(args, *v)
	}
	args = append(args, update.ThreadID)
	stmt := fmt.Sprintf(`UPDATE thread SET %s WHERE thread_id = %s`, strings.Join(set, ", "), placeholder(len(args)))
	_, err := d.db.ExecContext(ctx, stmt, args...)
	return err
}

func (d *DB) ListThreads(ctx context.Context, find *store.FindThread) ([]*store.Thread, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.ThreadID; v != nil {
		where, args = append(where, "thread_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.UserID; v != nil {
		if *v == "" {
			where = append(where, "user_id IS NULL")
		} else {
			where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
		}
	}
	if v := find.AgentID; v != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT thread_id, user_id, agent_id, last_checkpoint_id, last_message, last_status, created_ts, updated_ts
		 FROM thread WHERE %s ORDER BY updated_ts DESC, thread_id ASC`,
		strings.Join(where, " AND "),
	)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %s OFFSET %s", placeholder(len(args)+1), placeholder(len(args)+2))
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
	_, err := d.db.ExecContext(ctx, `DELETE FROM thread WHERE thread_id = $1`, threadID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
