package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateCheckpoint(ctx context.Context, create *store.CheckpointRow) (*store.CheckpointRow, error) {
	stmt := `INSERT INTO checkpoint (thread_id, checkpoint_id, parent_checkpoint_id, seq, mode, messages, channel_values, metadata, created_ts)
	         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ThreadID, create.CheckpointID, create.ParentCheckpointID, create.Seq, create.Mode,
		create.Messages, create.Values, create.Metadata, create.CreatedTs,
	); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListCheckpoints(ctx context.Context, find *store.FindCheckpoint) ([]*store.CheckpointRow, error) {
	where, args := []string{"thread_id = " + placeholder(1)}, []any{find.ThreadID}
	if v := find.CheckpointID; v != nil {
		where, args = append(where, "checkpoint_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT thread_id, checkpoint_id, parent_checkpoint_id, seq, mode, messages::text, channel_values::text, metadata::text, created_ts
		 FROM checkpoint WHERE %s ORDER BY seq DESC`,
		strings.Join(where, " AND "),
	)
	if find.Limit > 0 {
		query += " LIMIT " + placeholder(len(args)+1)
		args = append(args, find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.CheckpointRow
	for rows.Next() {
		c := &store.CheckpointRow{}
		if err := rows.Scan(&c.ThreadID, &c.CheckpointID, &c.ParentCheckpointID, &c.Seq, &c.Mode,
			&c.Messages, &c.Values, &c.Metadata, &c.CreatedTs); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

func (d *DB) DeleteCheckpoints(ctx context.Context, threadID string) (int64, error) {
	result, err := d.db.ExecContext(ctx, `DELETE FROM checkpoint WHERE thread_id = $1`, threadID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
