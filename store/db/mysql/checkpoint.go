package mysql

import (
	"context"
	"strings"

	"github.com/parleyhq/parley/store"
)

func (d *DB) CreateCheckpoint(ctx context.Context, create *store.CheckpointRow) (*store.CheckpointRow, error) {
	stmt := "INSERT INTO `checkpoint` (`thread_id`, `checkpoint_id`, `parent_checkpoint_id`, `seq`, `mode`, `messages`, `channel_values`, `metadata`, `created_ts`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ThreadID, create.CheckpointID, create.ParentCheckpointID, create.Seq, create.Mode,
		create.Messages, create.Values, create.Metadata, create.CreatedTs,
	); err != nil {
		return nil, err
	}
	return create, nil
}

func (d *DB) ListCheckpoints(ctx context.Context, find *store.FindCheckpoint) ([]*store.CheckpointRow, error) {
	where, args := []string{"`thread_id` = ?"}, []any{find.ThreadID}
	if v := find.CheckpointID; v != nil {
		where, args = append(where, "`checkpoint_id` = ?"), append(args, *v)
	}
	query := "SELECT `thread_id`, `checkpoint_id`, `parent_checkpoint_id`, `seq`, `mode`, `messages`, `channel_values`, `metadata`, `created_ts` FROM `checkpoint` WHERE " +
		strings.Join(where, " AND ") + " ORDER BY `seq` DESC"
	if find.Limit > 0 {
		query += " LIMIT ?"
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
	result, err := d.db.ExecContext(ctx, "DELETE FROM `checkpoint` WHERE `thread_id` = ?", threadID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
