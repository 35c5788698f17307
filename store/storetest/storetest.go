// Package storetest holds the behaviour every store.Driver must share.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/store"
)

// RunDriverTests exercises a migrated driver against an empty database.
func RunDriverTests(t *testing.T, driver store.Driver) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, driver.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, driver.Migrate(ctx))
	s := store.New(driver)

	t.Run("checkpoints", func(t *testing.T) {
		rows := []*store.CheckpointRow{
			{ThreadID: "t1", CheckpointID: "c1", Seq: 1, Mode: store.CheckpointModeFull, Messages: `[]`, Values: `{}`, Metadata: `{}`, CreatedTs: 1},
			{ThreadID: "t1", CheckpointID: "c2", ParentCheckpointID: "c1", Seq: 2, Mode: store.CheckpointModeDelta, Messages: `[]`, Values: `{}`, Metadata: `{"model":"m"}`, CreatedTs: 2},
			{ThreadID: "t2", CheckpointID: "c3", Seq: 1, Mode: store.CheckpointModeFull, Messages: `[]`, Values: `{}`, Metadata: `{}`, CreatedTs: 3},
		}
		for _, row := range rows {
			_, err := s.CreateCheckpoint(ctx, row)
			require.NoError(t, err)
		}

		// Sequence numbers are unique per thread.
		_, err := s.CreateCheckpoint(ctx, &store.CheckpointRow{ThreadID: "t1", CheckpointID: "dup", Seq: 2, Mode: store.CheckpointModeFull, Messages: `[]`, Values: `{}`, Metadata: `{}`})
		require.Error(t, err)

		list, err := s.ListCheckpoints(ctx, &store.FindCheckpoint{ThreadID: "t1"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "c2", list[0].CheckpointID)
		require.Equal(t, "c1", list[0].ParentCheckpointID)
		require.JSONEq(t, `{"model":"m"}`, list[0].Metadata)

		id := "c1"
		got, err := s.GetCheckpoint(ctx, &store.FindCheckpoint{ThreadID: "t1", CheckpointID: &id})
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, int64(1), got.Seq)

		missing := "nope"
		got, err = s.GetCheckpoint(ctx, &store.FindCheckpoint{ThreadID: "t1", CheckpointID: &missing})
		require.NoError(t, err)
		require.Nil(t, got)

		n, err := s.DeleteCheckpoints(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, int64(2), n)
		list, err = s.ListCheckpoints(ctx, &store.FindCheckpoint{ThreadID: "t2"})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})

	t.Run("threads", func(t *testing.T) {
		first, err := s.UpsertThread(ctx, &store.Thread{ThreadID: "a", UserID: "u1", AgentID: "agent", CreatedTs: 10, UpdatedTs: 10})
		require.NoError(t, err)
		require.Equal(t, "u1", first.UserID)

		// A second upsert keeps the original row.
		again, err := s.UpsertThread(ctx, &store.Thread{ThreadID: "a", UserID: "u1", CreatedTs: 99, UpdatedTs: 99})
		require.NoError(t, err)
		require.Equal(t, int64(10), again.CreatedTs)
		require.Equal(t, "agent", again.AgentID)

		_, err = s.UpsertThread(ctx, &store.Thread{ThreadID: "b", UserID: "u1", CreatedTs: 11, UpdatedTs: 11})
		require.NoError(t, err)
		_, err = s.UpsertThread(ctx, &store.Thread{ThreadID: "anon", CreatedTs: 12, UpdatedTs: 12})
		require.NoError(t, err)

		checkpointID, message, status := "c9", `{"role":"ai","content":"hi"}`, store.ThreadStatusCompleted
		require.NoError(t, s.UpdateThread(ctx, &store.UpdateThread{
			ThreadID:         "a",
			LastCheckpointID: &checkpointID,
			LastMessage:      &message,
			LastStatus:       &status,
			UpdatedTs:        20,
		}))

		user := "u1"
		list, err := s.ListThreads(ctx, &store.FindThread{UserID: &user})
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "a", list[0].ThreadID)
		require.Equal(t, "c9", list[0].LastCheckpointID)
		require.Equal(t, message, list[0].LastMessage)

		page, err := s.ListThreads(ctx, &store.FindThread{UserID: &user, Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Len(t, page, 1)
		require.Equal(t, "b", page[0].ThreadID)

		agent := "agent"
		list, err = s.ListThreads(ctx, &store.FindThread{UserID: &user, AgentID: &agent})
		require.NoError(t, err)
		require.Len(t, list, 1)

		anonymous := ""
		list, err = s.ListThreads(ctx, &store.FindThread{UserID: &anonymous})
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, "anon", list[0].ThreadID)
		require.Empty(t, list[0].UserID)

		require.NoError(t, s.DeleteThread(ctx, "a"))
		got, err := s.GetThread(ctx, "a")
		require.NoError(t, err)
		require.Nil(t, got)
	})
}
