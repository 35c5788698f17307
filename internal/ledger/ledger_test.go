package ledger

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/plugin/vectorstore"
	"github.com/parleyhq/parley/store"
	"github.com/parleyhq/parley/store/db/sqlite"
)

func newLedger(t *testing.T, recall *vectorstore.Store) (*Ledger, *store.Store) {
	t.Helper()
	driver, err := sqlite.NewDB(&profile.Profile{DSN: filepath.Join(t.TempDir(), "parley.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver)

	l, err := New(s, recall, nil)
	require.NoError(t, err)
	clock := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return l, s
}

func TestTouchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, s := newLedger(t, nil)

	first, err := l.Touch(ctx, "t1", "u1", "agent-a")
	require.NoError(t, err)
	second, err := l.Touch(ctx, "t1", "u1", "agent-a")
	require.NoError(t, err)
	require.Equal(t, first.CreatedTs, second.CreatedTs)

	threads, err := s.ListThreads(ctx, &store.FindThread{})
	require.NoError(t, err)
	require.Len(t, threads, 1)
}

func TestRecordLastMessage(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, nil)
	_, err := l.Touch(ctx, "t1", "u1", "")
	require.NoError(t, err)

	msg := &store.Message{ID: "a1", Role: store.RoleAI, Content: "Paris"}
	require.NoError(t, l.RecordLastMessage(ctx, "t1", "cp1", msg))

	got, err := l.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "cp1", got.LastCheckpointID)
	require.Equal(t, msg, got.LastMessage)
	require.Equal(t, store.ThreadStatusCompleted, got.LastStatus)

	// A suspended turn keeps the last message and checkpoint.
	require.NoError(t, l.RecordOutcome(ctx, Outcome{ThreadID: "t1", UserID: "u1", Status: store.ThreadStatusSuspended}))
	got, err = l.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "cp1", got.LastCheckpointID)
	require.Equal(t, "Paris", got.LastMessage.Content)
	require.Equal(t, store.ThreadStatusSuspended, got.LastStatus)

	require.Error(t, l.RecordLastMessage(ctx, "missing", "cp", msg))
}

func TestListPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, nil)
	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := l.Touch(ctx, id, "u1", "agent-a")
		require.NoError(t, err)
	}
	_, err := l.Touch(ctx, "other", "u2", "agent-a")
	require.NoError(t, err)
	_, err = l.Touch(ctx, "t4", "u1", "agent-b")
	require.NoError(t, err)
	// Touching t1 again does not move it; recording an outcome does.
	require.NoError(t, l.RecordOutcome(ctx, Outcome{ThreadID: "t1", Status: store.ThreadStatusFailed}))

	ids := func(list []*Summary) []string {
		out := make([]string, 0, len(list))
		for _, s := range list {
			out = append(out, s.ThreadID)
		}
		return out
	}

	page1, err := l.List(ctx, ListOptions{UserID: "u1", Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t4"}, ids(page1))
	page2, err := l.List(ctx, ListOptions{UserID: "u1", Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"t3", "t2"}, ids(page2))

	byAgent, err := l.List(ctx, ListOptions{UserID: "u1", AgentID: "agent-b"})
	require.NoError(t, err)
	require.Equal(t, []string{"t4"}, ids(byAgent))
}

func TestAnonymousThreads(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, nil)
	_, err := l.Touch(ctx, "anon", "", "")
	require.NoError(t, err)
	_, err = l.Touch(ctx, "owned", "u1", "")
	require.NoError(t, err)

	list, err := l.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "anon", list[0].ThreadID)
	require.Empty(t, list[0].UserID)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	l, _ := newLedger(t, nil)
	for id, content := range map[string]string{"t1": "Your invoice is ready", "t2": "The weather is sunny", "t3": "Invoice overdue"} {
		_, err := l.Touch(ctx, id, "u1", "billing")
		require.NoError(t, err)
		require.NoError(t, l.RecordLastMessage(ctx, id, "cp-"+id, &store.Message{ID: "m-" + id, Role: store.RoleAI, Content: content}))
	}
	require.NoError(t, l.RecordOutcome(ctx, Outcome{ThreadID: "t3", Status: store.ThreadStatusSuspended}))

	found, err := l.Search(ctx, "u1", `last_message.matches("(?i)invoice")`, 10)
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = l.Search(ctx, "u1", `last_status == "suspended" && agent_id == "billing"`, 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, "t3", found[0].ThreadID)

	found, err = l.Search(ctx, "u1", `updated_ts > 0`, 1)
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = l.Search(ctx, "u1", `thread_id + 1`, 10)
	require.ErrorIs(t, err, ErrInvalidFilter)
	_, err = l.Search(ctx, "u1", `last_message`, 10)
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func letterEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 27)
	v[26] = 1
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(norm))
	}
	return v, nil
}

func TestRecallIndexing(t *testing.T) {
	ctx := context.Background()
	recall := vectorstore.NewInMemory(letterEmbedding)
	l, _ := newLedger(t, recall)

	_, err := l.Touch(ctx, "t1", "u1", "")
	require.NoError(t, err)
	require.NoError(t, l.RecordLastMessage(ctx, "t1", "cp1", &store.Message{ID: "a1", Role: store.RoleAI, Content: "Paris is the capital"}))
	_, err = l.Touch(ctx, "anon", "", "")
	require.NoError(t, err)
	require.NoError(t, l.RecordLastMessage(ctx, "anon", "cp2", &store.Message{ID: "a2", Role: store.RoleAI, Content: "hidden"}))

	results, err := recall.SearchSimilar(ctx, "u1", "capital", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "t1", results[0].ThreadID)

	require.NoError(t, l.Delete(ctx, "t1"))
	results, err = recall.SearchSimilar(ctx, "u1", "capital", 5)
	require.NoError(t, err)
	require.Empty(t, results)

	got, err := l.Get(ctx, "t1")
	require.NoError(t, err)
	require.Nil(t, got)
	require.NoError(t, l.Delete(ctx, "t1"))
}
