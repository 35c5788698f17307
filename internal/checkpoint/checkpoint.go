// Package checkpoint persists the state of conversation turns as an
// append-only, branchable history per thread.
package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/store"
)

const DefaultTimeout = 5 * time.Second

var (
	// ErrStoreUnavailable wraps every storage failure, timeouts included.
	ErrStoreUnavailable = errors.New("checkpoint store unavailable")
	// ErrCheckpointNotFound is returned for an unknown (thread, checkpoint) pair.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// Metadata keys written by the turn service.
const (
	MetadataModel   = "model"
	MetadataUserID  = "user_id"
	MetadataAgentID = "agent_id"
	MetadataSource  = "source"
)

// Checkpoint is one snapshot with its message list fully reconstructed.
type Checkpoint struct {
	ThreadID           string              `json:"thread_id"`
	CheckpointID       string              `json:"checkpoint_id"`
	ParentCheckpointID string              `json:"parent_checkpoint_id,omitempty"`
	Seq                int64               `json:"seq"`
	Values             store.ChannelValues `json:"channel_values"`
	Metadata           map[string]any      `json:"metadata"`
	CreatedTs          int64               `json:"created_ts"`
}

// Saver is the checkpoint store adapter.
type Saver struct {
	store   *store.Store
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewSaver(s *store.Store, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Saver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Saver{
		store:   s,
		timeout: timeout,
		metrics: metrics,
		logger:  logger,
		locks:   make(map[string]*threadLock),
	}
}

// Lock serializes writers of one thread. The returned func releases the lock.
func (s *Saver) Lock(ctx context.Context, threadID string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[threadID]
	if !ok {
		l = &threadLock{sem: semaphore.NewWeighted(1)}
		s.locks[threadID] = l
	}
	l.refs++
	s.mu.Unlock()

	if err := l.sem.Acquire(ctx, 1); err != nil {
		s.release(threadID, l, false)
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.release(threadID, l, true) })
	}, nil
}

func (s *Saver) release(threadID string, l *threadLock, held bool) {
	if held {
		l.sem.Release(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, threadID)
	}
}

// Append stores a new checkpoint whose parent is parentID (empty for a root)
// and returns it. Existing checkpoints are never modified. Callers hold the
// thread's lock.
func (s *Saver) Append(ctx context.Context, threadID, parentID string, values store.ChannelValues, metadata map[string]any) (cp *Checkpoint, err error) {
	defer func() { s.metrics.CheckpointOp("append", err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.rows(ctx, threadID)
	if err != nil {
		return nil, err
	}
	var seq int64 = 1
	if len(rows.order) > 0 {
		seq = rows.byID[rows.order[0]].Seq + 1
	}

	mode := store.CheckpointModeFull
	toStore := values.Messages
	if parentID != "" {
		if _, ok := rows.byID[parentID]; !ok {
			return nil, errors.Wrapf(ErrCheckpointNotFound, "parent %s of thread %s", parentID, threadID)
		}
		parentMessages, err := rows.messages(parentID)
		if err != nil {
			return nil, err
		}
		if isPrefix(parentMessages, values.Messages) {
			mode = store.CheckpointModeDelta
			toStore = values.Messages[len(parentMessages):]
		}
	}

	messages, err := json.Marshal(nonNil(toStore))
	if err != nil {
		return nil, errors.Wrap(err, "encode messages")
	}
	vals, err := json.Marshal(values.Values)
	if err != nil {
		return nil, errors.Wrap(err, "encode values")
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.Wrap(err, "encode metadata")
	}

	row, err := s.store.CreateCheckpoint(ctx, &store.CheckpointRow{
		ThreadID:           threadID,
		CheckpointID:       newID(),
		ParentCheckpointID: parentID,
		Seq:                seq,
		Mode:               mode,
		Messages:           string(messages),
		Values:             string(vals),
		Metadata:           string(meta),
		CreatedTs:          time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, unavailable("append", err)
	}
	s.logger.Debug("appended checkpoint", "thread", threadID, "checkpoint", row.CheckpointID, "seq", seq, "mode", mode)
	return &Checkpoint{
		ThreadID:           row.ThreadID,
		CheckpointID:       row.CheckpointID,
		ParentCheckpointID: row.ParentCheckpointID,
		Seq:                row.Seq,
		Values:             values.Clone(),
		Metadata:           metadata,
		CreatedTs:          row.CreatedTs,
	}, nil
}

// Latest returns the newest checkpoint of a thread, or nil.
func (s *Saver) Latest(ctx context.Context, threadID string) (cp *Checkpoint, err error) {
	defer func() { s.metrics.CheckpointOp("latest", err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.store.GetCheckpoint(ctx, &store.FindCheckpoint{ThreadID: threadID})
	if err != nil {
		return nil, unavailable("latest", err)
	}
	if row == nil {
		return nil, nil
	}
	return s.resolve(ctx, row)
}

// Get returns one checkpoint, or nil when it does not exist.
func (s *Saver) Get(ctx context.Context, threadID, checkpointID string) (cp *Checkpoint, err error) {
	defer func() { s.metrics.CheckpointOp("get", err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row, err := s.store.GetCheckpoint(ctx, &store.FindCheckpoint{ThreadID: threadID, CheckpointID: &checkpointID})
	if err != nil {
		return nil, unavailable("get", err)
	}
	if row == nil {
		return nil, nil
	}
	return s.resolve(ctx, row)
}

// History returns every checkpoint of a thread, newest first, each with its
// full message list.
func (s *Saver) History(ctx context.Context, threadID string) (list []*Checkpoint, err error) {
	defer func() { s.metrics.CheckpointOp("history", err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.rows(ctx, threadID)
	if err != nil {
		return nil, err
	}
	list = make([]*Checkpoint, 0, len(rows.order))
	for _, id := range rows.order {
		cp, err := rows.checkpoint(id)
		if err != nil {
			return nil, err
		}
		list = append(list, cp)
	}
	return list, nil
}

// DeleteAll removes every checkpoint of a thread and reports whether any existed.
func (s *Saver) DeleteAll(ctx context.Context, threadID string) (ok bool, err error) {
	defer func() { s.metrics.CheckpointOp("delete", err) }()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.store.DeleteCheckpoints(ctx, threadID)
	if err != nil {
		return false, unavailable("delete", err)
	}
	return n > 0, nil
}

func (s *Saver) resolve(ctx context.Context, row *store.CheckpointRow) (*Checkpoint, error) {
	if row.Mode == store.CheckpointModeFull {
		set := &rowSet{byID: map[string]*store.CheckpointRow{row.CheckpointID: row}}
		return set.checkpoint(row.CheckpointID)
	}
	rows, err := s.rows(ctx, row.ThreadID)
	if err != nil {
		return nil, err
	}
	return rows.checkpoint(row.CheckpointID)
}

func (s *Saver) rows(ctx context.Context, threadID string) (*rowSet, error) {
	list, err := s.store.ListCheckpoints(ctx, &store.FindCheckpoint{ThreadID: threadID})
	if err != nil {
		return nil, unavailable("list", err)
	}
	set := &rowSet{byID: make(map[string]*store.CheckpointRow, len(list))}
	for _, row := range list {
		set.byID[row.CheckpointID] = row
		set.order = append(set.order, row.CheckpointID)
	}
	return set, nil
}

func unavailable(op string, err error) error {
	return errors.Wrapf(ErrStoreUnavailable, "%s: %v", op, err)
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func nonNil(messages []*store.Message) []*store.Message {
	if messages == nil {
		return []*store.Message{}
	}
	return messages
}

// isPrefix reports whether next starts with every message of prev, compared
// by id.
func isPrefix(prev, next []*store.Message) bool {
	if len(prev) > len(next) {
		return false
	}
	for i, m := range prev {
		if m.ID == "" || m.ID != next[i].ID {
			return false
		}
	}
	return true
}
