// Package ledger keeps one summary row per conversation thread so threads can
// be listed and searched without replaying checkpoint history.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/plugin/vectorstore"
	"github.com/parleyhq/parley/store"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Summary is the ledger's view of a thread.
type Summary struct {
	ThreadID         string         `json:"thread_id"`
	UserID           string         `json:"user_id,omitempty"`
	AgentID          string         `json:"agent_id,omitempty"`
	LastCheckpointID string         `json:"last_checkpoint_id,omitempty"`
	LastMessage      *store.Message `json:"last_message,omitempty"`
	LastStatus       string         `json:"last_status,omitempty"`
	CreatedTs        int64          `json:"created_ts"`
	UpdatedTs        int64          `json:"updated_ts"`
}

// Outcome is what a finished turn reports to the ledger. CheckpointID and
// Message are set only when the turn wrote a checkpoint.
type Outcome struct {
	ThreadID     string
	UserID       string
	Status       string
	CheckpointID string
	Message      *store.Message
}

type Ledger struct {
	store  *store.Store
	recall *vectorstore.Store
	search *searcher
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger. recall may be nil to disable conversation indexing.
func New(s *store.Store, recall *vectorstore.Store, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	search, err := newSearcher()
	if err != nil {
		return nil, err
	}
	return &Ledger{store: s, recall: recall, search: search, logger: logger, now: time.Now}, nil
}

// Touch records the thread if it is not known yet. Calling it again for the
// same thread changes nothing.
func (l *Ledger) Touch(ctx context.Context, threadID, userID, agentID string) (*Summary, error) {
	now := l.now().UnixMilli()
	thread, err := l.store.UpsertThread(ctx, &store.Thread{
		ThreadID:  threadID,
		UserID:    userID,
		AgentID:   agentID,
		CreatedTs: now,
		UpdatedTs: now,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to touch thread %s", threadID)
	}
	return summarize(thread), nil
}

// RecordLastMessage points the thread at a completed turn's checkpoint.
func (l *Ledger) RecordLastMessage(ctx context.Context, threadID, checkpointID string, msg *store.Message) error {
	thread, err := l.store.GetThread(ctx, threadID)
	if err != nil {
		return errors.Wrapf(err, "failed to load thread %s", threadID)
	}
	if thread == nil {
		return errors.Errorf("thread %s not found", threadID)
	}
	return l.RecordOutcome(ctx, Outcome{
		ThreadID:     threadID,
		UserID:       thread.UserID,
		Status:       store.ThreadStatusCompleted,
		CheckpointID: checkpointID,
		Message:      msg,
	})
}

// RecordOutcome stores how a turn ended. The last message is only replaced
// when the turn wrote a checkpoint.
func (l *Ledger) RecordOutcome(ctx context.Context, outcome Outcome) error {
	update := &store.UpdateThread{
		ThreadID:   outcome.ThreadID,
		LastStatus: &outcome.Status,
		UpdatedTs:  l.now().UnixMilli(),
	}
	if outcome.CheckpointID != "" {
		update.LastCheckpointID = &outcome.CheckpointID
		if outcome.Message != nil {
			raw, err := json.Marshal(outcome.Message)
			if err != nil {
				return errors.Wrap(err, "encode last message")
			}
			lastMessage := string(raw)
			update.LastMessage = &lastMessage
		}
	}
	if err := l.store.UpdateThread(ctx, update); err != nil {
		return errors.Wrapf(err, "failed to record outcome of thread %s", outcome.ThreadID)
	}
	l.index(ctx, outcome, update.UpdatedTs)
	return nil
}

func (l *Ledger) index(ctx context.Context, outcome Outcome, ts int64) {
	if l.recall == nil || outcome.UserID == "" || outcome.Message == nil || outcome.Message.Content == "" || outcome.CheckpointID == "" {
		return
	}
	if err := l.recall.UpsertMessage(ctx, outcome.UserID, outcome.ThreadID, outcome.Message.ID, outcome.Message.Content, ts); err != nil {
		l.logger.Warn("failed to index last message", "thread", outcome.ThreadID, "error", err)
	}
}

// Get returns the thread's summary, or nil.
func (l *Ledger) Get(ctx context.Context, threadID string) (*Summary, error) {
	thread, err := l.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load thread %s", threadID)
	}
	if thread == nil {
		return nil, nil
	}
	return summarize(thread), nil
}

// ListOptions selects a page of one user's threads. Page is 1-based.
type ListOptions struct {
	UserID   string
	AgentID  string
	Page     int
	PageSize int
}

// List returns a page of threads, most recently updated first.
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]*Summary, error) {
	page, pageSize := max(opts.Page, 1), opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	pageSize = min(pageSize, MaxPageSize)

	find := &store.FindThread{
		UserID: &opts.UserID,
		Limit:  pageSize,
		Offset: (page - 1) * pageSize,
	}
	if opts.AgentID != "" {
		find.AgentID = &opts.AgentID
	}
	threads, err := l.store.ListThreads(ctx, find)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list threads")
	}
	list := make([]*Summary, 0, len(threads))
	for _, thread := range threads {
		list = append(list, summarize(thread))
	}
	return list, nil
}

// Delete forgets the thread and anything indexed for it.
func (l *Ledger) Delete(ctx context.Context, threadID string) error {
	thread, err := l.store.GetThread(ctx, threadID)
	if err != nil {
		return errors.Wrapf(err, "failed to load thread %s", threadID)
	}
	if thread == nil {
		return nil
	}
	if err := l.store.DeleteThread(ctx, threadID); err != nil {
		return errors.Wrapf(err, "failed to delete thread %s", threadID)
	}
	if l.recall != nil {
		if err := l.recall.DeleteThread(ctx, thread.UserID, threadID); err != nil {
			l.logger.Warn("failed to drop indexed messages", "thread", threadID, "error", err)
		}
	}
	return nil
}

func summarize(thread *store.Thread) *Summary {
	s := &Summary{
		ThreadID:         thread.ThreadID,
		UserID:           thread.UserID,
		AgentID:          thread.AgentID,
		LastCheckpointID: thread.LastCheckpointID,
		LastStatus:       thread.LastStatus,
		CreatedTs:        thread.CreatedTs,
		UpdatedTs:        thread.UpdatedTs,
	}
	if thread.LastMessage != "" {
		msg := &store.Message{}
		if err := json.Unmarshal([]byte(thread.LastMessage), msg); err == nil {
			s.LastMessage = msg
		}
	}
	return s
}
