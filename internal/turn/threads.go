package turn

import (
	"context"

	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/checkpoint"
	"github.com/parleyhq/parley/internal/ledger"
)

// Thread returns the summary of a thread userID may access.
func (s *Service) Thread(ctx context.Context, userID, threadID string) (*ledger.Summary, error) {
	summary, err := s.ledger.Get(ctx, threadID)
	if err != nil {
		return nil, errors.Wrap(checkpoint.ErrStoreUnavailable, err.Error())
	}
	if summary == nil {
		return nil, errors.Wrap(ErrThreadNotFound, threadID)
	}
	if summary.UserID != userID {
		return nil, ErrForbidden
	}
	return summary, nil
}

func (s *Service) ListThreads(ctx context.Context, opts ledger.ListOptions) ([]*ledger.Summary, error) {
	list, err := s.ledger.List(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(checkpoint.ErrStoreUnavailable, err.Error())
	}
	return list, nil
}

// SearchThreads filters userID's threads with a boolean expression.
func (s *Service) SearchThreads(ctx context.Context, userID, filter string, limit int) ([]*ledger.Summary, error) {
	return s.ledger.Search(ctx, userID, filter, limit)
}

// History returns the thread's checkpoints, newest first.
func (s *Service) History(ctx context.Context, userID, threadID string) ([]*checkpoint.Checkpoint, error) {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.saver.History(ctx, threadID)
}

// State returns one checkpoint of the thread, or the latest when checkpointID
// is empty. A thread without checkpoints has no state: (nil, nil).
func (s *Service) State(ctx context.Context, userID, threadID, checkpointID string) (*checkpoint.Checkpoint, error) {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return s.saver.Latest(ctx, threadID)
	}
	cp, err := s.saver.Get(ctx, threadID, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, errors.Wrapf(checkpoint.ErrCheckpointNotFound, "%s of thread %s", checkpointID, threadID)
	}
	return cp, nil
}

// DeleteThread removes every checkpoint of the thread and its ledger row.
// Turns in flight on the thread finish first.
func (s *Service) DeleteThread(ctx context.Context, userID, threadID string) error {
	if _, err := s.Thread(ctx, userID, threadID); err != nil {
		return err
	}
	unlock, err := s.saver.Lock(ctx, threadID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.saver.DeleteAll(ctx, threadID); err != nil {
		return err
	}
	if err := s.ledger.Delete(ctx, threadID); err != nil {
		return errors.Wrap(checkpoint.ErrStoreUnavailable, err.Error())
	}
	s.logger.Info("deleted thread", "thread", threadID)
	return nil
}
