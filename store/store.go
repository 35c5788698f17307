package store

import (
	"context"
	"database/sql"
)

// Driver is the persistence backend behind Store.
type Driver interface {
	GetDB() *sql.DB
	Close() error
	Migrate(ctx context.Context) error

	CreateCheckpoint(ctx context.Context, create *CheckpointRow) (*CheckpointRow, error)
	ListCheckpoints(ctx context.Context, find *FindCheckpoint) ([]*CheckpointRow, error)
	DeleteCheckpoints(ctx context.Context, threadID string) (int64, error)

	UpsertThread(ctx context.Context, upsert *Thread) (*Thread, error)
	UpdateThread(ctx context.Context, update *UpdateThread) error
	ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error)
	DeleteThread(ctx context.Context, threadID string) error
}

// Store provides access to threads and checkpoints.
type Store struct {
	driver Driver
}

// New creates a new instance of Store.
func New(driver Driver) *Store {
	return &Store{driver: driver}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Migrate creates the tables the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

// CreateCheckpoint persists a checkpoint row. Rows are never updated afterwards.
func (s *Store) CreateCheckpoint(ctx context.Context, create *CheckpointRow) (*CheckpointRow, error) {
	return s.driver.CreateCheckpoint(ctx, create)
}

// ListCheckpoints lists checkpoints of a thread, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, find *FindCheckpoint) ([]*CheckpointRow, error) {
	return s.driver.ListCheckpoints(ctx, find)
}

// GetCheckpoint returns the first checkpoint matching the filter, or nil.
func (s *Store) GetCheckpoint(ctx context.Context, find *FindCheckpoint) (*CheckpointRow, error) {
	list, err := s.driver.ListCheckpoints(ctx, &FindCheckpoint{ThreadID: find.ThreadID, CheckpointID: find.CheckpointID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// DeleteCheckpoints deletes every checkpoint of a thread and reports how many were removed.
func (s *Store) DeleteCheckpoints(ctx context.Context, threadID string) (int64, error) {
	return s.driver.DeleteCheckpoints(ctx, threadID)
}

// UpsertThread inserts the thread unless it exists and returns the stored row.
func (s *Store) UpsertThread(ctx context.Context, upsert *Thread) (*Thread, error) {
	return s.driver.UpsertThread(ctx, upsert)
}

func (s *Store) UpdateThread(ctx context.Context, update *UpdateThread) error {
	return s.driver.UpdateThread(ctx, update)
}

// ListThreads lists threads, most recently updated first.
func (s *Store) ListThreads(ctx context.Context, find *FindThread) ([]*Thread, error) {
	return s.driver.ListThreads(ctx, find)
}

func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	list, err := s.driver.ListThreads(ctx, &FindThread{ThreadID: &threadID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) DeleteThread(ctx context.Context, threadID string) error {
	return s.driver.DeleteThread(ctx, threadID)
}
