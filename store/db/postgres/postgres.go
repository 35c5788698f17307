package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	// Open the PostgreSQL connection
	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		slog.Error("failed to open database", slog.String("error", err.Error()))
		return nil, errors.Wrapf(err, "failed to open database: %s", profile.DSN)
	}

	var driver store.Driver = &DB{
		db:      db,
		profile: profile,
	}

	// Return the DB struct
	return driver, nil
}

// NewFromDB wraps an already opened connection.
func NewFromDB(db *sql.DB) *DB {
	return &DB{db: db}
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS thread (
			thread_id          TEXT   NOT NULL PRIMARY KEY,
			user_id            TEXT,
			agent_id           TEXT,
			last_checkpoint_id TEXT   NOT NULL DEFAULT '',
			last_message       TEXT   NOT NULL DEFAULT '',
			last_status        TEXT   NOT NULL DEFAULT '',
			created_ts         BIGINT NOT NULL,
			updated_ts         BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_user ON thread(user_id, updated_ts)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			thread_id            TEXT   NOT NULL,
			checkpoint_id        TEXT   NOT NULL,
			parent_checkpoint_id TEXT   NOT NULL DEFAULT '',
			seq                  BIGINT NOT NULL,
			mode                 TEXT   NOT NULL,
			messages             JSONB  NOT NULL,
			channel_values       JSONB  NOT NULL,
			metadata             JSONB  NOT NULL,
			created_ts           BIGINT NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id),
			UNIQUE (thread_id, seq)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
