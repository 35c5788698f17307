package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a database specified by its database driver name and a
// driver-specific data source name, usually consisting of at least a
// database name and connection information.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Connect to the database with some sane settings:
	// - No shared-cache: it's obsolete; WAL journal mode is a better solution.
	// - The busy timeout keeps concurrent writers from failing straight away.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	// A single connection serializes writers; checkpoint appends are already
	// serialized per thread above this layer.
	sqliteDB.SetMaxOpenConns(1)

	return &DB{db: sqliteDB, profile: profile}, nil
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
			thread_id          TEXT    NOT NULL PRIMARY KEY,
			user_id            TEXT,
			agent_id           TEXT,
			last_checkpoint_id TEXT    NOT NULL DEFAULT '',
			last_message       TEXT    NOT NULL DEFAULT '',
			last_status        TEXT    NOT NULL DEFAULT '',
			created_ts         BIGINT  NOT NULL,
			updated_ts         BIGINT  NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_user ON thread(user_id, updated_ts)`,
		`CREATE TABLE IF NOT EXISTS checkpoint (
			thread_id            TEXT    NOT NULL,
			checkpoint_id        TEXT    NOT NULL,
			parent_checkpoint_id TEXT    NOT NULL DEFAULT '',
			seq                  INTEGER NOT NULL,
			mode                 TEXT    NOT NULL,
			messages             TEXT    NOT NULL,
			channel_values       TEXT    NOT NULL,
			metadata             TEXT    NOT NULL,
			created_ts           BIGINT  NOT NULL,
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
