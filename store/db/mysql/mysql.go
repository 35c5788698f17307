package mysql

import (
	"context"
	"database/sql"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/internal/profile"
	"github.com/parleyhq/parley/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
	config  *mysql.Config
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	dsn, err := mergeDSN(profile.DSN)
	if err != nil {
		return nil, err
	}

	driver := DB{profile: profile}
	driver.config, err = mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DSN")
	}

	driver.db, err = sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db: %s", profile.DSN)
	}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		"CREATE TABLE IF NOT EXISTS `thread` (" +
			"`thread_id` VARCHAR(256) NOT NULL PRIMARY KEY," +
			"`user_id` VARCHAR(256) NULL," +
			"`agent_id` VARCHAR(256) NULL," +
			"`last_checkpoint_id` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`last_message` LONGTEXT NOT NULL," +
			"`last_status` VARCHAR(32) NOT NULL DEFAULT ''," +
			"`created_ts` BIGINT NOT NULL," +
			"`updated_ts` BIGINT NOT NULL," +
			"INDEX `idx_thread_user` (`user_id`, `updated_ts`))",
		"CREATE TABLE IF NOT EXISTS `checkpoint` (" +
			"`thread_id` VARCHAR(256) NOT NULL," +
			"`checkpoint_id` VARCHAR(64) NOT NULL," +
			"`parent_checkpoint_id` VARCHAR(64) NOT NULL DEFAULT ''," +
			"`seq` BIGINT NOT NULL," +
			"`mode` VARCHAR(16) NOT NULL," +
			"`messages` LONGTEXT NOT NULL," +
			"`channel_values` LONGTEXT NOT NULL," +
			"`metadata` LONGTEXT NOT NULL," +
			"`created_ts` BIGINT NOT NULL," +
			"PRIMARY KEY (`thread_id`, `checkpoint_id`)," +
			"UNIQUE KEY `uniq_checkpoint_seq` (`thread_id`, `seq`))",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return errors.Wrap(err, "failed to migrate")
		}
	}
	return nil
}

func mergeDSN(baseDSN string) (string, error) {
	config, err := mysql.ParseDSN(baseDSN)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse DSN: %s", baseDSN)
	}

	// Timestamps are stored as BIGINT unix milliseconds.
	config.ParseTime = false
	return config.FormatDSN(), nil
}
