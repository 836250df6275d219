package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/store"
)

// SQLite serves development, demo mode, and single-worker deployments.
// Multi-worker sharding wants PostgreSQL: workers share no memory and a
// single-connection WAL database becomes the bottleneck.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at profile.DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// Pragmas for the modernc driver are passed in the DSN; WAL avoids
	// writer starvation and busy_timeout covers worker restarts touching
	// the same file.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// One connection is optimal under WAL and sidesteps table locks from
	// the pool.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='agent')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS agent (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		homeserver TEXT NOT NULL,
		username TEXT NOT NULL,
		bot_class TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'offline',
		access_token TEXT NOT NULL DEFAULT '',
		encrypted_password TEXT NOT NULL DEFAULT '',
		settings TEXT NOT NULL DEFAULT '{}',
		last_sync_token TEXT NOT NULL DEFAULT '',
		last_active_at INTEGER NOT NULL DEFAULT 0,
		messages_handled INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_store (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '{}',
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL,
		UNIQUE(agent_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_store_expires_at ON agent_store(expires_at)`,
	`CREATE TABLE IF NOT EXISTS chat_session (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		message_history TEXT NOT NULL DEFAULT '[]',
		last_message_at INTEGER NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL,
		UNIQUE(agent_id, user_id, room_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_session_last_message_at ON chat_session(last_message_at)`,
	`CREATE TABLE IF NOT EXISTS knowledge_base (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL DEFAULT '{}',
		category TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		public_read INTEGER NOT NULL DEFAULT 1,
		public_write INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_base_expires_at ON knowledge_base(expires_at)`,
	`CREATE TABLE IF NOT EXISTS system_info (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

func (d *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to apply schema")
		}
	}
	return nil
}

func (d *DB) GetSystemInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM system_info WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to read system_info")
	}
	return value, nil
}

func (d *DB) UpsertSystemInfo(ctx context.Context, key, value string) error {
	stmt := `INSERT INTO system_info (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := d.db.ExecContext(ctx, stmt, key, value); err != nil {
		return errors.Wrap(err, "failed to upsert system_info")
	}
	return nil
}
