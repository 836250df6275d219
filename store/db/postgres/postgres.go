package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"

	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/store"
)

// PostgreSQL is the dialect for multi-worker deployments: every worker
// process shares the same database, so row-level locking has to carry the
// consistency that SQLite gets from its single connection.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a PostgreSQL connection with profile.DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, fmt.Errorf("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open db with dsn: %s, err: %w", profile.DSN, err)
	}

	postgresDB.SetMaxOpenConns(25)
	postgresDB.SetMaxIdleConns(5)
	postgresDB.SetConnMaxLifetime(5 * time.Minute)

	return &DB{db: postgresDB, profile: profile}, nil
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
		"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'agent')").Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if database is initialized: %w", err)
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
		last_active_at BIGINT NOT NULL DEFAULT 0,
		messages_handled BIGINT NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_store (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '{}',
		expires_at BIGINT NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		UNIQUE(agent_id, key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_store_expires_at ON agent_store(expires_at)`,
	`CREATE TABLE IF NOT EXISTS chat_session (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		room_id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		message_history TEXT NOT NULL DEFAULT '[]',
		last_message_at BIGINT NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL,
		UNIQUE(agent_id, user_id, room_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_session_last_message_at ON chat_session(last_message_at)`,
	`CREATE TABLE IF NOT EXISTS knowledge_base (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL DEFAULT '{}',
		category TEXT NOT NULL DEFAULT '',
		expires_at BIGINT NOT NULL DEFAULT 0,
		public_read BOOLEAN NOT NULL DEFAULT TRUE,
		public_write BOOLEAN NOT NULL DEFAULT FALSE,
		created_ts BIGINT NOT NULL,
		updated_ts BIGINT NOT NULL
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
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (d *DB) GetSystemInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM system_info WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read system_info: %w", err)
	}
	return value, nil
}

func (d *DB) UpsertSystemInfo(ctx context.Context, key, value string) error {
	stmt := `INSERT INTO system_info (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`
	if _, err := d.db.ExecContext(ctx, stmt, key, value); err != nil {
		return fmt.Errorf("failed to upsert system_info: %w", err)
	}
	return nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
