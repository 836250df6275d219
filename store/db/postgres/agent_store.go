package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/activematrix/store"
)

const agentStoreFields = "id, agent_id, key, value, expires_at, created_ts, updated_ts"

func scanAgentStoreEntry(row interface{ Scan(...any) error }) (*store.AgentStoreEntry, error) {
	entry := &store.AgentStoreEntry{}
	err := row.Scan(
		&entry.ID, &entry.AgentID, &entry.Key, &entry.Value,
		&entry.ExpiresAt, &entry.CreatedTs, &entry.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DB) UpsertAgentStoreEntry(ctx context.Context, upsert *store.UpsertAgentStoreEntry) (*store.AgentStoreEntry, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO agent_store (agent_id, key, value, expires_at, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at,
			updated_ts = EXCLUDED.updated_ts
		RETURNING ` + agentStoreFields
	entry, err := scanAgentStoreEntry(d.db.QueryRowContext(ctx, stmt,
		upsert.AgentID, upsert.Key, upsert.Value, upsert.ExpiresAt, now, now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert agent store entry: %w", err)
	}
	return entry, nil
}

func (d *DB) ListAgentStoreEntries(ctx context.Context, find *store.FindAgentStoreEntry) ([]*store.AgentStoreEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.AgentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *find.AgentID)
	}
	if find.Key != nil {
		where, args = append(where, "key = "+placeholder(len(args)+1)), append(args, *find.Key)
	}
	if find.KeyPrefix != nil {
		where, args = append(where, "key LIKE "+placeholder(len(args)+1)), append(args, *find.KeyPrefix+"%")
	}
	if !find.IncludeExpired {
		where, args = append(where, "(expires_at = 0 OR expires_at > "+placeholder(len(args)+1)+")"), append(args, time.Now().Unix())
	}

	query := `SELECT ` + agentStoreFields + ` FROM agent_store
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY key ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent store entries: %w", err)
	}
	defer rows.Close()

	list := make([]*store.AgentStoreEntry, 0)
	for rows.Next() {
		entry, err := scanAgentStoreEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent store entry: %w", err)
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agent store entries: %w", err)
	}
	return list, nil
}

func (d *DB) DeleteAgentStoreEntries(ctx context.Context, delete *store.DeleteAgentStoreEntry) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if delete.AgentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *delete.AgentID)
	}
	if delete.Key != nil {
		where, args = append(where, "key = "+placeholder(len(args)+1)), append(args, *delete.Key)
	}
	if delete.KeyPrefix != nil {
		where, args = append(where, "key LIKE "+placeholder(len(args)+1)), append(args, *delete.KeyPrefix+"%")
	}
	if delete.ExpiredBefore != nil {
		where, args = append(where, "(expires_at != 0 AND expires_at <= "+placeholder(len(args)+1)+")"), append(args, *delete.ExpiredBefore)
	}

	stmt := `DELETE FROM agent_store WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete agent store entries: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
