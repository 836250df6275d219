package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/activematrix/store"
)

const knowledgeBaseFields = "id, key, value, category, expires_at, public_read, public_write, created_ts, updated_ts"

func scanKnowledgeBaseEntry(row interface{ Scan(...any) error }) (*store.KnowledgeBaseEntry, error) {
	entry := &store.KnowledgeBaseEntry{}
	err := row.Scan(
		&entry.ID, &entry.Key, &entry.Value, &entry.Category,
		&entry.ExpiresAt, &entry.PublicRead, &entry.PublicWrite,
		&entry.CreatedTs, &entry.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *DB) UpsertKnowledgeBaseEntry(ctx context.Context, upsert *store.UpsertKnowledgeBaseEntry) (*store.KnowledgeBaseEntry, error) {
	now := time.Now().Unix()
	stmt := `INSERT INTO knowledge_base (key, value, category, expires_at, public_read, public_write, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			category = EXCLUDED.category,
			expires_at = EXCLUDED.expires_at,
			public_read = EXCLUDED.public_read,
			public_write = EXCLUDED.public_write,
			updated_ts = EXCLUDED.updated_ts
		RETURNING ` + knowledgeBaseFields
	entry, err := scanKnowledgeBaseEntry(d.db.QueryRowContext(ctx, stmt,
		upsert.Key, upsert.Value, upsert.Category, upsert.ExpiresAt,
		upsert.PublicRead, upsert.PublicWrite, now, now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert knowledge base entry: %w", err)
	}
	return entry, nil
}

func (d *DB) ListKnowledgeBaseEntries(ctx context.Context, find *store.FindKnowledgeBaseEntry) ([]*store.KnowledgeBaseEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.Key != nil {
		where, args = append(where, "key = "+placeholder(len(args)+1)), append(args, *find.Key)
	}
	if find.KeyPrefix != nil {
		where, args = append(where, "key LIKE "+placeholder(len(args)+1)), append(args, *find.KeyPrefix+"%")
	}
	if find.Category != nil {
		where, args = append(where, "category = "+placeholder(len(args)+1)), append(args, *find.Category)
	}
	if find.PublicReadOnly {
		where = append(where, "public_read = TRUE")
	}
	if !find.IncludeExpired {
		where, args = append(where, "(expires_at = 0 OR expires_at > "+placeholder(len(args)+1)+")"), append(args, time.Now().Unix())
	}

	query := `SELECT ` + knowledgeBaseFields + ` FROM knowledge_base
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY key ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge base entries: %w", err)
	}
	defer rows.Close()

	list := make([]*store.KnowledgeBaseEntry, 0)
	for rows.Next() {
		entry, err := scanKnowledgeBaseEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge base entry: %w", err)
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate knowledge base entries: %w", err)
	}
	return list, nil
}

func (d *DB) DeleteKnowledgeBaseEntries(ctx context.Context, delete *store.DeleteKnowledgeBaseEntry) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if delete.Key != nil {
		where, args = append(where, "key = "+placeholder(len(args)+1)), append(args, *delete.Key)
	}
	if delete.KeyPrefix != nil {
		where, args = append(where, "key LIKE "+placeholder(len(args)+1)), append(args, *delete.KeyPrefix+"%")
	}
	if delete.ExpiredBefore != nil {
		where, args = append(where, "(expires_at != 0 AND expires_at <= "+placeholder(len(args)+1)+")"), append(args, *delete.ExpiredBefore)
	}

	stmt := `DELETE FROM knowledge_base WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete knowledge base entries: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
