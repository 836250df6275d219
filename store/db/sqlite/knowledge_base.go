package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			expires_at = excluded.expires_at,
			public_read = excluded.public_read,
			public_write = excluded.public_write,
			updated_ts = excluded.updated_ts
		RETURNING ` + knowledgeBaseFields
	entry, err := scanKnowledgeBaseEntry(d.db.QueryRowContext(ctx, stmt,
		upsert.Key, upsert.Value, upsert.Category, upsert.ExpiresAt,
		upsert.PublicRead, upsert.PublicWrite, now, now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to upsert knowledge base entry")
	}
	return entry, nil
}

func (d *DB) ListKnowledgeBaseEntries(ctx context.Context, find *store.FindKnowledgeBaseEntry) ([]*store.KnowledgeBaseEntry, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.Key != nil {
		where, args = append(where, "key = ?"), append(args, *find.Key)
	}
	if find.KeyPrefix != nil {
		where, args = append(where, "key LIKE ?"), append(args, *find.KeyPrefix+"%")
	}
	if find.Category != nil {
		where, args = append(where, "category = ?"), append(args, *find.Category)
	}
	if find.PublicReadOnly {
		where = append(where, "public_read = 1")
	}
	if !find.IncludeExpired {
		where, args = append(where, "(expires_at = 0 OR expires_at > ?)"), append(args, time.Now().Unix())
	}

	query := `SELECT ` + knowledgeBaseFields + ` FROM knowledge_base
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY key ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list knowledge base entries")
	}
	defer rows.Close()

	list := make([]*store.KnowledgeBaseEntry, 0)
	for rows.Next() {
		entry, err := scanKnowledgeBaseEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan knowledge base entry")
		}
		list = append(list, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate knowledge base entries")
	}
	return list, nil
}

func (d *DB) DeleteKnowledgeBaseEntries(ctx context.Context, delete *store.DeleteKnowledgeBaseEntry) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if delete.Key != nil {
		where, args = append(where, "key = ?"), append(args, *delete.Key)
	}
	if delete.KeyPrefix != nil {
		where, args = append(where, "key LIKE ?"), append(args, *delete.KeyPrefix+"%")
	}
	if delete.ExpiredBefore != nil {
		where, args = append(where, "(expires_at != 0 AND expires_at <= ?)"), append(args, *delete.ExpiredBefore)
	}

	stmt := `DELETE FROM knowledge_base WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete knowledge base entries")
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
