package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/activematrix/store"
)

const agentFields = "id, name, homeserver, username, bot_class, state, access_token, encrypted_password, settings, last_sync_token, last_active_at, messages_handled, created_ts, updated_ts"

func scanAgent(row interface{ Scan(...any) error }) (*store.Agent, error) {
	agent := &store.Agent{}
	err := row.Scan(
		&agent.ID, &agent.Name, &agent.Homeserver, &agent.Username, &agent.BotClass,
		&agent.State, &agent.AccessToken, &agent.EncryptedPassword, &agent.Settings,
		&agent.LastSyncToken, &agent.LastActiveAt, &agent.MessagesHandled,
		&agent.CreatedTs, &agent.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	return agent, nil
}

func (d *DB) CreateAgent(ctx context.Context, create *store.Agent) (*store.Agent, error) {
	stmt := `INSERT INTO agent (` + agentFields + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		create.ID, create.Name, create.Homeserver, create.Username, create.BotClass,
		create.State, create.AccessToken, create.EncryptedPassword, create.Settings,
		create.LastSyncToken, create.LastActiveAt, create.MessagesHandled,
		create.CreatedTs, create.UpdatedTs,
	}
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create agent")
	}
	return create, nil
}

func (d *DB) ListAgents(ctx context.Context, find *store.FindAgent) ([]*store.Agent, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Name != nil {
		where, args = append(where, "name = ?"), append(args, *find.Name)
	}
	if find.State != nil {
		where, args = append(where, "state = ?"), append(args, *find.State)
	}
	if find.ExcludeState != nil {
		where, args = append(where, "state != ?"), append(args, *find.ExcludeState)
	}
	if find.BotClass != nil {
		where, args = append(where, "bot_class = ?"), append(args, *find.BotClass)
	}

	query := `SELECT ` + agentFields + ` FROM agent
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY name ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list agents")
	}
	defer rows.Close()

	list := make([]*store.Agent, 0)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan agent")
		}
		list = append(list, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate agents")
	}
	return list, nil
}

func (d *DB) UpdateAgent(ctx context.Context, update *store.UpdateAgent) (*store.Agent, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.Homeserver != nil {
		set, args = append(set, "homeserver = ?"), append(args, *update.Homeserver)
	}
	if update.Username != nil {
		set, args = append(set, "username = ?"), append(args, *update.Username)
	}
	if update.BotClass != nil {
		set, args = append(set, "bot_class = ?"), append(args, *update.BotClass)
	}
	if update.State != nil {
		set, args = append(set, "state = ?"), append(args, *update.State)
	}
	if update.AccessToken != nil {
		set, args = append(set, "access_token = ?"), append(args, *update.AccessToken)
	}
	if update.EncryptedPassword != nil {
		set, args = append(set, "encrypted_password = ?"), append(args, *update.EncryptedPassword)
	}
	if update.Settings != nil {
		set, args = append(set, "settings = ?"), append(args, *update.Settings)
	}
	if update.LastSyncToken != nil {
		set, args = append(set, "last_sync_token = ?"), append(args, *update.LastSyncToken)
	}
	if update.LastActiveAt != nil {
		set, args = append(set, "last_active_at = ?"), append(args, *update.LastActiveAt)
	}
	if update.MessagesHandled != nil {
		set, args = append(set, "messages_handled = ?"), append(args, *update.MessagesHandled)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = ?"), append(args, *update.UpdatedTs)
	}

	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE agent SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING ` + agentFields
	agent, err := scanAgent(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.New("agent not found")
		}
		return nil, errors.Wrap(err, "failed to update agent")
	}
	return agent, nil
}

func (d *DB) DeleteAgent(ctx context.Context, delete *store.DeleteAgent) error {
	result, err := d.db.ExecContext(ctx, "DELETE FROM agent WHERE id = ?", delete.ID)
	if err != nil {
		return errors.Wrap(err, "failed to delete agent")
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.New("agent not found")
	}
	return nil
}
