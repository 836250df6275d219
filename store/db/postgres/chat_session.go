package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/activematrix/store"
)

const chatSessionFields = "id, agent_id, user_id, room_id, context, message_history, last_message_at, message_count, created_ts, updated_ts"

func scanChatSession(row interface{ Scan(...any) error }) (*store.ChatSession, error) {
	session := &store.ChatSession{}
	err := row.Scan(
		&session.ID, &session.AgentID, &session.UserID, &session.RoomID,
		&session.Context, &session.MessageHistory,
		&session.LastMessageAt, &session.MessageCount,
		&session.CreatedTs, &session.UpdatedTs,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (d *DB) GetChatSession(ctx context.Context, find *store.FindChatSession) (*store.ChatSession, error) {
	list, err := d.ListChatSessions(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (d *DB) ListChatSessions(ctx context.Context, find *store.FindChatSession) ([]*store.ChatSession, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.AgentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *find.AgentID)
	}
	if find.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *find.UserID)
	}
	if find.RoomID != nil {
		where, args = append(where, "room_id = "+placeholder(len(args)+1)), append(args, *find.RoomID)
	}
	if find.StaleBefore != nil {
		where, args = append(where, "updated_ts <= "+placeholder(len(args)+1)), append(args, *find.StaleBefore)
	}

	query := `SELECT ` + chatSessionFields + ` FROM chat_session
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY last_message_at DESC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat sessions: %w", err)
	}
	defer rows.Close()

	list := make([]*store.ChatSession, 0)
	for rows.Next() {
		session, err := scanChatSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat session: %w", err)
		}
		list = append(list, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chat sessions: %w", err)
	}
	return list, nil
}

// ensureChatSession locks and returns the session row for the triple,
// creating an empty one when absent. Concurrent workers appending to the
// same session serialize on the row lock.
func ensureChatSession(ctx context.Context, tx *sql.Tx, agentID, userID, roomID string) (*store.ChatSession, error) {
	query := `SELECT ` + chatSessionFields + ` FROM chat_session
		WHERE agent_id = $1 AND user_id = $2 AND room_id = $3
		FOR UPDATE`
	session, err := scanChatSession(tx.QueryRowContext(ctx, query, agentID, userID, roomID))
	if err == nil {
		return session, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read chat session: %w", err)
	}

	now := time.Now().Unix()
	stmt := `INSERT INTO chat_session (agent_id, user_id, room_id, context, message_history, last_message_at, message_count, created_ts, updated_ts)
		VALUES ($1, $2, $3, '{}', '[]', 0, 0, $4, $5)
		ON CONFLICT (agent_id, user_id, room_id) DO UPDATE SET updated_ts = EXCLUDED.updated_ts
		RETURNING ` + chatSessionFields
	session, err = scanChatSession(tx.QueryRowContext(ctx, stmt, agentID, userID, roomID, now, now))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return session, nil
}

func (d *DB) MergeChatContext(ctx context.Context, merge *store.MergeChatContext) (*store.ChatSession, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := ensureChatSession(ctx, tx, merge.AgentID, merge.UserID, merge.RoomID)
	if err != nil {
		return nil, err
	}

	contextMap, err := session.ContextMap()
	if err != nil {
		return nil, fmt.Errorf("failed to decode session context: %w", err)
	}
	for key, value := range merge.Context {
		contextMap[key] = value
	}
	contextJSON, err := json.Marshal(contextMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session context: %w", err)
	}

	now := time.Now().Unix()
	stmt := `UPDATE chat_session SET context = $1, updated_ts = $2 WHERE id = $3
		RETURNING ` + chatSessionFields
	session, err = scanChatSession(tx.QueryRowContext(ctx, stmt, string(contextJSON), now, session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to update session context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return session, nil
}

func (d *DB) AppendChatMessage(ctx context.Context, appendMsg *store.AppendChatMessage) (*store.ChatSession, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	session, err := ensureChatSession(ctx, tx, appendMsg.AgentID, appendMsg.UserID, appendMsg.RoomID)
	if err != nil {
		return nil, err
	}

	messages, err := session.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to decode message history: %w", err)
	}
	messages = append(messages, appendMsg.Message)
	if excess := len(messages) - appendMsg.MaxHistory; excess > 0 {
		messages = messages[excess:]
	}
	historyJSON, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message history: %w", err)
	}

	now := time.Now().Unix()
	lastMessageAt := appendMsg.Message.Timestamp
	if lastMessageAt == 0 {
		lastMessageAt = now
	}

	stmt := `UPDATE chat_session SET
			message_history = $1,
			last_message_at = $2,
			message_count = $3,
			updated_ts = $4
		WHERE id = $5
		RETURNING ` + chatSessionFields
	session, err = scanChatSession(tx.QueryRowContext(ctx, stmt,
		string(historyJSON), lastMessageAt, len(messages), now, session.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to update chat session: %w", err)
	}

	// Handling a message counts as agent activity.
	_, err = tx.ExecContext(ctx,
		"UPDATE agent SET messages_handled = messages_handled + 1, last_active_at = $1, updated_ts = $2 WHERE id = $3",
		now, now, appendMsg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit agent activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return session, nil
}

func (d *DB) DeleteChatSessions(ctx context.Context, delete *store.DeleteChatSession) (int64, error) {
	where, args := []string{"1 = 1"}, []any{}

	if delete.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *delete.ID)
	}
	if delete.AgentID != nil {
		where, args = append(where, "agent_id = "+placeholder(len(args)+1)), append(args, *delete.AgentID)
	}
	if delete.UserID != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *delete.UserID)
	}
	if delete.RoomID != nil {
		where, args = append(where, "room_id = "+placeholder(len(args)+1)), append(args, *delete.RoomID)
	}
	if delete.StaleBefore != nil {
		where, args = append(where, "updated_ts <= "+placeholder(len(args)+1)), append(args, *delete.StaleBefore)
	}

	stmt := `DELETE FROM chat_session WHERE ` + strings.Join(where, " AND ")
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chat sessions: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows, nil
}
