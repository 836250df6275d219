package store

import (
	"context"
	"encoding/json"
)

// MaxChatHistorySize bounds the per-session message history after every
// append.
const MaxChatHistorySize = 20

// ChatMessage is one record of a session's message history, stored as a
// JSON array element.
type ChatMessage struct {
	EventID   string `json:"event_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// ChatSession is the persistent conversation state between one agent and
// one user in one room.
type ChatSession struct {
	ID      int64
	AgentID string
	UserID  string
	RoomID  string
	// Context is a JSON object; writes merge keys instead of replacing.
	Context string
	// MessageHistory is a JSON array of ChatMessage, oldest first,
	// trimmed to MaxChatHistorySize.
	MessageHistory string
	LastMessageAt  int64
	MessageCount   int32
	CreatedTs      int64
	UpdatedTs      int64
}

// Messages decodes the history column.
func (c *ChatSession) Messages() ([]ChatMessage, error) {
	if c.MessageHistory == "" {
		return nil, nil
	}
	var msgs []ChatMessage
	if err := json.Unmarshal([]byte(c.MessageHistory), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ContextMap decodes the context column.
func (c *ChatSession) ContextMap() (map[string]any, error) {
	if c.Context == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(c.Context), &m); err != nil {
		return nil, err
	}
	return m, nil
}

type FindChatSession struct {
	ID      *int64
	AgentID *string
	UserID  *string
	RoomID  *string
	// StaleBefore matches sessions not touched since the given timestamp,
	// by updated_ts; the reaper uses it.
	StaleBefore *int64
}

type MergeChatContext struct {
	AgentID string
	UserID  string
	RoomID  string
	// Context keys are merged into the existing JSON object.
	Context map[string]any
}

type AppendChatMessage struct {
	AgentID string
	UserID  string
	RoomID  string
	Message ChatMessage
	// MaxHistory defaults to MaxChatHistorySize when zero.
	MaxHistory int
}

type DeleteChatSession struct {
	ID          *int64
	AgentID     *string
	UserID      *string
	RoomID      *string
	StaleBefore *int64
}

func (s *Store) GetChatSession(ctx context.Context, find *FindChatSession) (*ChatSession, error) {
	return s.driver.GetChatSession(ctx, find)
}

func (s *Store) ListChatSessions(ctx context.Context, find *FindChatSession) ([]*ChatSession, error) {
	return s.driver.ListChatSessions(ctx, find)
}

func (s *Store) MergeChatContext(ctx context.Context, merge *MergeChatContext) (*ChatSession, error) {
	return s.driver.MergeChatContext(ctx, merge)
}

func (s *Store) AppendChatMessage(ctx context.Context, append *AppendChatMessage) (*ChatSession, error) {
	if append.MaxHistory <= 0 {
		append.MaxHistory = MaxChatHistorySize
	}
	return s.driver.AppendChatMessage(ctx, append)
}

func (s *Store) DeleteChatSessions(ctx context.Context, delete *DeleteChatSession) (int64, error) {
	return s.driver.DeleteChatSessions(ctx, delete)
}
