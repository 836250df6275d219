package memory

import (
	"context"

	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/cache"
)

// Conversation is the per-conversation tier over chat_session rows. One
// instance serves one agent; user and room scope each call. Cache keys are
// conversation/<agent_id>/<user_id>/<room_id>/{context|recent_messages}.
type Conversation struct {
	store        *store.Store
	cache        cache.Cache
	agentID      string
	historyLimit int
}

// NewConversation binds the conversation tier to one agent. historyLimit
// caps the stored message history; non-positive uses the store default.
func NewConversation(s *store.Store, agentID string, historyLimit int) *Conversation {
	if historyLimit <= 0 {
		historyLimit = store.MaxChatHistorySize
	}
	return &Conversation{
		store:        s,
		cache:        s.Cache(),
		agentID:      agentID,
		historyLimit: historyLimit,
	}
}

func (c *Conversation) conversationPrefix(userID, roomID string) string {
	return "conversation/" + c.agentID + "/" + userID + "/" + roomID + "/"
}

func (c *Conversation) contextKey(userID, roomID string) string {
	return c.conversationPrefix(userID, roomID) + "context"
}

func (c *Conversation) messagesKey(userID, roomID string) string {
	return c.conversationPrefix(userID, roomID) + "recent_messages"
}

func (c *Conversation) session(ctx context.Context, userID, roomID string) (*store.ChatSession, error) {
	return c.store.GetChatSession(ctx, &store.FindChatSession{
		AgentID: &c.agentID,
		UserID:  &userID,
		RoomID:  &roomID,
	})
}

// Context returns the conversation's context map; an unknown conversation
// yields an empty map.
func (c *Conversation) Context(ctx context.Context, userID, roomID string) (map[string]any, error) {
	key := c.contextKey(userID, roomID)
	if value, ok := c.cache.Read(key); ok {
		if m, ok := value.(map[string]any); ok {
			return m, nil
		}
	}

	session, err := c.session(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return map[string]any{}, nil
	}
	contextMap, err := session.ContextMap()
	if err != nil {
		return nil, err
	}
	c.cache.Write(key, contextMap, 0)
	return contextMap, nil
}

// UpdateContext merge-writes keys into the context: existing keys not
// named in merge survive. Returns the merged map.
func (c *Conversation) UpdateContext(ctx context.Context, userID, roomID string, merge map[string]any) (map[string]any, error) {
	session, err := c.store.MergeChatContext(ctx, &store.MergeChatContext{
		AgentID: c.agentID,
		UserID:  userID,
		RoomID:  roomID,
		Context: merge,
	})
	if err != nil {
		return nil, err
	}
	contextMap, err := session.ContextMap()
	if err != nil {
		return nil, err
	}
	c.cache.Write(c.contextKey(userID, roomID), contextMap, 0)
	return contextMap, nil
}

// AddMessage appends to the conversation history. The store transaction
// trims the history, bumps the session counters, and credits the agent's
// messages_handled and last_active_at.
func (c *Conversation) AddMessage(ctx context.Context, userID, roomID string, message store.ChatMessage) (*store.ChatSession, error) {
	session, err := c.store.AppendChatMessage(ctx, &store.AppendChatMessage{
		AgentID:    c.agentID,
		UserID:     userID,
		RoomID:     roomID,
		Message:    message,
		MaxHistory: c.historyLimit,
	})
	if err != nil {
		return nil, err
	}
	messages, err := session.Messages()
	if err != nil {
		return nil, err
	}
	c.cache.Write(c.messagesKey(userID, roomID), messages, 0)
	return session, nil
}

// RecentMessages returns the trimmed history, oldest first.
func (c *Conversation) RecentMessages(ctx context.Context, userID, roomID string) ([]store.ChatMessage, error) {
	key := c.messagesKey(userID, roomID)
	if value, ok := c.cache.Read(key); ok {
		if messages, ok := value.([]store.ChatMessage); ok {
			return messages, nil
		}
	}

	session, err := c.session(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	messages, err := session.Messages()
	if err != nil {
		return nil, err
	}
	c.cache.Write(key, messages, 0)
	return messages, nil
}

// Clear deletes the conversation row and its cache entries.
func (c *Conversation) Clear(ctx context.Context, userID, roomID string) error {
	if _, err := c.store.DeleteChatSessions(ctx, &store.DeleteChatSession{
		AgentID: &c.agentID,
		UserID:  &userID,
		RoomID:  &roomID,
	}); err != nil {
		return err
	}
	c.cache.DeleteMatching(c.conversationPrefix(userID, roomID) + "*")
	return nil
}
