package memory_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/memory"
	"github.com/hrygo/activematrix/store"
)

const (
	testUser = "@user:example.org"
	testRoom = "!room:example.org"
)

func TestConversationContextMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := memory.NewConversation(s, "a1", 0)

	// Unknown conversations read as empty.
	contextMap, err := conv.Context(ctx, testUser, testRoom)
	require.NoError(t, err)
	assert.Empty(t, contextMap)

	_, err = conv.UpdateContext(ctx, testUser, testRoom, map[string]any{"topic": "weather", "lang": "en"})
	require.NoError(t, err)
	merged, err := conv.UpdateContext(ctx, testUser, testRoom, map[string]any{"topic": "news"})
	require.NoError(t, err)

	assert.Equal(t, "news", merged["topic"])
	assert.Equal(t, "en", merged["lang"])

	contextMap, err = conv.Context(ctx, testUser, testRoom)
	require.NoError(t, err)
	assert.Equal(t, merged, contextMap)
}

func TestConversationAddMessageTrimsAndCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, &store.Agent{
		Name:       "alpha",
		Homeserver: "https://matrix.example.org",
		Username:   "@alpha:example.org",
		BotClass:   "echo",
	})
	require.NoError(t, err)

	conv := memory.NewConversation(s, agent.ID, 3)
	var session *store.ChatSession
	for i := 0; i < 5; i++ {
		session, err = conv.AddMessage(ctx, testUser, testRoom, store.ChatMessage{
			EventID:   fmt.Sprintf("$%d", i),
			Sender:    testUser,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: int64(100 + i),
		})
		require.NoError(t, err)
	}

	messages, err := conv.RecentMessages(ctx, testUser, testRoom)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "$2", messages[0].EventID)
	assert.Equal(t, "$4", messages[2].EventID)
	assert.Equal(t, int32(3), session.MessageCount)

	got, err := s.GetAgent(ctx, &store.FindAgent{ID: &agent.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.MessagesHandled)
	assert.NotZero(t, got.LastActiveAt)
}

func TestConversationRecentMessagesFromStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := memory.NewConversation(s, "a1", 0)

	_, err := conv.AddMessage(ctx, testUser, testRoom, store.ChatMessage{Content: "hi", Timestamp: 1})
	require.NoError(t, err)

	// Drop the cache so the next read proves the store path.
	s.Cache().Clear()

	messages, err := conv.RecentMessages(ctx, testUser, testRoom)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hi", messages[0].Content)
}

func TestConversationIsolatedPerTriple(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := memory.NewConversation(s, "a1", 0)

	_, err := conv.AddMessage(ctx, testUser, "!one:example.org", store.ChatMessage{Content: "one"})
	require.NoError(t, err)
	_, err = conv.AddMessage(ctx, testUser, "!two:example.org", store.ChatMessage{Content: "two"})
	require.NoError(t, err)

	one, err := conv.RecentMessages(ctx, testUser, "!one:example.org")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "one", one[0].Content)
}

func TestConversationClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	conv := memory.NewConversation(s, "a1", 0)

	_, err := conv.UpdateContext(ctx, testUser, testRoom, map[string]any{"k": "v"})
	require.NoError(t, err)
	_, err = conv.AddMessage(ctx, testUser, testRoom, store.ChatMessage{Content: "hi"})
	require.NoError(t, err)

	require.NoError(t, conv.Clear(ctx, testUser, testRoom))

	contextMap, err := conv.Context(ctx, testUser, testRoom)
	require.NoError(t, err)
	assert.Empty(t, contextMap)

	messages, err := conv.RecentMessages(ctx, testUser, testRoom)
	require.NoError(t, err)
	assert.Empty(t, messages)

	sessions, err := s.ListChatSessions(ctx, &store.FindChatSession{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}
