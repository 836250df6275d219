package bots_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/bots"
	"github.com/hrygo/activematrix/internal/profile"
	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/memory"
	"github.com/hrygo/activematrix/store"
	"github.com/hrygo/activematrix/store/db/sqlite"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode:   "dev",
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "activematrix_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	s := store.New(driver, p)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// noticeRecorder captures m.room.message sends from the bot.
type noticeRecorder struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []string
}

func newNoticeRecorder(t *testing.T) *noticeRecorder {
	t.Helper()
	rec := &noticeRecorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/send/") {
			var content map[string]any
			_ = json.NewDecoder(r.Body).Decode(&content)
			body, _ := content["body"].(string)
			rec.mu.Lock()
			rec.bodies = append(rec.bodies, body)
			n := len(rec.bodies)
			rec.mu.Unlock()
			fmt.Fprintf(w, `{"event_id":"$ev%d"}`, n)
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func (r *noticeRecorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.bodies)
	return r.bodies[len(r.bodies)-1]
}

type echoFixture struct {
	store *store.Store
	bot   *bots.EchoBot
	rec   *noticeRecorder
	row   *store.Agent
}

func newEchoFixture(t *testing.T) *echoFixture {
	t.Helper()
	s := newTestStore(t)
	rec := newNoticeRecorder(t)
	ctx := context.Background()

	row, err := s.CreateAgent(ctx, &store.Agent{
		Name:       "echo",
		Username:   "@echo:example.org",
		Homeserver: rec.srv.URL,
		BotClass:   bots.ClassEcho,
	})
	require.NoError(t, err)

	client, err := matrix.NewClient(matrix.ClientConfig{
		Homeserver:  rec.srv.URL,
		AccessToken: "syt_test_token",
		UserID:      row.Username,
		CacheMode:   matrix.CacheAll,
	})
	require.NoError(t, err)

	machine := agent.NewMachine(s, row)
	require.NoError(t, machine.Fire(ctx, agent.EventConnect))
	require.NoError(t, machine.Fire(ctx, agent.EventConnectionEstablished))

	built, err := agent.NewBotFromClass(bots.ClassEcho, agent.BotDeps{
		Agent:         row,
		Client:        client,
		Machine:       machine,
		Store:         s,
		Memory:        memory.NewAgentMemory(s, row.ID, nil),
		Conversations: memory.NewConversation(s, row.ID, 20),
		Config:        agent.DefaultConfig(),
	})
	require.NoError(t, err)
	bot, ok := built.(*bots.EchoBot)
	require.True(t, ok)

	return &echoFixture{store: s, bot: bot, rec: rec, row: row}
}

func (f *echoFixture) send(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, f.bot.HandleEvent(context.Background(), &matrix.Event{
		Type:           matrix.EventTypeMessage,
		EventID:        "$in1",
		Sender:         "@user:example.org",
		RoomID:         "!room:example.org",
		OriginServerTS: time.Now().UnixMilli(),
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}))
}

func TestEchoBotClassRegistered(t *testing.T) {
	require.NoError(t, agent.ValidateBotClass(bots.ClassEcho))
	assert.Contains(t, agent.BotClasses(), bots.ClassEcho)
}

func TestRememberRecallForget(t *testing.T) {
	f := newEchoFixture(t)
	ctx := context.Background()

	f.send(t, "!remember city Berlin is nice")
	assert.Equal(t, "remembered city", f.rec.last(t))

	// The value write-throughs to the persistent store.
	entry, err := f.store.GetAgentStoreEntry(ctx, f.row.ID, "agent_memory/"+f.row.ID+"/city")
	require.NoError(t, err)
	require.NotNil(t, entry)

	f.send(t, "!recall city")
	assert.Equal(t, "city = Berlin is nice", f.rec.last(t))

	f.send(t, "!forget city")
	assert.Equal(t, "forgot city", f.rec.last(t))

	f.send(t, "!recall city")
	assert.Equal(t, "nothing stored under city", f.rec.last(t))
}

func TestRememberUsage(t *testing.T) {
	f := newEchoFixture(t)

	f.send(t, "!remember onlykey")
	assert.Equal(t, "usage: remember <key> <value...>", f.rec.last(t))

	f.send(t, "!recall")
	assert.Equal(t, "usage: recall <key>", f.rec.last(t))

	f.send(t, "!forget")
	assert.Equal(t, "usage: forget <key>", f.rec.last(t))
}

func TestRememberWithTTL(t *testing.T) {
	f := newEchoFixture(t)
	ctx := context.Background()

	f.send(t, "!remember token abc123 --ttl=1h")
	assert.Equal(t, "remembered token", f.rec.last(t))

	entry, err := f.store.GetAgentStoreEntry(ctx, f.row.ID, "agent_memory/"+f.row.ID+"/token")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Greater(t, entry.ExpiresAt, time.Now().Unix())

	f.send(t, "!remember token abc123 --ttl=soon")
	assert.Equal(t, `invalid --ttl "soon"`, f.rec.last(t))
}

func TestHistory(t *testing.T) {
	f := newEchoFixture(t)

	f.send(t, "!echo hello")
	f.send(t, "!history")

	// The history includes the commands themselves, oldest first.
	body := f.rec.last(t)
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "@user:example.org: !echo hello", lines[0])
	assert.Equal(t, "@user:example.org: !history", lines[1])
}

func TestHandleBroadcastCachesKnowledge(t *testing.T) {
	f := newEchoFixture(t)
	ctx := context.Background()

	// In-process broadcasts carry expires_at as int64.
	err := f.bot.HandleBroadcast(ctx, &matrix.Event{
		Type: matrix.EventTypeKnowledgeBroadcast,
		Content: map[string]any{
			"key":        "policy",
			"value":      "be nice",
			"expires_at": time.Now().Add(time.Hour).Unix(),
		},
	})
	require.NoError(t, err)

	value, found, err := f.bot.Memory().Get(ctx, "broadcast/policy")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "be nice", value)

	// After a JSON round trip the timestamp arrives as float64.
	err = f.bot.HandleBroadcast(ctx, &matrix.Event{
		Type: matrix.EventTypeKnowledgeBroadcast,
		Content: map[string]any{
			"key":        "quota",
			"value":      "10",
			"expires_at": float64(time.Now().Add(time.Hour).Unix()),
		},
	})
	require.NoError(t, err)
	_, found, err = f.bot.Memory().Get(ctx, "broadcast/quota")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestHandleBroadcastSkipsExpired(t *testing.T) {
	f := newEchoFixture(t)
	ctx := context.Background()

	err := f.bot.HandleBroadcast(ctx, &matrix.Event{
		Type: matrix.EventTypeKnowledgeBroadcast,
		Content: map[string]any{
			"key":        "stale",
			"value":      "old",
			"expires_at": time.Now().Add(-time.Minute).Unix(),
		},
	})
	require.NoError(t, err)

	_, found, err := f.bot.Memory().Get(ctx, "broadcast/stale")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHandleBroadcastIgnoresOtherTypes(t *testing.T) {
	f := newEchoFixture(t)

	err := f.bot.HandleBroadcast(context.Background(), &matrix.Event{
		Type:    "am.system.reload",
		Content: map[string]any{"key": "policy", "value": "x"},
	})
	require.NoError(t, err)

	_, found, err := f.bot.Memory().Get(context.Background(), "broadcast/policy")
	require.NoError(t, err)
	assert.False(t, found)
}
