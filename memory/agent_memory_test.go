package memory_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/internal/profile"
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

func TestAgentMemoryWriteThrough(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)

	require.NoError(t, mem.Set(ctx, "greeting", "hello", 0))

	// The store row is authoritative and carries the composed key.
	entry, err := s.GetAgentStoreEntry(ctx, "a1", "agent_memory/a1/greeting")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `"hello"`, entry.Value)

	value, found, err := mem.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hello", value)
}

func TestAgentMemoryGetPopulatesCache(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Seed the store directly, bypassing the cache.
	_, err := s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1",
		Key:     "agent_memory/a1/seeded",
		Value:   `{"n": 7}`,
	})
	require.NoError(t, err)

	mem := memory.NewAgentMemory(s, "a1", nil)
	value, found, err := mem.Get(ctx, "seeded")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, map[string]any{"n": float64(7)}, value)

	cached, ok := s.Cache().Read("agent_memory/a1/seeded")
	assert.True(t, ok)
	assert.Equal(t, map[string]any{"n": float64(7)}, cached)
}

func TestAgentMemoryGetMissing(t *testing.T) {
	s := newTestStore(t)
	mem := memory.NewAgentMemory(s, "a1", nil)

	value, found, err := mem.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)
}

func TestAgentMemoryExpiredReadsAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID:   "a1",
		Key:       "agent_memory/a1/stale",
		Value:     `1`,
		ExpiresAt: time.Now().Unix() - 5,
	})
	require.NoError(t, err)

	mem := memory.NewAgentMemory(s, "a1", nil)
	_, found, err := mem.Get(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, found)

	exists, err := mem.Exists(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAgentMemoryDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)

	require.NoError(t, mem.Set(ctx, "k", 1, 0))
	require.NoError(t, mem.Delete(ctx, "k"))

	_, found, err := mem.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, s.Cache().Exists("agent_memory/a1/k"))
}

func TestAgentMemoryKeysAndAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)
	other := memory.NewAgentMemory(s, "a2", nil)

	require.NoError(t, mem.Set(ctx, "alpha", 1, 0))
	require.NoError(t, mem.Set(ctx, "beta", 2, 0))
	require.NoError(t, other.Set(ctx, "gamma", 3, 0))

	keys, err := mem.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, keys)

	all, err := mem.All(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"alpha": float64(1), "beta": float64(2)}, all)
}

func TestAgentMemoryClearScopedToAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)
	other := memory.NewAgentMemory(s, "a2", nil)

	require.NoError(t, mem.Set(ctx, "k", 1, 0))
	require.NoError(t, other.Set(ctx, "k", 2, 0))

	require.NoError(t, mem.Clear(ctx))

	keys, err := mem.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	value, found, err := other.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, float64(2), value)
}

func TestAgentMemoryRemember(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)

	calls := 0
	compute := func() (any, error) {
		calls++
		return "computed", nil
	}

	value, err := mem.Remember(ctx, "memo", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", value)

	value, err = mem.Remember(ctx, "memo", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, "computed", value)
	assert.Equal(t, 1, calls)
}

func TestAgentMemoryIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)

	total, err := mem.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	total, err = mem.Increment(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)

	require.NoError(t, mem.Set(ctx, "text", "not a number", 0))
	_, err = mem.Increment(ctx, "text", 1)
	require.Error(t, err)
}

func TestAgentMemoryPushPull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mem := memory.NewAgentMemory(s, "a1", nil)

	require.NoError(t, mem.Push(ctx, "rooms", "!a:example.org"))
	require.NoError(t, mem.Push(ctx, "rooms", "!b:example.org"))
	require.NoError(t, mem.Push(ctx, "rooms", "!a:example.org"))

	value, found, err := mem.Get(ctx, "rooms")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []any{"!a:example.org", "!b:example.org", "!a:example.org"}, value)

	// Pull removes every matching element.
	require.NoError(t, mem.Pull(ctx, "rooms", "!a:example.org"))
	value, _, err = mem.Get(ctx, "rooms")
	require.NoError(t, err)
	assert.Equal(t, []any{"!b:example.org"}, value)

	// Pull on a missing key does not create it.
	require.NoError(t, mem.Pull(ctx, "fresh", "x"))
	_, found, err = mem.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.False(t, found)
}
