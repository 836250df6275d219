package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/memory"
	"github.com/hrygo/activematrix/store"
)

func TestReaperSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Unix() - 10

	_, err := s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1", Key: "agent_memory/a1/expired", Value: "1", ExpiresAt: past,
	})
	require.NoError(t, err)
	_, err = s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1", Key: "agent_memory/a1/kept", Value: "2",
	})
	require.NoError(t, err)
	_, err = s.UpsertKnowledgeBaseEntry(ctx, &store.UpsertKnowledgeBaseEntry{
		Key: "expired", Value: "1", ExpiresAt: past,
	})
	require.NoError(t, err)

	_, err = s.AppendChatMessage(ctx, &store.AppendChatMessage{
		AgentID: "a1", UserID: "@u:example.org", RoomID: "!stale:example.org",
		Message: store.ChatMessage{Content: "old"},
	})
	require.NoError(t, err)
	_, err = s.GetDriver().GetDB().ExecContext(ctx,
		"UPDATE chat_session SET updated_ts = ?", time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	reaper := memory.NewReaper(s, time.Hour, 24*time.Hour, nil)
	reaper.Sweep(ctx)

	agentID := "a1"
	entries, err := s.ListAgentStoreEntries(ctx, &store.FindAgentStoreEntry{AgentID: &agentID, IncludeExpired: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent_memory/a1/kept", entries[0].Key)

	kb, err := s.ListKnowledgeBaseEntries(ctx, &store.FindKnowledgeBaseEntry{IncludeExpired: true})
	require.NoError(t, err)
	assert.Empty(t, kb)

	sessions, err := s.ListChatSessions(ctx, &store.FindChatSession{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestReaperScheduleAtOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1", Key: "agent_memory/a1/shortlived", Value: "1",
		ExpiresAt: time.Now().Unix() - 1,
	})
	require.NoError(t, err)

	// A long interval proves the one-shot wakeup, not the ticker, does
	// the work.
	reaper := memory.NewReaper(s, time.Hour, 24*time.Hour, nil)
	reaper.Start()
	defer reaper.Stop()

	reaper.ScheduleAt(time.Now().Unix() - 1)

	agentID := "a1"
	require.Eventually(t, func() bool {
		entries, err := s.ListAgentStoreEntries(ctx, &store.FindAgentStoreEntry{AgentID: &agentID, IncludeExpired: true})
		return err == nil && len(entries) == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestReaperMaybeSweepHonorsInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1", Key: "agent_memory/a1/expired", Value: "1",
		ExpiresAt: time.Now().Unix() - 10,
	})
	require.NoError(t, err)

	reaper := memory.NewReaper(s, time.Hour, 24*time.Hour, nil)
	reaper.Sweep(ctx)

	_, err = s.UpsertAgentStoreEntry(ctx, &store.UpsertAgentStoreEntry{
		AgentID: "a1", Key: "agent_memory/a1/expired2", Value: "2",
		ExpiresAt: time.Now().Unix() - 10,
	})
	require.NoError(t, err)

	// The interval has not elapsed since the explicit sweep, so this
	// must be a no-op.
	reaper.MaybeSweep(ctx)

	agentID := "a1"
	entries, err := s.ListAgentStoreEntries(ctx, &store.FindAgentStoreEntry{AgentID: &agentID, IncludeExpired: true})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestReaperStopIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	reaper := memory.NewReaper(s, time.Hour, 24*time.Hour, nil)
	reaper.Start()
	reaper.Start()
	reaper.Stop()
	reaper.Stop()

	// ScheduleAt after Stop must not panic or fire.
	reaper.ScheduleAt(time.Now().Unix())
}

func TestReaperSweepSurvivesStoreErrors(t *testing.T) {
	s := newTestStore(t)

	// Closing the database forces every delete to fail; the sweep must
	// swallow the errors.
	require.NoError(t, s.Close())

	reaper := memory.NewReaper(s, time.Hour, 24*time.Hour, nil)
	assert.NotPanics(t, func() { reaper.Sweep(context.Background()) })
}
