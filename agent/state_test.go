package agent_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/internal/profile"
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

func createTestAgent(t *testing.T, s *store.Store, name string) *store.Agent {
	t.Helper()
	row, err := s.CreateAgent(context.Background(), &store.Agent{
		Name:       name,
		Username:   "@" + name + ":example.org",
		Homeserver: "https://matrix.example.org",
		BotClass:   "EchoBot",
	})
	require.NoError(t, err)
	return row
}

func TestCan(t *testing.T) {
	tests := []struct {
		from  store.AgentState
		event agent.LifecycleEvent
		ok    bool
	}{
		{store.AgentStateOffline, agent.EventConnect, true},
		{store.AgentStateError, agent.EventConnect, true},
		{store.AgentStatePaused, agent.EventConnect, true},
		{store.AgentStateOnlineIdle, agent.EventConnect, false},
		{store.AgentStateConnecting, agent.EventConnectionEstablished, true},
		{store.AgentStateOffline, agent.EventConnectionEstablished, false},
		{store.AgentStateOnlineIdle, agent.EventStartProcessing, true},
		{store.AgentStateOnlineBusy, agent.EventStartProcessing, false},
		{store.AgentStateOnlineBusy, agent.EventFinishProcessing, true},
		{store.AgentStateOnlineIdle, agent.EventFinishProcessing, false},
		{store.AgentStateConnecting, agent.EventDisconnect, true},
		{store.AgentStateOnlineIdle, agent.EventDisconnect, true},
		{store.AgentStateOnlineBusy, agent.EventDisconnect, true},
		{store.AgentStateOffline, agent.EventDisconnect, false},
		{store.AgentStatePaused, agent.EventDisconnect, false},
		{store.AgentStateOnlineIdle, agent.EventPause, true},
		{store.AgentStateOnlineBusy, agent.EventPause, true},
		{store.AgentStateOffline, agent.EventPause, false},
		{store.AgentStatePaused, agent.EventResume, true},
		{store.AgentStateOffline, agent.EventResume, false},
		// encounter_error fires from anywhere.
		{store.AgentStateOffline, agent.EventEncounterError, true},
		{store.AgentStatePaused, agent.EventEncounterError, true},
		{store.AgentStateOnlineBusy, agent.EventEncounterError, true},
		{store.AgentStateOffline, agent.LifecycleEvent("bogus"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, agent.Can(tt.from, tt.event),
			"%s from %s", tt.event, tt.from)
	}
}

func TestTarget(t *testing.T) {
	to, ok := agent.Target(agent.EventConnect)
	require.True(t, ok)
	assert.Equal(t, store.AgentStateConnecting, to)

	_, ok = agent.Target(agent.LifecycleEvent("bogus"))
	assert.False(t, ok)
}

func TestMachineFirePersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	require.Equal(t, store.AgentStateOffline, m.State())
	require.NoError(t, m.Fire(ctx, agent.EventConnect))
	assert.Equal(t, store.AgentStateConnecting, m.State())

	fresh, err := s.GetAgent(ctx, &store.FindAgent{ID: &row.ID})
	require.NoError(t, err)
	assert.Equal(t, store.AgentStateConnecting, fresh.State)
}

func TestMachineFireInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	err := m.Fire(context.Background(), agent.EventFinishProcessing)
	require.ErrorIs(t, err, agent.ErrInvalidTransition)
	// The row stays untouched after a rejected transition.
	fresh, err := s.GetAgent(context.Background(), &store.FindAgent{ID: &row.ID})
	require.NoError(t, err)
	assert.Equal(t, store.AgentStateOffline, fresh.State)
}

func TestMachineStampsLastActiveOnIdle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	require.NoError(t, m.Fire(ctx, agent.EventConnect))
	fresh, err := s.GetAgent(ctx, &store.FindAgent{ID: &row.ID})
	require.NoError(t, err)
	assert.Zero(t, fresh.LastActiveAt)

	before := time.Now().Unix()
	require.NoError(t, m.Fire(ctx, agent.EventConnectionEstablished))
	fresh, err = s.GetAgent(ctx, &store.FindAgent{ID: &row.ID})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, fresh.LastActiveAt, before)
}

func TestMachineProcessingCycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	require.NoError(t, m.Fire(ctx, agent.EventConnect))
	require.NoError(t, m.Fire(ctx, agent.EventConnectionEstablished))
	require.NoError(t, m.Fire(ctx, agent.EventStartProcessing))
	assert.Equal(t, store.AgentStateOnlineBusy, m.State())
	require.NoError(t, m.Fire(ctx, agent.EventFinishProcessing))
	assert.Equal(t, store.AgentStateOnlineIdle, m.State())
}

func TestMachineFireIfAble(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	// Not allowed from offline, and quietly so.
	fired, err := m.FireIfAble(ctx, agent.EventStartProcessing)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Equal(t, store.AgentStateOffline, m.State())

	fired, err = m.FireIfAble(ctx, agent.EventConnect)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, store.AgentStateConnecting, m.State())
}

func TestMachineEncounterErrorFromAnywhere(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	row := createTestAgent(t, s, "lifecycle")
	m := agent.NewMachine(s, row)

	require.NoError(t, m.Fire(ctx, agent.EventEncounterError))
	assert.Equal(t, store.AgentStateError, m.State())

	// And error recovers through connect.
	require.NoError(t, m.Fire(ctx, agent.EventConnect))
	assert.Equal(t, store.AgentStateConnecting, m.State())
}
