package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/activematrix/agent"
	"github.com/hrygo/activematrix/matrix"
	"github.com/hrygo/activematrix/store"
)

// stubBot records broadcasts; the router only needs the Bot surface.
type stubBot struct {
	row        *store.Agent
	broadcasts chan *matrix.Event
}

func (b *stubBot) Agent() *store.Agent      { return b.row }
func (b *stubBot) Client() *matrix.Client   { return nil }
func (b *stubBot) HandleEvent(context.Context, *matrix.Event) error { return nil }
func (b *stubBot) HandleBroadcast(_ context.Context, ev *matrix.Event) error {
	b.broadcasts <- ev
	return nil
}

func routerConfig() *agent.Config {
	cfg := agent.DefaultConfig()
	cfg.EventQueueSize = 16
	cfg.EventProcessingTimeout = time.Second
	return cfg
}

func registerStub(t *testing.T, s *store.Store, r *agent.Registry, name string) (*store.Agent, *stubBot) {
	t.Helper()
	row := createTestAgent(t, s, name)
	bot := &stubBot{row: row, broadcasts: make(chan *matrix.Event, 8)}
	require.NoError(t, r.Register(&agent.Entry{
		Agent:   row,
		Bot:     bot,
		Machine: agent.NewMachine(s, row),
		Cancel:  func() {},
		Done:    make(chan struct{}),
	}))
	return row, bot
}

func messageEvent(roomID, sender, body string) *matrix.Event {
	return &matrix.Event{
		Type:    matrix.EventTypeMessage,
		RoomID:  roomID,
		Sender:  sender,
		Content: map[string]any{"msgtype": "m.text", "body": body},
	}
}

func TestRouteMatches(t *testing.T) {
	ev := messageEvent("!room:example.org", "@user:example.org", "hi")

	assert.True(t, (&agent.Route{}).Matches(ev))
	assert.True(t, (&agent.Route{RoomID: "!room:example.org"}).Matches(ev))
	assert.False(t, (&agent.Route{RoomID: "!other:example.org"}).Matches(ev))
	assert.True(t, (&agent.Route{EventType: matrix.EventTypeMessage}).Matches(ev))
	assert.False(t, (&agent.Route{EventType: matrix.EventTypeMember}).Matches(ev))
	assert.True(t, (&agent.Route{UserID: "@user:example.org"}).Matches(ev))
	assert.False(t, (&agent.Route{UserID: "@other:example.org"}).Matches(ev))
}

func TestAddRouteRequiresRegisteredAgent(t *testing.T) {
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)

	_, err := rt.AddRoute(&agent.Route{
		AgentID: "ghost",
		Handler: func(context.Context, *matrix.Event) error { return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unregistered agent")
}

func TestAddRouteRequiresHandler(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

func TestRoutesOrderedByPriority(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	handler := func(context.Context, *matrix.Event) error { return nil }
	_, err := rt.AddRoute(&agent.Route{ID: "low", AgentID: row.ID, Priority: 1, Handler: handler})
	require.NoError(t, err)
	_, err = rt.AddRoute(&agent.Route{ID: "high", AgentID: row.ID, Priority: 10, Handler: handler})
	require.NoError(t, err)
	_, err = rt.AddRoute(&agent.Route{ID: "low2", AgentID: row.ID, Priority: 1, Handler: handler})
	require.NoError(t, err)

	routes := rt.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, "high", routes[0].ID)
	// Equal priority keeps registration order.
	assert.Equal(t, "low", routes[1].ID)
	assert.Equal(t, "low2", routes[2].ID)
}

func TestRouterDeliversInPriorityOrder(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	got := make(chan string, 4)
	record := func(id string) agent.RouteHandler {
		return func(context.Context, *matrix.Event) error {
			got <- id
			return nil
		}
	}
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Priority: 1, Handler: record("second")})
	require.NoError(t, err)
	_, err = rt.AddRoute(&agent.Route{AgentID: row.ID, Priority: 5, Handler: record("first")})
	require.NoError(t, err)

	rt.Start()
	defer rt.Stop()
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "hi"))

	assert.Equal(t, "first", waitFor(t, got))
	assert.Equal(t, "second", waitFor(t, got))
}

func TestRouterSkipsUnregisteredAgent(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")
	other, _ := registerStub(t, s, registry, "beta")

	got := make(chan string, 4)
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: func(context.Context, *matrix.Event) error {
		got <- "alpha"
		return nil
	}})
	require.NoError(t, err)
	_, err = rt.AddRoute(&agent.Route{AgentID: other.ID, Handler: func(context.Context, *matrix.Event) error {
		got <- "beta"
		return nil
	}})
	require.NoError(t, err)

	// Routes survive unregistration; delivery skips them.
	registry.Unregister(row.ID)

	rt.Start()
	defer rt.Stop()
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "hi"))

	assert.Equal(t, "beta", waitFor(t, got))
	select {
	case id := <-got:
		t.Fatalf("unexpected delivery to %s", id)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterDropsNewestOnOverflow(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	cfg := routerConfig()
	cfg.EventQueueSize = 1
	rt := agent.NewRouter(registry, cfg, nil)
	row, _ := registerStub(t, s, registry, "alpha")

	gate := make(chan struct{})
	got := make(chan string, 16)
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: func(_ context.Context, ev *matrix.Event) error {
		<-gate
		got <- ev.MessageBody()
		return nil
	}})
	require.NoError(t, err)

	rt.Start()
	defer rt.Stop()

	for i := 0; i < 10; i++ {
		rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "m"))
	}
	close(gate)

	seen := 0
	for {
		select {
		case <-got:
			seen++
		case <-time.After(300 * time.Millisecond):
			// With the gate shut the worker holds one event in flight and
			// the queue one more; everything else must have dropped.
			assert.GreaterOrEqual(t, seen, 1)
			assert.LessOrEqual(t, seen, 2)
			return
		}
	}
}

func TestRouterDispatchBeforeStartIsNoop(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	got := make(chan string, 1)
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: func(context.Context, *matrix.Event) error {
		got <- "called"
		return nil
	}})
	require.NoError(t, err)

	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "hi"))

	rt.Start()
	defer rt.Stop()
	select {
	case <-got:
		t.Fatal("event queued before start should not deliver")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterRecoversFromHandlerPanic(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	got := make(chan string, 2)
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Priority: 1, Handler: func(_ context.Context, ev *matrix.Event) error {
		if ev.MessageBody() == "boom" {
			panic("kaboom")
		}
		got <- ev.MessageBody()
		return nil
	}})
	require.NoError(t, err)

	rt.Start()
	defer rt.Stop()
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "boom"))
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "after"))

	assert.Equal(t, "after", waitFor(t, got))
}

func TestRouterBroadcast(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	_, alpha := registerStub(t, s, registry, "alpha")
	_, beta := registerStub(t, s, registry, "beta")

	rt.Start()
	defer rt.Stop()
	rt.Broadcast(&matrix.Event{Type: matrix.EventTypeKnowledgeBroadcast})

	assert.Equal(t, matrix.EventTypeKnowledgeBroadcast, waitForEvent(t, alpha.broadcasts).Type)
	assert.Equal(t, matrix.EventTypeKnowledgeBroadcast, waitForEvent(t, beta.broadcasts).Type)
}

func TestRouterRemoveAgentRoutes(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")
	other, _ := registerStub(t, s, registry, "beta")

	handler := func(context.Context, *matrix.Event) error { return nil }
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: handler})
	require.NoError(t, err)
	_, err = rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: handler})
	require.NoError(t, err)
	id, err := rt.AddRoute(&agent.Route{AgentID: other.ID, Handler: handler})
	require.NoError(t, err)

	rt.RemoveAgentRoutes(row.ID)
	routes := rt.Routes()
	require.Len(t, routes, 1)
	assert.Equal(t, other.ID, routes[0].AgentID)

	rt.RemoveRoute(id)
	assert.Empty(t, rt.Routes())
}

func TestRouterRestart(t *testing.T) {
	s := newTestStore(t)
	registry := agent.NewRegistry()
	rt := agent.NewRouter(registry, routerConfig(), nil)
	row, _ := registerStub(t, s, registry, "alpha")

	got := make(chan string, 2)
	_, err := rt.AddRoute(&agent.Route{AgentID: row.ID, Handler: func(_ context.Context, ev *matrix.Event) error {
		got <- ev.MessageBody()
		return nil
	}})
	require.NoError(t, err)

	rt.Start()
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "first"))
	assert.Equal(t, "first", waitFor(t, got))
	rt.Stop()

	rt.Start()
	defer rt.Stop()
	rt.Dispatch(messageEvent("!room:example.org", "@user:example.org", "second"))
	assert.Equal(t, "second", waitFor(t, got))
}

func waitFor(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return ""
	}
}

func waitForEvent(t *testing.T, ch chan *matrix.Event) *matrix.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}
