package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncScript serves scripted /sync responses. Once the script is
// exhausted it parks requests until the client goes away, emulating the
// long poll.
type syncScript struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	calls     atomic.Int32
	lastSince atomic.Value
}

func (s *syncScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sync") {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{}`)
			return
		}
		s.calls.Add(1)
		s.lastSince.Store(r.URL.Query().Get("since"))

		s.mu.Lock()
		var next func(w http.ResponseWriter)
		if len(s.responses) > 0 {
			next = s.responses[0]
			s.responses = s.responses[1:]
		}
		s.mu.Unlock()

		if next == nil {
			// The server arms client-abort detection only once the request
			// body is consumed; drain it so the cancel below unparks us.
			io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		next(w)
	}
}

func respond504(w http.ResponseWriter) {
	w.WriteHeader(http.StatusGatewayTimeout)
}

func respondSync(batch string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"next_batch":%q,"rooms":{"join":{},"invite":{},"leave":{}}}`, batch)
	}
}

func newTestClient(t *testing.T, url string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		Homeserver:     url,
		AccessToken:    "syt_test_token",
		UserID:         "@bot:example.org",
		CacheMode:      CacheAll,
		AllowSyncRetry: 2,
		BadSyncTimeout: time.Millisecond,
		MaxSyncTimeout: 4 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestListenRequiresLogin(t *testing.T) {
	c := newTestClient(t, "https://matrix.example.org", nil)
	c.api.Transport().SetAccessToken("")

	err := c.Listen(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.HTTPStatus)
}

func TestListenPersistsSyncToken(t *testing.T) {
	script := &syncScript{responses: []func(http.ResponseWriter){
		respondSync("s1"),
		respondSync("s2"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	var tokens []string
	var tokensMu sync.Mutex
	c := newTestClient(t, srv.URL, nil)
	c.Handlers.OnSyncToken = func(token string) {
		tokensMu.Lock()
		tokens = append(tokens, token)
		tokensMu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	require.Eventually(t, func() bool { return script.calls.Load() >= 3 },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "s2", c.SyncToken())
	assert.Equal(t, "s2", script.lastSince.Load())
	tokensMu.Lock()
	assert.Equal(t, []string{"s1", "s2"}, tokens)
	tokensMu.Unlock()
	assert.Equal(t, ListenerIdle, c.State())
}

func TestListenRetriesTimeouts(t *testing.T) {
	script := &syncScript{responses: []func(http.ResponseWriter){
		respond504,
		respond504,
		respondSync("s1"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	require.Eventually(t, func() bool { return c.SyncToken() == "s1" },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.GreaterOrEqual(t, script.calls.Load(), int32(3))
}

func TestListenSurfacesAfterRetryBudget(t *testing.T) {
	script := &syncScript{responses: []func(http.ResponseWriter){
		respond504, respond504, respond504, respond504,
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)

	err := c.Listen(context.Background())
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	// allowSyncRetry=2 permits two retries; the third failure surfaces.
	assert.Equal(t, int32(3), script.calls.Load())
	assert.Equal(t, ListenerIdle, c.State())
}

func TestListenFailureCounterResetsOnSuccess(t *testing.T) {
	script := &syncScript{responses: []func(http.ResponseWriter){
		respond504, respond504, respondSync("s1"),
		respond504, respond504, respondSync("s2"),
	}}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	require.Eventually(t, func() bool { return c.SyncToken() == "s2" },
		2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestListenRejectsSecondListener(t *testing.T) {
	script := &syncScript{}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Listen(ctx) }()

	require.Eventually(t, func() bool { return c.State() == ListenerListening },
		2*time.Second, time.Millisecond)

	err := c.Listen(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already")

	cancel()
	require.NoError(t, <-done)
}

func TestStopListening(t *testing.T) {
	script := &syncScript{}
	srv := httptest.NewServer(script.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	done := make(chan error, 1)
	go func() { done <- c.Listen(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == ListenerListening },
		2*time.Second, time.Millisecond)
	c.StopListening()
	require.NoError(t, <-done)
	assert.Equal(t, ListenerIdle, c.State())
}

func mustSyncResponse(t *testing.T, raw string) *SyncResponse {
	t.Helper()
	var resp SyncResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func TestProcessSyncResponseDispatchOrder(t *testing.T) {
	raw := `{
		"next_batch": "s1",
		"presence": {"events": [{"type": "m.presence", "sender": "@alice:example.org", "content": {"presence": "online"}}]},
		"rooms": {
			"invite": {"!inv:example.org": {"invite_state": {"events": [
				{"type": "m.room.member", "state_key": "@bot:example.org", "sender": "@alice:example.org", "content": {"membership": "invite"}}
			]}}},
			"leave": {"!old:example.org": {"timeline": {"events": [
				{"type": "m.room.member", "state_key": "@bot:example.org", "sender": "@bot:example.org", "content": {"membership": "leave"}}
			]}}},
			"join": {"!room:example.org": {
				"state": {"events": [
					{"type": "m.room.name", "state_key": "", "sender": "@alice:example.org", "content": {"name": "Ops"}}
				]},
				"timeline": {"prev_batch": "pb", "events": [
					{"type": "m.room.message", "event_id": "$1", "sender": "@alice:example.org", "content": {"msgtype": "m.text", "body": "first"}},
					{"type": "m.room.message", "event_id": "$2", "sender": "@alice:example.org", "content": {"msgtype": "m.text", "body": "second"}}
				]},
				"ephemeral": {"events": [{"type": "m.typing", "content": {"user_ids": ["@alice:example.org"]}}]},
				"account_data": {"events": [{"type": "m.tag", "content": {"tags": {"u.work": {}}}}]}
			}}
		}
	}`

	c := newTestClient(t, "https://matrix.example.org", nil)
	var order []string
	c.Handlers = Handlers{
		OnPresenceEvent: func(ev *Event) { order = append(order, "presence") },
		OnInviteEvent:   func(room *Room, ev *Event) { order = append(order, "invite:"+room.ID) },
		OnLeaveEvent:    func(roomID string, ev *Event) { order = append(order, "leave:"+roomID) },
		OnStateEvent:    func(room *Room, ev *Event) { order = append(order, "state:"+ev.Type) },
		OnEvent:         func(room *Room, ev *Event) { order = append(order, "event:"+ev.EventID) },
		OnEphemeralEvent: func(room *Room, ev *Event) {
			order = append(order, "ephemeral:"+ev.Type)
		},
	}
	var routed []string
	c.EventSink = func(ev *Event) { routed = append(routed, ev.EventID) }

	c.processSyncResponse(mustSyncResponse(t, raw))

	assert.Equal(t, []string{
		"presence",
		"invite:!inv:example.org",
		"leave:!old:example.org",
		"state:m.room.name",
		"event:$1",
		"event:$2",
		"ephemeral:m.typing",
	}, order)
	assert.Equal(t, []string{"$1", "$2"}, routed)

	room := c.Room("!room:example.org")
	require.NotNil(t, room)
	assert.Equal(t, "Ops", room.DisplayName())
	assert.Equal(t, "pb", room.PrevBatch())
	assert.Len(t, room.Events(), 2)
	require.NotNil(t, room.AccountData("m.tag"))

	assert.Nil(t, c.Room("!old:example.org"))
}

func TestJoinedMembersFreshAfterMemberEvent(t *testing.T) {
	var members atomic.Value
	members.Store(`{"joined":{"@alice:example.org":{"display_name":"Alice"}}}`)
	var fetches atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/joined_members") {
			fetches.Add(1)
			fmt.Fprint(w, members.Load().(string))
			return
		}
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()
	roomID := "!room:example.org"

	got, err := c.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	require.Contains(t, got, "@alice:example.org")
	assert.Equal(t, int32(1), fetches.Load())

	// Second read is served from the pinned cache.
	_, err = c.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetches.Load())

	// A membership event invalidates; the next read refetches and sees the
	// new joiner.
	members.Store(`{"joined":{"@alice:example.org":{"display_name":"Alice"},"@charlie:example.org":{"display_name":"Charlie"}}}`)
	c.processSyncResponse(mustSyncResponse(t, fmt.Sprintf(`{
		"next_batch": "s9",
		"rooms": {"join": {%q: {"state": {"events": [
			{"type": "m.room.member", "state_key": "@charlie:example.org", "sender": "@charlie:example.org", "content": {"membership": "join", "displayname": "Charlie"}}
		]}}}}
	}`, roomID)))

	got, err = c.JoinedMembers(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetches.Load())
	require.Contains(t, got, "@charlie:example.org")
	assert.Equal(t, "Charlie", got["@charlie:example.org"].DisplayName())
}

func TestUserCacheUpdatedFromMemberEvents(t *testing.T) {
	c := newTestClient(t, "https://matrix.example.org", nil)
	c.processSyncResponse(mustSyncResponse(t, `{
		"next_batch": "s1",
		"rooms": {"join": {"!room:example.org": {"state": {"events": [
			{"type": "m.room.member", "state_key": "@alice:example.org", "sender": "@alice:example.org", "content": {"membership": "join", "displayname": "Alice A."}}
		]}}}}
	}`))

	user := c.User("@alice:example.org")
	require.NotNil(t, user)
	assert.Equal(t, "Alice A.", user.DisplayName())
}

func TestListenSurfacesRequestErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"errcode":"M_UNKNOWN_TOKEN","error":"token expired"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	err := c.Listen(context.Background())
	require.True(t, errors.Is(err, ErrNotAuthorized))
}
