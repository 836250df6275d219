package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hrygo/activematrix/internal/metrics"
	"github.com/hrygo/activematrix/store/cache"
)

// CacheMode controls how much room and user state a client materializes.
type CacheMode string

const (
	// CacheNone materializes nothing; state flows straight through API calls.
	CacheNone CacheMode = "none"
	// CacheSome materializes rooms on demand but never users.
	CacheSome CacheMode = "some"
	// CacheAll materializes rooms and users; membership events mutate both.
	CacheAll CacheMode = "all"
)

// IsValid reports whether the mode is one of the known values.
func (m CacheMode) IsValid() bool {
	return m == CacheNone || m == CacheSome || m == CacheAll
}

// ListenerState is the sync loop's lifecycle state.
type ListenerState int32

const (
	ListenerIdle ListenerState = iota
	ListenerListening
	ListenerStopping
)

func (s ListenerState) String() string {
	switch s {
	case ListenerIdle:
		return "idle"
	case ListenerListening:
		return "listening"
	case ListenerStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	// DefaultSyncTimeout is the long-poll window handed to /sync.
	DefaultSyncTimeout = 30 * time.Second
	// DefaultAllowSyncRetry is how many consecutive sync timeouts are
	// retried before the listener surfaces the error.
	DefaultAllowSyncRetry = 5
	// DefaultBadSyncTimeout seeds the doubling backoff between retries.
	DefaultBadSyncTimeout = 5 * time.Second
	// DefaultMaxSyncTimeout caps the doubling backoff.
	DefaultMaxSyncTimeout = 5 * time.Minute

	// memberCacheTTL bounds how long a fetched member set stays in the
	// shared cache before a refetch.
	memberCacheTTL = time.Hour
)

// Handlers receives dispatched sync output. Nil fields are skipped.
type Handlers struct {
	// OnEvent sees every timeline event of joined rooms.
	OnEvent func(room *Room, ev *Event)
	// OnStateEvent sees state-section events after the room cache absorbed
	// them.
	OnStateEvent func(room *Room, ev *Event)
	// OnPresenceEvent sees top-level presence events.
	OnPresenceEvent func(ev *Event)
	// OnInviteEvent sees invite-state events of rooms the user is invited
	// to.
	OnInviteEvent func(room *Room, ev *Event)
	// OnLeaveEvent runs after a room is purged from the client cache.
	OnLeaveEvent func(roomID string, ev *Event)
	// OnEphemeralEvent sees typing and receipt events.
	OnEphemeralEvent func(room *Room, ev *Event)
	// OnSyncToken runs after every successful sync with the new token, so
	// callers can persist it.
	OnSyncToken func(token string)
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Homeserver  string
	AccessToken string
	UserID      string

	CacheMode         CacheMode
	SyncTimeout       time.Duration
	AllowSyncRetry    int
	BadSyncTimeout    time.Duration
	MaxSyncTimeout    time.Duration
	SyncInterval      time.Duration
	EventHistoryLimit int

	// Cache backs member sets and the memory tiers. Defaults to an
	// in-process LRU.
	Cache cache.Cache

	Transport TransportConfig
	Logger    *slog.Logger
}

// Client couples the API façade with room and user caches and runs the
// sync long-poll loop. One client serves one Matrix account.
type Client struct {
	api    *API
	cache  cache.Cache
	logger *slog.Logger

	cacheMode         CacheMode
	syncTimeout       time.Duration
	allowSyncRetry    int
	badSyncTimeout    time.Duration
	maxSyncTimeout    time.Duration
	syncInterval      time.Duration
	eventHistoryLimit int

	// Handlers must be assigned before Listen.
	Handlers Handlers

	// EventSink receives timeline events for routing. Assigned by the
	// hosting agent before Listen.
	EventSink func(ev *Event)

	mu            sync.RWMutex
	state         ListenerState
	stopListening context.CancelFunc
	lastSyncToken string
	rooms         map[string]*Room
	users         map[string]*User
}

// NewClient builds a client. The transport inherits the homeserver and
// token from the config.
func NewClient(cfg ClientConfig) (*Client, error) {
	tcfg := cfg.Transport
	if tcfg.Homeserver == "" {
		tcfg.Homeserver = cfg.Homeserver
	}
	if tcfg.AccessToken == "" {
		tcfg.AccessToken = cfg.AccessToken
	}
	if tcfg.Logger == nil {
		tcfg.Logger = cfg.Logger
	}
	transport, err := NewTransport(tcfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		api:               NewAPI(transport),
		cache:             cfg.Cache,
		logger:            cfg.Logger,
		cacheMode:         cfg.CacheMode,
		syncTimeout:       cfg.SyncTimeout,
		allowSyncRetry:    cfg.AllowSyncRetry,
		badSyncTimeout:    cfg.BadSyncTimeout,
		maxSyncTimeout:    cfg.MaxSyncTimeout,
		syncInterval:      cfg.SyncInterval,
		eventHistoryLimit: cfg.EventHistoryLimit,
		rooms:             map[string]*Room{},
		users:             map[string]*User{},
	}
	if !c.cacheMode.IsValid() {
		c.cacheMode = CacheAll
	}
	if c.syncTimeout <= 0 {
		c.syncTimeout = DefaultSyncTimeout
	}
	if c.allowSyncRetry <= 0 {
		c.allowSyncRetry = DefaultAllowSyncRetry
	}
	if c.badSyncTimeout <= 0 {
		c.badSyncTimeout = DefaultBadSyncTimeout
	}
	if c.maxSyncTimeout <= 0 {
		c.maxSyncTimeout = DefaultMaxSyncTimeout
	}
	if c.eventHistoryLimit <= 0 {
		c.eventHistoryLimit = DefaultEventHistoryLimit
	}
	if c.cache == nil {
		c.cache = cache.NewLRUCache(0, 0)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if cfg.UserID != "" {
		c.api.userID.Store(cfg.UserID)
	}
	return c, nil
}

// API exposes the endpoint façade for calls the client does not wrap.
func (c *Client) API() *API { return c.api }

// UserID returns the authenticated user, or "" before login.
func (c *Client) UserID() string { return c.api.UserID() }

// State returns the listener state.
func (c *Client) State() ListenerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SyncToken returns the last persisted sync token.
func (c *Client) SyncToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSyncToken
}

// SetSyncToken primes the next sync's since parameter, for agents
// restored from a stored token.
func (c *Client) SetSyncToken(token string) {
	c.mu.Lock()
	c.lastSyncToken = token
	c.mu.Unlock()
}

// Login authenticates and keeps the token on the transport.
func (c *Client) Login(ctx context.Context, userID, password, deviceName string) (*LoginResponse, error) {
	return c.api.Login(ctx, LoginRequest{
		UserID:                   userID,
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	})
}

// Whoami validates the current token.
func (c *Client) Whoami(ctx context.Context) (*WhoamiResponse, error) {
	return c.api.Whoami(ctx)
}

// Logout invalidates the token and resets the listener.
func (c *Client) Logout(ctx context.Context) error {
	c.StopListening()
	return c.api.Logout(ctx)
}

// Listen runs the sync loop until the context is canceled, StopListening
// is called, or an unrecoverable sync error surfaces. It is an error to
// call Listen while another Listen is running.
func (c *Client) Listen(ctx context.Context) error {
	if c.api.Transport().AccessToken() == "" {
		return notLoggedInError()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.state != ListenerIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("matrix: listener already %s", state)
	}
	c.state = ListenerListening
	c.stopListening = cancel
	c.mu.Unlock()

	defer c.setState(ListenerIdle)

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = c.badSyncTimeout
	retry.MaxInterval = c.maxSyncTimeout
	retry.Multiplier = 2.0
	retry.Reset()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		resp, err := c.api.Sync(ctx, SyncRequest{
			Since:   c.SyncToken(),
			Timeout: c.syncTimeout.Milliseconds(),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var timeout *TimeoutError
			if !errors.As(err, &timeout) {
				return err
			}
			failures++
			metrics.SyncFailuresTotal.Inc()
			if failures > c.allowSyncRetry {
				return err
			}
			wait := retry.NextBackOff()
			c.logger.Warn("client: sync timed out, retrying",
				"user", c.UserID(), "failures", failures, "wait", wait)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil
			}
			continue
		}

		failures = 0
		retry.Reset()
		c.processSyncResponse(resp)

		c.mu.Lock()
		c.lastSyncToken = resp.NextBatch
		c.mu.Unlock()
		if c.Handlers.OnSyncToken != nil {
			c.Handlers.OnSyncToken(resp.NextBatch)
		}

		if c.syncInterval > 0 {
			if err := sleepCtx(ctx, c.syncInterval); err != nil {
				return nil
			}
		}
	}
}

// StopListening asks a running Listen to exit after the in-flight sync.
func (c *Client) StopListening() {
	c.mu.Lock()
	cancel := c.stopListening
	if c.state == ListenerListening {
		c.state = ListenerStopping
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Client) setState(s ListenerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// processSyncResponse dispatches one sync payload: presence first, then
// invites, leaves, and joined rooms. Room maps are walked in sorted order
// so dispatch is deterministic.
func (c *Client) processSyncResponse(resp *SyncResponse) {
	if resp == nil {
		return
	}

	for _, ev := range resp.Presence.Events {
		if c.Handlers.OnPresenceEvent != nil {
			c.Handlers.OnPresenceEvent(ev)
		}
	}

	for _, roomID := range sortedKeys(resp.Rooms.Invite) {
		room := c.roomFor(roomID)
		for _, ev := range resp.Rooms.Invite[roomID].InviteState.Events {
			ev.RoomID = roomID
			if c.Handlers.OnInviteEvent != nil {
				c.Handlers.OnInviteEvent(room, ev)
			}
		}
	}

	for _, roomID := range sortedKeys(resp.Rooms.Leave) {
		left := resp.Rooms.Leave[roomID]
		c.purgeRoom(roomID)
		if c.Handlers.OnLeaveEvent == nil {
			continue
		}
		if events := left.Timeline.Events; len(events) > 0 {
			for _, ev := range events {
				ev.RoomID = roomID
				c.Handlers.OnLeaveEvent(roomID, ev)
			}
		} else {
			c.Handlers.OnLeaveEvent(roomID, nil)
		}
	}

	for _, roomID := range sortedKeys(resp.Rooms.Join) {
		c.processJoinedRoom(roomID, resp.Rooms.Join[roomID])
	}
}

// processJoinedRoom absorbs the state section before walking the timeline
// so member and power-level reads during dispatch see current state.
func (c *Client) processJoinedRoom(roomID string, joined JoinedRoomSync) {
	room := c.roomFor(roomID)
	if joined.Timeline.PrevBatch != "" {
		room.SetPrevBatch(joined.Timeline.PrevBatch)
	}

	for _, ev := range joined.State.Events {
		ev.RoomID = roomID
		c.applyStateEvent(room, ev)
		if c.Handlers.OnStateEvent != nil {
			c.Handlers.OnStateEvent(room, ev)
		}
	}

	for _, ev := range joined.Timeline.Events {
		ev.RoomID = roomID
		if ev.IsState() {
			c.applyStateEvent(room, ev)
			if c.Handlers.OnStateEvent != nil {
				c.Handlers.OnStateEvent(room, ev)
			}
			continue
		}
		room.AddEvent(ev)
		if c.Handlers.OnEvent != nil {
			c.Handlers.OnEvent(room, ev)
		}
		if c.EventSink != nil {
			c.EventSink(ev)
		}
	}

	for _, ev := range joined.Ephemeral.Events {
		ev.RoomID = roomID
		if c.Handlers.OnEphemeralEvent != nil {
			c.Handlers.OnEphemeralEvent(room, ev)
		}
	}

	for _, ev := range joined.AccountData.Events {
		room.SetAccountData(ev)
	}
}

// applyStateEvent writes one state event through the room cache and keeps
// the shared member cache and the user cache coherent.
func (c *Client) applyStateEvent(room *Room, ev *Event) {
	if room.ApplyStateEvent(ev) {
		c.cache.Delete(memberCacheKey(room.ID))
	}
	if ev.Type == EventTypeMember && c.cacheMode == CacheAll && ev.StateKey != nil {
		c.userFor(*ev.StateKey).UpdateFromMemberEvent(ev)
	}
}

// roomFor returns the cached room, materializing it on first sight. In
// cache mode none the room is transient and dropped after dispatch.
func (c *Client) roomFor(roomID string) *Room {
	if c.cacheMode == CacheNone {
		return NewRoom(roomID, c.UserID(), c.eventHistoryLimit)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	room, ok := c.rooms[roomID]
	if !ok {
		room = NewRoom(roomID, c.UserID(), c.eventHistoryLimit)
		c.rooms[roomID] = room
	}
	return room
}

// Room returns the cached room, or nil when not materialized.
func (c *Client) Room(roomID string) *Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

// Rooms returns a snapshot of the materialized rooms.
func (c *Client) Rooms() []*Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Room, 0, len(c.rooms))
	for _, room := range c.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Client) purgeRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	c.cache.Delete(memberCacheKey(roomID))
}

// userFor returns the shared user object in cache mode all, or a
// transient one otherwise.
func (c *Client) userFor(userID string) *User {
	if c.cacheMode != CacheAll {
		return NewUser(userID, "")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	user, ok := c.users[userID]
	if !ok {
		user = NewUser(userID, "")
		c.users[userID] = user
	}
	return user
}

// User returns the cached user, or nil when not materialized.
func (c *Client) User(userID string) *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.users[userID]
}

func memberCacheKey(roomID string) string { return "room_members/" + roomID }

// JoinedMembers returns the joined member set of a room: the pinned room
// copy when fresh, the shared cache next, and a /joined_members fetch
// last. Fetched sets are cached for an hour and pinned on the room until
// an m.room.member event invalidates them.
func (c *Client) JoinedMembers(ctx context.Context, roomID string) (map[string]*User, error) {
	room := c.roomFor(roomID)
	if room.MembersLoaded() {
		return room.Members(), nil
	}

	key := memberCacheKey(roomID)
	if v, ok := c.cache.Read(key); ok {
		if members, ok := v.(map[string]*User); ok {
			room.SetMembers(members)
			return members, nil
		}
	}

	resp, err := c.api.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members := make(map[string]*User, len(resp.Joined))
	for id, joined := range resp.Joined {
		user := c.userFor(id)
		if joined.DisplayName != "" {
			user.SetDisplayName(joined.DisplayName)
		}
		if joined.AvatarURL != "" {
			user.SetAvatarURL(joined.AvatarURL)
		}
		members[id] = user
	}
	c.cache.Write(key, members, memberCacheTTL)
	room.SetMembers(members)
	return members, nil
}

// Aliases returns a room's aliases, sorted and deduplicated. With
// canonicalOnly the result comes from room state alone; otherwise the
// directory's /aliases list is merged in.
func (c *Client) Aliases(ctx context.Context, roomID string, canonicalOnly bool) ([]string, error) {
	room := c.roomFor(roomID)
	aliases := room.Aliases()
	if canonicalOnly {
		return aliases, nil
	}
	resp, err := c.api.RoomAliases(ctx, roomID)
	if err != nil {
		return nil, err
	}
	merged := append(aliases, resp.Aliases...)
	sort.Strings(merged)
	out := merged[:0]
	for i, alias := range merged {
		if i == 0 || alias != merged[i-1] {
			out = append(out, alias)
		}
	}
	return out, nil
}

// SendText sends a plain text message to a room.
func (c *Client) SendText(ctx context.Context, roomID, body string) (*SendEventResponse, error) {
	return c.api.SendText(ctx, roomID, body)
}

// SendNotice sends a bot notice to a room.
func (c *Client) SendNotice(ctx context.Context, roomID, body string) (*SendEventResponse, error) {
	return c.api.SendNotice(ctx, roomID, body)
}

// SendMarkdown renders markdown and sends it as a formatted notice.
func (c *Client) SendMarkdown(ctx context.Context, roomID, body string) (*SendEventResponse, error) {
	return c.api.SendMessageEvent(ctx, roomID, EventTypeMessage, MarkdownNotice(body))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
