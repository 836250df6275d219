package matrix

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/lithammer/shortuuid/v4"
)

const (
	pathPrefix        = "/_matrix/client/v3"
	pathPrefixV1      = "/_matrix/client/v1"
	pathPrefixSynapse = "/_synapse/admin/v1"
)

// API exposes the client-server endpoints the runtime needs. Every method
// returns decoded response shapes and errors from the transport taxonomy.
type API struct {
	transport *Transport

	// userID is set after a successful login or whoami.
	userID atomic.Value

	txnPrefix  string
	txnCounter atomic.Int64
}

// NewAPI wraps a transport. Transaction IDs are unique per API instance.
func NewAPI(t *Transport) *API {
	api := &API{
		transport: t,
		txnPrefix: shortuuid.New(),
	}
	api.userID.Store("")
	return api
}

// Transport returns the underlying transport, for token and homeserver
// updates.
func (a *API) Transport() *Transport { return a.transport }

// UserID returns the authenticated user, or "" before login.
func (a *API) UserID() string {
	v, _ := a.userID.Load().(string)
	return v
}

// SetCredentials primes the API with an already known identity and token,
// for agents restored from stored credentials.
func (a *API) SetCredentials(userID, accessToken string) {
	a.userID.Store(userID)
	a.transport.SetAccessToken(accessToken)
}

// txnID returns the next transaction ID. IDs are scoped to this process
// run; the homeserver deduplicates retried PUTs by them.
func (a *API) txnID() string {
	return fmt.Sprintf("%s-%d", a.txnPrefix, a.txnCounter.Add(1))
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return a.doReq(ctx, Request{Method: method, Path: path, Query: query, Body: body}, out)
}

func (a *API) doNoAuth(ctx context.Context, method, path string, body, out any) error {
	return a.doReq(ctx, Request{Method: method, Path: path, Body: body, SkipAuth: true}, out)
}

func (a *API) doReq(ctx context.Context, req Request, out any) error {
	resp, err := a.transport.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.DecodeJSON(out)
}

func escape(s string) string { return url.PathEscape(s) }

// ---- session ----

// LoginRequest holds password login parameters.
type LoginRequest struct {
	UserID                   string
	Password                 string
	DeviceID                 string
	InitialDeviceDisplayName string
}

// LoginResponse is the result of a successful login.
type LoginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Login authenticates with m.login.password and installs the returned
// access token on the transport.
func (a *API) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	body := map[string]any{
		"type": "m.login.password",
		"identifier": map[string]any{
			"type": "m.id.user",
			"user": req.UserID,
		},
		"password": req.Password,
	}
	if req.DeviceID != "" {
		body["device_id"] = req.DeviceID
	}
	if req.InitialDeviceDisplayName != "" {
		body["initial_device_display_name"] = req.InitialDeviceDisplayName
	}
	var resp LoginResponse
	if err := a.doNoAuth(ctx, "POST", pathPrefix+"/login", body, &resp); err != nil {
		return nil, err
	}
	a.userID.Store(resp.UserID)
	a.transport.SetAccessToken(resp.AccessToken)
	return &resp, nil
}

// Logout invalidates the current access token.
func (a *API) Logout(ctx context.Context) error {
	if err := a.do(ctx, "POST", pathPrefix+"/logout", nil, nil, &struct{}{}); err != nil {
		return err
	}
	a.transport.SetAccessToken("")
	return nil
}

// LogoutAll invalidates every access token of the user.
func (a *API) LogoutAll(ctx context.Context) error {
	if err := a.do(ctx, "POST", pathPrefix+"/logout/all", nil, nil, &struct{}{}); err != nil {
		return err
	}
	a.transport.SetAccessToken("")
	return nil
}

// WhoamiResponse identifies the owner of an access token.
type WhoamiResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// Whoami validates the current token and records the user ID.
func (a *API) Whoami(ctx context.Context) (*WhoamiResponse, error) {
	if a.transport.AccessToken() == "" {
		return nil, notLoggedInError()
	}
	var resp WhoamiResponse
	if err := a.do(ctx, "GET", pathPrefix+"/account/whoami", nil, nil, &resp); err != nil {
		return nil, err
	}
	a.userID.Store(resp.UserID)
	return &resp, nil
}

// RegisterRequest holds registration parameters. Auth carries the
// interactive-auth dict, e.g. {"type": "m.login.dummy"}.
type RegisterRequest struct {
	Username        string         `json:"username,omitempty"`
	Password        string         `json:"password,omitempty"`
	DeviceID        string         `json:"device_id,omitempty"`
	InhibitLogin    bool           `json:"inhibit_login,omitempty"`
	InitialDispName string         `json:"initial_device_display_name,omitempty"`
	Auth            map[string]any `json:"auth,omitempty"`
}

// RegisterResponse is the result of a successful registration.
type RegisterResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
}

// Register creates a new account on the homeserver.
func (a *API) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	if err := a.doNoAuth(ctx, "POST", pathPrefix+"/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VersionsResponse lists the spec versions the homeserver supports.
type VersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// Versions fetches supported spec versions. No auth required.
func (a *API) Versions(ctx context.Context) (*VersionsResponse, error) {
	var resp VersionsResponse
	if err := a.doNoAuth(ctx, "GET", "/_matrix/client/versions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---- sync ----

// SyncRequest holds long-poll parameters.
type SyncRequest struct {
	Since       string
	Timeout     int64 // milliseconds
	Filter      string
	FullState   bool
	SetPresence string
}

// Sync performs one /sync long poll.
func (a *API) Sync(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(req.Timeout, 10))
	if req.Since != "" {
		query.Set("since", req.Since)
	}
	if req.Filter != "" {
		query.Set("filter", req.Filter)
	}
	if req.FullState {
		query.Set("full_state", "true")
	}
	if req.SetPresence != "" {
		query.Set("set_presence", req.SetPresence)
	}
	var resp SyncResponse
	if err := a.do(ctx, "GET", pathPrefix+"/sync", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---- rooms: membership ----

// JoinRoomResponse carries the resolved room ID of a join.
type JoinRoomResponse struct {
	RoomID string `json:"room_id"`
}

// JoinRoom joins a room by ID or alias.
func (a *API) JoinRoom(ctx context.Context, roomIDOrAlias string) (*JoinRoomResponse, error) {
	var resp JoinRoomResponse
	path := pathPrefix + "/join/" + escape(roomIDOrAlias)
	if err := a.do(ctx, "POST", path, nil, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LeaveRoom leaves a joined or invited room.
func (a *API) LeaveRoom(ctx context.Context, roomID string) error {
	path := pathPrefix + "/rooms/" + escape(roomID) + "/leave"
	return a.do(ctx, "POST", path, nil, struct{}{}, &struct{}{})
}

// ForgetRoom forgets a previously left room.
func (a *API) ForgetRoom(ctx context.Context, roomID string) error {
	path := pathPrefix + "/rooms/" + escape(roomID) + "/forget"
	return a.do(ctx, "POST", path, nil, struct{}{}, &struct{}{})
}

// InviteUser invites a user into a room.
func (a *API) InviteUser(ctx context.Context, roomID, userID, reason string) error {
	body := map[string]any{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/invite"
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// KickUser removes a user from a room.
func (a *API) KickUser(ctx context.Context, roomID, userID, reason string) error {
	body := map[string]any{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/kick"
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// BanUser bans a user from a room.
func (a *API) BanUser(ctx context.Context, roomID, userID, reason string) error {
	body := map[string]any{"user_id": userID}
	if reason != "" {
		body["reason"] = reason
	}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/ban"
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// UnbanUser lifts a ban.
func (a *API) UnbanUser(ctx context.Context, roomID, userID string) error {
	body := map[string]any{"user_id": userID}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/unban"
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// ---- rooms: events and state ----

// SendEventResponse carries the server-assigned event ID.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// SendMessageEvent sends a timeline event with a fresh transaction ID.
func (a *API) SendMessageEvent(ctx context.Context, roomID, eventType string, content any) (*SendEventResponse, error) {
	var resp SendEventResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/send/" + escape(eventType) + "/" + escape(a.txnID())
	if err := a.do(ctx, "PUT", path, nil, content, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendText sends a plain m.text message.
func (a *API) SendText(ctx context.Context, roomID, body string) (*SendEventResponse, error) {
	return a.SendMessageEvent(ctx, roomID, EventTypeMessage, TextMessage(body))
}

// SendNotice sends an m.notice message, the conventional type for bots.
func (a *API) SendNotice(ctx context.Context, roomID, body string) (*SendEventResponse, error) {
	return a.SendMessageEvent(ctx, roomID, EventTypeMessage, NoticeMessage(body))
}

// SendFormattedText sends an m.text message with an HTML rendering.
func (a *API) SendFormattedText(ctx context.Context, roomID, body, formattedBody string) (*SendEventResponse, error) {
	content := MessageContent{
		MsgType:       MsgText,
		Body:          body,
		Format:        FormatHTML,
		FormattedBody: formattedBody,
	}
	return a.SendMessageEvent(ctx, roomID, EventTypeMessage, content)
}

// SendStateEvent sends a state event.
func (a *API) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) (*SendEventResponse, error) {
	var resp SendEventResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/state/" + escape(eventType) + "/" + escape(stateKey)
	if err := a.do(ctx, "PUT", path, nil, content, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RedactEvent redacts an event, with a fresh transaction ID.
func (a *API) RedactEvent(ctx context.Context, roomID, eventID, reason string) (*SendEventResponse, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp SendEventResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/redact/" + escape(eventID) + "/" + escape(a.txnID())
	if err := a.do(ctx, "PUT", path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportEvent reports an event to the homeserver admin.
func (a *API) ReportEvent(ctx context.Context, roomID, eventID string, score int, reason string) error {
	body := map[string]any{"score": score, "reason": reason}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/report/" + escape(eventID)
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// RoomState fetches the full current state of a room.
func (a *API) RoomState(ctx context.Context, roomID string) ([]*Event, error) {
	var events []*Event
	path := pathPrefix + "/rooms/" + escape(roomID) + "/state"
	if err := a.do(ctx, "GET", path, nil, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// StateEvent fetches the content of one state event.
func (a *API) StateEvent(ctx context.Context, roomID, eventType, stateKey string, out any) error {
	path := pathPrefix + "/rooms/" + escape(roomID) + "/state/" + escape(eventType) + "/" + escape(stateKey)
	return a.do(ctx, "GET", path, nil, nil, out)
}

// Typing signals whether the user is typing in a room. timeoutMS applies
// only while typing is true.
func (a *API) Typing(ctx context.Context, roomID string, typing bool, timeoutMS int64) error {
	body := map[string]any{"typing": typing}
	if typing {
		body["timeout"] = timeoutMS
	}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/typing/" + escape(a.UserID())
	return a.do(ctx, "PUT", path, nil, body, &struct{}{})
}

// MarkRead advances the read marker and read receipt to an event.
func (a *API) MarkRead(ctx context.Context, roomID, eventID string) error {
	body := map[string]any{"m.fully_read": eventID, "m.read": eventID}
	path := pathPrefix + "/rooms/" + escape(roomID) + "/read_markers"
	return a.do(ctx, "POST", path, nil, body, &struct{}{})
}

// ---- rooms: directory and metadata ----

// CreateRoomRequest holds room creation parameters.
type CreateRoomRequest struct {
	Name          string   `json:"name,omitempty"`
	Topic         string   `json:"topic,omitempty"`
	RoomAliasName string   `json:"room_alias_name,omitempty"`
	Preset        string   `json:"preset,omitempty"`
	Visibility    string   `json:"visibility,omitempty"`
	Invite        []string `json:"invite,omitempty"`
	IsDirect      bool     `json:"is_direct,omitempty"`
}

// CreateRoomResponse carries the new room's ID.
type CreateRoomResponse struct {
	RoomID string `json:"room_id"`
}

// CreateRoom creates a room.
func (a *API) CreateRoom(ctx context.Context, req CreateRoomRequest) (*CreateRoomResponse, error) {
	var resp CreateRoomResponse
	if err := a.do(ctx, "POST", pathPrefix+"/createRoom", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinedRoomsResponse lists the rooms the user has joined.
type JoinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

// JoinedRooms lists the user's joined rooms.
func (a *API) JoinedRooms(ctx context.Context) (*JoinedRoomsResponse, error) {
	var resp JoinedRoomsResponse
	if err := a.do(ctx, "GET", pathPrefix+"/joined_rooms", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JoinedMember is one member entry from /joined_members.
type JoinedMember struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// JoinedMembersResponse maps user ID to profile for joined members.
type JoinedMembersResponse struct {
	Joined map[string]JoinedMember `json:"joined"`
}

// JoinedMembers fetches the joined members of a room.
func (a *API) JoinedMembers(ctx context.Context, roomID string) (*JoinedMembersResponse, error) {
	var resp JoinedMembersResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/joined_members"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// MembersResponse carries the m.room.member state events of a room.
type MembersResponse struct {
	Chunk []*Event `json:"chunk"`
}

// Members fetches membership events, optionally filtered by membership
// value ("join", "invite", "leave", "ban").
func (a *API) Members(ctx context.Context, roomID, membership string) (*MembersResponse, error) {
	query := url.Values{}
	if membership != "" {
		query.Set("membership", membership)
	}
	var resp MembersResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/members"
	if err := a.do(ctx, "GET", path, query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RoomAliasesResponse lists the local aliases of a room.
type RoomAliasesResponse struct {
	Aliases []string `json:"aliases"`
}

// RoomAliases lists the aliases the homeserver holds for a room.
func (a *API) RoomAliases(ctx context.Context, roomID string) (*RoomAliasesResponse, error) {
	var resp RoomAliasesResponse
	path := pathPrefix + "/rooms/" + escape(roomID) + "/aliases"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AliasResponse resolves a room alias.
type AliasResponse struct {
	RoomID  string   `json:"room_id"`
	Servers []string `json:"servers"`
}

// ResolveAlias resolves #alias:server to a room ID.
func (a *API) ResolveAlias(ctx context.Context, alias string) (*AliasResponse, error) {
	var resp AliasResponse
	path := pathPrefix + "/directory/room/" + escape(alias)
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PublicRoomsChunk is one directory entry.
type PublicRoomsChunk struct {
	RoomID           string `json:"room_id"`
	Name             string `json:"name,omitempty"`
	Topic            string `json:"topic,omitempty"`
	CanonicalAlias   string `json:"canonical_alias,omitempty"`
	NumJoinedMembers int    `json:"num_joined_members"`
	WorldReadable    bool   `json:"world_readable"`
	GuestCanJoin     bool   `json:"guest_can_join"`
}

// PublicRoomsResponse is a page of the public room directory.
type PublicRoomsResponse struct {
	Chunk     []PublicRoomsChunk `json:"chunk"`
	NextBatch string             `json:"next_batch,omitempty"`
	PrevBatch string             `json:"prev_batch,omitempty"`
	Total     int                `json:"total_room_count_estimate,omitempty"`
}

// PublicRooms pages through the public room directory.
func (a *API) PublicRooms(ctx context.Context, limit int, since string) (*PublicRoomsResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if since != "" {
		query.Set("since", since)
	}
	var resp PublicRoomsResponse
	if err := a.do(ctx, "GET", pathPrefix+"/publicRooms", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HierarchyRoom is one room in a space hierarchy page.
type HierarchyRoom struct {
	RoomID           string   `json:"room_id"`
	Name             string   `json:"name,omitempty"`
	RoomType         string   `json:"room_type,omitempty"`
	NumJoinedMembers int      `json:"num_joined_members"`
	ChildrenState    []*Event `json:"children_state,omitempty"`
}

// HierarchyResponse is a page of GET /v1/rooms/{id}/hierarchy.
type HierarchyResponse struct {
	Rooms     []HierarchyRoom `json:"rooms"`
	NextBatch string          `json:"next_batch,omitempty"`
}

// RoomHierarchy pages through a space's room hierarchy.
func (a *API) RoomHierarchy(ctx context.Context, roomID string, limit int, from string) (*HierarchyResponse, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if from != "" {
		query.Set("from", from)
	}
	var resp HierarchyResponse
	path := pathPrefixV1 + "/rooms/" + escape(roomID) + "/hierarchy"
	if err := a.do(ctx, "GET", path, query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---- account data, presence, profile ----

// AccountData fetches global account data of the given type into out.
func (a *API) AccountData(ctx context.Context, eventType string, out any) error {
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/account_data/" + escape(eventType)
	return a.do(ctx, "GET", path, nil, nil, out)
}

// SetAccountData stores global account data of the given type.
func (a *API) SetAccountData(ctx context.Context, eventType string, content any) error {
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/account_data/" + escape(eventType)
	return a.do(ctx, "PUT", path, nil, content, &struct{}{})
}

// RoomAccountData fetches per-room account data into out.
func (a *API) RoomAccountData(ctx context.Context, roomID, eventType string, out any) error {
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/rooms/" + escape(roomID) + "/account_data/" + escape(eventType)
	return a.do(ctx, "GET", path, nil, nil, out)
}

// SetRoomAccountData stores per-room account data.
func (a *API) SetRoomAccountData(ctx context.Context, roomID, eventType string, content any) error {
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/rooms/" + escape(roomID) + "/account_data/" + escape(eventType)
	return a.do(ctx, "PUT", path, nil, content, &struct{}{})
}

// TagsResponse maps tag name to order.
type TagsResponse struct {
	Tags map[string]struct {
		Order float64 `json:"order,omitempty"`
	} `json:"tags"`
}

// RoomTags lists the user's tags on a room.
func (a *API) RoomTags(ctx context.Context, roomID string) (*TagsResponse, error) {
	var resp TagsResponse
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/rooms/" + escape(roomID) + "/tags"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetRoomTag adds a tag to a room.
func (a *API) SetRoomTag(ctx context.Context, roomID, tag string, order float64) error {
	body := map[string]any{"order": order}
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/rooms/" + escape(roomID) + "/tags/" + escape(tag)
	return a.do(ctx, "PUT", path, nil, body, &struct{}{})
}

// DeleteRoomTag removes a tag from a room.
func (a *API) DeleteRoomTag(ctx context.Context, roomID, tag string) error {
	path := pathPrefix + "/user/" + escape(a.UserID()) + "/rooms/" + escape(roomID) + "/tags/" + escape(tag)
	return a.do(ctx, "DELETE", path, nil, nil, &struct{}{})
}

// PresenceResponse is a user's presence state.
type PresenceResponse struct {
	Presence        Presence `json:"presence"`
	LastActiveAgo   int64    `json:"last_active_ago,omitempty"`
	StatusMsg       string   `json:"status_msg,omitempty"`
	CurrentlyActive bool     `json:"currently_active,omitempty"`
}

// GetPresence fetches a user's presence.
func (a *API) GetPresence(ctx context.Context, userID string) (*PresenceResponse, error) {
	var resp PresenceResponse
	path := pathPrefix + "/presence/" + escape(userID) + "/status"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetPresence publishes the user's own presence.
func (a *API) SetPresence(ctx context.Context, presence Presence, statusMsg string) error {
	body := map[string]any{"presence": string(presence)}
	if statusMsg != "" {
		body["status_msg"] = statusMsg
	}
	path := pathPrefix + "/presence/" + escape(a.UserID()) + "/status"
	return a.do(ctx, "PUT", path, nil, body, &struct{}{})
}

// DisplayName fetches a user's display name.
func (a *API) DisplayName(ctx context.Context, userID string) (string, error) {
	var resp struct {
		DisplayName string `json:"displayname"`
	}
	path := pathPrefix + "/profile/" + escape(userID) + "/displayname"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.DisplayName, nil
}

// SetDisplayName sets the user's own display name.
func (a *API) SetDisplayName(ctx context.Context, displayName string) error {
	body := map[string]any{"displayname": displayName}
	path := pathPrefix + "/profile/" + escape(a.UserID()) + "/displayname"
	return a.do(ctx, "PUT", path, nil, body, &struct{}{})
}

// AvatarURL fetches a user's avatar URL.
func (a *API) AvatarURL(ctx context.Context, userID string) (string, error) {
	var resp struct {
		AvatarURL string `json:"avatar_url"`
	}
	path := pathPrefix + "/profile/" + escape(userID) + "/avatar_url"
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.AvatarURL, nil
}

// SetAvatarURL sets the user's own avatar.
func (a *API) SetAvatarURL(ctx context.Context, avatarURL string) error {
	body := map[string]any{"avatar_url": avatarURL}
	path := pathPrefix + "/profile/" + escape(a.UserID()) + "/avatar_url"
	return a.do(ctx, "PUT", path, nil, body, &struct{}{})
}

// ---- keys ----

// KeysQueryResponse maps user ID to device ID to device key blocks.
type KeysQueryResponse struct {
	DeviceKeys map[string]map[string]map[string]any `json:"device_keys"`
	Failures   map[string]any                       `json:"failures,omitempty"`
}

// KeysQuery fetches device identity keys for the given users. An empty
// device list requests all devices of that user.
func (a *API) KeysQuery(ctx context.Context, deviceKeys map[string][]string, timeoutMS int64) (*KeysQueryResponse, error) {
	if deviceKeys == nil {
		deviceKeys = map[string][]string{}
	}
	body := map[string]any{"device_keys": deviceKeys}
	if timeoutMS > 0 {
		body["timeout"] = timeoutMS
	}
	var resp KeysQueryResponse
	if err := a.do(ctx, "POST", pathPrefix+"/keys/query", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---- synapse admin ----

// WhoisResponse is the Synapse admin whois report for a user.
type WhoisResponse struct {
	UserID  string         `json:"user_id"`
	Devices map[string]any `json:"devices"`
}

// Whois queries the Synapse admin API for a user's sessions. Requires the
// bot to be a server admin; plain homeservers answer 403.
func (a *API) Whois(ctx context.Context, userID string) (*WhoisResponse, error) {
	var resp WhoisResponse
	path := pathPrefixSynapse + "/whois/" + escape(userID)
	if err := a.do(ctx, "GET", path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
