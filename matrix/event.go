package matrix

import "encoding/json"

// Event type identifiers the runtime inspects. Anything else flows through
// untouched.
const (
	EventTypeMessage        = "m.room.message"
	EventTypeMember         = "m.room.member"
	EventTypeName           = "m.room.name"
	EventTypeTopic          = "m.room.topic"
	EventTypeCanonicalAlias = "m.room.canonical_alias"
	EventTypePowerLevels    = "m.room.power_levels"
	EventTypeCreate         = "m.room.create"
	EventTypeTyping         = "m.typing"
	EventTypeReceipt        = "m.receipt"
	EventTypePresence       = "m.presence"

	// EventTypeKnowledgeBroadcast is the synthetic event emitted when a
	// knowledge-base entry is broadcast to every registered bot.
	EventTypeKnowledgeBroadcast = "am.knowledge_base.broadcast"
)

// Message msgtype values.
const (
	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgEmote  = "m.emote"
)

// FormatHTML is the only formatted_body format the protocol defines.
const FormatHTML = "org.matrix.custom.html"

// Presence states a user can publish.
type Presence string

const (
	PresenceOnline      Presence = "online"
	PresenceOffline     Presence = "offline"
	PresenceUnavailable Presence = "unavailable"
)

func (p Presence) String() string { return string(p) }

func (p Presence) IsValid() bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceUnavailable:
		return true
	}
	return false
}

// Membership values carried by m.room.member events.
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipInvite Membership = "invite"
	MembershipBan    Membership = "ban"
	MembershipKnock  Membership = "knock"
)

// Event is a Matrix event as delivered by /sync or the room state endpoints.
// StateKey is nil for timeline-only events; state events carry a pointer,
// possibly to the empty string.
type Event struct {
	Type           string         `json:"type"`
	EventID        string         `json:"event_id,omitempty"`
	Sender         string         `json:"sender,omitempty"`
	OriginServerTS int64          `json:"origin_server_ts,omitempty"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
	Content        map[string]any `json:"content"`
	Unsigned       map[string]any `json:"unsigned,omitempty"`
}

// IsState reports whether the event mutates room state.
func (e *Event) IsState() bool { return e.StateKey != nil }

// ContentString returns a string field from the event content, empty when
// absent or not a string.
func (e *Event) ContentString(key string) string {
	if v, ok := e.Content[key].(string); ok {
		return v
	}
	return ""
}

// MessageBody returns the body of an m.room.message event.
func (e *Event) MessageBody() string { return e.ContentString("body") }

// MsgType returns the msgtype of an m.room.message event.
func (e *Event) MsgType() string { return e.ContentString("msgtype") }

// Membership returns the membership field of an m.room.member event.
func (e *Event) Membership() Membership { return Membership(e.ContentString("membership")) }

// DecodeContent unmarshals the event content into a typed struct by
// round-tripping through JSON.
func (e *Event) DecodeContent(v any) error {
	raw, err := json.Marshal(e.Content)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// MessageContent is the content of an outgoing m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// TextMessage builds a plain m.text message.
func TextMessage(body string) MessageContent {
	return MessageContent{MsgType: MsgText, Body: body}
}

// NoticeMessage builds an m.notice message. Bots reply with notices so other
// bots do not loop on them.
func NoticeMessage(body string) MessageContent {
	return MessageContent{MsgType: MsgNotice, Body: body}
}

// EventList wraps the {"events": [...]} shape /sync uses everywhere.
type EventList struct {
	Events []*Event `json:"events"`
}

// TimelineSync is the timeline section of a joined or left room.
type TimelineSync struct {
	Events    []*Event `json:"events"`
	Limited   bool     `json:"limited,omitempty"`
	PrevBatch string   `json:"prev_batch,omitempty"`
}

// JoinedRoomSync is one room's slice of a sync response.
type JoinedRoomSync struct {
	State       EventList    `json:"state"`
	Timeline    TimelineSync `json:"timeline"`
	Ephemeral   EventList    `json:"ephemeral"`
	AccountData EventList    `json:"account_data"`
}

// InvitedRoomSync carries the stripped state of a pending invite.
type InvitedRoomSync struct {
	InviteState EventList `json:"invite_state"`
}

// LeftRoomSync carries the final state of a room the user left.
type LeftRoomSync struct {
	State    EventList    `json:"state"`
	Timeline TimelineSync `json:"timeline"`
}

// SyncRooms groups per-room sync data by membership.
type SyncRooms struct {
	Join   map[string]JoinedRoomSync  `json:"join"`
	Invite map[string]InvitedRoomSync `json:"invite"`
	Leave  map[string]LeftRoomSync    `json:"leave"`
}

// SyncResponse is the body of GET /_matrix/client/v3/sync.
type SyncResponse struct {
	NextBatch   string    `json:"next_batch"`
	Presence    EventList `json:"presence"`
	AccountData EventList `json:"account_data"`
	Rooms       SyncRooms `json:"rooms"`
}
