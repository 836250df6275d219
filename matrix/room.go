package matrix

import (
	"fmt"
	"sort"
	"sync"
)

// DefaultEventHistoryLimit bounds the per-room rolling event buffer.
const DefaultEventHistoryLimit = 10

// PowerLevels is the decoded content of m.room.power_levels. Absent fields
// fall back to the protocol defaults at read time.
type PowerLevels struct {
	Users         map[string]int `json:"users,omitempty"`
	UsersDefault  int            `json:"users_default,omitempty"`
	Events        map[string]int `json:"events,omitempty"`
	EventsDefault int            `json:"events_default,omitempty"`
	StateDefault  *int           `json:"state_default,omitempty"`
}

// UserLevel returns a user's power level, falling back to users_default.
func (p *PowerLevels) UserLevel(userID string) int {
	if p == nil {
		return 0
	}
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

// EventLevel returns the level required to send an event type. State events
// fall back to state_default (50), timeline events to events_default (0).
func (p *PowerLevels) EventLevel(eventType string, isState bool) int {
	if p != nil {
		if lvl, ok := p.Events[eventType]; ok {
			return lvl
		}
		if isState && p.StateDefault != nil {
			return *p.StateDefault
		}
	}
	if isState {
		return 50
	}
	if p == nil {
		return 0
	}
	return p.EventsDefault
}

// Room caches the state the runtime needs about one Matrix room: state
// events keyed by type and state key, the joined member set, per-room
// account data, and a rolling buffer of recent timeline events.
type Room struct {
	ID string

	// ownUserID is excluded from display-name derivation.
	ownUserID string

	mu            sync.RWMutex
	state         map[string]map[string]*Event
	accountData   map[string]*Event
	events        []*Event
	historyLimit  int
	prevBatch     string
	members       map[string]*User
	membersLoaded bool
	displayName   string
	aliasCache    []string
}

// NewRoom builds an empty room cache. historyLimit <= 0 uses the default.
func NewRoom(id, ownUserID string, historyLimit int) *Room {
	if historyLimit <= 0 {
		historyLimit = DefaultEventHistoryLimit
	}
	return &Room{
		ID:           id,
		ownUserID:    ownUserID,
		state:        map[string]map[string]*Event{},
		accountData:  map[string]*Event{},
		historyLimit: historyLimit,
		members:      map[string]*User{},
	}
}

// SetPrevBatch records the backfill token from the latest sync.
func (r *Room) SetPrevBatch(token string) {
	r.mu.Lock()
	r.prevBatch = token
	r.mu.Unlock()
}

// PrevBatch returns the backfill token, or "".
func (r *Room) PrevBatch() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.prevBatch
}

// ApplyStateEvent writes a state event into the cache and invalidates the
// member and alias derivations it affects. It reports whether the event
// invalidated the member cache, so the client can also drop its shared
// cache entry.
func (r *Room) ApplyStateEvent(ev *Event) bool {
	if ev == nil || !ev.IsState() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	byKey, ok := r.state[ev.Type]
	if !ok {
		byKey = map[string]*Event{}
		r.state[ev.Type] = byKey
	}
	byKey[*ev.StateKey] = ev

	switch ev.Type {
	case EventTypeMember:
		r.members = map[string]*User{}
		r.membersLoaded = false
		r.displayName = ""
		return true
	case EventTypeCanonicalAlias:
		r.aliasCache = nil
		r.displayName = ""
	case EventTypeName:
		r.displayName = ""
	}
	return false
}

// StateEvent returns the cached state event for (type, stateKey), or nil.
func (r *Room) StateEvent(eventType, stateKey string) *Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state[eventType][stateKey]
}

// stateContent returns a string field from a state event with empty key.
func (r *Room) stateContent(eventType, field string) string {
	if ev := r.StateEvent(eventType, ""); ev != nil {
		return ev.ContentString(field)
	}
	return ""
}

// Name returns the explicit room name, or "".
func (r *Room) Name() string { return r.stateContent(EventTypeName, "name") }

// Topic returns the room topic, or "".
func (r *Room) Topic() string { return r.stateContent(EventTypeTopic, "topic") }

// CanonicalAlias returns the canonical alias, or "".
func (r *Room) CanonicalAlias() string {
	return r.stateContent(EventTypeCanonicalAlias, "alias")
}

// Aliases returns the canonical and alternative aliases from room state,
// sorted and deduplicated. The client merges directory aliases on top when
// asked for more than the canonical set.
func (r *Room) Aliases() []string {
	r.mu.RLock()
	if r.aliasCache != nil {
		out := make([]string, len(r.aliasCache))
		copy(out, r.aliasCache)
		r.mu.RUnlock()
		return out
	}
	r.mu.RUnlock()

	var aliases []string
	if ev := r.StateEvent(EventTypeCanonicalAlias, ""); ev != nil {
		if alias := ev.ContentString("alias"); alias != "" {
			aliases = append(aliases, alias)
		}
		if alt, ok := ev.Content["alt_aliases"].([]any); ok {
			for _, v := range alt {
				if s, ok := v.(string); ok && s != "" {
					aliases = append(aliases, s)
				}
			}
		}
	}
	aliases = sortDedup(aliases)

	r.mu.Lock()
	r.aliasCache = aliases
	r.mu.Unlock()
	out := make([]string, len(aliases))
	copy(out, aliases)
	return out
}

// PowerLevels returns the decoded m.room.power_levels, or nil when the
// room has none cached.
func (r *Room) PowerLevels() *PowerLevels {
	ev := r.StateEvent(EventTypePowerLevels, "")
	if ev == nil {
		return nil
	}
	var levels PowerLevels
	if err := ev.DecodeContent(&levels); err != nil {
		return nil
	}
	return &levels
}

// UserPowerLevel returns a user's power level in this room.
func (r *Room) UserPowerLevel(userID string) int {
	return r.PowerLevels().UserLevel(userID)
}

// UserCanSend reports whether a user may send the given event type.
func (r *Room) UserCanSend(userID, eventType string, isState bool) bool {
	levels := r.PowerLevels()
	return levels.UserLevel(userID) >= levels.EventLevel(eventType, isState)
}

// IsAdmin reports whether a user has power level 100 or above.
func (r *Room) IsAdmin(userID string) bool { return r.UserPowerLevel(userID) >= 100 }

// IsModerator reports whether a user has power level 50 or above.
func (r *Room) IsModerator(userID string) bool { return r.UserPowerLevel(userID) >= 50 }

// AddEvent appends a timeline event to the rolling buffer, trimming the
// oldest entries beyond the history limit.
func (r *Room) AddEvent(ev *Event) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	if excess := len(r.events) - r.historyLimit; excess > 0 {
		r.events = append(r.events[:0:0], r.events[excess:]...)
	}
	r.mu.Unlock()
}

// Events returns a snapshot of the rolling buffer, oldest first.
func (r *Room) Events() []*Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// SetAccountData caches a per-room account data event by type.
func (r *Room) SetAccountData(ev *Event) {
	if ev == nil {
		return
	}
	r.mu.Lock()
	r.accountData[ev.Type] = ev
	r.mu.Unlock()
}

// AccountData returns the cached per-room account data of a type, or nil.
func (r *Room) AccountData(eventType string) *Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accountData[eventType]
}

// MembersLoaded reports whether the member cache is populated.
func (r *Room) MembersLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLoaded
}

// SetMembers pins a freshly fetched member set on the room.
func (r *Room) SetMembers(members map[string]*User) {
	r.mu.Lock()
	r.members = members
	r.membersLoaded = true
	r.displayName = ""
	r.mu.Unlock()
}

// Members returns the pinned member set keyed by user ID. The map is
// shared; callers must not mutate it.
func (r *Room) Members() map[string]*User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.members
}

// MemberIDs returns the sorted user IDs of the pinned member set.
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// InvalidateMembers drops the pinned member set and the derived display
// name.
func (r *Room) InvalidateMembers() {
	r.mu.Lock()
	r.members = map[string]*User{}
	r.membersLoaded = false
	r.displayName = ""
	r.mu.Unlock()
}

// DisplayName derives a human-readable room name: the explicit name, else
// the canonical alias, else a summary of joined members excluding the
// client's own user.
func (r *Room) DisplayName() string {
	r.mu.RLock()
	cached := r.displayName
	r.mu.RUnlock()
	if cached != "" {
		return cached
	}

	name := r.deriveDisplayName()
	r.mu.Lock()
	r.displayName = name
	r.mu.Unlock()
	return name
}

func (r *Room) deriveDisplayName() string {
	if name := r.Name(); name != "" {
		return name
	}
	if alias := r.CanonicalAlias(); alias != "" {
		return alias
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.members))
	for id, user := range r.members {
		if id == r.ownUserID {
			continue
		}
		names = append(names, user.DisplayName())
	}
	r.mu.RUnlock()
	sort.Strings(names)

	switch len(names) {
	case 0:
		return "Empty Room"
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return fmt.Sprintf("%s and %d others", names[0], len(names)-1)
	}
}

// Machine-readable summary used by the admin rooms command and USR2 dumps.
func (r *Room) String() string {
	return fmt.Sprintf("%s (%s)", r.DisplayName(), r.ID)
}

func sortDedup(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
