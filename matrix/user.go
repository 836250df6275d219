package matrix

import "sync"

// User is the in-memory profile of a Matrix user, shared across the rooms
// of one client. Rooms hold user IDs only; lookups go through the client.
type User struct {
	mu          sync.RWMutex
	ID          string
	displayName string
	avatarURL   string
}

// NewUser builds a user with an optional known display name.
func NewUser(id, displayName string) *User {
	return &User{ID: id, displayName: displayName}
}

// DisplayName returns the cached display name, or the user ID when none is
// known.
func (u *User) DisplayName() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.displayName == "" {
		return u.ID
	}
	return u.displayName
}

// HasDisplayName reports whether a display name is cached.
func (u *User) HasDisplayName() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.displayName != ""
}

// SetDisplayName updates the cached display name.
func (u *User) SetDisplayName(name string) {
	u.mu.Lock()
	u.displayName = name
	u.mu.Unlock()
}

// AvatarURL returns the cached avatar mxc URL, possibly empty.
func (u *User) AvatarURL() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.avatarURL
}

// SetAvatarURL updates the cached avatar URL.
func (u *User) SetAvatarURL(url string) {
	u.mu.Lock()
	u.avatarURL = url
	u.mu.Unlock()
}

// UpdateFromMemberEvent refreshes profile fields from an m.room.member
// event's content.
func (u *User) UpdateFromMemberEvent(ev *Event) {
	if ev == nil || ev.Type != EventTypeMember {
		return
	}
	if name := ev.ContentString("displayname"); name != "" {
		u.SetDisplayName(name)
	}
	if avatar := ev.ContentString("avatar_url"); avatar != "" {
		u.SetAvatarURL(avatar)
	}
}
