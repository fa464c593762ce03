package model

import "time"

type User struct {
	ID         string     `json:"id"`
	Username   string     `json:"username"`
	Email      string     `json:"email"`
	AvatarRef  string     `json:"avatar,omitempty"`
	IsOnline   bool       `json:"is_online"`
	LastSeenAt *time.Time `json:"last_seen,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// WithPresence returns a copy of u with the presence fields filled in.
// IsOnline is never stored; it always comes from the presence registry.
func (u User) WithPresence(online bool, lastSeen *time.Time) User {
	u.IsOnline = online
	if lastSeen != nil {
		t := *lastSeen
		u.LastSeenAt = &t
	}
	return u
}
