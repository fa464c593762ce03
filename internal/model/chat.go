package model

import (
	"sort"
	"time"
)

// Chat as seen by one user: UnreadCount is that user's counter.
type Chat struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	IsGroup      bool      `json:"is_group"`
	CreatedBy    string    `json:"created_by"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"last_message,omitempty"`
	UnreadCount  int       `json:"unread_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ParticipantIDs returns member ids in stored order.
func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for i := range c.Participants {
		ids = append(ids, c.Participants[i].ID)
	}
	return ids
}

// SortByActivity orders chats most recently active first; ties fall back to id
// so the order is stable across calls.
func SortByActivity(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}
		return chats[i].ID < chats[j].ID
	})
}

// ChatRecord is the stored form of a chat, independent of who is asking.
type ChatRecord struct {
	ID             string
	Name           string
	IsGroup        bool
	CreatedBy      string
	ParticipantIDs []string
	LastMessageID  string
	LastSeq        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
