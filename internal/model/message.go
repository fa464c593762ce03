package model

import "time"

type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
)

// Valid reports whether k is one of the known message kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// Message is immutable once appended, except IsRead which only goes false -> true.
// Within a chat, (CreatedAt, ID) and Seq give the same total order.
type Message struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id"`
	Seq             int64     `json:"seq"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	SenderAvatarRef string    `json:"sender_avatar,omitempty"`
	Content         string    `json:"content"`
	Kind            Kind      `json:"type"`
	FileName        string    `json:"file_name,omitempty"`
	IsRead          bool      `json:"is_read"`
	CreatedAt       time.Time `json:"created_at"`
}

// Before orders messages ascending by (CreatedAt, ID).
func (m *Message) Before(o *Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
