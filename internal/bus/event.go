package bus

import (
	"github.com/chatsync/internal/model"
)

type EventType string

const (
	EventMessage     EventType = "message"
	EventUserOnline  EventType = "user_online"
	EventUserOffline EventType = "user_offline"
	EventTyping      EventType = "typing"
	EventChatCreated EventType = "chat_created"
)

// Event is a tagged variant; which pointer field is set depends on Type.
// Recipients limits delivery to those users; nil means every subscription.
type Event struct {
	Type       EventType
	ChatID     string
	Message    *model.Message
	Chat       *model.Chat
	User       *model.User
	UserID     string
	Recipients []string
}

func NewMessage(m *model.Message, recipients []string) Event {
	return Event{Type: EventMessage, ChatID: m.ChatID, Message: m, Recipients: recipients}
}

func UserOnline(u *model.User) Event {
	return Event{Type: EventUserOnline, User: u, UserID: u.ID}
}

func UserOffline(userID string) Event {
	return Event{Type: EventUserOffline, UserID: userID}
}

func Typing(chatID, userID string, recipients []string) Event {
	return Event{Type: EventTyping, ChatID: chatID, UserID: userID, Recipients: recipients}
}

func ChatCreated(c *model.Chat, recipients []string) Event {
	return Event{Type: EventChatCreated, ChatID: c.ID, Chat: c, Recipients: recipients}
}

// TypingPayload is the wire form of a typing event.
type TypingPayload struct {
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

// UserOfflinePayload is the wire form of a user_offline event.
type UserOfflinePayload struct {
	UserID string `json:"user_id"`
}

// Data returns the event payload as sent over the real-time channel.
func (e Event) Data() any {
	switch e.Type {
	case EventMessage:
		return e.Message
	case EventUserOnline:
		return e.User
	case EventUserOffline:
		return UserOfflinePayload{UserID: e.UserID}
	case EventTyping:
		return TypingPayload{ChatID: e.ChatID, UserID: e.UserID}
	case EventChatCreated:
		return e.Chat
	}
	return nil
}
