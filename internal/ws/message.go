package ws

import (
	"github.com/chatsync/internal/bus"
	"github.com/chatsync/internal/model"
)

type EventType string

// Входящие команды клиента. Исходящие события совпадают с типами bus.
const (
	CmdMessage EventType = "message"
	CmdTyping  EventType = "typing"
	CmdSelect  EventType = "select"

	EventError    EventType = "error"
	EventSelected EventType = "selected"
)

// IncomingMessage is what the client sends to the server.
type IncomingMessage struct {
	Type    EventType  `json:"type"`
	ChatID  string     `json:"chat_id,omitempty"`
	Content string     `json:"content,omitempty"`
	Kind    model.Kind `json:"kind,omitempty"`
}

// OutgoingMessage is what the server sends: {type, data}.
type OutgoingMessage struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

type ErrorPayload struct {
	Error  string    `json:"error"`
	Cmd    EventType `json:"cmd,omitempty"`
	ChatID string    `json:"chat_id,omitempty"`
}

// SelectedPayload answers a select command with the chat's full log.
type SelectedPayload struct {
	ChatID   string          `json:"chat_id"`
	Messages []model.Message `json:"messages"`
}

func fromEvent(ev bus.Event) OutgoingMessage {
	return OutgoingMessage{Type: EventType(ev.Type), Data: ev.Data()}
}
