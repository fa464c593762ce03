// Package storage describes the durable state behind the chat service.
// Implementations: repository (PostgreSQL) and memory (tests, -memory mode).
// Every mutation is all-or-nothing: a failed call leaves state unchanged.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/chatsync/internal/model"
)

// ErrSeqConflict: the chat moved past the expected sequence, the message was not stored.
var ErrSeqConflict = errors.New("message sequence conflict")

type Users interface {
	UpsertUser(ctx context.Context, u *model.User) error
	// GetUser fails with model.ErrUserNotFound.
	GetUser(ctx context.Context, id string) (*model.User, error)
	// GetUsers returns users in the order of ids; any missing id fails the call with model.ErrUserNotFound.
	GetUsers(ctx context.Context, ids []string) ([]model.User, error)
	// SearchUsers matches query case-insensitively against username or email.
	SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error)
	SetLastSeen(ctx context.Context, userID string, at time.Time) error
}

type Friends interface {
	AddFriend(ctx context.Context, userID, friendID string) error
	IsFriend(ctx context.Context, userID, friendID string) (bool, error)
	ListFriends(ctx context.Context, userID string) ([]model.User, error)
}

type Chats interface {
	CreateChat(ctx context.Context, c *model.ChatRecord) error
	// GetChat fails with model.ErrChatNotFound.
	GetChat(ctx context.Context, id string) (*model.ChatRecord, error)
	// ListChatsForUser returns the user's chats, most recently updated first.
	ListChatsForUser(ctx context.Context, userID string) ([]model.ChatRecord, error)
	// FindDirectChat fails with model.ErrChatNotFound when a and b share no direct chat.
	FindDirectChat(ctx context.Context, a, b string) (*model.ChatRecord, error)
	UnreadCounts(ctx context.Context, userID string) (map[string]int, error)
	ResetUnread(ctx context.Context, chatID, userID string) error
}

type Messages interface {
	// AppendMessage stores m, moves the chat's last message pointer and updated_at
	// to m, and increments the unread counter of every user in unreadFor.
	// m.Seq must be exactly one past the chat's current last sequence.
	AppendMessage(ctx context.Context, m *model.Message, unreadFor []string) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages returns messages with Seq > afterSeq ascending by (created_at, id).
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error)
	// MarkRead flips is_read for messages in the chat not sent by readerID and returns how many changed.
	MarkRead(ctx context.Context, chatID, readerID string) (int, error)
}

type Store interface {
	Users
	Friends
	Chats
	Messages
	Close() error
}

// PresenceMirror publishes presence outside the process. It is a hint, never
// the source of truth: the registry keeps working when the mirror fails.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID string, at time.Time) error
	SetOffline(ctx context.Context, userID string, at time.Time) error
	Close() error
}
