package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/chatsync/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const msgCols = `id, chat_id, seq, sender_id, sender_name, sender_avatar_ref, content, kind, file_name, is_read, created_at`

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func scanMessage(s interface{ Scan(dest ...any) error }, m *model.Message) error {
	return s.Scan(&m.ID, &m.ChatID, &m.Seq, &m.SenderID, &m.SenderName, &m.SenderAvatarRef,
		&m.Content, &m.Kind, &m.FileName, &m.IsRead, &m.CreatedAt)
}

// AppendMessage: сообщение, указатель last_message и счётчики непрочитанного — одной транзакцией.
// Условие last_seq = seq-1 защищает порядок, если чат пишут несколько процессов.
func (r *MessageRepository) AppendMessage(ctx context.Context, m *model.Message, unreadFor []string) error {
	defer logger.DeferLogDuration("msg.Append", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("msgRepo.Append begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE chats SET last_message_id = $1, last_seq = $2, updated_at = $3
		 WHERE id = $4 AND last_seq = $5`,
		m.ID, m.Seq, m.CreatedAt, m.ChatID, m.Seq-1,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Append chat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, m.ChatID).Scan(&exists); err != nil {
			return fmt.Errorf("msgRepo.Append chat check: %w", err)
		}
		if !exists {
			return model.ErrChatNotFound
		}
		return storage.ErrSeqConflict
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO messages (`+msgCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.ChatID, m.Seq, m.SenderID, m.SenderName, m.SenderAvatarRef,
		m.Content, string(m.Kind), m.FileName, m.IsRead, m.CreatedAt,
	); err != nil {
		return fmt.Errorf("msgRepo.Append insert: %w", err)
	}

	if len(unreadFor) > 0 {
		if _, err := tx.Exec(ctx,
			`UPDATE chat_members SET unread_count = unread_count + 1
			 WHERE chat_id = $1 AND user_id = ANY($2)`,
			m.ChatID, unreadFor,
		); err != nil {
			return fmt.Errorf("msgRepo.Append unread: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Append commit: %w", err)
	}
	return nil
}

func (r *MessageRepository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	row := r.pool.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id)
	if err := scanMessage(row, m); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("msgRepo.GetByID %s: not found", id)
		}
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	return m, nil
}

func (r *MessageRepository) ListMessages(ctx context.Context, chatID string, afterSeq int64, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByChat", time.Now())()
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByChat chat: %w", err)
	}
	if !exists {
		return nil, model.ErrChatNotFound
	}

	// LIMIT NULL в PostgreSQL означает "без ограничения"
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+msgCols+` FROM messages
		 WHERE chat_id = $1 AND seq > $2
		 ORDER BY created_at, id
		 LIMIT $3`, chatID, afterSeq, lim,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByChat query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, 64)
	for rows.Next() {
		var m model.Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByChat scan: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByChat rows: %w", err)
	}
	return messages, nil
}

func (r *MessageRepository) MarkRead(ctx context.Context, chatID, readerID string) (int, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`UPDATE messages SET is_read = true
		 WHERE chat_id = $1 AND sender_id <> $2 AND is_read = false`,
		chatID, readerID,
	)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
