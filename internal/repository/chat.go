package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// chatCols — колонки chats плюс участники в порядке добавления (position).
const chatCols = `c.id, c.name, c.is_group, c.created_by, COALESCE(c.last_message_id, ''), c.last_seq, c.created_at, c.updated_at,
	ARRAY(SELECT cm.user_id FROM chat_members cm WHERE cm.chat_id = c.id ORDER BY cm.position)`

type ChatRepository struct {
	pool *pgxpool.Pool
}

func NewChatRepository(pool *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{pool: pool}
}

func scanChat(s interface{ Scan(dest ...any) error }, c *model.ChatRecord) error {
	return s.Scan(&c.ID, &c.Name, &c.IsGroup, &c.CreatedBy, &c.LastMessageID, &c.LastSeq, &c.CreatedAt, &c.UpdatedAt, &c.ParticipantIDs)
}

// CreateChat пишет чат и всех участников одной транзакцией.
func (r *ChatRepository) CreateChat(ctx context.Context, c *model.ChatRecord) error {
	defer logger.DeferLogDuration("chat.Create", time.Now())()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("chatRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// участники должны существовать: иначе FK вернёт ошибку без понятной причины
	var found int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE id = ANY($1)`, c.ParticipantIDs).Scan(&found); err != nil {
		return fmt.Errorf("chatRepo.Create users: %w", err)
	}
	if found != len(c.ParticipantIDs) {
		return model.ErrUserNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chats (id, name, is_group, created_by, last_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		c.ID, c.Name, c.IsGroup, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("chatRepo.Create: %w", err)
	}
	for i, uid := range c.ParticipantIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_members (chat_id, user_id, position, unread_count, joined_at)
			 VALUES ($1, $2, $3, 0, $4)`,
			c.ID, uid, i, c.CreatedAt,
		); err != nil {
			return fmt.Errorf("chatRepo.Create member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("chatRepo.Create commit: %w", err)
	}
	return nil
}

func (r *ChatRepository) GetChat(ctx context.Context, id string) (*model.ChatRecord, error) {
	defer logger.DeferLogDuration("chat.GetByID", time.Now())()
	c := &model.ChatRecord{}
	row := r.pool.QueryRow(ctx, `SELECT `+chatCols+` FROM chats c WHERE c.id = $1`, id)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrChatNotFound
		}
		return nil, fmt.Errorf("chatRepo.GetByID: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) ListChatsForUser(ctx context.Context, userID string) ([]model.ChatRecord, error) {
	defer logger.DeferLogDuration("chat.ListForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT `+chatCols+`
		 FROM chats c
		 JOIN chat_members m ON m.chat_id = c.id
		 WHERE m.user_id = $1
		 ORDER BY c.updated_at DESC, c.id`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser query: %w", err)
	}
	defer rows.Close()

	chats := make([]model.ChatRecord, 0, 16)
	for rows.Next() {
		var c model.ChatRecord
		if err := scanChat(rows, &c); err != nil {
			return nil, fmt.Errorf("chatRepo.ListForUser scan: %w", err)
		}
		chats = append(chats, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.ListForUser rows: %w", err)
	}
	return chats, nil
}

func (r *ChatRepository) FindDirectChat(ctx context.Context, a, b string) (*model.ChatRecord, error) {
	defer logger.DeferLogDuration("chat.FindDirectChat", time.Now())()
	c := &model.ChatRecord{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+chatCols+`
		 FROM chats c
		 WHERE c.is_group = false
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $1)
		   AND EXISTS (SELECT 1 FROM chat_members WHERE chat_id = c.id AND user_id = $2)
		 ORDER BY c.created_at
		 LIMIT 1`,
		a, b,
	)
	if err := scanChat(row, c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrChatNotFound
		}
		return nil, fmt.Errorf("chatRepo.FindDirectChat: %w", err)
	}
	return c, nil
}

func (r *ChatRepository) UnreadCounts(ctx context.Context, userID string) (map[string]int, error) {
	defer logger.DeferLogDuration("chat.UnreadCounts", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT chat_id, unread_count FROM chat_members WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("chatRepo.UnreadCounts query: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int, 16)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("chatRepo.UnreadCounts scan: %w", err)
		}
		out[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chatRepo.UnreadCounts rows: %w", err)
	}
	return out, nil
}

func (r *ChatRepository) ResetUnread(ctx context.Context, chatID, userID string) error {
	defer logger.DeferLogDuration("chat.ResetUnread", time.Now())()
	_, err := r.pool.Exec(ctx,
		`UPDATE chat_members SET unread_count = 0 WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID,
	)
	if err != nil {
		return fmt.Errorf("chatRepo.ResetUnread: %w", err)
	}
	return nil
}
