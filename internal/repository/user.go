package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// userCols — список колонок для SELECT (порядок соответствует scanUser).
const userCols = `id, username, email, avatar_ref, last_seen_at, created_at`

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func scanUser(s interface{ Scan(dest ...any) error }, u *model.User) error {
	return s.Scan(&u.ID, &u.Username, &u.Email, &u.AvatarRef, &u.LastSeenAt, &u.CreatedAt)
}

// UpsertUser создаёт пользователя или обновляет профиль; id и created_at не меняются.
func (r *UserRepository) UpsertUser(ctx context.Context, u *model.User) error {
	defer logger.DeferLogDuration("user.Upsert", time.Now())()
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO users (id, username, email, avatar_ref, last_seen_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET username = EXCLUDED.username, email = EXCLUDED.email, avatar_ref = EXCLUDED.avatar_ref`,
		u.ID, u.Username, u.Email, u.AvatarRef, u.LastSeenAt, createdAt,
	)
	if err != nil {
		return fmt.Errorf("userRepo.Upsert: %w", err)
	}
	return nil
}

func (r *UserRepository) GetUser(ctx context.Context, id string) (*model.User, error) {
	defer logger.DeferLogDuration("user.GetByID", time.Now())()
	u := &model.User{}
	row := r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id)
	if err := scanUser(row, u); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrUserNotFound
		}
		return nil, fmt.Errorf("userRepo.GetByID: %w", err)
	}
	return u, nil
}

func (r *UserRepository) GetUsers(ctx context.Context, ids []string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.GetUsers", time.Now())()
	rows, err := r.pool.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("userRepo.GetUsers query: %w", err)
	}
	defer rows.Close()
	byID := make(map[string]model.User, len(ids))
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.GetUsers scan: %w", err)
		}
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.GetUsers rows: %w", err)
	}
	out := make([]model.User, 0, len(ids))
	for _, id := range ids {
		u, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("user %s: %w", id, model.ErrUserNotFound)
		}
		out = append(out, u)
	}
	return out, nil
}

// SearchUsers ищет по подстроке в username или email без учёта регистра (ILIKE), исключая excludeID.
func (r *UserRepository) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]model.User, error) {
	defer logger.DeferLogDuration("user.Search", time.Now())()
	pattern := "%" + escapeLike(query) + "%"
	rows, err := r.pool.Query(ctx,
		`SELECT `+userCols+` FROM users
		 WHERE id <> $1 AND (username ILIKE $2 OR email ILIKE $2)
		 ORDER BY username LIMIT $3`,
		excludeID, pattern, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.Search query: %w", err)
	}
	defer rows.Close()
	users := make([]model.User, 0, limit)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.Search scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.Search rows: %w", err)
	}
	return users, nil
}

// SetLastSeen сохраняет время последнего отключения (для отображения "был в сети").
func (r *UserRepository) SetLastSeen(ctx context.Context, userID string, at time.Time) error {
	defer logger.DeferLogDuration("user.SetLastSeen", time.Now())()
	_, err := r.pool.Exec(ctx, `UPDATE users SET last_seen_at = $1 WHERE id = $2`, at, userID)
	if err != nil {
		return fmt.Errorf("userRepo.SetLastSeen: %w", err)
	}
	return nil
}

func (r *UserRepository) AddFriend(ctx context.Context, userID, friendID string) error {
	defer logger.DeferLogDuration("user.AddFriend", time.Now())()
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO friends (user_id, friend_id, created_at)
		 SELECT $1, id, now() FROM users WHERE id = $2
		 ON CONFLICT DO NOTHING`,
		userID, friendID,
	)
	if err != nil {
		return fmt.Errorf("userRepo.AddFriend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// либо уже в друзьях, либо пользователя нет
		if _, err := r.GetUser(ctx, friendID); err != nil {
			return err
		}
	}
	return nil
}

func (r *UserRepository) IsFriend(ctx context.Context, userID, friendID string) (bool, error) {
	defer logger.DeferLogDuration("user.IsFriend", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM friends WHERE user_id = $1 AND friend_id = $2)`,
		userID, friendID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("userRepo.IsFriend: %w", err)
	}
	return exists, nil
}

func (r *UserRepository) ListFriends(ctx context.Context, userID string) ([]model.User, error) {
	defer logger.DeferLogDuration("user.ListFriends", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.avatar_ref, u.last_seen_at, u.created_at
		 FROM users u JOIN friends f ON f.friend_id = u.id
		 WHERE f.user_id = $1
		 ORDER BY u.username`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("userRepo.ListFriends query: %w", err)
	}
	defer rows.Close()
	users := make([]model.User, 0, 16)
	for rows.Next() {
		var u model.User
		if err := scanUser(rows, &u); err != nil {
			return nil, fmt.Errorf("userRepo.ListFriends scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("userRepo.ListFriends rows: %w", err)
	}
	return users, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
