package repository

import (
	"github.com/chatsync/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store собирает репозитории PostgreSQL в storage.Store.
type Store struct {
	*UserRepository
	*ChatRepository
	*MessageRepository
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		UserRepository:    NewUserRepository(pool),
		ChatRepository:    NewChatRepository(pool),
		MessageRepository: NewMessageRepository(pool),
		pool:              pool,
	}
}

// Close закрывает пул соединений.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
