package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ключи зеркала присутствия: множество онлайн-пользователей и хэш last_seen (unix ms).
const (
	onlineSetKey = "presence:online"
	lastSeenKey  = "presence:last_seen"
)

// Client зеркалирует присутствие в Redis, чтобы другие процессы могли его читать.
// Источник истины — реестр присутствия в памяти API.
type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) SetOnline(ctx context.Context, userID string, at time.Time) error {
	pipe := c.cli.TxPipeline()
	pipe.SAdd(ctx, onlineSetKey, userID)
	pipe.HSet(ctx, lastSeenKey, userID, at.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SetOnline: %w", err)
	}
	return nil
}

func (c *Client) SetOffline(ctx context.Context, userID string, at time.Time) error {
	pipe := c.cli.TxPipeline()
	pipe.SRem(ctx, onlineSetKey, userID)
	pipe.HSet(ctx, lastSeenKey, userID, at.UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis SetOffline: %w", err)
	}
	return nil
}

// Reset очищает множество онлайн при старте: после перезапуска ни одно соединение не живо.
func (c *Client) Reset(ctx context.Context) error {
	return c.cli.Del(ctx, onlineSetKey).Err()
}
