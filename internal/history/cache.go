package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dry1ceD7/AAEConnect/internal/domain"
	"github.com/redis/go-redis/v9"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores history pages. Page keys embed the room's generation, so
// bumping the generation with Invalidate orphans every cached page of the
// room at once; orphaned pages age out with their TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]domain.ChatMessage, error)
	Set(ctx context.Context, key string, page []domain.ChatMessage, ttl time.Duration) error
	Generation(ctx context.Context, roomID string) (int64, error)
	Invalidate(ctx context.Context, roomID string) error
	BuildKey(roomID string, generation int64, limit, offset int) string
}

type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "chat:history"
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) BuildKey(roomID string, generation int64, limit, offset int) string {
	return fmt.Sprintf("%s:%s:g%d:%d:%d", c.prefix, roomID, generation, offset, limit)
}

func (c *RedisCache) generationKey(roomID string) string {
	return fmt.Sprintf("%s:%s:gen", c.prefix, roomID)
}

// Generation returns the room's current generation. A room that was never
// invalidated is at generation zero.
func (c *RedisCache) Generation(ctx context.Context, roomID string) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(roomID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get generation from redis: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, roomID string) error {
	if err := c.client.Incr(ctx, c.generationKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to bump generation in redis: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]domain.ChatMessage, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var page []domain.ChatMessage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache data: %w", err)
	}
	return page, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, page []domain.ChatMessage, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal cache data: %w", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}
