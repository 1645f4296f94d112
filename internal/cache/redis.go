package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"hireline/rtc-engine/pkg/models"
)

const (
	redisKeyPrefix = "rtc:timeline:"
	redisTTL       = 7 * 24 * time.Hour
)

// RedisStore keeps each timeline as a JSON value under rtc:timeline:<id>.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to addr and verifies the connection with a ping.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) GetTimeline(ctx context.Context, conversationID string) ([]models.Message, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+conversationID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get timeline: %w", err)
	}
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		// A corrupt value is a miss; reconciliation will rewrite it.
		return nil, false, nil
	}
	return msgs, true, nil
}

func (r *RedisStore) PutTimeline(ctx context.Context, conversationID string, messages []models.Message) error {
	raw, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, redisKeyPrefix+conversationID, raw, redisTTL).Err(); err != nil {
		return fmt.Errorf("redis: put timeline: %w", err)
	}
	return nil
}

func (r *RedisStore) DeleteTimeline(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+conversationID).Err(); err != nil {
		return fmt.Errorf("redis: delete timeline: %w", err)
	}
	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
