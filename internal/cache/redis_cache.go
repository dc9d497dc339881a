package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/automatic-mailing/internal/model"
)

var _ OutcomeCache = (*RedisCache)(nil)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type outcomeValue struct {
	Status model.Status `json:"status"`
	SentAt time.Time    `json:"sentAt"`
}

func outcomeKey(messageID int64) string {
	return fmt.Sprintf("msg:%d", messageID)
}

func (c *RedisCache) StoreOutcome(ctx context.Context, messageID int64, status model.Status, sentAt time.Time) error {
	b, err := json.Marshal(outcomeValue{Status: status, SentAt: sentAt.UTC()})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, outcomeKey(messageID), b, c.ttl).Err()
}
