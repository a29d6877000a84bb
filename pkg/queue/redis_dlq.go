package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisDLQ is a Redis-list-backed dead-letter queue.
type RedisDLQ struct {
	client *redis.Client
	key    string
}

// NewRedisDLQ dials Redis for DLQ use, sharing the same connection shape as
// NewRedisQueue.
func NewRedisDLQ(cfg *Config) (*RedisDLQ, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisDLQ{client: client, key: cfg.DLQKey}, nil
}

func (d *RedisDLQ) Push(ctx context.Context, item FailedItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal dlq item: %w", err)
	}
	return d.client.RPush(ctx, d.key, data).Err()
}

func (d *RedisDLQ) Depth(ctx context.Context) (int64, error) {
	return d.client.LLen(ctx, d.key).Result()
}

func (d *RedisDLQ) Drain(ctx context.Context, n int) ([]FailedItem, error) {
	raw, err := d.client.LPopCount(ctx, d.key, n).Result()
	if err != nil {
		if err == redis.Nil {
			return []FailedItem{}, nil
		}
		return nil, fmt.Errorf("dlq lpop: %w", err)
	}

	items := make([]FailedItem, 0, len(raw))
	for _, s := range raw {
		var item FailedItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *RedisDLQ) Close() error {
	return d.client.Close()
}
