package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Redis-list-backed durable queue. Pop moves up to n items
// from the head of the main list into a processing list via a single Lua
// script, so the move is atomic: no two concurrent Pop calls can observe
// the same item. Ack removes popped items from the processing list once the
// ETL has committed them; items still in the processing list when a worker
// crashes are visible to Recover for at-least-once redelivery.
type RedisQueue struct {
	client        *redis.Client
	queueKey      string
	processingKey string
	popScript     *redis.Script
	recoverScript *redis.Script
}

// NewRedisQueue dials Redis and prepares the atomic-pop script.
func NewRedisQueue(cfg *Config) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	// LMOVE is itself atomic; looping it inside one script makes the whole
	// batch move indivisible so two ETL workers never split one pop.
	moveScript := redis.NewScript(`
		local src = KEYS[1]
		local dst = KEYS[2]
		local n = tonumber(ARGV[1])
		local out = {}
		for i = 1, n do
			local v = redis.call('LMOVE', src, dst, 'LEFT', 'RIGHT')
			if not v then
				break
			end
			table.insert(out, v)
		end
		return out
	`)

	return &RedisQueue{
		client:        client,
		queueKey:      cfg.QueueKey,
		processingKey: cfg.QueueKey + ":processing",
		popScript:     moveScript,
		recoverScript: moveScript,
	}, nil
}

func (q *RedisQueue) Push(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	return q.client.RPush(ctx, q.queueKey, data).Err()
}

func (q *RedisQueue) PushBatch(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]any, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("marshal queue item: %w", err)
		}
		values = append(values, data)
	}
	return q.client.RPush(ctx, q.queueKey, values...).Err()
}

// Pop atomically moves up to n items into the processing list and returns
// them, polling until the first item arrives or timeout elapses.
func (q *RedisQueue) Pop(ctx context.Context, n int, timeout time.Duration) ([]Item, error) {
	deadline := time.Now().Add(timeout)
	for {
		raw, err := q.popScript.Run(ctx, q.client, []string{q.queueKey, q.processingKey}, n).StringSlice()
		if err != nil {
			return nil, fmt.Errorf("redis pop script: %w", err)
		}
		if len(raw) > 0 {
			items := make([]Item, 0, len(raw))
			for _, s := range raw {
				var item Item
				if err := json.Unmarshal([]byte(s), &item); err != nil {
					continue
				}
				items = append(items, item)
			}
			return items, nil
		}

		if time.Now().After(deadline) {
			return []Item{}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Ack removes successfully persisted items from the processing list so they
// are not redelivered by Recover.
func (q *RedisQueue) Ack(ctx context.Context, items []Item) error {
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			continue
		}
		if err := q.client.LRem(ctx, q.processingKey, 1, data).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Recover moves up to n items stranded in the processing list (left behind
// by a crashed worker) back to the head of the main queue for redelivery.
func (q *RedisQueue) Recover(ctx context.Context, n int) (int, error) {
	raw, err := q.recoverScript.Run(ctx, q.client, []string{q.processingKey, q.queueKey}, n).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("redis recover script: %w", err)
	}
	return len(raw), nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.queueKey).Result()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
