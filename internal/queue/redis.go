package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// brpopTimeout bounds each blocking pop so Dequeue can observe context
// cancellation between attempts.
const brpopTimeout = 5 * time.Second

// RedisQueue implements Queue on a Redis list: LPUSH to enqueue, BRPOP to
// consume, so tasks are delivered in FIFO order across any number of
// workers.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// RedisQueueConfig holds Redis queue settings.
type RedisQueueConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisQueue creates a Redis-backed queue and verifies connectivity.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
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

	key := cfg.Key
	if key == "" {
		key = DefaultQueueName
	}

	return &RedisQueue{client: client, key: key}, nil
}

// Enqueue pushes a task onto the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Dequeue blocks until a task is available or the context is done.
func (q *RedisQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}

		res, err := q.client.BRPop(ctx, brpopTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue // timed out empty, poll again
		}
		if err != nil {
			return Task{}, fmt.Errorf("redis brpop: %w", err)
		}

		// BRPOP returns [key, value].
		if len(res) != 2 {
			return Task{}, fmt.Errorf("redis brpop: unexpected reply of %d elements", len(res))
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("unmarshal task: %w", err)
		}
		return task, nil
	}
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
