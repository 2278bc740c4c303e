// Package redis backs the durable event queue with a Redis list, the
// same LPUSH/BRPOP/LTRIM contract the persistence consumer expects.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultKey is the list shared by producer and consumer.
const DefaultKey = "drawing_events_queue"

type Queue struct {
	client *goredis.Client
	key    string
}

func New(addr, password, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	return &Queue{client: client, key: key}
}

// Ping verifies connectivity, used at startup before the queue is
// handed to the batcher or consumer.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Push appends the payload at the head of the list; the consumer pops
// from the tail, so list order is FIFO.
func (q *Queue) Push(ctx context.Context, payload []byte) error {
	return q.client.LPush(ctx, q.key, payload).Err()
}

// PopBlocking waits up to timeout for the next payload and returns
// (nil, nil) when none arrives.
func (q *Queue) PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) < 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// Trim keeps the newest max entries, dropping the oldest first.
func (q *Queue) Trim(ctx context.Context, max int64) error {
	return q.client.LTrim(ctx, q.key, 0, max-1).Err()
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

func (q *Queue) Close() error {
	return q.client.Close()
}
