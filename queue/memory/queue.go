// Package memory is an in-process FIFO with the durable queue contract,
// used in tests and single-process development setups.
package memory

import (
	"context"
	"sync"
	"time"
)

type Queue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{}
}

func New() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(ctx context.Context, payload []byte) error {
	q.mu.Lock()
	item := make([]byte, len(payload))
	copy(item, payload)
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Trim keeps the newest max entries; the oldest drop first.
func (q *Queue) Trim(ctx context.Context, max int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if int64(len(q.items)) > max {
		q.items = q.items[int64(len(q.items))-max:]
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}
