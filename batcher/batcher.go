// Package batcher accumulates persistence-bound events per room and
// hands them to the durable queue in batches, keeping queue operations
// off the live broadcast path.
package batcher

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"artflow-server/core"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultFlushInterval matches the original 5 second flush cadence.
	DefaultFlushInterval = 5 * time.Second
	// DefaultMaxQueueLen caps queue growth; oldest entries drop first.
	DefaultMaxQueueLen = 5000
)

// Batcher buffers events per room until the flush interval elapses.
// A nil queue disables persistence: buffers are dropped on flush so
// memory stays bounded, which is accepted data loss.
type Batcher struct {
	queue         core.EventQueue
	FlushInterval time.Duration
	MaxQueueLen   int64

	mu      sync.Mutex
	pending map[core.RoomKey][]core.BufferedEvent
}

func New(queue core.EventQueue) *Batcher {
	b := &Batcher{
		queue:         queue,
		FlushInterval: DefaultFlushInterval,
		MaxQueueLen:   DefaultMaxQueueLen,
		pending:       make(map[core.RoomKey][]core.BufferedEvent),
	}
	return b
}

// Add hands one event to the batcher. Draw events are buffered until
// the next flush. Clear events are priority: the room's pending buffer
// is flushed first to keep causal order, then the clear itself is
// pushed directly, never deferred or grouped.
func (b *Batcher) Add(ctx context.Context, ev core.BufferedEvent) {
	if ev.EventType == core.EventClear {
		b.FlushRoom(ctx, ev.Key())
		b.pushClear(ctx, ev)
		return
	}

	b.mu.Lock()
	b.pending[ev.Key()] = append(b.pending[ev.Key()], ev)
	b.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"project_id": ev.ProjectID,
		"file_id":    ev.FileID,
		"event_type": ev.EventType,
	}).Debug("Buffered event")
}

func (b *Batcher) pushClear(ctx context.Context, ev core.BufferedEvent) {
	if b.queue == nil {
		return
	}
	payload, err := json.Marshal(ev.Envelope())
	if err != nil {
		logrus.WithField("error", err).Error("Failed to encode clear event")
		return
	}
	if err := b.queue.Push(ctx, payload); err != nil {
		logrus.WithFields(logrus.Fields{
			"project_id": ev.ProjectID,
			"file_id":    ev.FileID,
			"error":      err,
		}).Error("Failed to push clear event")
		return
	}
	logrus.WithFields(logrus.Fields{
		"project_id": ev.ProjectID,
		"file_id":    ev.FileID,
	}).Info("Pushed clear event directly")
}

// Flush pushes the pending buffer of every room to the queue: one
// event goes standalone, several are wrapped in a batch envelope. A
// room whose push fails keeps its buffer for the next flush, so queue
// hand-off stays at-least-once.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	if b.queue == nil {
		// Persistence disabled: drop instead of growing without bound.
		dropped := 0
		for _, events := range b.pending {
			dropped += len(events)
		}
		b.pending = make(map[core.RoomKey][]core.BufferedEvent)
		b.mu.Unlock()
		logrus.WithField("events", dropped).Debug("Queue disabled, dropped buffered events")
		return
	}
	taken := b.pending
	b.pending = make(map[core.RoomKey][]core.BufferedEvent)
	b.mu.Unlock()

	pushed := 0
	batches := 0
	for key, events := range taken {
		if err := b.pushRoom(ctx, key, events); err != nil {
			logrus.WithFields(logrus.Fields{
				"project_id": key.ProjectID,
				"file_id":    key.FileID,
				"events":     len(events),
				"error":      err,
			}).Error("Failed to flush room buffer, retrying next flush")
			b.restore(key, events)
			continue
		}
		pushed += len(events)
		batches++
	}

	if pushed > 0 {
		if err := b.queue.Trim(ctx, b.MaxQueueLen); err != nil {
			logrus.WithField("error", err).Warn("Failed to trim queue")
		}
		logrus.WithFields(logrus.Fields{
			"events":  pushed,
			"batches": batches,
		}).Info("Flushed buffered events")
	}
}

// FlushRoom pushes the pending buffer of a single room, keeping the
// buffer intact when the push fails.
func (b *Batcher) FlushRoom(ctx context.Context, key core.RoomKey) {
	b.mu.Lock()
	events := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()

	if len(events) == 0 {
		return
	}
	if b.queue == nil {
		return
	}
	if err := b.pushRoom(ctx, key, events); err != nil {
		logrus.WithFields(logrus.Fields{
			"project_id": key.ProjectID,
			"file_id":    key.FileID,
			"events":     len(events),
			"error":      err,
		}).Error("Failed to flush room buffer, retrying next flush")
		b.restore(key, events)
	}
}

func (b *Batcher) pushRoom(ctx context.Context, key core.RoomKey, events []core.BufferedEvent) error {
	var envelope core.Envelope
	if len(events) == 1 {
		envelope = events[0].Envelope()
	} else {
		envelope = core.NewBatchEnvelope(key, events)
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.queue.Push(ctx, payload)
}

// restore puts retained events back ahead of anything buffered since
// the flush started, preserving per-room order.
func (b *Batcher) restore(key core.RoomKey, events []core.BufferedEvent) {
	b.mu.Lock()
	b.pending[key] = append(events, b.pending[key]...)
	b.mu.Unlock()
}

// PendingLen reports the buffered event count for a room.
func (b *Batcher) PendingLen(key core.RoomKey) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[key])
}

// Run flushes on the configured interval until ctx is cancelled, then
// drains the remaining buffers so shutdown does not lose them.
func (b *Batcher) Run(ctx context.Context) {
	ticker := time.NewTicker(b.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.Flush(ctx)
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			b.Flush(drainCtx)
			cancel()
			return
		}
	}
}
