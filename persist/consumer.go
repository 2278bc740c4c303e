// Package persist drains the durable queue into the history store.
// It runs as its own process, mirroring the producer-side batching with
// a consumer-local per-room buffer so store writes stay grouped.
package persist

import (
	"context"
	"encoding/json"
	"time"

	"artflow-server/core"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPopTimeout bounds the blocking pop so idle-time buffer
	// flush checks still run.
	DefaultPopTimeout = time.Second
	// DefaultFlushInterval matches the producer-side 5 second cadence.
	DefaultFlushInterval = 5 * time.Second
	// DefaultBackoff is the fixed delay after a queue failure.
	DefaultBackoff = 5 * time.Second
)

// Consumer pops envelopes from the queue, re-batches draw events per
// room and writes ordered history to the store. Store write failures
// keep the affected buffer for retry on the next flush; they are never
// silently dropped.
type Consumer struct {
	queue core.EventQueue
	store core.HistoryStore

	PopTimeout    time.Duration
	FlushInterval time.Duration
	Backoff       time.Duration

	// pending is touched only from the Run loop.
	pending   map[core.RoomKey][]core.BufferedEvent
	lastFlush time.Time
}

func New(queue core.EventQueue, store core.HistoryStore) *Consumer {
	return &Consumer{
		queue:         queue,
		store:         store,
		PopTimeout:    DefaultPopTimeout,
		FlushInterval: DefaultFlushInterval,
		Backoff:       DefaultBackoff,
		pending:       make(map[core.RoomKey][]core.BufferedEvent),
	}
}

// Run drains the queue until ctx is cancelled, then flushes the local
// buffer one last time so buffered events survive shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	if length, err := c.queue.Len(ctx); err == nil {
		logrus.WithField("queue_length", length).Info("Persistence consumer started")
	} else {
		logrus.WithField("error", err).Warn("Failed to read queue length at startup")
	}
	c.lastFlush = time.Now()

	for {
		if ctx.Err() != nil {
			break
		}

		payload, err := c.queue.PopBlocking(ctx, c.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			logrus.WithField("error", err).Error("Queue pop failed, backing off")
			select {
			case <-time.After(c.Backoff):
			case <-ctx.Done():
			}
			continue
		}

		if payload != nil {
			c.Process(ctx, payload)
		}
		c.maybeFlush(ctx)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.flushAll(drainCtx)
	return nil
}

// Process handles one raw queue payload. Malformed payloads are logged
// and skipped so a poison message cannot wedge the loop.
func (c *Consumer) Process(ctx context.Context, payload []byte) {
	var envelope core.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		logrus.WithFields(logrus.Fields{
			"error":   err,
			"payload": truncate(payload, 100),
		}).Error("Skipping malformed queue payload")
		return
	}

	if envelope.EventType == core.EventBatch {
		logrus.WithFields(logrus.Fields{
			"project_id": envelope.ProjectID,
			"file_id":    envelope.FileID,
			"count":      envelope.Count,
		}).Info("Processing batch envelope")
		for _, ev := range envelope.Events {
			c.route(ctx, ev)
		}
		return
	}
	c.route(ctx, envelope.Event())
}

func (c *Consumer) route(ctx context.Context, ev core.BufferedEvent) {
	switch ev.EventType {
	case core.EventDraw:
		key := ev.Key()
		c.pending[key] = append(c.pending[key], ev)
	case core.EventClear:
		// Ordering: everything buffered before the clear must reach
		// the store before the history is cleared.
		key := ev.Key()
		if err := c.flushRoom(ctx, key); err != nil {
			logrus.WithFields(logrus.Fields{
				"project_id": key.ProjectID,
				"file_id":    key.FileID,
				"error":      err,
			}).Error("Flush before clear failed")
		}
		if err := c.store.ClearHistory(ctx, ev.ProjectID, ev.FileID); err != nil {
			logrus.WithFields(logrus.Fields{
				"project_id": ev.ProjectID,
				"file_id":    ev.FileID,
				"error":      err,
			}).Error("Failed to clear history")
			return
		}
		logrus.WithFields(logrus.Fields{
			"project_id": ev.ProjectID,
			"file_id":    ev.FileID,
		}).Info("Cleared history")
	default:
		logrus.WithFields(logrus.Fields{
			"event_type": ev.EventType,
			"project_id": ev.ProjectID,
			"file_id":    ev.FileID,
		}).Warn("Unknown event type, dropping")
	}
}

func (c *Consumer) maybeFlush(ctx context.Context) {
	if time.Since(c.lastFlush) < c.FlushInterval {
		return
	}
	c.flushAll(ctx)
}

func (c *Consumer) flushAll(ctx context.Context) {
	total := 0
	for key := range c.pending {
		written := len(c.pending[key])
		if err := c.flushRoom(ctx, key); err != nil {
			written -= len(c.pending[key])
			logrus.WithFields(logrus.Fields{
				"project_id": key.ProjectID,
				"file_id":    key.FileID,
				"retained":   len(c.pending[key]),
				"error":      err,
			}).Error("Store flush failed, retaining buffer for retry")
		}
		total += written
	}
	if total > 0 {
		logrus.WithField("events", total).Info("Persisted buffered events")
	}
	c.lastFlush = time.Now()
}

// flushRoom writes the room's buffered events to the store in receipt
// order. On a write failure the unwritten remainder stays buffered.
func (c *Consumer) flushRoom(ctx context.Context, key core.RoomKey) error {
	events := c.pending[key]
	if len(events) == 0 {
		delete(c.pending, key)
		return nil
	}

	for i, ev := range events {
		seq, err := c.store.AppendHistory(ctx, ev.ProjectID, ev.FileID, ev.UserID, ev.Data, ev.Timestamp)
		if err != nil {
			c.pending[key] = events[i:]
			return err
		}
		logrus.WithFields(logrus.Fields{
			"project_id": ev.ProjectID,
			"file_id":    ev.FileID,
			"sequence":   seq,
		}).Debug("Appended history entry")
	}
	delete(c.pending, key)
	return nil
}

// PendingLen reports the locally buffered event count for a room.
func (c *Consumer) PendingLen(key core.RoomKey) int {
	return len(c.pending[key])
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
