package batcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"artflow-server/core"
	"artflow-server/queue/memory"
)

var testKey = core.RoomKey{ProjectID: "P1", FileID: "F1"}

func drawEvent(key core.RoomKey, userID string, n int) core.BufferedEvent {
	data, _ := json.Marshal(map[string]int{"n": n})
	return core.BufferedEvent{
		ProjectID: key.ProjectID,
		FileID:    key.FileID,
		UserID:    userID,
		EventType: core.EventDraw,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

func popEnvelope(t *testing.T, q core.EventQueue) core.Envelope {
	t.Helper()
	payload, err := q.PopBlocking(context.Background(), 100*time.Millisecond)
	if err != nil {
		t.Fatalf("PopBlocking failed: %v", err)
	}
	if payload == nil {
		t.Fatal("Expected an envelope on the queue")
	}
	var envelope core.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		t.Fatalf("Failed to decode envelope: %v", err)
	}
	return envelope
}

// failingQueue rejects pushes until unbroken.
type failingQueue struct {
	*memory.Queue
	broken bool
}

func (q *failingQueue) Push(ctx context.Context, payload []byte) error {
	if q.broken {
		return errors.New("queue unavailable")
	}
	return q.Queue.Push(ctx, payload)
}

func TestFlushWrapsMultipleEventsInBatch(t *testing.T) {
	q := memory.New()
	b := New(q)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Add(ctx, drawEvent(testKey, "u1", i))
	}
	if got := b.PendingLen(testKey); got != 3 {
		t.Fatalf("Expected 3 buffered events before flush, got %d", got)
	}

	b.Flush(ctx)

	envelope := popEnvelope(t, q)
	if envelope.EventType != core.EventBatch {
		t.Errorf("Expected batch envelope, got %s", envelope.EventType)
	}
	if envelope.Count != 3 || len(envelope.Events) != 3 {
		t.Errorf("Expected count 3, got count=%d events=%d", envelope.Count, len(envelope.Events))
	}
	if envelope.ProjectID != "P1" || envelope.FileID != "F1" {
		t.Errorf("Envelope room mismatch: %s/%s", envelope.ProjectID, envelope.FileID)
	}
	if got := b.PendingLen(testKey); got != 0 {
		t.Errorf("Buffer should be empty after flush, got %d", got)
	}
}

func TestFlushSingleEventStandalone(t *testing.T) {
	q := memory.New()
	b := New(q)
	ctx := context.Background()

	b.Add(ctx, drawEvent(testKey, "u1", 1))
	b.Flush(ctx)

	envelope := popEnvelope(t, q)
	if envelope.EventType != core.EventDraw {
		t.Errorf("Single event should go standalone, got %s", envelope.EventType)
	}
	if envelope.UserID != "u1" {
		t.Errorf("Expected user u1, got %s", envelope.UserID)
	}
}

func TestClearFlushesRoomThenPushesDirectly(t *testing.T) {
	q := memory.New()
	b := New(q)
	ctx := context.Background()

	b.Add(ctx, drawEvent(testKey, "u1", 1))
	b.Add(ctx, drawEvent(testKey, "u1", 2))
	b.Add(ctx, core.BufferedEvent{
		ProjectID: testKey.ProjectID,
		FileID:    testKey.FileID,
		UserID:    "u1",
		EventType: core.EventClear,
		Timestamp: time.Now().UnixMilli(),
	})

	// Causal order: the buffered draws must precede the clear.
	first := popEnvelope(t, q)
	if first.EventType != core.EventBatch || first.Count != 2 {
		t.Errorf("Expected batch of 2 before clear, got %s count=%d", first.EventType, first.Count)
	}
	second := popEnvelope(t, q)
	if second.EventType != core.EventClear {
		t.Errorf("Expected clear after batch, got %s", second.EventType)
	}
	if got := b.PendingLen(testKey); got != 0 {
		t.Errorf("Buffer should be empty after clear, got %d", got)
	}
}

func TestClearOnlyFlushesOwnRoom(t *testing.T) {
	q := memory.New()
	b := New(q)
	ctx := context.Background()
	otherKey := core.RoomKey{ProjectID: "P1", FileID: "F2"}

	b.Add(ctx, drawEvent(otherKey, "u1", 1))
	b.Add(ctx, core.BufferedEvent{
		ProjectID: testKey.ProjectID,
		FileID:    testKey.FileID,
		UserID:    "u1",
		EventType: core.EventClear,
	})

	envelope := popEnvelope(t, q)
	if envelope.EventType != core.EventClear {
		t.Errorf("Expected only the clear pushed, got %s", envelope.EventType)
	}
	if got := b.PendingLen(otherKey); got != 1 {
		t.Errorf("Other room's buffer must stay intact, got %d", got)
	}
}

func TestFlushRetainsBufferOnPushFailure(t *testing.T) {
	q := &failingQueue{Queue: memory.New(), broken: true}
	b := New(q)
	ctx := context.Background()

	b.Add(ctx, drawEvent(testKey, "u1", 1))
	b.Add(ctx, drawEvent(testKey, "u1", 2))
	b.Flush(ctx)

	if got := b.PendingLen(testKey); got != 2 {
		t.Fatalf("Expected buffer retained on push failure, got %d", got)
	}

	// Events added between failure and retry stay ordered after the
	// retained ones.
	b.Add(ctx, drawEvent(testKey, "u1", 3))
	q.broken = false
	b.Flush(ctx)

	envelope := popEnvelope(t, q)
	if envelope.Count != 3 {
		t.Fatalf("Expected retried batch of 3, got %d", envelope.Count)
	}
	for i, ev := range envelope.Events {
		var payload struct {
			N int `json:"n"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			t.Fatalf("Failed to decode event %d: %v", i, err)
		}
		if payload.N != i+1 {
			t.Errorf("Event %d out of order: got n=%d", i, payload.N)
		}
	}
}

func TestFlushDropsBufferWhenQueueDisabled(t *testing.T) {
	b := New(nil)
	ctx := context.Background()

	b.Add(ctx, drawEvent(testKey, "u1", 1))
	b.Flush(ctx)

	if got := b.PendingLen(testKey); got != 0 {
		t.Errorf("Disabled queue must drop buffers on flush, got %d", got)
	}
}

func TestFlushTrimsQueue(t *testing.T) {
	q := memory.New()
	b := New(q)
	b.MaxQueueLen = 2
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		key := core.RoomKey{ProjectID: "P1", FileID: string(rune('A' + i))}
		b.Add(ctx, drawEvent(key, "u1", i))
		b.Flush(ctx)
	}

	length, err := q.Len(ctx)
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if length != 2 {
		t.Errorf("Expected queue trimmed to 2, got %d", length)
	}
}

func TestRunDrainsOnShutdown(t *testing.T) {
	q := memory.New()
	b := New(q)
	b.FlushInterval = time.Hour // only the shutdown drain may flush

	b.Add(context.Background(), drawEvent(testKey, "u1", 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()
	cancel()
	<-done

	envelope := popEnvelope(t, q)
	if envelope.EventType != core.EventDraw {
		t.Errorf("Expected drained event, got %s", envelope.EventType)
	}
}
