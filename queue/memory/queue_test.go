package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	q := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, []byte(fmt.Sprintf("item-%d", i))); err != nil {
			t.Fatalf("Push failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		payload, err := q.PopBlocking(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("PopBlocking failed: %v", err)
		}
		want := fmt.Sprintf("item-%d", i)
		if string(payload) != want {
			t.Errorf("Expected %s, got %s", want, payload)
		}
	}
}

func TestPopBlockingTimeout(t *testing.T) {
	q := New()

	start := time.Now()
	payload, err := q.PopBlocking(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("PopBlocking failed: %v", err)
	}
	if payload != nil {
		t.Errorf("Expected nil payload on timeout, got %s", payload)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("PopBlocking returned before the timeout: %v", elapsed)
	}
}

func TestPopBlockingWakesOnPush(t *testing.T) {
	q := New()
	ctx := context.Background()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Push(ctx, []byte("late"))
	}()

	payload, err := q.PopBlocking(ctx, time.Second)
	if err != nil {
		t.Fatalf("PopBlocking failed: %v", err)
	}
	if string(payload) != "late" {
		t.Errorf("Expected late item, got %s", payload)
	}
}

func TestPopBlockingCancelled(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.PopBlocking(ctx, time.Second)
	if err == nil {
		t.Fatal("Expected error for cancelled context")
	}
}

func TestTrimDropsOldestFirst(t *testing.T) {
	q := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = q.Push(ctx, []byte(fmt.Sprintf("item-%d", i)))
	}
	if err := q.Trim(ctx, 2); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}

	length, _ := q.Len(ctx)
	if length != 2 {
		t.Fatalf("Expected length 2 after trim, got %d", length)
	}

	payload, _ := q.PopBlocking(ctx, 50*time.Millisecond)
	if string(payload) != "item-3" {
		t.Errorf("Expected oldest surviving entry item-3, got %s", payload)
	}
}
