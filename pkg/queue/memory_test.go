package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)

	id, err := q.Enqueue(ctx, QueueItem{JobPayload: []byte(`{"job_id":"j1"}`)})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Fatal("Enqueue() assigned an empty item ID")
	}

	item, ok, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if !ok {
		t.Fatal("Dequeue() reported no visible item")
	}
	if item.ItemID != id {
		t.Errorf("ItemID = %q, want %q", item.ItemID, id)
	}

	// The item is now invisible; a second dequeue must not return it.
	_, ok, err = q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if ok {
		t.Fatal("Dequeue() returned an item still within its visibility window")
	}

	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if q.DeadLettered(id) {
		t.Error("acked item should not be dead-lettered")
	}
}

func TestMemoryEnqueuePreservesPresetItemID(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)

	id, err := q.Enqueue(ctx, QueueItem{ItemID: "preset-id", JobPayload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id != "preset-id" {
		t.Errorf("Enqueue() returned id %q, want the preset id %q", id, "preset-id")
	}
}

func TestMemoryNackDeadLettersPastMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(2)

	id, _ := q.Enqueue(ctx, QueueItem{JobPayload: []byte(`{}`)})
	for i := 0; i < 3; i++ {
		if _, _, err := q.Dequeue(ctx, time.Hour); err != nil {
			t.Fatalf("Dequeue() error = %v", err)
		}
		if err := q.Nack(ctx, id, time.Hour); err != nil {
			t.Fatalf("Nack() error = %v", err)
		}
	}

	if !q.DeadLettered(id) {
		t.Error("item should be dead-lettered after exceeding max attempts")
	}
}

func TestMemoryNackUnknownItem(t *testing.T) {
	q := NewMemory(3)
	if err := q.Nack(context.Background(), "does-not-exist", time.Second); err == nil {
		t.Fatal("expected an error nacking an item that was never dequeued")
	}
}

func TestMemoryDeadLetterFromVisible(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)

	id, _ := q.Enqueue(ctx, QueueItem{JobPayload: []byte(`{}`)})
	if err := q.DeadLetter(ctx, id, "operator requested"); err != nil {
		t.Fatalf("DeadLetter() error = %v", err)
	}
	if !q.DeadLettered(id) {
		t.Error("item should be in the dead-letter set")
	}

	_, ok, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if ok {
		t.Error("dead-lettered item must not be dequeued again")
	}
}

func TestMemoryReclaimsExpiredVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)

	id, _ := q.Enqueue(ctx, QueueItem{JobPayload: []byte(`{}`)})
	if _, _, err := q.Dequeue(ctx, time.Millisecond); err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	item, ok, err := q.Dequeue(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if !ok {
		t.Fatal("expired item should have been reclaimed back to visible")
	}
	if item.ItemID != id {
		t.Errorf("ItemID = %q, want %q", item.ItemID, id)
	}
}
