// Package queue implements the Job Queue external interface (spec §4.6,
// §6): durable QueueItem storage with at-least-once delivery, visibility
// timeout, and dead-letter policy.
package queue

import (
	"context"
	"time"
)

// QueueItem is the durable wire form a worker dequeues (spec §3, §6).
// JobPayload carries the serialized job.Job; the queue itself is
// job-shape agnostic.
type QueueItem struct {
	ItemID               string
	JobPayload           []byte
	InventorySnapshotRef  string
	EnqueuedAt           time.Time
	AttemptCount         int
	VisibilityDeadline   time.Time
	ApprovalToken        string

	// Envelope is the signed provenance JWS asserting which enqueuer
	// produced this item (SPEC_FULL's supplemented provenance
	// requirement). Empty when no EnvelopeSigner is configured.
	Envelope string
}

// Queue is the durable store/hand-out contract (spec §4.6).
type Queue interface {
	// Enqueue stores item and returns its item ID. An empty ItemID is
	// assigned by the queue; a preset ItemID is kept as given.
	Enqueue(ctx context.Context, item QueueItem) (string, error)

	// Dequeue returns the next visible item, marking it invisible to
	// other workers for visibilityTimeout. Returns ok=false when the
	// queue is currently empty of visible items.
	Dequeue(ctx context.Context, visibilityTimeout time.Duration) (item QueueItem, ok bool, err error)

	// Ack removes itemID permanently. Call after the worker has safely
	// handed the item's job off to the engine and recorded completion.
	Ack(ctx context.Context, itemID string) error

	// Nack returns itemID to the visible set after requeueAfter,
	// incrementing its attempt count. When the attempt count exceeds the
	// queue's configured bound, the implementation moves the item to the
	// dead-letter set instead (spec §4.6).
	Nack(ctx context.Context, itemID string, requeueAfter time.Duration) error

	// DeadLetter moves itemID to the quarantined set unconditionally,
	// recording reason.
	DeadLetter(ctx context.Context, itemID string, reason string) error
}
