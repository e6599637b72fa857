package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is the durable Queue implementation (spec §4.6). Items are stored
// as JSON blobs in a hash keyed by item ID; a sorted set scored by
// "ready at" timestamp (epoch milliseconds) tracks visibility: an item
// dequeued out of the visible set is re-scored to now+visibilityTimeout,
// so a worker crash simply lets the score elapse and the item reappears
// in the next ZRANGEBYSCORE scan without any separate reaper process.
type Redis struct {
	client      *redis.Client
	keyPrefix   string
	maxAttempts int
}

// NewRedis wraps an already-connected client. keyPrefix namespaces this
// queue's keys so multiple queues can share one Redis instance.
func NewRedis(client *redis.Client, keyPrefix string, maxAttempts int) *Redis {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Redis{client: client, keyPrefix: keyPrefix, maxAttempts: maxAttempts}
}

func (r *Redis) readyKey() string      { return r.keyPrefix + ":ready" }
func (r *Redis) itemsKey() string      { return r.keyPrefix + ":items" }
func (r *Redis) deadLetterKey() string { return r.keyPrefix + ":dead" }

// Enqueue implements Queue.
func (r *Redis) Enqueue(ctx context.Context, item QueueItem) (string, error) {
	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshaling queue item: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.itemsKey(), item.ItemID, payload)
	pipe.ZAdd(ctx, r.readyKey(), redis.Z{Score: float64(item.EnqueuedAt.UnixMilli()), Member: item.ItemID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueuing item %q: %w", item.ItemID, err)
	}
	return item.ItemID, nil
}

// Dequeue implements Queue: pops the lowest-scored ready item (if its
// score has already elapsed) and re-scores it to now+visibilityTimeout.
func (r *Redis) Dequeue(ctx context.Context, visibilityTimeout time.Duration) (QueueItem, bool, error) {
	now := time.Now()
	ids, err := r.client.ZRangeByScore(ctx, r.readyKey(), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli()), Offset: 0, Count: 1,
	}).Result()
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("scanning ready set: %w", err)
	}
	if len(ids) == 0 {
		return QueueItem{}, false, nil
	}
	itemID := ids[0]

	newDeadline := now.Add(visibilityTimeout)
	added, err := r.client.ZAddArgs(ctx, r.readyKey(), redis.ZAddArgs{
		GT:      true,
		Ch:      true,
		Members: []redis.Z{{Score: float64(newDeadline.UnixMilli()), Member: itemID}},
	}).Result()
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("re-scoring item %q for visibility: %w", itemID, err)
	}
	if added == 0 {
		// Another worker raced us and already claimed this item; treat
		// as empty rather than double-dispatch.
		return QueueItem{}, false, nil
	}

	raw, err := r.client.HGet(ctx, r.itemsKey(), itemID).Bytes()
	if err != nil {
		return QueueItem{}, false, fmt.Errorf("fetching item %q payload: %w", itemID, err)
	}
	var item QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return QueueItem{}, false, fmt.Errorf("unmarshaling item %q: %w", itemID, err)
	}
	item.VisibilityDeadline = newDeadline
	return item, true, nil
}

// Ack implements Queue.
func (r *Redis) Ack(ctx context.Context, itemID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.readyKey(), itemID)
	pipe.HDel(ctx, r.itemsKey(), itemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("acking item %q: %w", itemID, err)
	}
	return nil
}

// Nack implements Queue, dead-lettering once attempt_count exceeds the
// configured bound.
func (r *Redis) Nack(ctx context.Context, itemID string, requeueAfter time.Duration) error {
	raw, err := r.client.HGet(ctx, r.itemsKey(), itemID).Bytes()
	if err != nil {
		return fmt.Errorf("fetching item %q for nack: %w", itemID, err)
	}
	var item QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return fmt.Errorf("unmarshaling item %q: %w", itemID, err)
	}
	item.AttemptCount++

	if item.AttemptCount > r.maxAttempts {
		return r.DeadLetter(ctx, itemID, fmt.Sprintf("exceeded max attempts (%d)", r.maxAttempts))
	}

	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling item %q: %w", itemID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.itemsKey(), itemID, payload)
	pipe.ZAdd(ctx, r.readyKey(), redis.Z{Score: float64(time.Now().Add(requeueAfter).UnixMilli()), Member: itemID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeuing item %q: %w", itemID, err)
	}
	return nil
}

// DeadLetter implements Queue.
func (r *Redis) DeadLetter(ctx context.Context, itemID string, reason string) error {
	raw, err := r.client.HGet(ctx, r.itemsKey(), itemID).Bytes()
	if err != nil {
		return fmt.Errorf("fetching item %q for dead-letter: %w", itemID, err)
	}

	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.readyKey(), itemID)
	pipe.HDel(ctx, r.itemsKey(), itemID)
	pipe.HSet(ctx, r.deadLetterKey(), itemID, raw)
	pipe.HSet(ctx, r.deadLetterKey()+":reason", itemID, reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-lettering item %q: %w", itemID, err)
	}
	return nil
}
