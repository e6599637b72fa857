package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxAttempts bounds retries before an item is dead-lettered.
const DefaultMaxAttempts = 5

// Memory is an in-process Queue for tests and single-process deployments.
type Memory struct {
	mu          sync.Mutex
	visible     map[string]QueueItem
	invisible   map[string]QueueItem
	deadLetter  map[string]QueueItem
	order       []string
	maxAttempts int
}

// NewMemory constructs an empty Memory queue.
func NewMemory(maxAttempts int) *Memory {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Memory{
		visible:     make(map[string]QueueItem),
		invisible:   make(map[string]QueueItem),
		deadLetter:  make(map[string]QueueItem),
		maxAttempts: maxAttempts,
	}
}

// Enqueue implements Queue.
func (m *Memory) Enqueue(_ context.Context, item QueueItem) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ItemID == "" {
		item.ItemID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	m.visible[item.ItemID] = item
	m.order = append(m.order, item.ItemID)
	return item.ItemID, nil
}

// Dequeue implements Queue. It also reclaims any invisible item whose
// deadline has already elapsed, modeling a crashed worker's item becoming
// visible again (spec §4.6).
func (m *Memory) Dequeue(_ context.Context, visibilityTimeout time.Duration) (QueueItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reclaimExpiredLocked()

	for i, id := range m.order {
		item, ok := m.visible[id]
		if !ok {
			continue
		}
		item.VisibilityDeadline = time.Now().Add(visibilityTimeout)
		m.invisible[id] = item
		delete(m.visible, id)
		m.order = append(m.order[:i], m.order[i+1:]...)
		return item, true, nil
	}
	return QueueItem{}, false, nil
}

func (m *Memory) reclaimExpiredLocked() {
	now := time.Now()
	for id, item := range m.invisible {
		if now.After(item.VisibilityDeadline) {
			delete(m.invisible, id)
			m.visible[id] = item
			m.order = append(m.order, id)
		}
	}
}

// Ack implements Queue.
func (m *Memory) Ack(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invisible, itemID)
	delete(m.visible, itemID)
	return nil
}

// Nack implements Queue, dead-lettering automatically past the attempt bound.
func (m *Memory) Nack(_ context.Context, itemID string, requeueAfter time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.invisible[itemID]
	if !ok {
		return fmt.Errorf("nack: item %q is not currently dequeued", itemID)
	}
	delete(m.invisible, itemID)
	item.AttemptCount++

	if item.AttemptCount > m.maxAttempts {
		m.deadLetter[itemID] = item
		return nil
	}

	item.VisibilityDeadline = time.Now().Add(requeueAfter)
	m.invisible[itemID] = item
	go m.scheduleVisible(itemID, requeueAfter)
	return nil
}

// scheduleVisible moves itemID back to the visible set after delay. It is
// a best-effort convenience for the in-memory queue; reclaimExpiredLocked
// on the next Dequeue call is the authoritative reclaim path.
func (m *Memory) scheduleVisible(itemID string, delay time.Duration) {
	time.Sleep(delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.invisible[itemID]; ok && !time.Now().Before(item.VisibilityDeadline) {
		delete(m.invisible, itemID)
		m.visible[itemID] = item
		m.order = append(m.order, itemID)
	}
}

// DeadLetter implements Queue.
func (m *Memory) DeadLetter(_ context.Context, itemID string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item, ok := m.invisible[itemID]; ok {
		delete(m.invisible, itemID)
		m.deadLetter[itemID] = item
		return nil
	}
	if item, ok := m.visible[itemID]; ok {
		delete(m.visible, itemID)
		m.deadLetter[itemID] = item
	}
	return nil
}

// DeadLettered reports whether itemID currently sits in the dead-letter
// set, for test assertions.
func (m *Memory) DeadLettered(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deadLetter[itemID]
	return ok
}
