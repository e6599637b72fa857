package store

import (
	"context"
	"sort"
	"sync"

	"github.com/netauto/fleetctl/pkg/outcome"
)

// Memory is an in-memory Sink used by tests and by small single-process
// deployments that do not need a durable Job Store.
type Memory struct {
	mu       sync.Mutex
	seen     map[string]map[string]struct{}
	outcomes map[string][]outcome.DeviceOutcome
	records  map[string]outcome.JobRecord
}

// NewMemory constructs an empty Memory sink.
func NewMemory() *Memory {
	return &Memory{
		seen:     make(map[string]map[string]struct{}),
		outcomes: make(map[string][]outcome.DeviceOutcome),
		records:  make(map[string]outcome.JobRecord),
	}
}

// Push implements Sink with per-(jobID, DeviceID) idempotency.
func (m *Memory) Push(_ context.Context, jobID string, out outcome.DeviceOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.seen[jobID]
	if !ok {
		devices = make(map[string]struct{})
		m.seen[jobID] = devices
	}
	if _, dup := devices[out.DeviceID]; dup {
		return nil
	}
	devices[out.DeviceID] = struct{}{}
	m.outcomes[jobID] = append(m.outcomes[jobID], out)
	return nil
}

// Finalize implements Sink.
func (m *Memory) Finalize(_ context.Context, record outcome.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.JobID] = record
	return nil
}

// Outcomes returns the outcomes recorded for jobID, in arrival order. The
// ctx parameter is accepted (and ignored) so Memory satisfies the same
// JobStatusReader shape as Postgres.
func (m *Memory) Outcomes(_ context.Context, jobID string) ([]outcome.DeviceOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]outcome.DeviceOutcome(nil), m.outcomes[jobID]...), nil
}

// Record returns the finalized JobRecord for jobID, if any.
func (m *Memory) Record(_ context.Context, jobID string) (outcome.JobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[jobID]
	return r, ok, nil
}

// ListRecords returns a page of finalized job records ordered by most
// recently finished, plus the total count for pagination.
func (m *Memory) ListRecords(_ context.Context, offset, limit int) ([]outcome.JobRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]outcome.JobRecord, 0, len(m.records))
	for _, r := range m.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].FinishedAt.After(all[j].FinishedAt) })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}
