// Package engine implements the Job Engine (spec §4.4): target
// resolution, bounded-concurrency per-device dispatch, outcome streaming,
// and cancellation. It is the heart of the core.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/driver"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/outcome"
	"github.com/netauto/fleetctl/pkg/store"
)

// Engine is stateless (spec §5): a single instance's Execute may be
// called concurrently for independent jobs, provided each call supplies
// its own sink and cancel handle.
type Engine struct {
	registry *driver.Registry
	logger   *slog.Logger
}

// New constructs an Engine over an immutable driver registry.
func New(registry *driver.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, logger: logger}
}

// Execute runs j.WithDefaults() against every device inv resolves,
// streaming a DeviceOutcome to sink per device and returning the
// finalized JobRecord. It returns an error only at intake (validation,
// approval) or when the inventory cannot resolve the target; sink
// exhaustion after the single retry yields a Failed overall status, not an
// error. Every per-device failure is contained in that device's outcome.
func (e *Engine) Execute(ctx context.Context, j job.Job, inv inventory.Inventory, resolver credentialResolver, approvals job.ApprovalChecker, sink store.Sink, cancel *CancelHandle) (outcome.JobRecord, error) {
	j = j.WithDefaults()
	startedAt := time.Now()

	if err := job.Validate(ctx, j, approvals); err != nil {
		return outcome.JobRecord{}, err
	}

	devices, err := inv.Resolve(ctx, j.Target)
	if err != nil {
		return outcome.JobRecord{}, errs.New(errs.Inventory, "engine.Execute", err)
	}

	if len(devices) == 0 {
		record := outcome.JobRecord{JobID: j.ID, StartedAt: startedAt, FinishedAt: time.Now(), OverallStatus: outcome.Success}
		if err := e.finalizeWithRetry(ctx, sink, record); err != nil {
			e.logger.Error("finalizing empty job record", "job_id", j.ID, "error", err)
		}
		return record, nil
	}

	adm := newAdmission(j.MaxParallel, len(devices))
	deps := taskDeps{registry: e.registry, resolver: resolver, j: j, cancel: cancel}

	var (
		mu       sync.Mutex
		counts   outcome.Counts
		sinkFail bool
	)

	var wg sync.WaitGroup
	for _, dev := range devices {
		dev := dev
		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := adm.acquire(ctx, cancel); err != nil {
				out := outcome.DeviceOutcome{
					DeviceID:   dev.ID,
					Status:     outcome.Cancelled,
					StartedAt:  time.Now(),
					FinishedAt: time.Now(),
				}
				e.pushOutcome(ctx, sink, j.ID, out, &mu, &counts, &sinkFail)
				return
			}
			defer adm.release()

			out := runDeviceTask(ctx, deps, dev)
			e.pushOutcome(ctx, sink, j.ID, out, &mu, &counts, &sinkFail)
		}()
	}
	wg.Wait()

	overall := outcome.Aggregate(counts, cancel.Cancelled(), sinkFail)
	record := outcome.JobRecord{
		JobID:         j.ID,
		StartedAt:     startedAt,
		FinishedAt:    time.Now(),
		OverallStatus: overall,
		Counts:        counts,
	}

	if err := e.finalizeWithRetry(ctx, sink, record); err != nil {
		e.logger.Error("finalizing job record", "job_id", j.ID, "error", err)
		record.OverallStatus = outcome.JobFailed
	}

	return record, nil
}

// pushOutcome streams one outcome to the sink, retrying once on failure
// per spec §4.4's sink tie-break, and updates the shared counts under mu.
func (e *Engine) pushOutcome(ctx context.Context, sink store.Sink, jobID string, out outcome.DeviceOutcome, mu *sync.Mutex, counts *outcome.Counts, sinkFail *bool) {
	err := sink.Push(ctx, jobID, out)
	if err != nil {
		err = sink.Push(ctx, jobID, out)
	}

	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		e.logger.Error("sink push failed after retry", "job_id", jobID, "device_id", out.DeviceID, "error", err)
		*sinkFail = true
	}
	counts.Add(out.Status)
}

// finalizeWithRetry applies the same single-retry policy to the
// terminal Finalize call.
func (e *Engine) finalizeWithRetry(ctx context.Context, sink store.Sink, record outcome.JobRecord) error {
	err := sink.Finalize(ctx, record)
	if err != nil {
		err = sink.Finalize(ctx, record)
	}
	if err != nil {
		return fmt.Errorf("finalize failed after retry: %w", err)
	}
	return nil
}
