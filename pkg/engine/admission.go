package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// admission is the counted resource bounding concurrent per-device tasks
// (spec §4.4 step 3, §5). It wraps golang.org/x/sync/semaphore.Weighted
// rather than a hand-rolled channel-based semaphore, matching the
// ecosystem's standard bounded-concurrency primitive.
type admission struct {
	sem *semaphore.Weighted
}

// newAdmission sizes the resource to min(maxParallel, resolvedCount),
// per spec §4.4 step 3. The size is clamped to at least 1, so a
// resolvedCount of 0 still yields a one-permit resource.
func newAdmission(maxParallel, resolvedCount int) *admission {
	size := maxParallel
	if resolvedCount < size {
		size = resolvedCount
	}
	if size < 1 {
		size = 1
	}
	return &admission{sem: semaphore.NewWeighted(int64(size))}
}

// acquire blocks for a permit, cancellation-aware via both ctx and cancel.
// If cancel fires while a task is still waiting for a permit (max_parallel
// exhausted), acquire returns immediately without ever contacting the
// device, per spec §4.4 step 3. Returns an error when ctx is done or
// cancel fires before a permit becomes available — the caller maps this
// to the Cancelled terminal state, never a panic, per spec §4.4's "closed
// admission resource" tie-break.
func (a *admission) acquire(ctx context.Context, cancel *CancelHandle) error {
	acqCtx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- a.sem.Acquire(acqCtx, 1) }()

	select {
	case err := <-done:
		return err
	case <-cancel.Done():
		stop()
		if err := <-done; err == nil {
			// Acquire won the race and granted a permit just as cancel
			// fired; release it immediately since the caller never will.
			a.release()
		}
		return context.Canceled
	}
}

// release returns a permit. Must be called exactly once per successful
// acquire, on every exit path including panics, per spec §5's
// RAII-style resource-scoping requirement.
func (a *admission) release() {
	a.sem.Release(1)
}
