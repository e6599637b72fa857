// Package store defines the Job Store / sink external collaborator (spec
// §4.5, §6): the abstraction the engine streams DeviceOutcome records
// into and finalizes a JobRecord against. Implementations must tolerate
// out-of-order arrivals and provide per-(job, device) push idempotency.
package store

import (
	"context"

	"github.com/netauto/fleetctl/pkg/outcome"
)

// Sink is held by the engine by reference so tests can substitute Memory
// for a real backing store.
type Sink interface {
	// Push records one device's outcome for job. A duplicate push for the
	// same (jobID, outcome.DeviceID) must be a no-op, not an error.
	Push(ctx context.Context, jobID string, out outcome.DeviceOutcome) error

	// Finalize persists the job-level aggregate. Called once per job,
	// after every device task has completed, and once more if that first
	// call fails.
	Finalize(ctx context.Context, record outcome.JobRecord) error
}
