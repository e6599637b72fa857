// Package driver defines the capability-typed polymorphic Driver interface
// (spec §4.3) that hides transport — interactive CLI over SSH, structured
// RPC, or HTTP/JSON — behind a uniform per-device operation set.
package driver

import (
	"context"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
)

// CapabilitySet is reported by a driver and consulted by the engine to
// decide pre-check, rollback, and dry-run semantics (spec §3). It is
// constant for the lifetime of a driver instance.
type CapabilitySet struct {
	SupportsCommit   bool
	SupportsDryRun   bool
	SupportsRollback bool
	SupportsDiff     bool
	Transactional    bool
}

// ApplyResult is the result of ApplyConfig.
type ApplyResult struct {
	Applied     bool
	CommitToken string
}

// Session is an opaque, per-device connection established by Connect. A
// task owns its Session exclusively for the task's duration and must
// release it on every exit path.
type Session interface {
	// Exec runs a single command and returns its captured output. It fails
	// if the driver's command-level timeout elapses before the prompt is
	// observed.
	Exec(ctx context.Context, command string) (string, error)

	// GetConfig returns the full running configuration text. May return an
	// empty string for API-only devices with no config-export operation.
	GetConfig(ctx context.Context) (string, error)

	// ApplyConfig applies snippet. When dryRun is true and the driver
	// advertises SupportsDryRun, it performs a commit-check only and never
	// persists. persistStartup requests the vendor-specific
	// running-to-startup save step after a successful, non-dry-run apply;
	// drivers whose apply already persists (commit-based RPC/HTTP APIs)
	// ignore it.
	ApplyConfig(ctx context.Context, snippet string, dryRun, persistStartup bool) (ApplyResult, error)

	// Rollback reverts to snapshot (or a driver-captured equivalent when
	// snapshot is empty). Only called when the driver advertises
	// SupportsRollback.
	Rollback(ctx context.Context, snapshot string) error

	// Close releases the session's transport resources. Safe to call more
	// than once.
	Close(ctx context.Context) error
}

// Driver is the uniform vendor driver contract. Every operation is scoped
// to a single device and credential and must honor ctx's deadline — no
// driver operation may block without one (spec §5).
type Driver interface {
	// Connect establishes a Session, applying the driver's connect timeout
	// and, for CLI transports, disabling interactive paging.
	Connect(ctx context.Context, dev device.Device, cred credential.Credential) (Session, error)

	// Capabilities reports this driver's constant CapabilitySet.
	Capabilities() CapabilitySet

	// DeviceType reports the constant device type tag this driver serves.
	DeviceType() device.Type
}
