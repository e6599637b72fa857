// Package errs defines the categorical error kinds from spec §7. Each kind
// carries its own propagation rule, documented on the constant; the engine
// and drivers construct *Error values rather than ad-hoc fmt.Errorf chains
// whenever the kind determines downstream behavior (retry, rollback,
// outcome status).
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed error category. Kind determines propagation: per-device
// kinds are contained inside a task and surfaced only via DeviceOutcome;
// Validation is returned from Engine.Execute directly, while Sink
// exhaustion is reported through a Failed overall status on the JobRecord.
type Kind string

const (
	Validation          Kind = "validation"
	Unsupported         Kind = "unsupported"
	CredentialResolution Kind = "credential_resolution"
	Connect             Kind = "connect"
	Execute             Kind = "execute"
	ConfigApply         Kind = "config_apply"
	Timeout             Kind = "timeout"
	Rollback            Kind = "rollback"
	Cancelled           Kind = "cancelled"
	Sink                Kind = "sink"
	Queue               Kind = "queue"

	// ApprovalDenied and Inventory are job-fatal kinds surfaced directly
	// from Engine.Execute's public contract (spec §4.4 step 1-2), not from
	// the per-device error taxonomy in spec §7.
	ApprovalDenied Kind = "approval_denied"
	Inventory      Kind = "inventory"
)

// Error wraps an underlying cause with its spec-defined Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a kind-tagged error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is allows errors.Is(err, &errs.Error{Kind: errs.Validation}) style
// matching: any *Error target with the same Kind matches, whatever its Op
// and Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err, if it is (or wraps) an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
