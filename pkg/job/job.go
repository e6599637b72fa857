// Package job defines the Job work description (spec §3): target
// selection, the job kind variant, and the intake-time defaults and
// invariants the engine enforces before touching any device.
package job

import "time"

// Kind is the closed set of job variants the engine understands.
type Kind string

const (
	CommandBatch    Kind = "command_batch"
	ConfigPush      Kind = "config_push"
	ComplianceCheck Kind = "compliance_check"
)

// KindSpec carries the kind-specific payload. Only the fields relevant to
// Kind are populated; the rest are zero.
type KindSpec struct {
	Kind Kind

	// CommandBatch
	Commands []string

	// ConfigPush
	Snippet      string
	WriteStartup bool

	// ComplianceCheck — the ruleset evaluation itself is an external
	// collaborator (spec §9 Open Question); the engine only carries the
	// reference through so a caller-supplied evaluator can consume it via
	// the outcome stream.
	RulesetRef string
}

// SelectorKind is the closed set of target-selector variants.
type SelectorKind string

const (
	All     SelectorKind = "all"
	ByIDs   SelectorKind = "by_ids"
	ByTags  SelectorKind = "by_tags"
)

// TargetSelector chooses which devices in the inventory a job targets.
type TargetSelector struct {
	Kind SelectorKind

	// ByIDs
	IDs []string

	// ByTags — a caller-defined tag-matching expression; the inventory
	// implementation owns its exact grammar (spec §6 leaves the provider's
	// expression language unspecified).
	TagExpression string
}

// SelectAll builds the All selector.
func SelectAll() TargetSelector { return TargetSelector{Kind: All} }

// SelectByIDs builds the ByIds selector.
func SelectByIDs(ids []string) TargetSelector {
	return TargetSelector{Kind: ByIDs, IDs: ids}
}

// SelectByTags builds the ByTags selector.
func SelectByTags(expr string) TargetSelector {
	return TargetSelector{Kind: ByTags, TagExpression: expr}
}

// DefaultMaxParallel and DefaultDeviceTimeout are the intake defaults spec
// §3 names.
const (
	DefaultMaxParallel  = 32
	DefaultDeviceTimeout = 5 * time.Minute
)

// Job is the immutable work description handed to the engine. Once intake
// validation passes, a Job must not be mutated.
type Job struct {
	ID            string
	Name          string
	Kind          KindSpec
	Target        TargetSelector
	MaxParallel   int
	DeviceTimeout time.Duration
	DryRun        bool
	ApprovalToken string
}

// WithDefaults returns a copy of j with MaxParallel/DeviceTimeout filled in
// from the spec defaults when left at the zero value. Validate should still
// be called afterward.
func (j Job) WithDefaults() Job {
	if j.MaxParallel == 0 {
		j.MaxParallel = DefaultMaxParallel
	}
	if j.DeviceTimeout == 0 {
		j.DeviceTimeout = DefaultDeviceTimeout
	}
	return j
}
