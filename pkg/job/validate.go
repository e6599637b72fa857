package job

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/netauto/fleetctl/internal/errs"
)

var structValidate = validator.New()

// intakeShape mirrors the Job fields validator can check generically;
// the variant-specific and approval checks below it are spec invariants
// validator's struct tags cannot express.
type intakeShape struct {
	MaxParallel   int `validate:"gte=1"`
	DeviceTimeout int64 `validate:"gt=0"`
}

// ApprovalChecker is the external approval store contract (spec §6):
// IsApproved(token) -> bool, invoked once at intake.
type ApprovalChecker interface {
	IsApproved(ctx context.Context, token string) (bool, error)
}

// Validate enforces spec §4.4 step 1's intake invariants. approvals may be
// nil when the job carries no ApprovalToken.
func Validate(ctx context.Context, j Job, approvals ApprovalChecker) error {
	shape := intakeShape{MaxParallel: j.MaxParallel, DeviceTimeout: int64(j.DeviceTimeout)}
	if err := structValidate.Struct(shape); err != nil {
		return errs.New(errs.Validation, "job.Validate", err)
	}

	switch j.Kind.Kind {
	case CommandBatch:
		if len(j.Kind.Commands) == 0 {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("command_batch job requires at least one command"))
		}
	case ConfigPush:
		if j.Kind.Snippet == "" {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("config_push job requires a non-empty snippet"))
		}
	case ComplianceCheck:
		if j.Kind.RulesetRef == "" {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("compliance_check job requires a ruleset_ref"))
		}
	default:
		return errs.New(errs.Validation, "job.Validate", fmt.Errorf("unknown job kind %q", j.Kind.Kind))
	}

	switch j.Target.Kind {
	case All:
	case ByIDs:
		if len(j.Target.IDs) == 0 {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("by_ids selector requires at least one id"))
		}
	case ByTags:
		if j.Target.TagExpression == "" {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("by_tags selector requires a non-empty expression"))
		}
	default:
		return errs.New(errs.Validation, "job.Validate", fmt.Errorf("unknown target selector kind %q", j.Target.Kind))
	}

	if j.ApprovalToken != "" {
		if approvals == nil {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("approval_token set but no approval store configured"))
		}
		ok, err := approvals.IsApproved(ctx, j.ApprovalToken)
		if err != nil {
			return errs.New(errs.Validation, "job.Validate", fmt.Errorf("checking approval token: %w", err))
		}
		if !ok {
			return errs.New(errs.ApprovalDenied, "job.Validate", fmt.Errorf("approval token %q is not approved", j.ApprovalToken))
		}
	}

	return nil
}
