package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/outcome"
)

// taskDeps bundles the shared, concurrently-accessed collaborators every
// per-device task consults (spec §5: "Tasks share one Arc-like reference
// to the driver registry, the credential resolver, and the sink").
type taskDeps struct {
	registry   *driver.Registry
	resolver   credentialResolver
	j          job.Job
	cancel     *CancelHandle
}

// credentialResolver is the narrow slice of *credential.Resolver the
// engine needs, named locally so tests can substitute a fake without
// importing the concrete resolver's secret-store plumbing.
type credentialResolver interface {
	Resolve(ctx context.Context, ref device.CredentialRef) (credential.Credential, error)
}

// runDeviceTask executes the full per-device state machine (spec §4.4
// steps 4a-4i) and returns exactly one DeviceOutcome. It never panics: a
// deferred recover converts any panic into a Failed outcome with an internal
// diagnostic, per spec §5's "panics inside tasks" requirement.
func runDeviceTask(ctx context.Context, deps taskDeps, dev device.Device) (out outcome.DeviceOutcome) {
	started := time.Now()
	out = outcome.DeviceOutcome{DeviceID: dev.ID, StartedAt: started}
	logs := outcome.NewLogAppender(outcome.DefaultLogCap)

	defer func() {
		if r := recover(); r != nil {
			out.Status = outcome.Failed
			out.Error = &outcome.ErrorInfo{Kind: errs.Execute, Message: fmt.Sprintf("internal: task panicked: %v", r)}
			logs.Append("panic recovered: %v", r)
			out.Logs = logs.Lines()
			out.FinishedAt = time.Now()
		}
	}()

	if deps.cancel.Cancelled() {
		out.Status = outcome.Cancelled
		out.FinishedAt = time.Now()
		out.Logs = logs.Lines()
		return out
	}

	drv, err := deps.registry.DriverFor(dev.Type)
	if err != nil {
		out.Status = outcome.Skipped
		out.Error = &outcome.ErrorInfo{Kind: errs.Unsupported, Message: err.Error()}
		logs.Append("no driver registered for device type %q", dev.Type)
		out.Logs = logs.Lines()
		out.FinishedAt = time.Now()
		return out
	}

	cred, err := deps.resolver.Resolve(ctx, dev.CredentialRef)
	if err != nil {
		out.Status = outcome.Failed
		out.Error = &outcome.ErrorInfo{Kind: errs.CredentialResolution, Message: err.Error()}
		logs.Append("resolving credential %q: %v", dev.CredentialRef.Name, err)
		out.Logs = logs.Lines()
		out.FinishedAt = time.Now()
		return out
	}
	defer cred.Scrub()

	deviceCtx, cancelDeviceCtx := context.WithTimeout(ctx, deps.j.DeviceTimeout)
	defer cancelDeviceCtx()

	result := runDeviceLifecycle(deviceCtx, deps, drv, dev, cred, logs)
	result.DeviceID = dev.ID
	result.StartedAt = started
	result.FinishedAt = time.Now()
	result.Logs = logs.Lines()
	return result
}

// runDeviceLifecycle drives steps 4c-4h once connect/credential succeed.
// It is split from runDeviceTask so the per-device timeout (step c) wraps
// exactly this function and nothing else.
func runDeviceLifecycle(ctx context.Context, deps taskDeps, drv driver.Driver, dev device.Device, cred credential.Credential, logs *outcome.LogAppender) outcome.DeviceOutcome {
	select {
	case <-deps.cancel.Done():
		return outcome.DeviceOutcome{Status: outcome.Cancelled}
	default:
	}

	sess, err := drv.Connect(ctx, dev, cred)
	if err != nil {
		if ctx.Err() != nil {
			logs.Append("connect timed out: %v", err)
			return outcome.DeviceOutcome{Status: outcome.TimedOut, Error: &outcome.ErrorInfo{Kind: errs.Timeout, Message: err.Error()}}
		}
		logs.Append("connect failed: %v", err)
		return outcome.DeviceOutcome{Status: outcome.Failed, Error: &outcome.ErrorInfo{Kind: errs.Connect, Message: err.Error()}}
	}
	defer sess.Close(context.Background())

	caps := drv.Capabilities()

	var before string
	wantsDiff := deps.j.Kind.Kind == job.ConfigPush && caps.SupportsDiff
	if wantsDiff {
		b, err := sess.GetConfig(ctx)
		if err != nil {
			logs.Append("pre-check config capture failed: %v", err)
		} else {
			before = b
		}
	}

	if deps.j.Kind.Kind == job.ConfigPush && deps.j.DryRun {
		if !caps.SupportsDryRun {
			logs.Append("dry_run requested but driver does not support it")
			return outcome.DeviceOutcome{Status: outcome.Skipped, Error: &outcome.ErrorInfo{Kind: errs.Unsupported, Message: "driver does not support dry_run"}}
		}
		if _, err := sess.ApplyConfig(ctx, deps.j.Kind.Snippet, true, false); err != nil {
			logs.Append("dry-run commit-check failed: %v", err)
			return outcome.DeviceOutcome{Status: outcome.Failed, Error: &outcome.ErrorInfo{Kind: errs.ConfigApply, Message: err.Error()}}
		}
		logs.Append("dry-run commit-check succeeded")
		return outcome.DeviceOutcome{Status: outcome.Succeeded}
	}

	execErr := executeJobKind(ctx, deps.j, sess, logs)

	if execErr != nil {
		select {
		case <-deps.cancel.Done():
			return outcome.DeviceOutcome{Status: outcome.Cancelled}
		default:
		}

		if ctx.Err() != nil {
			logs.Append("execution timed out: %v", execErr)
			return outcome.DeviceOutcome{Status: outcome.TimedOut, Error: &outcome.ErrorInfo{Kind: errs.Timeout, Message: execErr.Error()}}
		}

		kind, _ := errs.KindOf(execErr)
		if kind == "" {
			kind = errs.Execute
		}

		if caps.SupportsRollback {
			if rbErr := sess.Rollback(ctx, before); rbErr != nil {
				logs.Append("rollback failed: %v", rbErr)
				return outcome.DeviceOutcome{Status: outcome.Failed, Error: &outcome.ErrorInfo{Kind: kind, Message: execErr.Error()}}
			}
			logs.Append("rollback succeeded after apply failure: %v", execErr)
			return outcome.DeviceOutcome{Status: outcome.RolledBack}
		}
		return outcome.DeviceOutcome{Status: outcome.Failed, Error: &outcome.ErrorInfo{Kind: kind, Message: execErr.Error()}}
	}

	var diff string
	if wantsDiff {
		after, err := sess.GetConfig(ctx)
		if err != nil {
			logs.Append("post-check config capture failed: %v", err)
		} else {
			diff = outcome.TruncateDiff(unifiedDiff(before, after), outcome.DefaultDiffCap)
		}
	}

	if deps.j.Kind.Kind == job.ConfigPush && deps.j.Kind.WriteStartup {
		if _, err := sess.ApplyConfig(ctx, "", false, true); err != nil {
			logs.Append("persisting startup config failed (non-fatal): %v", err)
		}
	}

	return outcome.DeviceOutcome{Status: outcome.Succeeded, Diff: diff}
}

// executeJobKind dispatches the job's kind to the driver operation spec
// §4.4 step f names.
func executeJobKind(ctx context.Context, j job.Job, sess driver.Session, logs *outcome.LogAppender) error {
	switch j.Kind.Kind {
	case job.CommandBatch:
		for _, cmd := range j.Kind.Commands {
			out, err := sess.Exec(ctx, cmd)
			if err != nil {
				return errs.New(errs.Execute, "task.executeJobKind", fmt.Errorf("command %q: %w", cmd, err))
			}
			logs.Append("%s", out)
		}
		return nil
	case job.ConfigPush:
		res, err := sess.ApplyConfig(ctx, j.Kind.Snippet, false, false)
		if err != nil {
			return errs.New(errs.ConfigApply, "task.executeJobKind", err)
		}
		if res.CommitToken != "" {
			logs.Append("committed: %s", res.CommitToken)
		}
		return nil
	case job.ComplianceCheck:
		// The ruleset evaluation itself is an external collaborator
		// (spec §9's resolved Open Question); this job kind only
		// captures the running config and logs the ruleset reference and
		// the config's size. The config text itself is not placed in the
		// outcome.
		cfg, err := sess.GetConfig(ctx)
		if err != nil {
			return errs.New(errs.Execute, "task.executeJobKind", err)
		}
		logs.Append("captured running config for ruleset %q (%d bytes)", j.Kind.RulesetRef, len(cfg))
		return nil
	default:
		return errs.New(errs.Validation, "task.executeJobKind", fmt.Errorf("unknown job kind %q", j.Kind.Kind))
	}
}

// unifiedDiff produces a minimal line-level diff. It is intentionally not
// a full Myers diff: spec §4.4g only requires a line-level unified diff
// that the cap/truncation policy can bound, not a minimal edit script.
func unifiedDiff(before, after string) string {
	if before == after {
		return ""
	}
	beforeLines := splitLinesKeep(before)
	afterLines := splitLinesKeep(after)

	var buf []byte
	buf = append(buf, "--- before\n+++ after\n"...)
	max := len(beforeLines)
	if len(afterLines) > max {
		max = len(afterLines)
	}
	for i := 0; i < max; i++ {
		var b, a string
		if i < len(beforeLines) {
			b = beforeLines[i]
		}
		if i < len(afterLines) {
			a = afterLines[i]
		}
		if b == a {
			continue
		}
		if i < len(beforeLines) {
			buf = append(buf, "-"+b+"\n"...)
		}
		if i < len(afterLines) {
			buf = append(buf, "+"+a+"\n"...)
		}
	}
	return string(buf)
}

func splitLinesKeep(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
