package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/netauto/fleetctl/pkg/job"
)

func durationFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// wireJob is the job part of the queue wire format: job_id, job_kind, the
// job parameters, the target selector and approval_token. QueueItem.JobPayload
// carries this encoded; item_id, inventory_snapshot_ref, enqueued_at,
// attempt_count and visibility_deadline are fields of QueueItem itself.
type wireJob struct {
	JobID         string             `json:"job_id"`
	Name          string             `json:"name"`
	Kind          string             `json:"job_kind"`
	Commands      []string           `json:"commands,omitempty"`
	Snippet       string             `json:"snippet,omitempty"`
	WriteStartup  bool               `json:"write_startup,omitempty"`
	RulesetRef    string             `json:"ruleset_ref,omitempty"`
	SelectorKind  string             `json:"selector_kind"`
	SelectorIDs   []string           `json:"selector_ids,omitempty"`
	SelectorTags  string             `json:"selector_tags,omitempty"`
	MaxParallel   int                `json:"max_parallel"`
	DeviceTimeout int64              `json:"device_timeout_ms"`
	DryRun        bool               `json:"dry_run"`
	ApprovalToken string             `json:"approval_token,omitempty"`
}

// EncodeJob marshals j into the wire format's job_payload bytes.
func EncodeJob(j job.Job) ([]byte, error) {
	w := wireJob{
		JobID:         j.ID,
		Name:          j.Name,
		Kind:          string(j.Kind.Kind),
		Commands:      j.Kind.Commands,
		Snippet:       j.Kind.Snippet,
		WriteStartup:  j.Kind.WriteStartup,
		RulesetRef:    j.Kind.RulesetRef,
		SelectorKind:  string(j.Target.Kind),
		SelectorIDs:   j.Target.IDs,
		SelectorTags:  j.Target.TagExpression,
		MaxParallel:   j.MaxParallel,
		DeviceTimeout: j.DeviceTimeout.Milliseconds(),
		DryRun:        j.DryRun,
		ApprovalToken: j.ApprovalToken,
	}
	b, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload: %w", err)
	}
	return b, nil
}

// DecodeJob reverses EncodeJob.
func DecodeJob(payload []byte) (job.Job, error) {
	var w wireJob
	if err := json.Unmarshal(payload, &w); err != nil {
		return job.Job{}, fmt.Errorf("decoding job payload: %w", err)
	}

	var target job.TargetSelector
	switch job.SelectorKind(w.SelectorKind) {
	case job.All:
		target = job.SelectAll()
	case job.ByIDs:
		target = job.SelectByIDs(w.SelectorIDs)
	case job.ByTags:
		target = job.SelectByTags(w.SelectorTags)
	default:
		return job.Job{}, fmt.Errorf("unknown selector kind %q in queue payload", w.SelectorKind)
	}

	return job.Job{
		ID:   w.JobID,
		Name: w.Name,
		Kind: job.KindSpec{
			Kind:         job.Kind(w.Kind),
			Commands:     w.Commands,
			Snippet:      w.Snippet,
			WriteStartup: w.WriteStartup,
			RulesetRef:   w.RulesetRef,
		},
		Target:        target,
		MaxParallel:   w.MaxParallel,
		DeviceTimeout: durationFromMillis(w.DeviceTimeout),
		DryRun:        w.DryRun,
		ApprovalToken: w.ApprovalToken,
	}, nil
}
