package queue

import (
	"testing"
	"time"

	"github.com/netauto/fleetctl/pkg/job"
)

func TestEncodeDecodeJobRoundTrip(t *testing.T) {
	original := job.Job{
		ID:   "job-1",
		Name: "push ntp config",
		Kind: job.KindSpec{
			Kind:         job.ConfigPush,
			Snippet:      "ntp server 10.0.0.1",
			WriteStartup: true,
		},
		Target:        job.SelectByTags("role:core"),
		MaxParallel:   8,
		DeviceTimeout: 90 * time.Second,
		DryRun:        true,
		ApprovalToken: "tok-abc",
	}

	payload, err := EncodeJob(original)
	if err != nil {
		t.Fatalf("EncodeJob() error = %v", err)
	}

	decoded, err := DecodeJob(payload)
	if err != nil {
		t.Fatalf("DecodeJob() error = %v", err)
	}

	if decoded.ID != original.ID {
		t.Errorf("ID = %q, want %q", decoded.ID, original.ID)
	}
	if decoded.Kind.Kind != original.Kind.Kind || decoded.Kind.Snippet != original.Kind.Snippet {
		t.Errorf("Kind = %+v, want %+v", decoded.Kind, original.Kind)
	}
	if decoded.Target.Kind != job.ByTags || decoded.Target.TagExpression != "role:core" {
		t.Errorf("Target = %+v, want ByTags(role:core)", decoded.Target)
	}
	if decoded.MaxParallel != original.MaxParallel {
		t.Errorf("MaxParallel = %d, want %d", decoded.MaxParallel, original.MaxParallel)
	}
	if decoded.DeviceTimeout != original.DeviceTimeout {
		t.Errorf("DeviceTimeout = %v, want %v", decoded.DeviceTimeout, original.DeviceTimeout)
	}
	if decoded.DryRun != original.DryRun {
		t.Errorf("DryRun = %v, want %v", decoded.DryRun, original.DryRun)
	}
	if decoded.ApprovalToken != original.ApprovalToken {
		t.Errorf("ApprovalToken = %q, want %q", decoded.ApprovalToken, original.ApprovalToken)
	}
}

func TestEncodeDecodeJobSelectorVariants(t *testing.T) {
	tests := []struct {
		name     string
		selector job.TargetSelector
	}{
		{name: "all", selector: job.SelectAll()},
		{name: "by ids", selector: job.SelectByIDs([]string{"dev-1", "dev-2"})},
		{name: "by tags", selector: job.SelectByTags("role:edge")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := job.Job{
				ID:     "job-x",
				Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
				Target: tt.selector,
			}
			payload, err := EncodeJob(j)
			if err != nil {
				t.Fatalf("EncodeJob() error = %v", err)
			}
			decoded, err := DecodeJob(payload)
			if err != nil {
				t.Fatalf("DecodeJob() error = %v", err)
			}
			if decoded.Target.Kind != tt.selector.Kind {
				t.Errorf("Target.Kind = %v, want %v", decoded.Target.Kind, tt.selector.Kind)
			}
		})
	}
}

func TestDecodeJobUnknownSelectorKind(t *testing.T) {
	_, err := DecodeJob([]byte(`{"job_id":"x","selector_kind":"bogus"}`))
	if err == nil {
		t.Fatal("expected an error for an unknown selector kind")
	}
}

func TestDecodeJobInvalidJSON(t *testing.T) {
	_, err := DecodeJob([]byte(`not json`))
	if err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}
