// Package seed provides the sample fleet and sample jobs used to stand up
// a demo deployment without a hand-authored inventory file, mirroring the
// teacher's seed/seed-demo idiom of populating a fresh environment with
// realistic fixture data.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/inventory"
	"github.com/netauto/fleetctl/pkg/job"
	"github.com/netauto/fleetctl/pkg/queue"
)

// SampleDevices returns a small fleet spanning every registered device
// type, enough to exercise each driver family without requiring real lab
// gear.
func SampleDevices() []device.Device {
	return []device.Device{
		{
			ID: "edge-rtr-01", Name: "edge-rtr-01", MgmtAddress: "10.10.0.1:22",
			Type: device.CiscoIosCli, Tags: []string{"role:edge", "site:sea1"},
			CredentialRef: device.CredentialRef{Name: "cisco-ios-default", Kind: device.KindUserPassword},
		},
		{
			ID: "core-sw-01", Name: "core-sw-01", MgmtAddress: "10.10.0.2:22",
			Type: device.AristaEosCli, Tags: []string{"role:core", "site:sea1"},
			CredentialRef: device.CredentialRef{Name: "arista-eos-default", Kind: device.KindUserPassword},
		},
		{
			ID: "core-sw-02", Name: "core-sw-02", MgmtAddress: "10.10.0.3:443",
			Type: device.AristaEosHttp, Tags: []string{"role:core", "site:sea1"},
			CredentialRef: device.CredentialRef{Name: "arista-eapi-default", Kind: device.KindAPIToken},
		},
		{
			ID: "dc-sw-01", Name: "dc-sw-01", MgmtAddress: "10.20.0.1:443",
			Type: device.CiscoNxosHttp, Tags: []string{"role:leaf", "site:dc1"},
			CredentialRef: device.CredentialRef{Name: "nxos-default", Kind: device.KindUserPassword},
		},
		{
			ID: "branch-gw-01", Name: "branch-gw-01", MgmtAddress: "10.30.0.1:830",
			Type: device.JuniperNetconf, Tags: []string{"role:edge", "site:branch1"},
			CredentialRef: device.CredentialRef{Name: "juniper-default", Kind: device.KindSSHKey},
		},
		{
			ID: "branch-ap-01", Name: "branch-ap-01", MgmtAddress: "q3ab-ap01",
			Type: device.MerakiCloudHttp, Tags: []string{"role:wifi", "site:branch1"},
			CredentialRef: device.CredentialRef{Name: "meraki-dashboard", Kind: device.KindAPIToken},
		},
		{
			ID: "lab-switch-01", Name: "lab-switch-01", MgmtAddress: "10.40.0.1:22",
			Type: device.GenericSshCli, Tags: []string{"role:lab"},
			CredentialRef: device.CredentialRef{Name: "lab-default", Kind: device.KindUserPassword},
		},
	}
}

// LoadInventory builds a Static inventory from the JSON device array at
// path, or from SampleDevices when path is empty.
func LoadInventory(path string) (*inventory.Static, error) {
	if path == "" {
		return inventory.NewStatic(SampleDevices()), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory file %q: %w", path, err)
	}
	var devices []device.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("parsing inventory file %q: %w", path, err)
	}
	return inventory.NewStatic(devices), nil
}

// SampleJobs returns a handful of representative jobs covering every job
// kind, for a "seed" mode run that enqueues demo work against the sample
// fleet.
func SampleJobs() []job.Job {
	return []job.Job{
		{
			ID:     "seed-job-show-version",
			Name:   "collect show version across the fleet",
			Kind:   job.KindSpec{Kind: job.CommandBatch, Commands: []string{"show version"}},
			Target: job.SelectAll(),
		},
		{
			ID:   "seed-job-ntp-push",
			Name: "push NTP server config to core switches",
			Kind: job.KindSpec{
				Kind:         job.ConfigPush,
				Snippet:      "ntp server 10.0.0.1",
				WriteStartup: true,
			},
			Target: job.SelectByTags("role:core"),
		},
		{
			ID:     "seed-job-compliance-banner",
			Name:   "check login banner compliance",
			Kind:   job.KindSpec{Kind: job.ComplianceCheck, RulesetRef: "login-banner-v1"},
			Target: job.SelectByTags("role:edge"),
		},
	}
}

// EnqueueSampleJobs enqueues SampleJobs onto q, signing each item's
// provenance envelope with signer when non-nil.
func EnqueueSampleJobs(ctx context.Context, q queue.Queue, signer *queue.EnvelopeSigner, logger *slog.Logger) error {
	for _, j := range SampleJobs() {
		payload, err := queue.EncodeJob(j)
		if err != nil {
			return fmt.Errorf("encoding seed job %q: %w", j.ID, err)
		}

		item := queue.QueueItem{ItemID: uuid.NewString(), JobPayload: payload}
		if signer != nil {
			envelope, signErr := signer.Sign(item.ItemID, "fleetctl-seed")
			if signErr != nil {
				return fmt.Errorf("signing seed job %q: %w", j.ID, signErr)
			}
			item.Envelope = envelope
		}

		itemID, err := q.Enqueue(ctx, item)
		if err != nil {
			return fmt.Errorf("enqueuing seed job %q: %w", j.ID, err)
		}
		logger.Info("seed: enqueued job", "job_id", j.ID, "item_id", itemID)
	}
	return nil
}
