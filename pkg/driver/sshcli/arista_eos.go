package sshcli

import (
	"context"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// AristaEOS drives Arista EOS devices over an interactive SSH shell. The
// HTTP/JSON eAPI transport (pkg/driver/httpapi) is preferred where
// available; this driver serves EOS fleets reachable only over SSH.
type AristaEOS struct {
	Timeouts Timeouts
}

// NewAristaEOS constructs an AristaEOS driver.
func NewAristaEOS(timeouts Timeouts) *AristaEOS {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &AristaEOS{Timeouts: timeouts}
}

func (d *AristaEOS) profile() Profile {
	return Profile{
		VendorName:       "arista_eos",
		DisablePagingCmd: "terminal length 0",
		ShowConfigCmd:    "show running-config",
		EnterConfigCmd:   "configure terminal",
		ExitConfigCmd:    "end",
		PersistCmd:       "write memory",
	}
}

// Connect implements driver.Driver.
func (d *AristaEOS) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	return Connect(ctx, dev.MgmtAddress, cred, d.profile(), d.Timeouts)
}

// Capabilities implements driver.Driver.
func (d *AristaEOS) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: true,
		SupportsDiff:     true,
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *AristaEOS) DeviceType() device.Type { return device.AristaEosCli }
