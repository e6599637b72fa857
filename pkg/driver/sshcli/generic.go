package sshcli

import (
	"context"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// Generic drives any device.GenericSshCli-tagged target with a
// least-common-denominator profile: no pager-disable command, no
// show-config command, and bracket-style config framing that works on most
// Cisco-like CLIs. Rollback and diff are reported only when the supplied
// Profile sets ShowConfigCmd, since without it the generic profile cannot
// capture the running configuration.
type Generic struct {
	Timeouts Timeouts
	Profile  Profile
}

// NewGeneric constructs a Generic driver. profile lets a caller supply
// device-specific tokens discovered at onboarding time; the zero Profile
// falls back to bare "configure"/"end" framing with no persist step.
func NewGeneric(profile Profile, timeouts Timeouts) *Generic {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	if profile.EnterConfigCmd == "" {
		profile.EnterConfigCmd = "configure"
	}
	if profile.ExitConfigCmd == "" {
		profile.ExitConfigCmd = "end"
	}
	return &Generic{Timeouts: timeouts, Profile: profile}
}

// Connect implements driver.Driver.
func (d *Generic) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	return Connect(ctx, dev.MgmtAddress, cred, d.Profile, d.Timeouts)
}

// Capabilities implements driver.Driver.
func (d *Generic) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: d.Profile.ShowConfigCmd != "",
		SupportsDiff:     d.Profile.ShowConfigCmd != "",
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *Generic) DeviceType() device.Type { return device.GenericSshCli }
