package sshcli

import (
	"context"

	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// CiscoIOS drives Cisco IOS/IOS-XE devices over an interactive SSH shell.
type CiscoIOS struct {
	Addr     string
	Timeouts Timeouts
}

// NewCiscoIOS constructs a CiscoIOS driver. Timeouts defaults to
// DefaultTimeouts when the zero value is given.
func NewCiscoIOS(timeouts Timeouts) *CiscoIOS {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &CiscoIOS{Timeouts: timeouts}
}

func (d *CiscoIOS) ciscoProfile() Profile {
	return Profile{
		VendorName:       "cisco_ios",
		DisablePagingCmd: "terminal length 0",
		ShowConfigCmd:    "show running-config",
		EnterConfigCmd:   "configure terminal",
		ExitConfigCmd:    "end",
		PersistCmd:       "write memory",
	}
}

// Connect implements driver.Driver.
func (d *CiscoIOS) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	return Connect(ctx, dev.MgmtAddress, cred, d.ciscoProfile(), d.Timeouts)
}

// Capabilities implements driver.Driver. Interactive CLI push has no
// commit-check primitive and no transactional candidate datastore.
func (d *CiscoIOS) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: true,
		SupportsDiff:     true,
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *CiscoIOS) DeviceType() device.Type { return device.CiscoIosCli }
