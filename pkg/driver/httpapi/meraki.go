package httpapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// Meraki drives devices managed through the Meraki cloud dashboard API.
// Unlike the other HTTP/JSON drivers, Meraki's API is resource-oriented
// REST (device/network objects), not a CLI gateway; ApplyConfig treats
// snippet as a JSON body PUT onto the device's management-interface
// resource. Meraki is the Open-Question-resolved case where rollback is
// unsupported: the cloud API has no revert-to-prior-revision primitive
// exposed for arbitrary device settings, so SupportsRollback stays false.
type Meraki struct {
	BaseURL  string
	Timeouts Timeouts

	// OAuth, when set, builds the client via client-credentials flow
	// instead of the credential-resolver-sourced bearer token, matching
	// how Meraki's newer dashboard API organizations authorize
	// automation clients.
	OAuthTokenURL    string
	OAuthClientID    string
	OAuthClientSecret string
}

// NewMeraki constructs a Meraki driver. baseURL is normally
// "https://api.meraki.com/api/v1".
func NewMeraki(baseURL string, timeouts Timeouts) *Meraki {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &Meraki{BaseURL: baseURL, Timeouts: timeouts}
}

type merakiSession struct {
	client   *Client
	deviceID string
}

// Connect implements driver.Driver. When OAuthTokenURL is configured the
// session authenticates via client-credentials instead of the resolved
// credential's bearer token.
func (d *Meraki) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	var client *Client
	if d.OAuthTokenURL != "" {
		client = NewOAuthClient(ctx, d.BaseURL, d.OAuthTokenURL, d.OAuthClientID, d.OAuthClientSecret, d.Timeouts)
	} else {
		var err error
		client, err = NewClient(d.BaseURL, cred, TLSConfig{}, d.Timeouts)
		if err != nil {
			return nil, err
		}
	}
	return &merakiSession{client: client, deviceID: dev.ID}, nil
}

// Capabilities implements driver.Driver.
func (d *Meraki) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: false,
		SupportsDiff:     true,
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *Meraki) DeviceType() device.Type { return device.MerakiCloudHttp }

// Exec maps command to a GET against the device's management resource;
// Meraki's dashboard API has no free-form CLI command concept, so command
// is interpreted as a resource sub-path, e.g. "managementInterface".
func (s *merakiSession) Exec(ctx context.Context, command string) (string, error) {
	var out json.RawMessage
	if err := s.client.Do(ctx, "GET", fmt.Sprintf("/devices/%s/%s", s.deviceID, command), nil, &out); err != nil {
		return "", errs.New(errs.Execute, "meraki.Exec", err)
	}
	return string(out), nil
}

// GetConfig returns the device's management-interface settings as JSON;
// Meraki has no "running-config" concept.
func (s *merakiSession) GetConfig(ctx context.Context) (string, error) {
	return s.Exec(ctx, "managementInterface")
}

// ApplyConfig PUTs snippet (expected to be a JSON object) onto the
// device's management-interface resource. dryRun is rejected since the
// dashboard API commits settings changes immediately with no
// commit-check mode. persistStartup is a no-op: Meraki settings are
// always persisted by the cloud, there is no separate startup config.
func (s *merakiSession) ApplyConfig(ctx context.Context, snippet string, dryRun, _ bool) (driver.ApplyResult, error) {
	if dryRun {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "meraki.ApplyConfig", fmt.Errorf("driver does not support dry-run apply"))
	}

	var body json.RawMessage
	if err := json.Unmarshal([]byte(snippet), &body); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "meraki.ApplyConfig", fmt.Errorf("snippet is not valid json: %w", err))
	}

	if err := s.client.Do(ctx, "PUT", fmt.Sprintf("/devices/%s/managementInterface", s.deviceID), body, nil); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "meraki.ApplyConfig", err)
	}
	return driver.ApplyResult{Applied: true}, nil
}

// Rollback always fails: Meraki's dashboard API exposes no revert
// primitive for the device settings this driver touches, per the
// resolved Open Question that Meraki rollback stays unsupported.
func (s *merakiSession) Rollback(ctx context.Context, _ string) error {
	return errs.New(errs.Rollback, "meraki.Rollback", fmt.Errorf("meraki driver does not support rollback"))
}

func (s *merakiSession) Close(_ context.Context) error { return nil }
