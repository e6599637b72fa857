package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
	"github.com/netauto/fleetctl/pkg/driver"
)

// NXOS drives Cisco NX-OS devices over NX-API's JSON-RPC CLI gateway,
// which accepts the device's normal CLI command strings wrapped in a
// JSON-RPC envelope rather than requiring a separate structured schema.
type NXOS struct {
	TLS      TLSConfig
	Timeouts Timeouts
}

// NewNXOS constructs an NXOS driver.
func NewNXOS(tlsCfg TLSConfig, timeouts Timeouts) *NXOS {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &NXOS{TLS: tlsCfg, Timeouts: timeouts}
}

type nxosSession struct {
	client *Client
}

type nxapiRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	Method  string       `json:"method"`
	Params  nxapiParams  `json:"params"`
	ID      int          `json:"id"`
}

type nxapiParams struct {
	Cmd     string `json:"cmd"`
	Version int    `json:"version"`
}

type nxapiResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *nxapiError     `json:"error"`
}

type nxapiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Connect implements driver.Driver.
func (d *NXOS) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	client, err := NewClient("https://"+dev.MgmtAddress, cred, d.TLS, d.Timeouts)
	if err != nil {
		return nil, err
	}
	return &nxosSession{client: client}, nil
}

// Capabilities implements driver.Driver. NX-API has no native commit-check
// or rollback-to-snapshot primitive over the CLI gateway.
func (d *NXOS) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: false,
		SupportsDiff:     true,
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *NXOS) DeviceType() device.Type { return device.CiscoNxosHttp }

func (s *nxosSession) runCLI(ctx context.Context, cmd string) (string, error) {
	req := nxapiRequest{JSONRPC: "2.0", Method: "cli", Params: nxapiParams{Cmd: cmd, Version: 1}, ID: 1}
	var resp nxapiResponse
	if err := s.client.Do(ctx, "POST", "/ins", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("nx-api error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return string(resp.Result), nil
}

func (s *nxosSession) Exec(ctx context.Context, command string) (string, error) {
	out, err := s.runCLI(ctx, command)
	if err != nil {
		return "", errs.New(errs.Execute, "nxos.Exec", err)
	}
	return out, nil
}

func (s *nxosSession) GetConfig(ctx context.Context) (string, error) {
	out, err := s.runCLI(ctx, "show running-config")
	if err != nil {
		return "", errs.New(errs.Execute, "nxos.GetConfig", err)
	}
	return out, nil
}

// ApplyConfig submits snippet's lines as a single semicolon-joined CLI
// batch, the idiom NX-API uses for multi-command config submission.
// dryRun is rejected since NX-API's CLI gateway has no commit-check mode;
// persistStartup triggers a "copy running-config startup-config" after a
// successful apply.
func (s *nxosSession) ApplyConfig(ctx context.Context, snippet string, dryRun, persistStartup bool) (driver.ApplyResult, error) {
	if dryRun {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "nxos.ApplyConfig", fmt.Errorf("driver does not support dry-run apply"))
	}

	var cmds []string
	for _, line := range strings.Split(snippet, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cmds = append(cmds, line)
		}
	}
	if _, err := s.runCLI(ctx, strings.Join(cmds, " ; ")); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "nxos.ApplyConfig", err)
	}

	if persistStartup {
		if _, err := s.runCLI(ctx, "copy running-config startup-config"); err != nil {
			return driver.ApplyResult{}, errs.New(errs.ConfigApply, "nxos.ApplyConfig", fmt.Errorf("persisting startup config: %w", err))
		}
	}
	return driver.ApplyResult{Applied: true}, nil
}

// Rollback is unsupported: NX-API's CLI gateway exposes no config
// checkpoint/rollback primitive over this transport.
func (s *nxosSession) Rollback(ctx context.Context, _ string) error {
	return errs.New(errs.Rollback, "nxos.Rollback", fmt.Errorf("nx-api driver does not support rollback"))
}

func (s *nxosSession) Close(_ context.Context) error { return nil }
