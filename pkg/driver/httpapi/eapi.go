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

// EAPI drives Arista EOS devices over eAPI, the vendor's JSON-RPC CLI
// gateway. It is preferred over the sshcli Arista driver whenever the
// device's management plane exposes HTTPS.
type EAPI struct {
	TLS      TLSConfig
	Timeouts Timeouts
}

// NewEAPI constructs an EAPI driver.
func NewEAPI(tlsCfg TLSConfig, timeouts Timeouts) *EAPI {
	if timeouts == (Timeouts{}) {
		timeouts = DefaultTimeouts()
	}
	return &EAPI{TLS: tlsCfg, Timeouts: timeouts}
}

type eapiSession struct {
	client *Client
}

type eapiRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  eapiParams `json:"params"`
	ID      string     `json:"id"`
}

type eapiParams struct {
	Version int      `json:"version"`
	Cmds    []string `json:"cmds"`
	Format  string   `json:"format"`
}

type eapiResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *eapiError        `json:"error"`
}

type eapiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Connect implements driver.Driver.
func (d *EAPI) Connect(ctx context.Context, dev device.Device, cred credential.Credential) (driver.Session, error) {
	client, err := NewClient("https://"+dev.MgmtAddress, cred, d.TLS, d.Timeouts)
	if err != nil {
		return nil, err
	}
	return &eapiSession{client: client}, nil
}

// Capabilities implements driver.Driver.
func (d *EAPI) Capabilities() driver.CapabilitySet {
	return driver.CapabilitySet{
		SupportsCommit:   false,
		SupportsDryRun:   false,
		SupportsRollback: false,
		SupportsDiff:     true,
		Transactional:    false,
	}
}

// DeviceType implements driver.Driver.
func (d *EAPI) DeviceType() device.Type { return device.AristaEosHttp }

func (s *eapiSession) runCmds(ctx context.Context, cmds []string, format string) ([]json.RawMessage, error) {
	req := eapiRequest{JSONRPC: "2.0", Method: "runCmds", Params: eapiParams{Version: 1, Cmds: cmds, Format: format}, ID: "fleetctl-1"}
	var resp eapiResponse
	if err := s.client.Do(ctx, "POST", "/command-api", req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("eapi error %d: %s", resp.Error.Code, resp.Error.Message)
	}
	return resp.Result, nil
}

func (s *eapiSession) Exec(ctx context.Context, command string) (string, error) {
	results, err := s.runCmds(ctx, []string{command}, "text")
	if err != nil {
		return "", errs.New(errs.Execute, "eapi.Exec", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return string(results[0]), nil
}

func (s *eapiSession) GetConfig(ctx context.Context) (string, error) {
	results, err := s.runCmds(ctx, []string{"show running-config"}, "text")
	if err != nil {
		return "", errs.New(errs.Execute, "eapi.GetConfig", err)
	}
	if len(results) == 0 {
		return "", nil
	}
	return string(results[0]), nil
}

// ApplyConfig submits snippet's lines as a single runCmds batch wrapped in
// "configure"/"end", eAPI's idiom for atomic multi-line config push.
// dryRun is rejected: eAPI's command-api has no commit-check mode.
func (s *eapiSession) ApplyConfig(ctx context.Context, snippet string, dryRun, persistStartup bool) (driver.ApplyResult, error) {
	if dryRun {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "eapi.ApplyConfig", fmt.Errorf("driver does not support dry-run apply"))
	}

	cmds := []string{"configure"}
	for _, line := range strings.Split(snippet, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cmds = append(cmds, line)
		}
	}
	cmds = append(cmds, "end")

	if _, err := s.runCmds(ctx, cmds, "text"); err != nil {
		return driver.ApplyResult{}, errs.New(errs.ConfigApply, "eapi.ApplyConfig", err)
	}

	if persistStartup {
		if _, err := s.runCmds(ctx, []string{"write memory"}, "text"); err != nil {
			return driver.ApplyResult{}, errs.New(errs.ConfigApply, "eapi.ApplyConfig", fmt.Errorf("persisting startup config: %w", err))
		}
	}
	return driver.ApplyResult{Applied: true}, nil
}

// Rollback is unsupported: eAPI's command-api exposes no config
// checkpoint primitive over this transport.
func (s *eapiSession) Rollback(ctx context.Context, _ string) error {
	return errs.New(errs.Rollback, "eapi.Rollback", fmt.Errorf("eapi driver does not support rollback"))
}

func (s *eapiSession) Close(_ context.Context) error { return nil }
