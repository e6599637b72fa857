// Package httpapi implements the HTTP/JSON driver family (spec §4.3) for
// devices managed through a REST or JSON-RPC control-plane API: Cisco
// NX-OS (NX-API), Meraki cloud dashboard, and Arista eAPI. All three share
// a pooled, cert-verified client, bearer/basic auth sourced from the
// resolved credential, and a single outer retry for the transient error
// class (spec §5).
package httpapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/netauto/fleetctl/internal/errs"
	"github.com/netauto/fleetctl/pkg/credential"
	"github.com/netauto/fleetctl/pkg/device"
)

// Timeouts bundles the connect (dial+TLS) and per-request deadlines.
type Timeouts struct {
	Connect time.Duration
	Request time.Duration
}

// DefaultTimeouts mirrors spec §5's defaults for the HTTP driver class.
func DefaultTimeouts() Timeouts {
	return Timeouts{Connect: 30 * time.Second, Request: 15 * time.Second}
}

// TLSConfig lets callers supply a custom trust bundle; InsecureSkipVerify
// is only intended for lab gear that presents a self-signed certificate.
// RootCAs nil means verify against the host's default system trust store.
type TLSConfig struct {
	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
}

// Client is the shared transport every httpapi driver wraps. It is safe
// for concurrent use across multiple device sessions.
type Client struct {
	http    *http.Client
	baseURL string
	auth    authStyle
}

type authStyle struct {
	basicUser string
	basicPass string
	bearer    string
}

// NewClient builds a pooled HTTP client for baseURL using cred to pick an
// auth style: UserPassword becomes HTTP basic auth, ApiToken becomes a
// bearer header. SSHKey credentials are rejected since no HTTP driver
// accepts key-based auth.
func NewClient(baseURL string, cred credential.Credential, tlsCfg TLSConfig, timeouts Timeouts) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			RootCAs:            tlsCfg.RootCAs,
			InsecureSkipVerify: tlsCfg.InsecureSkipVerify,
		},
		MaxIdleConnsPerHost: 4,
	}

	httpClient := &http.Client{Transport: transport, Timeout: timeouts.Request}

	style := authStyle{}
	switch cred.Kind() {
	case device.KindUserPassword:
		style.basicUser = cred.Username()
		style.basicPass = string(cred.Password())
	case device.KindAPIToken:
		style.bearer = string(cred.Token())
	default:
		return nil, errs.New(errs.Connect, "httpapi.NewClient", fmt.Errorf("credential kind %q unsupported for an http api driver", cred.Kind()))
	}

	return &Client{http: httpClient, baseURL: baseURL, auth: style}, nil
}

// NewOAuthClient builds a client that obtains bearer tokens via OAuth2
// client-credentials flow (Meraki-class SaaS control planes that front
// device management behind a cloud API gateway).
func NewOAuthClient(ctx context.Context, baseURL, tokenURL, clientID, clientSecret string, timeouts Timeouts) *Client {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}
	httpClient := &http.Client{Timeout: timeouts.Request}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	return &Client{http: cfg.Client(ctx), baseURL: baseURL}
}

// Do issues method/path with body marshaled as JSON (nil body is allowed)
// and unmarshals a successful response into out (nil out discards the
// body). It retries exactly once on a transient failure class: connection
// errors, context deadline from the dial, or a 5xx status. 4xx responses
// are never retried.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return errs.New(errs.Execute, "httpapi.Do", fmt.Errorf("marshaling request body: %w", err))
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			backoff := 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return errs.New(errs.Timeout, "httpapi.Do", ctx.Err())
			case <-time.After(backoff):
			}
		}

		status, respBody, err := c.doOnce(ctx, method, path, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("server error: status %d", status)
			continue
		}
		if status >= 400 {
			return errs.New(errs.Execute, "httpapi.Do", fmt.Errorf("client error: status %d: %s", status, string(respBody)))
		}
		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return errs.New(errs.Execute, "httpapi.Do", fmt.Errorf("decoding response: %w", err))
			}
		}
		return nil
	}
	return errs.New(errs.Connect, "httpapi.Do", fmt.Errorf("after retry: %w", lastErr))
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.auth.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.auth.bearer)
	} else if c.auth.basicUser != "" {
		req.SetBasicAuth(c.auth.basicUser, c.auth.basicPass)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("issuing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
