package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/netauto/fleetctl/pkg/credential"
)

func newTestEAPISession(t *testing.T, handler http.HandlerFunc) (*eapiSession, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client, err := NewClient(srv.URL, credential.NewUserPassword("admin", "secret"), TLSConfig{}, DefaultTimeouts())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return &eapiSession{client: client}, srv
}

func TestEAPIExecReturnsFirstResult(t *testing.T) {
	sess, srv := newTestEAPISession(t, func(w http.ResponseWriter, r *http.Request) {
		var req eapiRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Params.Cmds) != 1 || req.Params.Cmds[0] != "show version" {
			t.Errorf("unexpected cmds: %+v", req.Params.Cmds)
		}
		resp := eapiResponse{Result: []json.RawMessage{json.RawMessage(`"EOS version 4.28"`)}}
		json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	out, err := sess.Exec(context.Background(), "show version")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if !strings.Contains(out, "EOS version") {
		t.Errorf("Exec() = %q, want it to contain the device output", out)
	}
}

func TestEAPIExecSurfacesRPCError(t *testing.T) {
	sess, srv := newTestEAPISession(t, func(w http.ResponseWriter, r *http.Request) {
		resp := eapiResponse{Error: &eapiError{Code: 1000, Message: "invalid command"}}
		json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	if _, err := sess.Exec(context.Background(), "bogus command"); err == nil {
		t.Fatal("expected an error when eAPI returns an RPC error object")
	}
}

func TestEAPIApplyConfigWrapsSnippetInConfigureEnd(t *testing.T) {
	var gotCmds []string
	sess, srv := newTestEAPISession(t, func(w http.ResponseWriter, r *http.Request) {
		var req eapiRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotCmds = req.Params.Cmds
		json.NewEncoder(w).Encode(eapiResponse{Result: []json.RawMessage{json.RawMessage(`""`)}})
	})
	defer srv.Close()

	result, err := sess.ApplyConfig(context.Background(), "ntp server 10.0.0.1\nntp server 10.0.0.2", false, false)
	if err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}
	if !result.Applied {
		t.Error("expected Applied = true")
	}
	want := []string{"configure", "ntp server 10.0.0.1", "ntp server 10.0.0.2", "end"}
	if len(gotCmds) != len(want) {
		t.Fatalf("cmds = %v, want %v", gotCmds, want)
	}
	for i := range want {
		if gotCmds[i] != want[i] {
			t.Errorf("cmds[%d] = %q, want %q", i, gotCmds[i], want[i])
		}
	}
}

func TestEAPIApplyConfigRejectsDryRun(t *testing.T) {
	sess, srv := newTestEAPISession(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("eAPI dry-run should short-circuit before issuing any request")
	})
	defer srv.Close()

	if _, err := sess.ApplyConfig(context.Background(), "ntp server 10.0.0.1", true, false); err == nil {
		t.Fatal("expected an error for dry_run against the eAPI driver")
	}
}

func TestEAPIRollbackUnsupported(t *testing.T) {
	sess, srv := newTestEAPISession(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("Rollback should never issue an HTTP request")
	})
	defer srv.Close()

	if err := sess.Rollback(context.Background(), "some prior config"); err == nil {
		t.Fatal("expected eAPI Rollback to report unsupported")
	}
}

func TestEAPIDriverCapabilitiesAndDeviceType(t *testing.T) {
	d := NewEAPI(TLSConfig{}, DefaultTimeouts())
	caps := d.Capabilities()
	if !caps.SupportsDiff {
		t.Error("eAPI should support diff capture")
	}
	if caps.SupportsRollback {
		t.Error("eAPI should not claim rollback support")
	}
	if d.DeviceType() != "arista_eos_http" {
		t.Errorf("DeviceType() = %q, want arista_eos_http", d.DeviceType())
	}
}
