package credential

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/netauto/fleetctl/pkg/device"
)

type fakeStore struct {
	records  map[string][]byte
	failWith error
	reads    atomic.Int32
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string][]byte{}} }

func (f *fakeStore) Read(_ context.Context, name string) ([]byte, error) {
	f.reads.Add(1)
	if f.failWith != nil {
		return nil, f.failWith
	}
	v, ok := f.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (f *fakeStore) Write(_ context.Context, name string, value []byte) error {
	f.records[name] = value
	return nil
}

func (f *fakeStore) Remove(_ context.Context, name string) error {
	delete(f.records, name)
	return nil
}

type fakeAudit struct {
	calls int
	err   error
}

func (a *fakeAudit) RecordCredentialAccess(context.Context, string, string, device.CredentialKind) error {
	a.calls++
	return a.err
}

func mustMarshal(t *testing.T, rec secretRecord) []byte {
	t.Helper()
	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshaling fixture: %v", err)
	}
	return b
}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestResolverResolvesFromPrimary(t *testing.T) {
	primary := newFakeStore()
	primary.records["sw-1"] = mustMarshal(t, secretRecord{Kind: device.KindUserPassword, Username: "admin", Password: "hunter2"})
	audit := &fakeAudit{}

	r := NewResolver(primary, nil, audit, testLogger())
	cred, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindUserPassword})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if cred.Username() != "admin" || string(cred.Password()) != "hunter2" {
		t.Errorf("cred = %+v, want admin/hunter2", cred)
	}
	if audit.calls != 1 {
		t.Errorf("audit.calls = %d, want 1", audit.calls)
	}
}

func TestResolverNotFoundDoesNotFallBackOrAudit(t *testing.T) {
	primary := newFakeStore()
	fallback := newFakeStore()
	fallback.records["sw-1"] = mustMarshal(t, secretRecord{Kind: device.KindUserPassword, Username: "admin", Password: "x"})
	audit := &fakeAudit{}

	r := NewResolver(primary, fallback, audit, testLogger())
	_, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindUserPassword})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if audit.calls != 0 {
		t.Errorf("audit.calls = %d, want 0 on a NotFound failure", audit.calls)
	}
}

func TestResolverFallsBackWhenPrimaryUnavailable(t *testing.T) {
	primary := newFakeStore()
	primary.failWith = errors.New("keychain locked")
	fallback := newFakeStore()
	fallback.records["sw-1"] = mustMarshal(t, secretRecord{Kind: device.KindAPIToken, Token: "tok-xyz"})

	r := NewResolver(primary, fallback, nil, testLogger())
	r.backoff = 0
	cred, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindAPIToken})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if string(cred.Token()) != "tok-xyz" {
		t.Errorf("Token() = %q, want %q", cred.Token(), "tok-xyz")
	}
	if primary.reads.Load() != 2 {
		t.Errorf("primary reads = %d, want 2 (initial + single retry)", primary.reads.Load())
	}
}

func TestResolverReturnsUnavailableWithNoFallback(t *testing.T) {
	primary := newFakeStore()
	primary.failWith = errors.New("keychain locked")

	r := NewResolver(primary, nil, nil, testLogger())
	r.backoff = 0
	_, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindUserPassword})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestResolverRejectsKindMismatch(t *testing.T) {
	primary := newFakeStore()
	primary.records["sw-1"] = mustMarshal(t, secretRecord{Kind: device.KindUserPassword, Username: "admin", Password: "x"})

	r := NewResolver(primary, nil, nil, testLogger())
	_, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindSSHKey})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("err = %v, want ErrDecode", err)
	}
}

func TestResolverAuditFailureDoesNotFailResolve(t *testing.T) {
	primary := newFakeStore()
	primary.records["sw-1"] = mustMarshal(t, secretRecord{Kind: device.KindUserPassword, Username: "admin", Password: "x"})
	audit := &fakeAudit{err: errors.New("audit sink down")}

	r := NewResolver(primary, nil, audit, testLogger())
	_, err := r.Resolve(context.Background(), device.CredentialRef{Name: "sw-1", Kind: device.KindUserPassword})
	if err != nil {
		t.Fatalf("Resolve() error = %v, want nil even though the audit write failed", err)
	}
}

func TestCredentialScrubZeroesSecretMaterial(t *testing.T) {
	cred := NewUserPassword("admin", "hunter2")
	cred.Scrub()
	for _, b := range cred.Password() {
		if b != 0 {
			t.Fatal("Scrub() left non-zero bytes in Password()")
		}
	}
	if cred.Username() != "" {
		t.Error("Scrub() should clear the username too")
	}
}
