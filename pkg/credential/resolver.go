package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/netauto/fleetctl/pkg/device"
)

// Resolver failure classes. NotFound and Decode are fatal; Unavailable
// triggers exactly one retry (see Resolver.Resolve).
var (
	ErrNotFound    = errors.New("credential: not found")
	ErrUnavailable = errors.New("credential: secret store unavailable")
	ErrDecode      = errors.New("credential: could not decode stored secret")
)

// SecretStore is the platform secret store the core consumes (spec §6).
// NewResolver takes a primary store (for example an OS keychain) and an
// optional, separate fallback store (for example the encrypted file); the
// fallback is read only after the primary still reports itself
// unavailable on its one retry (headless hosts).
type SecretStore interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, value []byte) error
	Remove(ctx context.Context, name string) error
}

// AuditSink is the narrow slice of the audit sink the resolver needs. It is
// defined here, rather than imported from pkg/audit, so that credential
// never depends on the audit package's storage concerns.
type AuditSink interface {
	RecordCredentialAccess(ctx context.Context, actor, credentialName string, kind device.CredentialKind) error
}

// secretRecord is the JSON shape a store value decodes into.
type secretRecord struct {
	Kind       device.CredentialKind `json:"kind"`
	Username   string                `json:"username,omitempty"`
	Password   string                `json:"password,omitempty"`
	KeyBytes   []byte                `json:"key_bytes,omitempty"`
	Passphrase string                `json:"passphrase,omitempty"`
	Token      string                `json:"token,omitempty"`
}

// Resolver implements the Credential Resolver contract (spec §4.1): consult
// the primary store, fall back to a secondary store when the primary
// reports Unavailable, audit every successful resolution, and retry exactly
// once on a transient Unavailable failure.
type Resolver struct {
	primary  SecretStore
	fallback SecretStore // may be nil
	audit    AuditSink
	logger   *slog.Logger
	actor    string
	backoff  time.Duration
}

// NewResolver constructs a Resolver. fallback may be nil when no
// encrypted-file fallback is configured.
func NewResolver(primary, fallback SecretStore, audit AuditSink, logger *slog.Logger) *Resolver {
	return &Resolver{
		primary:  primary,
		fallback: fallback,
		audit:    audit,
		logger:   logger,
		actor:    "fleetctl-engine",
		backoff:  250 * time.Millisecond,
	}
}

// Resolve fetches and decodes the named credential, auditing the access
// before returning it to the caller. The returned Credential must be
// scrubbed by the caller once its driver connection attempt concludes.
func (r *Resolver) Resolve(ctx context.Context, ref device.CredentialRef) (Credential, error) {
	raw, err := r.readWithFallback(ctx, ref.Name)
	if err != nil {
		return Credential{}, err
	}

	cred, err := decode(raw)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if err := Validate(ref, cred); err != nil {
		return Credential{}, err
	}

	if r.audit != nil {
		if err := r.audit.RecordCredentialAccess(ctx, r.actor, ref.Name, ref.Kind); err != nil {
			r.logger.Warn("credential access audit write failed", "credential_name", ref.Name, "error", err)
		}
	}

	return cred, nil
}

func (r *Resolver) readWithFallback(ctx context.Context, name string) ([]byte, error) {
	raw, err := r.readOnce(ctx, r.primary, name)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrUnavailable) {
		return nil, err
	}

	r.logger.Warn("primary secret store unavailable, retrying then falling back", "credential_name", name)
	select {
	case <-time.After(r.backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw, retryErr := r.readOnce(ctx, r.primary, name)
	if retryErr == nil {
		return raw, nil
	}
	if !errors.Is(retryErr, ErrUnavailable) || r.fallback == nil {
		return nil, retryErr
	}

	return r.readOnce(ctx, r.fallback, name)
}

func (r *Resolver) readOnce(ctx context.Context, store SecretStore, name string) ([]byte, error) {
	if store == nil {
		return nil, ErrUnavailable
	}
	raw, err := store.Read(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDecode) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw, nil
}

func decode(raw []byte) (Credential, error) {
	var rec secretRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Credential{}, err
	}
	switch rec.Kind {
	case device.KindUserPassword:
		return NewUserPassword(rec.Username, rec.Password), nil
	case device.KindSSHKey:
		return NewSSHKey(rec.Username, rec.KeyBytes, rec.Passphrase), nil
	case device.KindAPIToken:
		return NewAPIToken(rec.Token), nil
	default:
		return Credential{}, fmt.Errorf("unknown credential kind %q", rec.Kind)
	}
}
