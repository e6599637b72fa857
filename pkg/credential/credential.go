package credential

import (
	"fmt"

	"github.com/netauto/fleetctl/pkg/device"
)

// Credential is a sensitive value returned by the resolver. It exposes its
// secret material only through explicit accessors and must be scrubbed by
// the caller once the driver connection attempt that consumed it is over.
//
// Credential is a tagged union over device.CredentialKind; only the
// accessors matching Kind() are valid to call.
type Credential struct {
	kind       device.CredentialKind
	username   string
	password   []byte
	keyBytes   []byte
	passphrase []byte
	token      []byte
	scrubbed   bool
}

// NewUserPassword builds a UserPassword credential.
func NewUserPassword(username, password string) Credential {
	return Credential{kind: device.KindUserPassword, username: username, password: []byte(password)}
}

// NewSSHKey builds an SshKey credential. passphrase may be empty.
func NewSSHKey(username string, keyBytes []byte, passphrase string) Credential {
	c := Credential{kind: device.KindSSHKey, username: username, keyBytes: append([]byte(nil), keyBytes...)}
	if passphrase != "" {
		c.passphrase = []byte(passphrase)
	}
	return c
}

// NewAPIToken builds an ApiToken credential.
func NewAPIToken(token string) Credential {
	return Credential{kind: device.KindAPIToken, token: []byte(token)}
}

// Kind reports which variant this credential holds.
func (c Credential) Kind() device.CredentialKind { return c.kind }

// Username returns the username for UserPassword and SshKey variants.
func (c Credential) Username() string { return c.username }

// Password returns the password bytes for a UserPassword credential.
// Returns nil for any other kind.
func (c Credential) Password() []byte {
	if c.kind != device.KindUserPassword {
		return nil
	}
	return c.password
}

// PrivateKey returns the key bytes for an SshKey credential.
func (c Credential) PrivateKey() []byte {
	if c.kind != device.KindSSHKey {
		return nil
	}
	return c.keyBytes
}

// Passphrase returns the optional key passphrase for an SshKey credential.
func (c Credential) Passphrase() []byte {
	if c.kind != device.KindSSHKey {
		return nil
	}
	return c.passphrase
}

// Token returns the bearer token for an ApiToken credential.
func (c Credential) Token() []byte {
	if c.kind != device.KindAPIToken {
		return nil
	}
	return c.token
}

// Scrub overwrites all secret-bearing memory held by this credential. It is
// safe to call more than once. Callers must defer Scrub immediately after a
// successful resolve, per the spec's RAII-style resource-scoping requirement.
func (c *Credential) Scrub() {
	if c.scrubbed {
		return
	}
	zero(c.password)
	zero(c.keyBytes)
	zero(c.passphrase)
	zero(c.token)
	c.username = ""
	c.scrubbed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Validate checks that the credential's kind matches the device's declared
// CredentialRef.Kind, returning a Decode-class error on mismatch.
func Validate(ref device.CredentialRef, c Credential) error {
	if ref.Kind != c.kind {
		return fmt.Errorf("%w: credential_ref %q declares kind %q, store returned %q", ErrDecode, ref.Name, ref.Kind, c.kind)
	}
	return nil
}
