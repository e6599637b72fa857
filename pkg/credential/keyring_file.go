package credential

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const fileStoreVersion = 1
const fileStoreCipher = "chacha20poly1305"
const hkdfInfo = "fleetctl-keyring-v1"

// MasterSecretProvider sources the master secret that seals the
// encrypted-file fallback's derived key. The spec requires this secret
// itself live in the OS keychain; FileStore never persists it.
type MasterSecretProvider interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// fileHeader is the on-disk envelope described by spec §6:
// {version, cipher, nonce} followed by ciphertext.
type fileHeader struct {
	Version int    `json:"version"`
	Cipher  string `json:"cipher"`
	Nonce   []byte `json:"nonce"`
}

type fileEnvelope struct {
	Header     fileHeader `json:"header"`
	Ciphertext []byte     `json:"ciphertext"`
}

// FileStore is the encrypted-file SecretStore fallback used when the OS
// keychain is unavailable (headless hosts). It stores a single ciphertext
// blob containing a name -> serialized-credential map.
type FileStore struct {
	path   string
	master MasterSecretProvider
	mu     sync.Mutex
}

// NewFileStore creates a FileStore backed by the file at path.
func NewFileStore(path string, master MasterSecretProvider) *FileStore {
	return &FileStore{path: path, master: master}
}

func (f *FileStore) deriveKey(ctx context.Context) ([]byte, error) {
	secret, err := f.master.MasterSecret(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving keyring key: %v", ErrUnavailable, err)
	}
	kdf := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: deriving keyring key: %v", ErrUnavailable, err)
	}
	return key, nil
}

func (f *FileStore) loadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: reading keyring file: %v", ErrUnavailable, err)
	}

	var env fileEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: parsing keyring envelope: %v", ErrDecode, err)
	}
	if env.Header.Version != fileStoreVersion || env.Header.Cipher != fileStoreCipher {
		return nil, fmt.Errorf("%w: unsupported keyring envelope version/cipher", ErrDecode)
	}

	key, err := f.deriveKey(ctx)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing aead: %v", ErrUnavailable, err)
	}
	plaintext, err := aead.Open(nil, env.Header.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting keyring: %v", ErrDecode, err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("%w: parsing keyring contents: %v", ErrDecode, err)
	}
	return m, nil
}

func (f *FileStore) saveAll(ctx context.Context, m map[string]json.RawMessage) error {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling keyring contents: %w", err)
	}

	key, err := f.deriveKey(ctx)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("%w: constructing aead: %v", ErrUnavailable, err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("%w: generating nonce: %v", ErrUnavailable, err)
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	env := fileEnvelope{
		Header:     fileHeader{Version: fileStoreVersion, Cipher: fileStoreCipher, Nonce: nonce},
		Ciphertext: ciphertext,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling keyring envelope: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".keyring-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating keyring temp file: %v", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing keyring temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: chmod keyring temp file: %v", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing keyring temp file: %v", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("%w: renaming keyring temp file: %v", ErrUnavailable, err)
	}
	return nil
}

// Read returns the raw serialized credential bytes stored under name, or
// ErrNotFound if absent.
func (f *FileStore) Read(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := m[name]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Write upserts the raw serialized credential bytes under name.
func (f *FileStore) Write(ctx context.Context, name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.loadAll(ctx)
	if err != nil {
		return err
	}
	m[name] = json.RawMessage(value)
	return f.saveAll(ctx, m)
}

// Remove deletes the named entry, if present.
func (f *FileStore) Remove(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.loadAll(ctx)
	if err != nil {
		return err
	}
	delete(m, name)
	return f.saveAll(ctx, m)
}

// StaticMasterSecret is a MasterSecretProvider that returns a fixed secret
// sourced once at process start (the operator-supplied KEYRING_MASTER_SECRET
// value). Worker hosts run headless with no OS keychain session to source
// this from interactively, so the secret is provided through the same
// environment-variable configuration path as everything else in the
// ambient stack.
type StaticMasterSecret struct {
	secret []byte
}

// NewStaticMasterSecret wraps a pre-provisioned secret string.
func NewStaticMasterSecret(secret string) StaticMasterSecret {
	return StaticMasterSecret{secret: []byte(secret)}
}

// MasterSecret implements MasterSecretProvider.
func (s StaticMasterSecret) MasterSecret(context.Context) ([]byte, error) {
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("%w: no keyring master secret configured", ErrUnavailable)
	}
	return s.secret, nil
}
