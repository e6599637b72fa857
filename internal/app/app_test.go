package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCAPEM(t *testing.T) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating test key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fleetctl-test-ca"},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Unix(0, 0).Add(100 * 365 * 24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating test certificate: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestBuildHTTPTLSConfigEmptyPathVerifiesAgainstSystemTrustStore(t *testing.T) {
	cfg, err := buildHTTPTLSConfig("")
	if err != nil {
		t.Fatalf("buildHTTPTLSConfig() error = %v", err)
	}
	if cfg.RootCAs != nil {
		t.Error("RootCAs should be nil when no trust bundle is configured, not a default InsecureSkipVerify")
	}
	if cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify must never default to true based on an unset trust bundle")
	}
}

func TestBuildHTTPTLSConfigLoadsTrustBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pem")
	if err := os.WriteFile(path, generateTestCAPEM(t), 0o600); err != nil {
		t.Fatalf("writing trust bundle fixture: %v", err)
	}

	cfg, err := buildHTTPTLSConfig(path)
	if err != nil {
		t.Fatalf("buildHTTPTLSConfig() error = %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("RootCAs should be populated from the trust bundle file")
	}
	if cfg.InsecureSkipVerify {
		t.Error("a configured trust bundle must never imply InsecureSkipVerify")
	}
}

func TestBuildHTTPTLSConfigMissingFile(t *testing.T) {
	if _, err := buildHTTPTLSConfig(filepath.Join(t.TempDir(), "does-not-exist.pem")); err == nil {
		t.Fatal("expected an error for a missing trust bundle file")
	}
}

func TestBuildHTTPTLSConfigInvalidPEM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.pem")
	if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	if _, err := buildHTTPTLSConfig(path); err == nil {
		t.Fatal("expected an error for a trust bundle with no usable PEM certificates")
	}
}
