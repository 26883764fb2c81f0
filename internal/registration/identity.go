package registration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"acme/pkg/logging"
)

const (
	keyFileName  = "device.key"
	certFileName = "device.crt"

	rsaKeyBits = 2048
)

// Identity holds the device keypair and the registrar-signed
// certificate, persisted under baseDir/identity.
type Identity struct {
	mu   sync.Mutex
	dir  string
	key  *rsa.PrivateKey
	cert *x509.Certificate

	keyPEM  []byte
	certPEM []byte
}

// NewIdentity loads any persisted identity from dir. A missing
// identity is not an error: the device has simply never registered.
func NewIdentity(dir string) (*Identity, error) {
	id := &Identity{dir: dir}

	keyData, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return id, nil
		}
		return nil, fmt.Errorf("failed to read device key: %w", err)
	}
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("device key at %s is not PEM", dir)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device key: %w", err)
	}
	id.key = key
	id.keyPEM = keyData

	certData, err := os.ReadFile(filepath.Join(dir, certFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return id, nil
		}
		return nil, fmt.Errorf("failed to read device certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certData)
	if certBlock == nil {
		return nil, fmt.Errorf("device certificate at %s is not PEM", dir)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse device certificate: %w", err)
	}
	id.cert = cert
	id.certPEM = certData

	return id, nil
}

// HasKey reports whether a private key exists.
func (id *Identity) HasKey() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.key != nil
}

// IsSigned reports whether a registrar-signed certificate is present
// and matches the current key.
func (id *Identity) IsSigned() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.key != nil && id.cert != nil
}

// NotAfter returns the certificate expiry, if signed.
func (id *Identity) NotAfter() (time.Time, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.cert == nil {
		return time.Time{}, false
	}
	return id.cert.NotAfter, true
}

// GenerateKeypair creates and persists a fresh RSA keypair, discarding
// any previous certificate.
func (id *Identity) GenerateKeypair() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate device key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	id.mu.Lock()
	defer id.mu.Unlock()

	if err := os.MkdirAll(id.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(id.dir, keyFileName), keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to persist device key: %w", err)
	}
	// previous certificate no longer matches the key
	if err := os.Remove(filepath.Join(id.dir, certFileName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Identity", "Failed to remove stale certificate: %v", err)
	}

	id.key = key
	id.keyPEM = keyPEM
	id.cert = nil
	id.certPEM = nil
	return nil
}

// CSR builds a PEM-encoded certificate signing request for the given
// system UUID.
func (id *Identity) CSR(systemUUID string) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.key == nil {
		return nil, fmt.Errorf("no device key to sign CSR with")
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: systemUUID},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, id.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// StoreCertificate persists the registrar-signed certificate.
func (id *Identity) StoreCertificate(certPEM []byte) error {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return fmt.Errorf("signed certificate is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse signed certificate: %w", err)
	}

	id.mu.Lock()
	defer id.mu.Unlock()
	if err := os.MkdirAll(id.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create identity dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(id.dir, certFileName), certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to persist signed certificate: %w", err)
	}
	id.cert = cert
	id.certPEM = certPEM
	return nil
}

// TLSCertificate exposes the identity for mutual TLS with the
// registrar. Implements registrar.CredentialProvider.
func (id *Identity) TLSCertificate() (tls.Certificate, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.key == nil || id.certPEM == nil {
		return tls.Certificate{}, false
	}
	cert, err := tls.X509KeyPair(id.certPEM, id.keyPEM)
	if err != nil {
		logging.Error("Identity", err, "Failed to assemble TLS certificate")
		return tls.Certificate{}, false
	}
	return cert, true
}

// SignJWT issues a posture token signed with the device key. The token
// carries the system UUID as subject and expires after duration.
func (id *Identity) SignJWT(systemUUID string, duration time.Duration, extra map[string]interface{}) (string, error) {
	id.mu.Lock()
	key := id.key
	id.mu.Unlock()
	if key == nil {
		return "", fmt.Errorf("no device key to sign JWT with")
	}
	if duration <= 0 {
		duration = 5 * time.Minute
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": systemUUID,
		"iat": now.Unix(),
		"exp": now.Add(duration).Unix(),
	}
	for k, v := range extra {
		claims[k] = v
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}
