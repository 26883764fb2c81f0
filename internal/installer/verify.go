package installer

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
)

// fileSHA256 streams the file through sha256.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyHash compares the archive digest against the expected hash,
// case-insensitively.
func verifyHash(path, expected string) error {
	got, err := fileSHA256(path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("hash mismatch for %s: got %s, want %s", path, got, expected)
	}
	return nil
}

// loadSigningAuthority parses the PEM certificate whose key signs
// release archives.
func loadSigningAuthority(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing authority cert: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing authority cert at %s is not PEM", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing authority cert: %w", err)
	}
	return cert, nil
}

// verifySignature checks the detached RSA signature of the archive
// against the signing authority's public key over sha256.
func verifySignature(cert *x509.Certificate, archivePath, signaturePath string) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing authority key is not RSA")
	}
	sig, err := os.ReadFile(signaturePath)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, h.Sum(nil), sig); err != nil {
		return fmt.Errorf("signature verification failed for %s: %w", archivePath, err)
	}
	return nil
}
