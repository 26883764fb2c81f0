package configsync

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"sync"
	"time"

	"acme/internal/registrar"
	"acme/pkg/logging"
)

// SignedFiles pulls signed support files (route map, group cache) and
// installs them only after their signatures verify against the signing
// authority.
type SignedFiles struct {
	client *registrar.Client
	signer *x509.Certificate
	// destinations maps a server-side file name to its local path.
	// Names outside the map are rejected.
	destinations map[string]string
	// afterApply runs per installed file (route map reload hook).
	afterApply func(name string)

	mu      sync.Mutex
	entries []Entry
}

// NewSignedFiles wires the puller. signingAuthorityPath names the PEM
// certificate whose key signs the files.
func NewSignedFiles(client *registrar.Client, signingAuthorityPath string, destinations map[string]string, afterApply func(string)) (*SignedFiles, error) {
	raw, err := os.ReadFile(signingAuthorityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing authority cert: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing authority cert at %s is not PEM", signingAuthorityPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing authority cert: %w", err)
	}
	return &SignedFiles{client: client, signer: cert, destinations: destinations, afterApply: afterApply}, nil
}

func (s *SignedFiles) Name() string { return "signedfiles" }

func (s *SignedFiles) ShouldRunImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0 || AnyDue(s.entries, time.Now())
}

func (s *SignedFiles) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IntervalOver(s.entries, time.Now())
}

type signedBundle struct {
	Files []struct {
		Name       string    `json:"name"`
		Content    string    `json:"content"`
		Signature  string    `json:"signature"`
		NextUpdate time.Time `json:"next_update"`
	} `json:"files"`
}

// Run fetches the signed files, verifies each, and installs the ones
// with known destinations. A bad signature drops the file and keeps the
// previous copy.
func (s *SignedFiles) Run(ctx context.Context) error {
	var bundle signedBundle
	if err := s.client.Post(ctx, "config/files", nil, &bundle); err != nil {
		return err
	}

	entries := make([]Entry, 0, len(bundle.Files))
	for _, f := range bundle.Files {
		entries = append(entries, Entry{Name: f.Name, NextUpdate: f.NextUpdate})

		dest, known := s.destinations[f.Name]
		if !known {
			logging.Warn("ConfigSync", "Ignoring signed file with unknown name %q", f.Name)
			continue
		}
		content, err := base64.StdEncoding.DecodeString(f.Content)
		if err != nil {
			logging.Error("ConfigSync", err, "Signed file %s has undecodable content", f.Name)
			continue
		}
		signature, err := base64.StdEncoding.DecodeString(f.Signature)
		if err != nil {
			logging.Error("ConfigSync", err, "Signed file %s has undecodable signature", f.Name)
			continue
		}
		if err := s.verify(content, signature); err != nil {
			logging.Error("ConfigSync", err, "Rejecting signed file %s", f.Name)
			continue
		}
		if err := writeAtomic(dest, content); err != nil {
			logging.Error("ConfigSync", err, "Failed to install signed file %s", f.Name)
			continue
		}
		logging.Debug("ConfigSync", "Installed signed file %s", f.Name)
		if s.afterApply != nil {
			s.afterApply(f.Name)
		}
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

func (s *SignedFiles) verify(content, signature []byte) error {
	pub, ok := s.signer.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("signing authority key is not RSA")
	}
	digest := sha256.Sum256(content)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}
