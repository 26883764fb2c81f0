package configsync

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acme/internal/compliance"
	"acme/internal/events"
	"acme/internal/registrar"
)

// registrarFor serves canned envelope data for one test.
func registrarFor(t *testing.T, data string) *registrar.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(registrar.Response{Status: 0, Data: json.RawMessage(data)})
	}))
	t.Cleanup(srv.Close)
	return registrar.New(registrar.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil, nil)
}

func TestComplianceConfigRun(t *testing.T) {
	manifestDir := t.TempDir()
	registry := compliance.NewRegistry(manifestDir, t.TempDir(), nil)

	next := time.Now().Add(10 * time.Minute)
	bundle, err := json.Marshal(map[string]interface{}{
		"modules": []map[string]interface{}{
			{"identifier": "firewall", "manifest": map[string]interface{}{"name": "Firewall"}, "next_update": next},
			{"identifier": "screenlock", "next_update": next.Add(10 * time.Minute)},
		},
	})
	require.NoError(t, err)

	applied := 0
	sub := NewComplianceConfig(registrarFor(t, string(bundle)), registry, func() { applied++ })
	assert.Equal(t, "compliance", sub.Name())
	assert.True(t, sub.ShouldRunImmediately(), "no entries yet")

	require.NoError(t, sub.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(manifestDir, "firewall.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Firewall"}`, string(raw))
	assert.Equal(t, 1, applied)

	// the entry without a manifest still contributes its deadline
	assert.False(t, sub.ShouldRunImmediately())
	assert.InDelta(t, (10 * time.Minute).Seconds(), sub.CurrentInterval().Seconds(), 5)
}

func TestComplianceConfigRunNothingWrittenSkipsApply(t *testing.T) {
	registry := compliance.NewRegistry(t.TempDir(), t.TempDir(), nil)
	applied := 0
	sub := NewComplianceConfig(registrarFor(t, `{"modules":[]}`), registry, func() { applied++ })

	require.NoError(t, sub.Run(context.Background()))
	assert.Equal(t, 0, applied)
}

func TestUsherConfigDisabledSkipsPull(t *testing.T) {
	sub := NewUsherConfig(nil, nil, func() bool { return false })
	assert.Equal(t, "usher", sub.Name())
	assert.NoError(t, sub.Run(context.Background()))
}

func TestUsherConfigRunWithoutTargets(t *testing.T) {
	next := time.Now().Add(20 * time.Minute)
	bundle, err := json.Marshal(map[string]interface{}{
		"targets":     []interface{}{},
		"next_update": next,
	})
	require.NoError(t, err)

	sub := NewUsherConfig(registrarFor(t, string(bundle)), nil, nil)
	assert.True(t, sub.ShouldRunImmediately())
	require.NoError(t, sub.Run(context.Background()))

	assert.False(t, sub.ShouldRunImmediately())
	assert.InDelta(t, (20 * time.Minute).Seconds(), sub.CurrentInterval().Seconds(), 5)
}

// authorityFixture writes a signing authority cert and returns its key.
func authorityFixture(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signing authority"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "signing_authority.pem")
	require.NoError(t, os.WriteFile(path,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	return path, key
}

func signedFileEntry(t *testing.T, key *rsa.PrivateKey, name string, content []byte, next time.Time) map[string]interface{} {
	t.Helper()
	digest := sha256.Sum256(content)
	signature, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return map[string]interface{}{
		"name":        name,
		"content":     base64.StdEncoding.EncodeToString(content),
		"signature":   base64.StdEncoding.EncodeToString(signature),
		"next_update": next,
	}
}

func TestSignedFilesRun(t *testing.T) {
	authorityPath, key := authorityFixture(t)
	destDir := t.TempDir()
	next := time.Now().Add(30 * time.Minute)

	good := signedFileEntry(t, key, "route_map.json", []byte(`{"default_stream":"ops"}`), next)
	forged := signedFileEntry(t, key, "group_cache.data", []byte("real"), next)
	forged["content"] = base64.StdEncoding.EncodeToString([]byte("tampered"))
	unknown := signedFileEntry(t, key, "shadow.conf", []byte("x"), next)

	bundle, err := json.Marshal(map[string]interface{}{
		"files": []interface{}{good, forged, unknown},
	})
	require.NoError(t, err)

	var appliedNames []string
	sub, err := NewSignedFiles(registrarFor(t, string(bundle)), authorityPath, map[string]string{
		"route_map.json":   filepath.Join(destDir, "route_map.json"),
		"group_cache.data": filepath.Join(destDir, "group_cache.data"),
	}, func(name string) { appliedNames = append(appliedNames, name) })
	require.NoError(t, err)
	assert.Equal(t, "signedfiles", sub.Name())

	require.NoError(t, sub.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(destDir, "route_map.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"default_stream":"ops"}`, string(raw))

	// a bad signature keeps the destination untouched
	_, err = os.Stat(filepath.Join(destDir, "group_cache.data"))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, []string{"route_map.json"}, appliedNames)
}

func TestNewSignedFilesRejectsBadAuthority(t *testing.T) {
	_, err := NewSignedFiles(nil, filepath.Join(t.TempDir(), "missing.pem"), nil, nil)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "authority.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not pem"), 0o644))
	_, err = NewSignedFiles(nil, garbage, nil, nil)
	assert.Error(t, err)
}

func TestSTSTokenRun(t *testing.T) {
	expiration := time.Now().Add(time.Hour)
	creds, err := json.Marshal(events.Credentials{
		AccessKeyID:     "AKIA123",
		SecretAccessKey: "secret",
		SessionToken:    "session",
		Expiration:      expiration,
	})
	require.NoError(t, err)

	sink := events.NewHTTPSink("http://sink.invalid", 0)
	sub := NewSTSToken(registrarFor(t, string(creds)), sink, nil)
	assert.Equal(t, "ststoken", sub.Name())
	assert.True(t, sub.ShouldRunImmediately())
	assert.Equal(t, MinInterval, sub.CurrentInterval())

	require.NoError(t, sub.Run(context.Background()))

	assert.False(t, sub.ShouldRunImmediately())
	assert.InDelta(t, (45 * time.Minute).Seconds(), sub.CurrentInterval().Seconds(), 60)
}

func TestSTSTokenRejectsExpiredCredentials(t *testing.T) {
	creds, err := json.Marshal(events.Credentials{
		AccessKeyID: "AKIA123",
		Expiration:  time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	sub := NewSTSToken(registrarFor(t, string(creds)), events.NewHTTPSink("http://sink.invalid", 0), nil)
	assert.Error(t, sub.Run(context.Background()))
}
