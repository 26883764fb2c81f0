package features

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeControls(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, Controls{
		UsherEnabled:         false,
		UsherWatcherEnabled:  false,
		KarlRegistrarEnabled: true,
		ComplianceEnabled:    true,
	}, Defaults())
}

func TestNewManagerMissingFileUsesDefaults(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "acme.json"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), m.Current())
}

func TestNewManagerLoadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.json")
	writeControls(t, path, `{"usher_enabled":true,"compliance_enabled":false}`)

	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, Controls{
		UsherEnabled:         true,
		UsherWatcherEnabled:  false,
		KarlRegistrarEnabled: true,
		ComplianceEnabled:    false,
	}, m.Current())
}

func TestNewManagerRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.json")
	writeControls(t, path, "{not json")

	_, err := NewManager(path)
	assert.Error(t, err)
}

func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	var fired []Controls
	m.OnChange(func(old, new Controls) {
		fired = append(fired, old, new)
	})

	// identical controls do not fire callbacks
	require.NoError(t, m.Reload())
	assert.Empty(t, fired)

	writeControls(t, path, `{"usher_enabled":true,"karl_registrar_enabled":true,"compliance_enabled":true}`)
	require.NoError(t, m.Reload())
	require.Len(t, fired, 2)
	assert.Equal(t, Defaults(), fired[0])
	assert.True(t, fired[1].UsherEnabled)
	assert.True(t, m.Current().UsherEnabled)

	// a malformed rewrite errors and keeps the active controls
	writeControls(t, path, "garbage")
	assert.Error(t, m.Reload())
	assert.True(t, m.Current().UsherEnabled)
}

func TestReloadSurvivesCallbackPanic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	calls := 0
	m.OnChange(func(old, new Controls) { panic("boom") })
	m.OnChange(func(old, new Controls) { calls++ })

	writeControls(t, path, `{"compliance_enabled":false}`)
	require.NoError(t, m.Reload())
	assert.Equal(t, 1, calls)
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acme.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Watch(ctx)
	}()

	// give the watcher a beat to arm before writing
	time.Sleep(100 * time.Millisecond)
	writeControls(t, path, `{"usher_enabled":true}`)

	assert.Eventually(t, func() bool { return m.Current().UsherEnabled },
		5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}
