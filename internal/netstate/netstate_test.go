package netstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "NONE", State(0).String())
	assert.Equal(t, "ONLINE", Online.String())
	assert.Equal(t, "ONLINE|ONDOMAIN|OFFVPN", (Online | OnDomain | OffVPN).String())
	assert.Equal(t, "OFFLINE|OFFDOMAIN|OFFVPN", (Offline | OffDomain | OffVPN).String())
}

func TestStateContains(t *testing.T) {
	current := Online | OnDomain | OffVPN
	assert.True(t, current.Contains(Online))
	assert.True(t, current.Contains(Online|OnDomain))
	assert.False(t, current.Contains(OnVPN))
	assert.False(t, current.Contains(Online|OnVPN))
	assert.True(t, current.Contains(0), "empty requirement always matches")
}

func TestFileDetector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "network.data")
	d := NewFileDetector(path)

	// no snapshot yet: safe offline default
	assert.Equal(t, Offline|OffDomain|OffVPN, d.Current())

	require.NoError(t, Write(path, Online|OnDomain|OnVPN))
	assert.Equal(t, Online|OnDomain|OnVPN, d.Current())

	require.NoError(t, Write(path, Online|OffDomain|OffVPN))
	assert.Equal(t, Online|OffDomain|OffVPN, d.Current())

	// a corrupted snapshot keeps the last good read
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	assert.Equal(t, Online|OffDomain|OffVPN, d.Current())

	// so does a deleted one
	require.NoError(t, os.Remove(path))
	assert.Equal(t, Online|OffDomain|OffVPN, d.Current())
}

func TestStaticDetector(t *testing.T) {
	assert.Equal(t, Online|OnVPN, Static{State: Online | OnVPN}.Current())
}
