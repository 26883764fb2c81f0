package ipc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shortSocketPath avoids the unix socket path length limit that long
// test tempdirs can hit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "acme-ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, SocketName)
}

func startServer(t *testing.T, socketPath string, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(socketPath, d).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socketPath)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerRoundTrip(t *testing.T) {
	socketPath := shortSocketPath(t)
	startServer(t, socketPath, &Dispatcher{Version: "9.9.9"})

	client := NewClient(socketPath, 5*time.Second)

	resp, err := client.Do(context.Background(), CmdGetVersion, nil)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resp.Status)
	var out map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	assert.Equal(t, "9.9.9", out["version"])

	resp, err = client.Do(context.Background(), "Bogus", map[string]interface{}{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, StatusError, resp.Status)
}

func TestServerReplacesStaleSocket(t *testing.T) {
	socketPath := shortSocketPath(t)
	require.NoError(t, os.WriteFile(socketPath, nil, 0o600))

	startServer(t, socketPath, &Dispatcher{Version: "1.0.0"})

	resp, err := NewClient(socketPath, 5*time.Second).Do(context.Background(), CmdGetVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
}

func TestClientAgainstDeadSocket(t *testing.T) {
	_, err := NewClient(shortSocketPath(t), time.Second).Do(context.Background(), CmdGetVersion, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon unreachable")
}
