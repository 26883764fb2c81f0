package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acme/internal/netstate"
)

func decodeData(t *testing.T, resp Response, out interface{}) {
	t.Helper()
	require.Equal(t, StatusSuccess, resp.Status, resp.Message)
	require.NoError(t, json.Unmarshal(resp.Data, out))
}

func TestDispatchUnsetSubsystems(t *testing.T) {
	d := &Dispatcher{Version: "1.0.0", StartTime: time.Now()}

	for _, command := range []string{
		CmdShutdown,
		CmdReload,
		CmdComplianceEvaluate,
		CmdComplianceRemediate,
		CmdGetComplianceEvaluationStatus,
		CmdGetComplianceStatus,
		CmdGetSystemID,
		CmdGetIsRegistered,
		CmdGetNetworkStatus,
		CmdGetKARLStatus,
		CmdGetJWT,
		CmdRegisterWithToken,
		CmdGetRegistrationStatus,
		CmdCommitKARLEvent,
		CmdModuleStatus,
		CmdReloadModules,
		CmdProxyEvent,
	} {
		resp := d.Dispatch(context.Background(), Request{Command: command})
		assert.Equal(t, StatusSubsystemUnset, resp.Status, command)
	}
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := &Dispatcher{}
	resp := d.Dispatch(context.Background(), Request{Command: "MakeCoffee"})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "unknown command")
}

func TestDispatchGetVersion(t *testing.T) {
	d := &Dispatcher{Version: "1.2.3"}
	var out map[string]string
	decodeData(t, d.Dispatch(context.Background(), Request{Command: CmdGetVersion}), &out)
	assert.Equal(t, "1.2.3", out["version"])
}

func TestDispatchShutdown(t *testing.T) {
	called := make(chan struct{})
	d := &Dispatcher{ShutdownFunc: func() { close(called) }}

	resp := d.Dispatch(context.Background(), Request{Command: CmdShutdown})
	assert.Equal(t, StatusSuccess, resp.Status)
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown hook never ran")
	}
}

func TestDispatchReload(t *testing.T) {
	d := &Dispatcher{ReloadFunc: func() error { return nil }}
	assert.Equal(t, StatusSuccess, d.Dispatch(context.Background(), Request{Command: CmdReload}).Status)

	d.ReloadFunc = func() error { return errors.New("settings swap failed") }
	resp := d.Dispatch(context.Background(), Request{Command: CmdReload})
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "settings swap failed")
}

func TestDispatchGetCurrentUser(t *testing.T) {
	d := &Dispatcher{}
	var out map[string]string
	decodeData(t, d.Dispatch(context.Background(), Request{Command: CmdGetCurrentUser}), &out)
	assert.NotEmpty(t, out["username"])
	assert.NotEmpty(t, out["uid"])
}

func TestDispatchGetNetworkStatus(t *testing.T) {
	d := &Dispatcher{Net: netstate.Static{State: netstate.Online | netstate.OnVPN}}
	var out struct {
		State       int    `json:"state"`
		Description string `json:"description"`
	}
	decodeData(t, d.Dispatch(context.Background(), Request{Command: CmdGetNetworkStatus}), &out)
	assert.Equal(t, int(netstate.Online|netstate.OnVPN), out.State)
	assert.Equal(t, "ONLINE|ONVPN", out.Description)
}

func TestDispatchGetGroupCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "group_cache.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"groups":["eng"]}`), 0o644))

	d := &Dispatcher{GroupCachePath: path}
	resp := d.Dispatch(context.Background(), Request{Command: CmdGetGroupCache})
	require.Equal(t, StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"groups":["eng"]}`, string(resp.Data))

	d.GroupCachePath = filepath.Join(t.TempDir(), "missing.json")
	resp = d.Dispatch(context.Background(), Request{Command: CmdGetGroupCache})
	assert.Equal(t, StatusError, resp.Status)
}

func TestDispatchHealth(t *testing.T) {
	d := &Dispatcher{Version: "2.0.0", StartTime: time.Now().Add(-time.Minute)}

	for _, command := range []string{CmdGetStatus, CmdGetAgentStatus, CmdGetACMEHealthInfo} {
		var out map[string]interface{}
		decodeData(t, d.Dispatch(context.Background(), Request{Command: command}), &out)
		assert.Equal(t, "2.0.0", out["version"], command)
		assert.GreaterOrEqual(t, out["uptime_seconds"].(float64), float64(60))
		assert.Equal(t, false, out["compliance"])
		assert.Equal(t, false, out["registration"])
		assert.Equal(t, false, out["events"])
	}
}
