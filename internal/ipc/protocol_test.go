package ipc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOK(t *testing.T) {
	resp := OK(nil)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Empty(t, resp.Data)

	resp = OK(map[string]int{"count": 3})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.JSONEq(t, `{"count":3}`, string(resp.Data))

	// unencodable payloads degrade to an error response
	resp = OK(make(chan int))
	assert.Equal(t, StatusError, resp.Status)
	assert.Contains(t, resp.Message, "failed to encode")
}

func TestErrorf(t *testing.T) {
	resp := Errorf("module %q missing", "firewall")
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, `module "firewall" missing`, resp.Message)
}

func TestUnset(t *testing.T) {
	resp := Unset("compliance")
	assert.Equal(t, StatusSubsystemUnset, resp.Status)
	assert.Equal(t, "compliance is not running", resp.Message)
}

func TestRequestArgs(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal(
		[]byte(`{"command":"ComplianceEvaluate","args":{"identifier":"firewall","force":true,"count":2}}`),
		&req))

	assert.Equal(t, "firewall", req.StringArg("identifier"))
	assert.Equal(t, "", req.StringArg("missing"))
	assert.Equal(t, "", req.StringArg("count"), "non-string reads as empty")
	assert.True(t, req.BoolArg("force"))
	assert.False(t, req.BoolArg("identifier"))
	assert.False(t, req.BoolArg("missing"))
}
