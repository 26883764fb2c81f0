// Package ipc carries the local command surface between the CLI and
// the daemon: JSON request/response over a unix domain socket.
package ipc

import (
	"encoding/json"
	"fmt"
)

// SocketName is the daemon's unix socket file under baseDir.
const SocketName = "acme.sock"

// CommandPath is the single HTTP endpoint commands post to.
const CommandPath = "/v1/command"

// Command names.
const (
	CmdShutdown                        = "Shutdown"
	CmdReload                          = "Reload"
	CmdComplianceEvaluate              = "ComplianceEvaluate"
	CmdComplianceRemediate             = "ComplianceRemediate"
	CmdGetComplianceEvaluationStatus   = "GetComplianceEvaluationStatus"
	CmdGetComplianceRemediationStatus  = "GetComplianceRemediationStatus"
	CmdGetComplianceStatus             = "GetComplianceStatus"
	CmdGetVersion                      = "GetVersion"
	CmdGetStatus                       = "GetStatus"
	CmdGetSystemID                     = "GetSystemID"
	CmdGetCurrentUser                  = "GetCurrentUser"
	CmdGetIsRegistered                 = "GetIsRegistered"
	CmdGetNetworkStatus                = "GetNetworkStatus"
	CmdGetGroupCache                   = "GetGroupCache"
	CmdGetAgentStatus                  = "GetAgentStatus"
	CmdGetKARLStatus                   = "GetKARLStatus"
	CmdGetACMEHealthInfo               = "GetACMEHealthInfo"
	CmdGetJWT                          = "GetJWT"
	CmdRegisterWithToken               = "RegisterWithToken"
	CmdGetRegistrationStatus           = "GetRegistrationStatus"
	CmdCommitKARLEvent                 = "CommitKARLEvent"
	CmdModuleStatus                    = "ModuleStatus"
	CmdReloadModules                   = "ReloadModules"
	CmdProxyEvent                      = "ProxyEvent"
)

// Response status codes.
const (
	StatusSuccess           = "SUCCESS"
	StatusError             = "ERROR"
	StatusSubsystemUnset    = "SUBSYSTEM_UNSET"
	StatusProcessRunning    = "STATUS_PROCESS_RUNNING"
	StatusRegisteredAlready = "STATUS_REGISTERED_ALREADY"
)

// Request is one command with optional arguments.
type Request struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Response carries the outcome and an optional data payload.
type Response struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// OK wraps a payload into a success response. Marshal failures degrade
// to an error response rather than a panic.
func OK(payload interface{}) Response {
	if payload == nil {
		return Response{Status: StatusSuccess}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Errorf("failed to encode response: %v", err)
	}
	return Response{Status: StatusSuccess, Data: raw}
}

// Errorf builds an error response.
func Errorf(format string, args ...interface{}) Response {
	return Response{Status: StatusError, Message: fmt.Sprintf(format, args...)}
}

// Unset reports a disabled or not-yet-started subsystem.
func Unset(subsystem string) Response {
	return Response{Status: StatusSubsystemUnset, Message: subsystem + " is not running"}
}

// StringArg reads a string argument, empty when absent.
func (r *Request) StringArg(key string) string {
	if v, ok := r.Args[key].(string); ok {
		return v
	}
	return ""
}

// BoolArg reads a boolean argument.
func (r *Request) BoolArg(key string) bool {
	v, _ := r.Args[key].(bool)
	return v
}
