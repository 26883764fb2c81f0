package ipc

import (
	"context"
	"encoding/json"
	"os"
	"os/user"
	"time"

	"acme/internal/compliance"
	"acme/internal/events"
	"acme/internal/netstate"
	"acme/internal/registration"
)

// Dispatcher routes commands to the daemon's subsystems. Nil subsystem
// fields answer with SUBSYSTEM_UNSET, which is how a feature-disabled
// daemon looks to the CLI.
type Dispatcher struct {
	Version   string
	StartTime time.Time

	Controller   *compliance.Controller
	Registry     *compliance.Registry
	Registration *registration.Manager
	Forwarder    *events.Forwarder
	Net          netstate.Detector

	GroupCachePath string

	// ReloadFunc runs the daemon reload sequence.
	ReloadFunc func() error
	// ShutdownFunc begins graceful shutdown after the response is sent.
	ShutdownFunc func()
}

// Dispatch executes one command.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case CmdShutdown:
		if d.ShutdownFunc == nil {
			return Unset("daemon")
		}
		go d.ShutdownFunc()
		return OK(nil)

	case CmdReload:
		if d.ReloadFunc == nil {
			return Unset("daemon")
		}
		if err := d.ReloadFunc(); err != nil {
			return Errorf("reload failed: %v", err)
		}
		return OK(nil)

	case CmdComplianceEvaluate:
		return d.startManual(req, false)
	case CmdComplianceRemediate:
		return d.startManual(req, true)

	case CmdGetComplianceEvaluationStatus:
		if d.Controller == nil {
			return Unset("compliance")
		}
		return OK(map[string]bool{"running": d.Controller.ManualEvaluationRunning()})
	case CmdGetComplianceRemediationStatus:
		if d.Controller == nil {
			return Unset("compliance")
		}
		return OK(map[string]bool{"running": d.Controller.ManualRemediationRunning()})

	case CmdGetComplianceStatus:
		if d.Controller == nil {
			return Unset("compliance")
		}
		return OK(d.Controller.Snapshot(!req.BoolArg("no_history")))

	case CmdGetVersion:
		return OK(map[string]string{"version": d.Version})

	case CmdGetStatus, CmdGetAgentStatus, CmdGetACMEHealthInfo:
		return OK(d.health())

	case CmdGetSystemID:
		if d.Registration == nil {
			return Unset("registration")
		}
		return OK(map[string]string{"system_id": d.Registration.SystemID()})

	case CmdGetCurrentUser:
		u, err := user.Current()
		if err != nil {
			return Errorf("failed to resolve current user: %v", err)
		}
		return OK(map[string]string{"username": u.Username, "uid": u.Uid})

	case CmdGetIsRegistered:
		if d.Registration == nil {
			return Unset("registration")
		}
		return OK(map[string]bool{"registered": d.Registration.IsRegistered()})

	case CmdGetNetworkStatus:
		if d.Net == nil {
			return Unset("network")
		}
		state := d.Net.Current()
		return OK(map[string]interface{}{"state": int(state), "description": state.String()})

	case CmdGetGroupCache:
		raw, err := os.ReadFile(d.GroupCachePath)
		if err != nil {
			return Errorf("failed to read group cache: %v", err)
		}
		return Response{Status: StatusSuccess, Data: json.RawMessage(raw)}

	case CmdGetKARLStatus:
		if d.Forwarder == nil {
			return Unset("events")
		}
		return OK(map[string]int{"pending_events": d.Forwarder.Pending()})

	case CmdGetJWT:
		if d.Registration == nil {
			return Unset("registration")
		}
		duration := time.Duration(0)
		if secs, ok := req.Args["duration"].(float64); ok {
			duration = time.Duration(secs) * time.Second
		}
		token, err := d.Registration.IssueJWT(duration)
		if err != nil {
			return Errorf("failed to issue JWT: %v", err)
		}
		return OK(map[string]string{"token": token})

	case CmdRegisterWithToken:
		if d.Registration == nil {
			return Unset("registration")
		}
		started, already := d.Registration.RegisterAsync(req.StringArg("token"), req.BoolArg("force"))
		switch {
		case already:
			return Response{Status: StatusRegisteredAlready, Message: "system is already registered"}
		case started:
			return Response{Status: StatusProcessRunning}
		default:
			return Response{Status: StatusProcessRunning, Message: "registration already in progress"}
		}

	case CmdGetRegistrationStatus:
		if d.Registration == nil {
			return Unset("registration")
		}
		status, err := d.Registration.RegistrationStatus()
		payload := map[string]interface{}{"status": string(status)}
		if err != nil {
			payload["error"] = err.Error()
		}
		return OK(payload)

	case CmdCommitKARLEvent:
		if d.Forwarder == nil {
			return Unset("events")
		}
		data, _ := req.Args["event_data"].(map[string]interface{})
		kind := req.StringArg("kind")
		if kind == "" {
			kind = "KARLEvent"
		}
		if err := d.Forwarder.Submit(events.New(kind, "karl", data)); err != nil {
			return Errorf("failed to commit event: %v", err)
		}
		return OK(nil)

	case CmdModuleStatus:
		if d.Controller == nil {
			return Unset("compliance")
		}
		info, ok := d.Controller.ModuleInfo(req.StringArg("identifier"), !req.BoolArg("no_history"))
		if !ok {
			return Errorf("module %q is not loaded", req.StringArg("identifier"))
		}
		return OK(info)

	case CmdReloadModules:
		if d.Registry == nil {
			return Unset("compliance")
		}
		report := d.Registry.Load(true)
		failed := make(map[string]string, len(report.Failed))
		for id, err := range report.Failed {
			failed[id] = err.Error()
		}
		return OK(map[string]interface{}{
			"loaded":   report.Loaded,
			"replaced": report.Replaced,
			"failed":   failed,
		})

	case CmdProxyEvent:
		if d.Controller == nil {
			return Unset("compliance")
		}
		data, _ := req.Args["event_data"].(map[string]interface{})
		kind := req.StringArg("kind")
		if kind == "" {
			kind = "SystemEvent"
		}
		d.Controller.CommitEvent(kind, data)
		return OK(nil)

	default:
		return Errorf("unknown command %q", req.Command)
	}
}

// startManual kicks off a manual run and reports ProcessRunning while
// it executes, matching the poll-based CLI contract.
func (d *Dispatcher) startManual(req Request, remediate bool) Response {
	if d.Controller == nil {
		return Unset("compliance")
	}
	identifier := req.StringArg("identifier")
	var started bool
	if remediate {
		started = d.Controller.StartManualRemediation(identifier)
	} else {
		started = d.Controller.StartManualEvaluation(identifier)
	}
	if !started {
		return Response{Status: StatusProcessRunning, Message: "a manual run is already in progress"}
	}
	return Response{Status: StatusProcessRunning}
}

func (d *Dispatcher) health() map[string]interface{} {
	h := map[string]interface{}{
		"version":        d.Version,
		"uptime_seconds": int(time.Since(d.StartTime).Seconds()),
		"compliance":     d.Controller != nil,
		"registration":   d.Registration != nil,
		"events":         d.Forwarder != nil,
	}
	if d.Controller != nil {
		h["device_status"] = d.Controller.DeviceStatus().String()
		h["executors"] = d.Controller.ExecutorCount()
		h["pending_requests"] = d.Controller.PendingRequests()
	}
	if d.Registration != nil {
		h["registered"] = d.Registration.IsRegistered()
	}
	if d.Forwarder != nil {
		h["pending_events"] = d.Forwarder.Pending()
	}
	return h
}
