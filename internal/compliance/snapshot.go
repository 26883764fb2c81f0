package compliance

import (
	"time"
)

// ModuleInfo is the IPC-facing view of one module.
type ModuleInfo struct {
	Identifier            string               `json:"identifier"`
	Name                  string               `json:"name"`
	Version               string               `json:"version"`
	Priority              int                  `json:"priority"`
	Status                string               `json:"status"`
	ComplianceStatus      ComplianceStatus     `json:"compliance_status"`
	LastEvaluationResult  *EvaluationResult    `json:"last_evaluation_result,omitempty"`
	LastRemediationResult *RemediationResult   `json:"last_remediation_result,omitempty"`
	EvaluationHistory     []*EvaluationResult  `json:"evaluation_history,omitempty"`
	RemediationHistory    []*RemediationResult `json:"remediation_history,omitempty"`
	FirstFailureDate      *time.Time           `json:"first_failure_date,omitempty"`
	LastKnownCompliant    *time.Time           `json:"last_known_compliant,omitempty"`
	LastKnownNoncompliant *time.Time           `json:"last_known_noncompliant,omitempty"`
}

// DeviceSnapshot is the full device/module compliance view returned by
// GetComplianceStatus.
type DeviceSnapshot struct {
	DeviceStatus ComplianceStatus `json:"device_status"`
	Modules      []ModuleInfo     `json:"modules"`
	Time         time.Time        `json:"time"`
}

// Snapshot assembles the device view. History lists are omitted when
// includeHistory is false (the IPC no-history flag).
func (c *Controller) Snapshot(includeHistory bool) DeviceSnapshot {
	now := c.clock()
	snap := DeviceSnapshot{Time: now.UTC()}

	for _, mod := range c.registry.List() {
		info := c.moduleInfo(mod, includeHistory, now)
		if info.ComplianceStatus > snap.DeviceStatus {
			snap.DeviceStatus = info.ComplianceStatus
		}
		snap.Modules = append(snap.Modules, info)
	}
	return snap
}

// ModuleInfo returns the IPC view of a single module.
func (c *Controller) ModuleInfo(identifier string, includeHistory bool) (ModuleInfo, bool) {
	mod, ok := c.registry.Get(identifier)
	if !ok {
		return ModuleInfo{}, false
	}
	return c.moduleInfo(mod, includeHistory, c.clock()), true
}

func (c *Controller) moduleInfo(mod *Module, includeHistory bool, now time.Time) ModuleInfo {
	st := mod.StateSnapshot()
	info := ModuleInfo{
		Identifier:            mod.Identifier(),
		Name:                  mod.Name(),
		Version:               mod.Version(),
		Priority:              mod.Settings().Priority,
		Status:                mod.Status().String(),
		ComplianceStatus:      mod.ComplianceStatusAt(now),
		LastEvaluationResult:  st.LastEvaluationResult,
		LastRemediationResult: st.LastRemediationResult,
		FirstFailureDate:      st.FirstFailureDate,
		LastKnownCompliant:    st.LastKnownCompliant,
		LastKnownNoncompliant: st.LastKnownNoncompliant,
	}
	if includeHistory {
		info.EvaluationHistory = st.EvaluationHistory
		info.RemediationHistory = st.RemediationHistory
	}
	return info
}
