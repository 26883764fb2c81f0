package modules

import (
	"context"
	"time"

	"acme/internal/compliance"
)

func init() {
	compliance.RegisterPlugin("firewall", func() compliance.Plugin {
		return &firewallModule{}
	})
}

// firewallModule checks that the host firewall is enabled and can turn
// it back on when remediation is allowed.
type firewallModule struct{}

func (m *firewallModule) Identifier() string { return "firewall" }
func (m *firewallModule) Name() string       { return "Host Firewall" }
func (m *firewallModule) Version() string    { return "1.0.0" }

func (m *firewallModule) Evaluate(ctx context.Context, mod *compliance.Module, trigger compliance.Trigger, data map[string]interface{}) (*compliance.EvaluationResult, error) {
	result := &compliance.EvaluationResult{StartDate: time.Now()}
	defer func() { result.EndDate = time.Now() }()

	p, err := hostProbe()
	if err != nil {
		return nil, err
	}
	enabled, err := p.FirewallEnabled(ctx)
	if err != nil {
		return nil, err
	}

	result.ExecutionStatus = compliance.ExecSuccess
	if enabled {
		result.ComplianceStatus = compliance.StatusCompliant
	} else {
		result.ComplianceStatus = compliance.StatusNoncompliant
	}
	return result, nil
}

func (m *firewallModule) Remediate(ctx context.Context, mod *compliance.Module, trigger compliance.Trigger, data map[string]interface{}) (*compliance.RemediationResult, error) {
	result := &compliance.RemediationResult{StartDate: time.Now()}
	defer func() { result.EndDate = time.Now() }()

	p, err := hostProbe()
	if err != nil {
		return nil, err
	}
	if err := p.EnableFirewall(ctx); err != nil {
		return nil, err
	}
	result.ExecutionStatus = compliance.ExecSuccess
	return result, nil
}
