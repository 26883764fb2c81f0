package modules

import (
	"context"
	"time"

	"acme/internal/compliance"
)

func init() {
	compliance.RegisterPlugin("osversion", func() compliance.Plugin {
		return &osVersionModule{}
	})
}

// osVersionModule compares the host OS version against the manifest's
// minimum_version param. Without the param every version is compliant.
type osVersionModule struct{}

func (m *osVersionModule) Identifier() string { return "osversion" }
func (m *osVersionModule) Name() string       { return "OS Version" }
func (m *osVersionModule) Version() string    { return "1.0.0" }

func (m *osVersionModule) Evaluate(ctx context.Context, mod *compliance.Module, trigger compliance.Trigger, data map[string]interface{}) (*compliance.EvaluationResult, error) {
	result := &compliance.EvaluationResult{StartDate: time.Now()}
	defer func() { result.EndDate = time.Now() }()

	p, err := hostProbe()
	if err != nil {
		return nil, err
	}
	version, err := p.OSVersion(ctx)
	if err != nil {
		return nil, err
	}

	result.ExecutionStatus = compliance.ExecSuccess
	minimum, ok := paramString(mod.Settings().Params, "minimum_version")
	if !ok || compareVersions(version, minimum) >= 0 {
		result.ComplianceStatus = compliance.StatusCompliant
	} else {
		result.ComplianceStatus = compliance.StatusNoncompliant
	}
	return result, nil
}
