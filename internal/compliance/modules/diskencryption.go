package modules

import (
	"context"
	"time"

	"acme/internal/compliance"
)

func init() {
	compliance.RegisterPlugin("diskencryption", func() compliance.Plugin {
		return &diskEncryptionModule{}
	})
}

// diskEncryptionModule checks for full-disk encryption. There is no
// remediation path: enabling encryption needs user interaction.
type diskEncryptionModule struct{}

func (m *diskEncryptionModule) Identifier() string { return "diskencryption" }
func (m *diskEncryptionModule) Name() string       { return "Disk Encryption" }
func (m *diskEncryptionModule) Version() string    { return "1.0.0" }

func (m *diskEncryptionModule) Evaluate(ctx context.Context, mod *compliance.Module, trigger compliance.Trigger, data map[string]interface{}) (*compliance.EvaluationResult, error) {
	result := &compliance.EvaluationResult{StartDate: time.Now()}
	defer func() { result.EndDate = time.Now() }()

	p, err := hostProbe()
	if err != nil {
		return nil, err
	}
	enabled, err := p.DiskEncryptionEnabled(ctx)
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
