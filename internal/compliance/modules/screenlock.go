package modules

import (
	"context"
	"time"

	"acme/internal/compliance"
)

func init() {
	compliance.RegisterPlugin("screenlock", func() compliance.Plugin {
		return &screenLockModule{}
	})
}

// screenLockModule checks that the screen lock is on and its timeout is
// within the manifest's max_timeout_seconds param.
type screenLockModule struct{}

func (m *screenLockModule) Identifier() string { return "screenlock" }
func (m *screenLockModule) Name() string       { return "Screen Lock" }
func (m *screenLockModule) Version() string    { return "1.0.0" }

func (m *screenLockModule) Evaluate(ctx context.Context, mod *compliance.Module, trigger compliance.Trigger, data map[string]interface{}) (*compliance.EvaluationResult, error) {
	result := &compliance.EvaluationResult{StartDate: time.Now()}
	defer func() { result.EndDate = time.Now() }()

	p, err := hostProbe()
	if err != nil {
		return nil, err
	}
	enabled, timeout, err := p.ScreenLock(ctx)
	if err != nil {
		return nil, err
	}

	result.ExecutionStatus = compliance.ExecSuccess
	result.ComplianceStatus = compliance.StatusCompliant
	if !enabled {
		result.ComplianceStatus = compliance.StatusNoncompliant
		return result, nil
	}
	if maxSecs, ok := paramInt(mod.Settings().Params, "max_timeout_seconds"); ok {
		if timeout > time.Duration(maxSecs)*time.Second {
			result.ComplianceStatus = compliance.StatusNoncompliant
		}
	}
	return result, nil
}
