package modules

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acme/internal/compliance"
)

// fakeProbe is a scriptable host probe.
type fakeProbe struct {
	firewall      bool
	firewallErr   error
	enableCalls   int
	diskEncrypted bool
	osVersion     string
	lockEnabled   bool
	lockTimeout   time.Duration
	screenLockErr error
}

func (p *fakeProbe) FirewallEnabled(ctx context.Context) (bool, error) {
	return p.firewall, p.firewallErr
}

func (p *fakeProbe) EnableFirewall(ctx context.Context) error {
	p.enableCalls++
	p.firewall = true
	return nil
}

func (p *fakeProbe) DiskEncryptionEnabled(ctx context.Context) (bool, error) {
	return p.diskEncrypted, nil
}

func (p *fakeProbe) OSVersion(ctx context.Context) (string, error) {
	return p.osVersion, nil
}

func (p *fakeProbe) ScreenLock(ctx context.Context) (bool, time.Duration, error) {
	return p.lockEnabled, p.lockTimeout, p.screenLockErr
}

func moduleWithParams(t *testing.T, plugin compliance.Plugin, params map[string]interface{}) *compliance.Module {
	t.Helper()
	mod := compliance.NewModule(plugin, "", "")
	mod.ApplySettings(compliance.Settings{Params: params})
	return mod
}

func TestBuiltinModulesAreRegistered(t *testing.T) {
	registered := compliance.RegisteredPlugins()
	for _, id := range []string{"firewall", "diskencryption", "osversion", "screenlock"} {
		assert.Contains(t, registered, id)
	}
}

func TestFirewallEvaluate(t *testing.T) {
	plugin := &firewallModule{}
	mod := compliance.NewModule(plugin, "", "")

	probe := &fakeProbe{firewall: true}
	SetProbe(probe)
	res, err := plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompliant, res.ComplianceStatus)
	assert.Equal(t, compliance.ExecSuccess, res.ExecutionStatus)

	probe.firewall = false
	res, err = plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusNoncompliant, res.ComplianceStatus)
}

func TestFirewallEvaluateProbeError(t *testing.T) {
	plugin := &firewallModule{}
	mod := compliance.NewModule(plugin, "", "")

	SetProbe(&fakeProbe{firewallErr: fmt.Errorf("probe unavailable")})
	_, err := plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
	assert.Error(t, err)
}

func TestFirewallRemediateEnables(t *testing.T) {
	plugin := &firewallModule{}
	mod := compliance.NewModule(plugin, "", "")

	probe := &fakeProbe{firewall: false}
	SetProbe(probe)
	res, err := plugin.Remediate(context.Background(), mod, compliance.TriggerManual, nil)
	require.NoError(t, err)
	assert.Equal(t, compliance.ExecSuccess, res.ExecutionStatus)
	assert.Equal(t, 1, probe.enableCalls)
	assert.True(t, probe.firewall)
}

func TestDiskEncryptionEvaluate(t *testing.T) {
	plugin := &diskEncryptionModule{}
	mod := compliance.NewModule(plugin, "", "")

	SetProbe(&fakeProbe{diskEncrypted: true})
	res, err := plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusCompliant, res.ComplianceStatus)

	SetProbe(&fakeProbe{diskEncrypted: false})
	res, err = plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
	require.NoError(t, err)
	assert.Equal(t, compliance.StatusNoncompliant, res.ComplianceStatus)
}

func TestOSVersionEvaluate(t *testing.T) {
	plugin := &osVersionModule{}
	SetProbe(&fakeProbe{osVersion: "14.2.1"})

	tests := []struct {
		name   string
		params map[string]interface{}
		want   compliance.ComplianceStatus
	}{
		{"no minimum is compliant", nil, compliance.StatusCompliant},
		{"above minimum", map[string]interface{}{"minimum_version": "14.0"}, compliance.StatusCompliant},
		{"exact minimum", map[string]interface{}{"minimum_version": "14.2.1"}, compliance.StatusCompliant},
		{"below minimum", map[string]interface{}{"minimum_version": "15.0"}, compliance.StatusNoncompliant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mod := moduleWithParams(t, plugin, tc.params)
			res, err := plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.ComplianceStatus)
		})
	}
}

func TestScreenLockEvaluate(t *testing.T) {
	plugin := &screenLockModule{}

	tests := []struct {
		name    string
		enabled bool
		timeout time.Duration
		params  map[string]interface{}
		want    compliance.ComplianceStatus
	}{
		{"disabled lock", false, 0, nil, compliance.StatusNoncompliant},
		{"enabled without limit", true, time.Hour, nil, compliance.StatusCompliant},
		{"within limit", true, 5 * time.Minute, map[string]interface{}{"max_timeout_seconds": float64(600)}, compliance.StatusCompliant},
		{"over limit", true, 20 * time.Minute, map[string]interface{}{"max_timeout_seconds": float64(600)}, compliance.StatusNoncompliant},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			SetProbe(&fakeProbe{lockEnabled: tc.enabled, lockTimeout: tc.timeout})
			mod := moduleWithParams(t, plugin, tc.params)
			res, err := plugin.Evaluate(context.Background(), mod, compliance.TriggerScheduled, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.ComplianceStatus)
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.2", "1.10", -1},
		{"2.0", "1.9.9", 1},
		{"1.0", "1.0.1", -1},
		{"14.2.1", "14.2", 1},
		{"1.0.beta", "1.0.beta", 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, compareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}

func TestParamHelpers(t *testing.T) {
	params := map[string]interface{}{
		"str":   "value",
		"num":   float64(42),
		"exact": 7,
	}

	s, ok := paramString(params, "str")
	assert.True(t, ok)
	assert.Equal(t, "value", s)
	_, ok = paramString(params, "num")
	assert.False(t, ok)
	_, ok = paramString(params, "missing")
	assert.False(t, ok)

	n, ok := paramInt(params, "num")
	assert.True(t, ok)
	assert.Equal(t, 42, n)
	n, ok = paramInt(params, "exact")
	assert.True(t, ok)
	assert.Equal(t, 7, n)
	_, ok = paramInt(params, "str")
	assert.False(t, ok)
}
