package platform

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExecProbe is the command-backed Probe used in production. Each
// command line comes from configuration; an empty command makes the
// corresponding check report an error so the module surfaces ERROR
// instead of guessing.
type ExecProbe struct {
	// FirewallCommand exits zero when the firewall is enabled.
	FirewallCommand []string
	// FirewallEnableCommand turns the firewall on.
	FirewallEnableCommand []string
	// DiskEncryptionCommand exits zero when full-disk encryption is on.
	DiskEncryptionCommand []string
	// OSVersionCommand prints the OS version on stdout.
	OSVersionCommand []string
	// ScreenLockCommand prints "enabled <seconds>" or "disabled".
	ScreenLockCommand []string

	host Host
}

func (p *ExecProbe) FirewallEnabled(ctx context.Context) (bool, error) {
	if len(p.FirewallCommand) == 0 {
		return false, fmt.Errorf("no firewall probe command configured")
	}
	_, err := p.host.run(ctx, p.FirewallCommand)
	return err == nil, nil
}

func (p *ExecProbe) EnableFirewall(ctx context.Context) error {
	if len(p.FirewallEnableCommand) == 0 {
		return fmt.Errorf("no firewall enable command configured")
	}
	if _, err := p.host.run(ctx, p.FirewallEnableCommand); err != nil {
		return fmt.Errorf("failed to enable firewall: %w", err)
	}
	return nil
}

func (p *ExecProbe) DiskEncryptionEnabled(ctx context.Context) (bool, error) {
	if len(p.DiskEncryptionCommand) == 0 {
		return false, fmt.Errorf("no disk encryption probe command configured")
	}
	_, err := p.host.run(ctx, p.DiskEncryptionCommand)
	return err == nil, nil
}

func (p *ExecProbe) OSVersion(ctx context.Context) (string, error) {
	if len(p.OSVersionCommand) == 0 {
		return "", fmt.Errorf("no OS version command configured")
	}
	out, err := p.host.run(ctx, p.OSVersionCommand)
	if err != nil {
		return "", fmt.Errorf("OS version query failed: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (p *ExecProbe) ScreenLock(ctx context.Context) (bool, time.Duration, error) {
	if len(p.ScreenLockCommand) == 0 {
		return false, 0, fmt.Errorf("no screen lock probe command configured")
	}
	out, err := p.host.run(ctx, p.ScreenLockCommand)
	if err != nil {
		return false, 0, fmt.Errorf("screen lock query failed: %w", err)
	}

	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) == 0 || fields[0] != "enabled" {
		return false, 0, nil
	}
	if len(fields) < 2 {
		return true, 0, nil
	}
	secs, err := strconv.Atoi(fields[1])
	if err != nil {
		return true, 0, fmt.Errorf("unparseable screen lock timeout %q", fields[1])
	}
	return true, time.Duration(secs) * time.Second, nil
}
