// Package platform isolates the host-specific primitives the agent
// needs: posture probes for the built-in compliance modules and the
// package primitives for the installer pipeline.
package platform

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"acme/pkg/logging"
)

// Probe answers the posture questions the built-in compliance modules
// ask. Implementations are per-OS; tests substitute fakes.
type Probe interface {
	FirewallEnabled(ctx context.Context) (bool, error)
	// EnableFirewall turns the host firewall on. Used by the firewall
	// module's remediation path.
	EnableFirewall(ctx context.Context) error
	DiskEncryptionEnabled(ctx context.Context) (bool, error)
	OSVersion(ctx context.Context) (string, error)
	ScreenLock(ctx context.Context) (enabled bool, timeout time.Duration, err error)
}

// PackageManager supplies the installer pipeline's host primitives.
type PackageManager interface {
	// InstalledVersion returns the installed version of a component,
	// empty when not installed.
	InstalledVersion(ctx context.Context, identifier string) (string, error)
	// PackageExtension is the archive member the installer looks for
	// ("pkg" on macOS, "deb" on Ubuntu, "zip" elsewhere).
	PackageExtension() string
	// VerifyCodeSignature checks the platform code signature of a
	// package file.
	VerifyCodeSignature(ctx context.Context, path string) error
	// Install runs the platform install command on a package file.
	Install(ctx context.Context, path string) error
	// WatcherRunning reports whether the sibling recovery process is
	// alive. The primary agent must not replace itself without it.
	WatcherRunning(ctx context.Context) bool
}

// Extension picks the installer package extension for an OS name.
func Extension(os string) string {
	switch os {
	case "darwin":
		return "pkg"
	case "linux":
		return "deb"
	default:
		return "zip"
	}
}

// Host is the exec-backed implementation used in production. Command
// lines come from configuration so one binary serves every platform.
type Host struct {
	// VersionCommand is run with the component identifier appended;
	// stdout is the installed version.
	VersionCommand []string
	// InstallCommand is run with the package path appended.
	InstallCommand []string
	// CodeSignCommand is run with the package path appended; a zero
	// exit means the signature checks out. Empty disables the check.
	CodeSignCommand []string
	// WatcherPidFile, when set, marks the watcher as running if a
	// process named by the pidfile is alive.
	WatcherCheckCommand []string

	OS string
}

// NewHost builds a Host for the current OS.
func NewHost() *Host {
	return &Host{OS: runtime.GOOS}
}

func (h *Host) PackageExtension() string {
	return Extension(h.OS)
}

func (h *Host) InstalledVersion(ctx context.Context, identifier string) (string, error) {
	if len(h.VersionCommand) == 0 {
		return "", nil
	}
	out, err := h.run(ctx, append(h.VersionCommand, identifier))
	if err != nil {
		return "", fmt.Errorf("version query for %s failed: %w", identifier, err)
	}
	return strings.TrimSpace(out), nil
}

func (h *Host) VerifyCodeSignature(ctx context.Context, path string) error {
	if len(h.CodeSignCommand) == 0 {
		return nil
	}
	if _, err := h.run(ctx, append(h.CodeSignCommand, path)); err != nil {
		return fmt.Errorf("code signature check failed for %s: %w", path, err)
	}
	return nil
}

func (h *Host) Install(ctx context.Context, path string) error {
	if len(h.InstallCommand) == 0 {
		return fmt.Errorf("no install command configured")
	}
	out, err := h.run(ctx, append(h.InstallCommand, path))
	if err != nil {
		return fmt.Errorf("install of %s failed: %w", path, err)
	}
	logging.Debug("Platform", "Install output for %s: %s", path, strings.TrimSpace(out))
	return nil
}

func (h *Host) WatcherRunning(ctx context.Context) bool {
	if len(h.WatcherCheckCommand) == 0 {
		return false
	}
	_, err := h.run(ctx, h.WatcherCheckCommand)
	return err == nil
}

func (h *Host) run(ctx context.Context, argv []string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}
