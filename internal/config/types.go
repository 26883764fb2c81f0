// Package config loads the daemon's config.yaml and owns the on-disk
// layout under baseDir.
package config

import "time"

// AgentConfig is the daemon configuration, loaded from config.yaml with
// defaults filled in for anything unset.
type AgentConfig struct {
	// BaseDir roots the persisted state layout.
	BaseDir  string `yaml:"baseDir"`
	LogLevel string `yaml:"logLevel"`
	Version  string `yaml:"-"`

	Registrar  RegistrarConfig  `yaml:"registrar"`
	Events     EventsConfig     `yaml:"events"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Installer  InstallerConfig  `yaml:"installer"`
	Probe      ProbeConfig      `yaml:"probe"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// RegistrarConfig points at the central registrar.
type RegistrarConfig struct {
	BaseURL         string        `yaml:"baseUrl"`
	Timeout         time.Duration `yaml:"timeout"`
	Platform        string        `yaml:"platform"`
	PlatformVersion string        `yaml:"platformVersion"`
}

// EventsConfig points at the telemetry sink.
type EventsConfig struct {
	SinkURL string        `yaml:"sinkUrl"`
	Timeout time.Duration `yaml:"timeout"`
}

// ComplianceConfig tunes the scheduler.
type ComplianceConfig struct {
	MaxExecutors int           `yaml:"maxExecutors"`
	TickInterval time.Duration `yaml:"tickInterval"`
	// ExecutionTimeout bounds a single evaluation when positive. Zero
	// keeps the historical behavior: evaluators run to completion.
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
}

// InstallerConfig tunes the install pipeline.
type InstallerConfig struct {
	SigningAuthority string        `yaml:"signingAuthority"`
	AgentIdentifier  string        `yaml:"agentIdentifier"`
	CodeSignVerify   bool          `yaml:"codeSignVerify"`
	DownloadTimeout  time.Duration `yaml:"downloadTimeout"`

	VersionCommand      []string `yaml:"versionCommand"`
	InstallCommand      []string `yaml:"installCommand"`
	CodeSignCommand     []string `yaml:"codeSignCommand"`
	WatcherCheckCommand []string `yaml:"watcherCheckCommand"`
}

// ProbeConfig carries the host probe command lines for the built-in
// compliance modules.
type ProbeConfig struct {
	FirewallCommand       []string `yaml:"firewallCommand"`
	FirewallEnableCommand []string `yaml:"firewallEnableCommand"`
	DiskEncryptionCommand []string `yaml:"diskEncryptionCommand"`
	OSVersionCommand      []string `yaml:"osVersionCommand"`
	ScreenLockCommand     []string `yaml:"screenLockCommand"`
}

// MetricsConfig exposes the Prometheus endpoint when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}
