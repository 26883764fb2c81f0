package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"acme/internal/config"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeDaemonUnreachable indicates the daemon did not answer on
	// its socket.
	ExitCodeDaemonUnreachable = 2
)

var (
	configPath string
	baseDir    string
)

// rootCmd is the entry point when the binary is called without a
// subcommand.
var rootCmd = &cobra.Command{
	Use:   "acme",
	Short: "Endpoint compliance agent",
	Long: `acme keeps this device compliant: it evaluates compliance modules on
adaptive schedules, pulls configuration from the central registrar,
installs component updates, and forwards telemetry. Run 'acme serve' to
start the daemon; every other subcommand talks to it over the local
socket.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "override the state directory")
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the build version.
func GetVersion() string {
	return rootCmd.Version
}

// Execute runs the CLI.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "acme version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

// loadConfig resolves the daemon configuration for serve and for socket
// path discovery in client commands.
func loadConfig() (config.AgentConfig, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return config.AgentConfig{}, err
	}
	if baseDir != "" {
		cfg.BaseDir = baseDir
	}
	cfg.Version = GetVersion()
	return cfg, nil
}

func socketPath() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return config.NewPaths(cfg.BaseDir).Socket(), nil
}
