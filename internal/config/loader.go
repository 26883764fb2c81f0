package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"acme/pkg/logging"
)

const (
	// DefaultBaseDir is where the agent keeps its state unless
	// configured otherwise.
	DefaultBaseDir = "/usr/local/amazon/var/acme"

	configFileName = "config.yaml"
)

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() AgentConfig {
	return AgentConfig{
		BaseDir:  DefaultBaseDir,
		LogLevel: "info",
		Registrar: RegistrarConfig{
			Timeout: 30 * time.Second,
		},
		Events: EventsConfig{
			Timeout: 15 * time.Second,
		},
		Compliance: ComplianceConfig{
			MaxExecutors: 8,
			TickInterval: 5 * time.Second,
		},
		Installer: InstallerConfig{
			AgentIdentifier: "acme",
			DownloadTimeout: 5 * time.Minute,
		},
	}
}

// LoadConfig loads config.yaml from the given directory. A missing file
// yields the defaults; a malformed file is an error.
func LoadConfig(configPath string) (AgentConfig, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return AgentConfig{}, fmt.Errorf("error reading config from %s: %w", configFilePath, err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return AgentConfig{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	logging.Info("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}
