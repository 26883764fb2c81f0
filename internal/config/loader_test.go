package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	assert.Equal(t, DefaultBaseDir, cfg.BaseDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.Registrar.Timeout)
	assert.Equal(t, 15*time.Second, cfg.Events.Timeout)
	assert.Equal(t, 8, cfg.Compliance.MaxExecutors)
	assert.Equal(t, 5*time.Second, cfg.Compliance.TickInterval)
	assert.Zero(t, cfg.Compliance.ExecutionTimeout)
	assert.Equal(t, "acme", cfg.Installer.AgentIdentifier)
	assert.Equal(t, 5*time.Minute, cfg.Installer.DownloadTimeout)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, GetDefaultConfig(), cfg)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yaml := `
baseDir: /var/lib/acme
logLevel: debug
registrar:
  baseUrl: https://registrar.example.com
  timeout: 10s
  platform: mac
compliance:
  maxExecutors: 4
  executionTimeout: 2m
installer:
  codeSignVerify: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/acme", cfg.BaseDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "https://registrar.example.com", cfg.Registrar.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Registrar.Timeout)
	assert.Equal(t, "mac", cfg.Registrar.Platform)
	assert.Equal(t, 4, cfg.Compliance.MaxExecutors)
	assert.Equal(t, 2*time.Minute, cfg.Compliance.ExecutionTimeout)
	assert.True(t, cfg.Installer.CodeSignVerify)

	// unset fields keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Compliance.TickInterval)
	assert.Equal(t, "acme", cfg.Installer.AgentIdentifier)
}

func TestLoadConfigMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{{nope"), 0o644))

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}
