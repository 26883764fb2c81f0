package config

import (
	"os"
	"path/filepath"

	"acme/pkg/logging"
)

// Paths resolves every persisted location under baseDir.
type Paths struct {
	BaseDir string
}

func NewPaths(baseDir string) Paths {
	if baseDir == "" {
		baseDir = DefaultBaseDir
	}
	return Paths{BaseDir: baseDir}
}

func (p Paths) ManifestDir() string       { return filepath.Join(p.BaseDir, "manifests") }
func (p Paths) StateDir() string          { return filepath.Join(p.BaseDir, "state") }
func (p Paths) RoutesDir() string         { return filepath.Join(p.BaseDir, "routes") }
func (p Paths) InstallersDir() string     { return filepath.Join(p.BaseDir, "installers") }
func (p Paths) IdentityDir() string       { return filepath.Join(p.BaseDir, "identity") }
func (p Paths) ModuleStagingDir() string  { return filepath.Join(p.StateDir(), "compliance_modules", "staging") }
func (p Paths) InstallerStaging() string  { return filepath.Join(p.StateDir(), "installers", "staging") }
func (p Paths) RegistrationData() string  { return filepath.Join(p.ManifestDir(), "registration_data.json") }
func (p Paths) FeatureControls() string   { return filepath.Join(p.ManifestDir(), "acme.json") }
func (p Paths) ConfigModuleDir() string   { return filepath.Join(p.ManifestDir(), "config") }
func (p Paths) RouteMap() string          { return filepath.Join(p.RoutesDir(), "route_map.json") }
func (p Paths) GroupCache() string        { return filepath.Join(p.StateDir(), "group_cache.data") }
func (p Paths) NetworkState() string      { return filepath.Join(p.StateDir(), "network.data") }
func (p Paths) EventBuffer() string       { return filepath.Join(p.StateDir(), "karl_queue.data") }
func (p Paths) Socket() string            { return filepath.Join(p.BaseDir, "acme.sock") }
func (p Paths) SigningAuthority() string  { return filepath.Join(p.ManifestDir(), "signing_authority.pem") }

// EnsureLayout creates the writable directories. A directory that
// cannot be created is logged and skipped; the owning subsystem then
// runs degraded without persistence rather than failing startup.
func (p Paths) EnsureLayout() {
	for _, dir := range []string{
		p.ManifestDir(),
		p.StateDir(),
		p.RoutesDir(),
		p.InstallersDir(),
		p.IdentityDir(),
		p.ModuleStagingDir(),
		p.InstallerStaging(),
		p.ConfigModuleDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logging.Warn("Config", "Failed to create %s, running degraded: %v", dir, err)
		}
	}
}
