package configsync

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"acme/internal/compliance"
	"acme/internal/registrar"
	"acme/pkg/logging"
)

// ComplianceConfig pulls per-module settings manifests and hands them
// to the module registry for a hot reload.
type ComplianceConfig struct {
	client   *registrar.Client
	registry *compliance.Registry
	// apply runs the reload sequence after manifests land on disk.
	apply func()

	mu      sync.Mutex
	entries []Entry
}

// NewComplianceConfig wires the puller. apply may be nil when nothing
// beyond a registry reload is needed.
func NewComplianceConfig(client *registrar.Client, registry *compliance.Registry, apply func()) *ComplianceConfig {
	return &ComplianceConfig{client: client, registry: registry, apply: apply}
}

func (s *ComplianceConfig) Name() string { return "compliance" }

func (s *ComplianceConfig) ShouldRunImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0 || AnyDue(s.entries, time.Now())
}

func (s *ComplianceConfig) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IntervalOver(s.entries, time.Now())
}

type complianceBundle struct {
	Modules []struct {
		Identifier string          `json:"identifier"`
		Manifest   json.RawMessage `json:"manifest"`
		NextUpdate time.Time       `json:"next_update"`
	} `json:"modules"`
}

// Run fetches the manifest bundle, persists each manifest at the path
// the registry owns for that identifier, and triggers the reload.
func (s *ComplianceConfig) Run(ctx context.Context) error {
	var bundle complianceBundle
	if err := s.client.Post(ctx, "config/compliance", nil, &bundle); err != nil {
		return err
	}

	written := 0
	entries := make([]Entry, 0, len(bundle.Modules))
	for _, mod := range bundle.Modules {
		entries = append(entries, Entry{Name: mod.Identifier, NextUpdate: mod.NextUpdate})
		if len(mod.Manifest) == 0 {
			continue
		}
		path := s.registry.ManifestPath(mod.Identifier)
		if path == "" {
			continue
		}
		if err := writeAtomic(path, mod.Manifest); err != nil {
			logging.Error("ConfigSync", err, "Failed to persist manifest for %s", mod.Identifier)
			continue
		}
		written++
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()

	if written > 0 {
		logging.Info("ConfigSync", "Applied %d compliance manifests", written)
		if s.apply != nil {
			s.apply()
		} else {
			s.registry.Load(true)
		}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}
