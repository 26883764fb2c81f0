package configsync

import (
	"context"
	"sync"
	"time"

	"acme/internal/installer"
	"acme/internal/registrar"
	"acme/pkg/logging"
)

// UsherConfig pulls the installer target list and drives the install
// pipeline.
type UsherConfig struct {
	client   *registrar.Client
	pipeline *installer.Pipeline
	// enabled gates the whole sub-module on the usher feature control.
	enabled func() bool

	mu      sync.Mutex
	entries []Entry
}

// NewUsherConfig wires the installer puller. enabled may be nil for
// always-on.
func NewUsherConfig(client *registrar.Client, pipeline *installer.Pipeline, enabled func() bool) *UsherConfig {
	return &UsherConfig{client: client, pipeline: pipeline, enabled: enabled}
}

func (s *UsherConfig) Name() string { return "usher" }

func (s *UsherConfig) ShouldRunImmediately() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries) == 0 || AnyDue(s.entries, time.Now())
}

func (s *UsherConfig) CurrentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return IntervalOver(s.entries, time.Now())
}

type usherBundle struct {
	Targets    []installer.Target `json:"targets"`
	NextUpdate time.Time          `json:"next_update"`
}

// Run fetches the targets and applies them in priority order. Install
// failures are reported through installer events, not as pull failures,
// so a broken target does not back off the configuration timer.
func (s *UsherConfig) Run(ctx context.Context) error {
	if s.enabled != nil && !s.enabled() {
		logging.Debug("ConfigSync", "Usher disabled, skipping pull")
		return nil
	}

	var bundle usherBundle
	if err := s.client.Post(ctx, "config/usher", nil, &bundle); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = []Entry{{Name: "usher", NextUpdate: bundle.NextUpdate}}
	s.mu.Unlock()

	if len(bundle.Targets) == 0 {
		return nil
	}
	if err := s.pipeline.Apply(ctx, bundle.Targets); err != nil {
		logging.Warn("ConfigSync", "Installer run finished with failures: %v", err)
	}
	return nil
}
