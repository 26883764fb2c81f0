// Package features loads the acme.json feature controls and watches the
// file for changes. Toggling a control starts or stops the owning
// subsystem through registered callbacks.
package features

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"acme/pkg/logging"
)

// Controls are the process-wide feature switches.
type Controls struct {
	UsherEnabled         bool `json:"usher_enabled"`
	UsherWatcherEnabled  bool `json:"usher_watcher_enabled"`
	KarlRegistrarEnabled bool `json:"karl_registrar_enabled"`
	ComplianceEnabled    bool `json:"compliance_enabled"`
}

// Defaults returns the controls used when acme.json is absent:
// everything on except the installer pair.
func Defaults() Controls {
	return Controls{
		UsherEnabled:         false,
		UsherWatcherEnabled:  false,
		KarlRegistrarEnabled: true,
		ComplianceEnabled:    true,
	}
}

// ChangeFunc receives the old and new controls after a reload.
type ChangeFunc func(old, new Controls)

// Manager owns the current controls and the file watch.
type Manager struct {
	path string

	mu        sync.RWMutex
	current   Controls
	callbacks []ChangeFunc

	watcher *fsnotify.Watcher
}

// NewManager loads the controls from path. A missing file yields the
// defaults.
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}
	controls, err := load(path)
	if err != nil {
		return nil, err
	}
	m.current = controls
	return m, nil
}

func load(path string) (Controls, error) {
	controls := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return controls, nil
		}
		return controls, fmt.Errorf("failed to read feature controls: %w", err)
	}
	if err := json.Unmarshal(raw, &controls); err != nil {
		return controls, fmt.Errorf("malformed feature controls at %s: %w", path, err)
	}
	return controls, nil
}

// Current returns the active controls.
func (m *Manager) Current() Controls {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a callback fired after every reload that changed
// the controls.
func (m *Manager) OnChange(cb ChangeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Reload re-reads the file and fires change callbacks when the controls
// differ. Used by the IPC Reload command and the file watch.
func (m *Manager) Reload() error {
	fresh, err := load(m.path)
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.current
	if fresh == old {
		m.mu.Unlock()
		return nil
	}
	m.current = fresh
	callbacks := append([]ChangeFunc(nil), m.callbacks...)
	m.mu.Unlock()

	logging.Info("Features", "Controls changed: %+v -> %+v", old, fresh)
	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.Error("Features", fmt.Errorf("%v", r), "Feature change callback panicked")
				}
			}()
			cb(old, fresh)
		}()
	}
	return nil
}

// Watch follows the controls file until ctx is cancelled. The parent
// directory is watched so editors that replace the file still trigger.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create feature watcher: %w", err)
	}
	m.watcher = watcher

	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				logging.Error("Features", err, "Reload after file change failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("Features", "Watcher error: %v", err)
		}
	}
}
