package netstate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"acme/pkg/logging"
)

// State is a bitset describing the device's current network posture.
// The numeric values are part of the on-disk and wire format.
type State uint32

const (
	Online State = 1 << iota
	Offline
	OnDomain
	OffDomain
	OnVPN
	OffVPN
)

// String renders the set for logging.
func (s State) String() string {
	names := []struct {
		bit  State
		name string
	}{
		{Online, "ONLINE"},
		{Offline, "OFFLINE"},
		{OnDomain, "ONDOMAIN"},
		{OffDomain, "OFFDOMAIN"},
		{OnVPN, "ONVPN"},
		{OffVPN, "OFFVPN"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "NONE"
	}
	return out
}

// Contains reports whether every bit in req is present in s.
func (s State) Contains(req State) bool {
	return s&req == req
}

// Detector reports the current network state. The real probing lives
// outside the core; the agent ships a file-backed implementation fed by
// the platform network monitor.
type Detector interface {
	Current() State
}

// Static is a fixed-state detector, used in tests and as a safe default.
type Static struct {
	State State
}

func (s Static) Current() State { return s.State }

// fileState is the JSON layout of state/network.data written by the
// platform network monitor.
type fileState struct {
	Online   bool `json:"online"`
	OnDomain bool `json:"on_domain"`
	OnVPN    bool `json:"on_vpn"`
}

// FileDetector reads the persisted network snapshot on every query and
// caches the last good read. A missing or malformed file degrades to
// OFFLINE rather than failing the caller.
type FileDetector struct {
	mu   sync.Mutex
	path string
	last State
}

// NewFileDetector creates a detector backed by the given snapshot path.
func NewFileDetector(path string) *FileDetector {
	return &FileDetector{
		path: path,
		last: Offline | OffDomain | OffVPN,
	}
}

func (d *FileDetector) Current() State {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("NetState", "Failed to read network snapshot %s: %v", d.path, err)
		}
		return d.last
	}

	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		logging.Warn("NetState", "Malformed network snapshot %s: %v", d.path, err)
		return d.last
	}

	d.last = fromFileState(fs)
	return d.last
}

func fromFileState(fs fileState) State {
	var s State
	if fs.Online {
		s |= Online
	} else {
		s |= Offline
	}
	if fs.OnDomain {
		s |= OnDomain
	} else {
		s |= OffDomain
	}
	if fs.OnVPN {
		s |= OnVPN
	} else {
		s |= OffVPN
	}
	return s
}

// Write persists a snapshot. The network monitor uses this; tests do too.
func Write(path string, s State) error {
	fs := fileState{
		Online:   s&Online != 0,
		OnDomain: s&OnDomain != 0,
		OnVPN:    s&OnVPN != 0,
	}
	data, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("failed to encode network snapshot: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
