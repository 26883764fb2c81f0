package events

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// RouteMap resolves an event to its destination stream. An exact match
// on the event kind wins, then a match on the subject area, then the
// default stream.
type RouteMap struct {
	mu     sync.RWMutex
	routes routeFile
}

type routeFile struct {
	EventTypes    map[string]string `json:"event_types"`
	SubjectAreas  map[string]string `json:"subject_areas"`
	DefaultStream string            `json:"default"`
}

// LoadRouteMap reads the persisted route map. A missing file yields an
// empty map whose Resolve always falls through to "default".
func LoadRouteMap(path string) (*RouteMap, error) {
	rm := &RouteMap{}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rm, nil
		}
		return nil, fmt.Errorf("failed to read route map: %w", err)
	}
	if err := json.Unmarshal(raw, &rm.routes); err != nil {
		return nil, fmt.Errorf("malformed route map at %s: %w", path, err)
	}
	return rm, nil
}

// Reload swaps in the route map from path, keeping the old routes on
// failure.
func (rm *RouteMap) Reload(path string) error {
	fresh, err := LoadRouteMap(path)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	rm.routes = fresh.routes
	rm.mu.Unlock()
	return nil
}

// Resolve returns the stream for an event kind and subject area.
func (rm *RouteMap) Resolve(kind, subjectArea string) string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	if stream, ok := rm.routes.EventTypes[kind]; ok {
		return stream
	}
	if stream, ok := rm.routes.SubjectAreas[subjectArea]; ok {
		return stream
	}
	if rm.routes.DefaultStream != "" {
		return rm.routes.DefaultStream
	}
	return "default"
}
