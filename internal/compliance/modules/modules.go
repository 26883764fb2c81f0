// Package modules holds the built-in compliance modules. Each module
// registers its factory at init time; the registry instantiates them on
// load. The host probe is injected once at startup before the first
// registry load.
package modules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"acme/internal/platform"
)

var (
	probeMu sync.RWMutex
	probe   platform.Probe
)

// SetProbe installs the host probe the built-in modules evaluate
// against. Must be called before the first registry load.
func SetProbe(p platform.Probe) {
	probeMu.Lock()
	probe = p
	probeMu.Unlock()
}

func hostProbe() (platform.Probe, error) {
	probeMu.RLock()
	defer probeMu.RUnlock()
	if probe == nil {
		return nil, fmt.Errorf("no host probe installed")
	}
	return probe, nil
}

// compareVersions orders dotted numeric versions: -1, 0, or 1 as a is
// below, equal to, or above b. Non-numeric segments compare as strings.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// paramString reads a string out of the module's opaque params.
func paramString(params map[string]interface{}, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// paramInt reads an integer out of the module's opaque params. JSON
// numbers decode as float64.
func paramInt(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
