package monitor

import (
	"strings"
	"time"

	"factorywatch/internal/config"
)

// SensorRegistry is the set of sensors the liveness view always lists,
// whether or not they have reported.
type SensorRegistry struct {
	ids   []string
	index map[string]string
}

func buildRegistry(cfg *config.Config) *SensorRegistry {
	known := cfg.Sensors.KnownSensorIDs()
	r := &SensorRegistry{ids: make([]string, 0, len(known)), index: make(map[string]string, len(known))}
	for _, id := range known {
		key := normalizeSensorID(id)
		if _, ok := r.index[key]; ok {
			continue
		}
		r.index[key] = id
		r.ids = append(r.ids, id)
	}
	return r
}

func (r *SensorRegistry) IDs() []string {
	if r == nil {
		return nil
	}
	return r.ids
}

// Canonical returns the configured spelling of a known sensor, or id as is.
func (r *SensorRegistry) Canonical(id string) string {
	if r == nil {
		return id
	}
	if known, ok := r.index[normalizeSensorID(id)]; ok {
		return known
	}
	return id
}

// Fold rekeys lastSeen onto configured ids. When two spellings of one
// sensor meet, the later time wins.
func (r *SensorRegistry) Fold(lastSeen map[string]time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(lastSeen))
	for id, ts := range lastSeen {
		key := r.Canonical(id)
		if prev, ok := out[key]; !ok || ts.After(prev) {
			out[key] = ts
		}
	}
	return out
}

func normalizeSensorID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
