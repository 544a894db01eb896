package aggregate

import (
	"sort"
	"time"

	"factorywatch/internal/model"
)

func Classify(age time.Duration, s Settings) model.Liveness {
	switch {
	case age <= s.OnlineWithin:
		return model.Online
	case age <= s.WarningWithin:
		return model.Warning
	}
	return model.Offline
}

// Liveness reports every known sensor, then any other sensor present in
// lastSeen sorted by id. A sensor that was never seen is offline.
func Liveness(known []string, lastSeen map[string]time.Time, now time.Time, s Settings) ([]model.SensorConnection, model.LivenessSummary) {
	out := make([]model.SensorConnection, 0, len(known)+len(lastSeen))
	listed := make(map[string]struct{}, len(known))
	var summary model.LivenessSummary

	add := func(id string) {
		conn := model.SensorConnection{SensorID: id, Status: model.Offline}
		if ts, ok := lastSeen[id]; ok {
			seen := ts
			age := now.Sub(ts)
			conn.LastSeenAt = &seen
			conn.Status = Classify(age, s)
			if age > 0 {
				conn.AgeSec = age.Seconds()
			}
		}
		switch conn.Status {
		case model.Online:
			summary.Online++
		case model.Warning:
			summary.Warning++
		default:
			summary.Offline++
		}
		out = append(out, conn)
	}

	for _, id := range known {
		if _, dup := listed[id]; dup {
			continue
		}
		listed[id] = struct{}{}
		add(id)
	}
	extra := make([]string, 0)
	for id := range lastSeen {
		if _, ok := listed[id]; !ok {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	for _, id := range extra {
		add(id)
	}
	return out, summary
}
