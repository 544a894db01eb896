package aggregate

import (
	"sort"
	"time"

	"factorywatch/internal/model"
)

// DataFlowOf describes the freshness of the sample relative to now.
func DataFlowOf(events []model.Event, now time.Time) model.DataFlow {
	flow := model.DataFlow{Received: len(events)}
	var latest, lastNormal, lastAnomaly time.Time
	for _, ev := range events {
		if ev.ObservedAt.After(latest) {
			latest = ev.ObservedAt
		}
		if ev.IsAnomalous {
			if ev.ObservedAt.After(lastAnomaly) {
				lastAnomaly = ev.ObservedAt
			}
		} else if ev.ObservedAt.After(lastNormal) {
			lastNormal = ev.ObservedAt
		}
	}
	if !latest.IsZero() {
		flow.LatestAt = &latest
		flow.LatencySec = secondsSince(now, latest)
	}
	if !lastNormal.IsZero() {
		ago := secondsSince(now, lastNormal)
		flow.LastNormalAt = &lastNormal
		flow.LastNormalAgoSec = &ago
	}
	if !lastAnomaly.IsZero() {
		ago := secondsSince(now, lastAnomaly)
		flow.LastAnomalyAt = &lastAnomaly
		flow.LastAnomalyAgo = &ago
	}
	return flow
}

func secondsSince(now, t time.Time) float64 {
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

// CumulativeSeries walks the events oldest first and emits running totals.
func CumulativeSeries(events []model.Event) []model.SeriesPoint {
	sorted := append([]model.Event(nil), events...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})
	out := make([]model.SeriesPoint, 0, len(sorted))
	normal, anomalous := 0, 0
	for _, ev := range sorted {
		if ev.IsAnomalous {
			anomalous++
		} else {
			normal++
		}
		out = append(out, model.SeriesPoint{At: ev.ObservedAt, Normal: normal, Anomalous: anomalous})
	}
	return out
}
