package aggregate

import (
	"sort"
	"time"

	"factorywatch/internal/model"
)

type sensorTally struct {
	id       string
	count    int
	scoreSum float64
	valueSum float64
	last     time.Time
}

func tally(alerts []model.Event, keep func(model.Event) bool, s Score) []*sensorTally {
	index := make(map[string]*sensorTally)
	order := make([]*sensorTally, 0)
	for _, ev := range alerts {
		if !ev.IsAnomalous || (keep != nil && !keep(ev)) {
			continue
		}
		t, ok := index[ev.SensorID]
		if !ok {
			t = &sensorTally{id: ev.SensorID}
			index[ev.SensorID] = t
			order = append(order, t)
		}
		t.count++
		t.scoreSum += AnomalyScore(ev.Value, s)
		t.valueSum += ev.Value
		if ev.ObservedAt.After(t.last) {
			t.last = ev.ObservedAt
		}
	}
	return order
}

// Rank returns the top sensors by detection count over the trailing period.
// Ties keep the order in which sensors were first encountered; ranks are
// 1-based and sequential.
func Rank(alerts []model.Event, now time.Time, period time.Duration, s Settings) []model.SensorRanking {
	tallies := tally(alerts, func(ev model.Event) bool {
		return period <= 0 || now.Sub(ev.ObservedAt) < period
	}, s.Score)
	sort.SliceStable(tallies, func(i, j int) bool {
		return tallies[i].count > tallies[j].count
	})
	if s.TopK > 0 && len(tallies) > s.TopK {
		tallies = tallies[:s.TopK]
	}
	out := make([]model.SensorRanking, 0, len(tallies))
	for i, t := range tallies {
		out = append(out, model.SensorRanking{
			Rank:            i + 1,
			SensorID:        t.id,
			DetectionCount:  t.count,
			AvgAnomalyScore: t.scoreSum / float64(t.count),
			LastDetectionAt: t.last,
		})
	}
	return out
}

// SensorStats summarizes every sensor with at least one detection, in
// first-encountered order.
func SensorStats(alerts []model.Event, s Score) []model.SensorStat {
	tallies := tally(alerts, nil, s)
	out := make([]model.SensorStat, 0, len(tallies))
	for _, t := range tallies {
		n := float64(t.count)
		out = append(out, model.SensorStat{
			SensorID:        t.id,
			DetectionCount:  t.count,
			AvgAnomalyScore: t.scoreSum / n,
			AvgValue:        t.valueSum / n,
		})
	}
	return out
}
