package alerts

import (
	"strings"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/model"
)

// Merge left-joins acknowledgements onto the anomalous events, keeping order.
func Merge(events []model.Event, store Store, score aggregate.Score) []model.AlertEntry {
	out := make([]model.AlertEntry, 0, len(events))
	for _, ev := range events {
		if !ev.IsAnomalous {
			continue
		}
		entry := model.AlertEntry{
			EventID:     ev.ID,
			SensorID:    ev.SensorID,
			ObservedAt:  ev.ObservedAt,
			Value:       ev.Value,
			Probability: aggregate.AnomalyScore(ev.Value, score),
			Status:      model.StatusUnack,
		}
		if store != nil {
			if ack, ok := store.Get(ev.ID); ok {
				entry.Status = ack.Status
				entry.ActionNote = ack.ActionNote
			}
		}
		out = append(out, entry)
	}
	return out
}

type Filter struct {
	Search   string
	Status   string
	SensorID string
	Limit    int
}

func (f Filter) Match(e model.AlertEntry) bool {
	if q := strings.TrimSpace(f.Search); q != "" {
		if !strings.Contains(strings.ToLower(e.SensorID), strings.ToLower(q)) {
			return false
		}
	}
	switch strings.ToUpper(strings.TrimSpace(f.Status)) {
	case "", "ALL":
	case string(model.StatusAck):
		if e.Status != model.StatusAck {
			return false
		}
	case string(model.StatusUnack):
		if e.Status != model.StatusUnack {
			return false
		}
	default:
		return false
	}
	if f.SensorID != "" && e.SensorID != f.SensorID {
		return false
	}
	return true
}

func (f Filter) Apply(entries []model.AlertEntry) []model.AlertEntry {
	out := make([]model.AlertEntry, 0, len(entries))
	for _, e := range entries {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func Summarize(entries []model.AlertEntry) model.AlertSummary {
	sum := model.AlertSummary{Total: len(entries)}
	if len(entries) == 0 {
		return sum
	}
	var prob float64
	for _, e := range entries {
		if e.Status == model.StatusAck {
			sum.Acked++
		} else {
			sum.Unacked++
		}
		prob += e.Probability
	}
	sum.AvgProbability = prob / float64(len(entries))
	return sum
}
