package aggregate

import (
	"time"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
)

type Period struct {
	Name   string
	Length time.Duration
}

type Score struct {
	Baseline float64
	Spread   float64
}

// Settings is the resolved, immutable subset of config the engine reads.
type Settings struct {
	Windows       []time.Duration
	Periods       []Period
	TopK          int
	Score         Score
	Location      *time.Location
	Weeks         int
	OnlineWithin  time.Duration
	WarningWithin time.Duration
}

func SettingsFrom(cfg *config.Config) Settings {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	periods := make([]Period, 0, len(cfg.Aggregation.RankingPeriods))
	for _, p := range cfg.Aggregation.RankingPeriods {
		periods = append(periods, Period{Name: p.Name, Length: p.Length})
	}
	return Settings{
		Windows:       append([]time.Duration(nil), cfg.Aggregation.Windows...),
		Periods:       periods,
		TopK:          cfg.Aggregation.TopK,
		Score:         Score{Baseline: cfg.Aggregation.ScoreBaseline, Spread: cfg.Aggregation.ScoreSpread},
		Location:      cfg.Aggregation.Location(),
		Weeks:         cfg.Aggregation.Weeks,
		OnlineWithin:  cfg.Liveness.OnlineWithin,
		WarningWithin: cfg.Liveness.WarningWithin,
	}
}

func DefaultSettings() Settings {
	return SettingsFrom(config.DefaultConfig())
}

type Input struct {
	// Events is the general sample, newest first as delivered.
	Events []model.Event
	// Alerts is the anomalous sample. Nil means the anomalous subset of Events.
	Alerts []model.Event
	// LastSeen carries liveness across snapshots. Nil means derive from Events.
	LastSeen map[string]time.Time
	Known    []string
}

// Compute derives every dashboard statistic from one input at one instant.
// It is a pure function: equal inputs and now give deep-equal output.
func Compute(in Input, now time.Time, s Settings) model.Aggregation {
	alerts := in.Alerts
	if alerts == nil {
		alerts = Anomalous(in.Events)
	}
	lastSeen := in.LastSeen
	if lastSeen == nil {
		lastSeen = LastSeen(in.Events, nil)
	}

	rankings := make([]model.RankingSet, 0, len(s.Periods))
	for _, p := range s.Periods {
		rankings = append(rankings, model.RankingSet{
			Period:   p.Name,
			Length:   p.Length,
			Rankings: Rank(alerts, now, p.Length, s),
		})
	}
	liveness, summary := Liveness(in.Known, lastSeen, now, s)

	return model.Aggregation{
		GeneratedAt: now,
		Totals:      TotalsOf(in.Events),
		Windows:     WindowCounts(alerts, now, s.Windows),
		Rankings:    rankings,
		Hourly:      HourlyRates(in.Events, s.Location),
		Weekly:      WeeklyRates(in.Events, now, s.Weeks),
		Weekday:     WeekdayRates(in.Events, s.Location),
		Sensors:     SensorStats(alerts, s.Score),
		Liveness:    liveness,
		LiveSummary: summary,
		DataFlow:    DataFlowOf(in.Events, now),
		Series:      CumulativeSeries(in.Events),
	}
}

// AnomalyScore maps a reading onto 0..1: (value-baseline)/spread, clamped.
func AnomalyScore(value float64, s Score) float64 {
	if s.Spread <= 0 {
		return 0
	}
	return clamp01((value - s.Baseline) / s.Spread)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func Anomalous(events []model.Event) []model.Event {
	out := make([]model.Event, 0, len(events)/8)
	for _, ev := range events {
		if ev.IsAnomalous {
			out = append(out, ev)
		}
	}
	return out
}

func TotalsOf(events []model.Event) model.Totals {
	t := model.Totals{Events: len(events)}
	for _, ev := range events {
		if ev.IsAnomalous {
			t.Anomalous++
		}
	}
	t.Normal = t.Events - t.Anomalous
	return t
}

// LastSeen folds the newest observation per sensor into prev and returns it.
// A nil prev starts a fresh map.
func LastSeen(events []model.Event, prev map[string]time.Time) map[string]time.Time {
	if prev == nil {
		prev = make(map[string]time.Time)
	}
	for _, ev := range events {
		if ts, ok := prev[ev.SensorID]; !ok || ev.ObservedAt.After(ts) {
			prev[ev.SensorID] = ev.ObservedAt
		}
	}
	return prev
}

func rate(anomalous, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(anomalous) / float64(total) * 100
}
