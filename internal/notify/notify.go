package notify

import (
	"fmt"
	"log/slog"
	"time"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/config"
	"factorywatch/internal/model"
)

const toastKey = "anomaly"

type Sink interface {
	Notify(model.Notification)
}

type SinkFunc func(model.Notification)

func (f SinkFunc) Notify(n model.Notification) {
	f(n)
}

// Notifier raises at most one anomaly notification per interval and never
// the same event twice. Events observed before start are ignored.
type Notifier struct {
	interval time.Duration
	ttl      time.Duration
	score    aggregate.Score
	start    time.Time
	cooldown *Cooldown
	seen     *DedupeCache
	now      func() time.Time
	sinks    []Sink
}

func New(cfg config.NotifyConfig, score aggregate.Score, start time.Time, sinks ...Sink) *Notifier {
	return &Notifier{
		interval: cfg.Interval,
		ttl:      cfg.SeenTTL,
		score:    score,
		start:    start,
		cooldown: NewCooldown(),
		seen:     NewDedupeCache(),
		now:      func() time.Time { return time.Now().UTC() },
		sinks:    sinks,
	}
}

func (n *Notifier) WithClock(now func() time.Time) *Notifier {
	if now != nil {
		n.now = now
	}
	return n
}

func (n *Notifier) Offer(ev model.Event) bool {
	if !ev.IsAnomalous || !ev.ObservedAt.After(n.start) {
		return false
	}
	now := n.now()
	if n.seen.Seen(ev.ID, now, n.ttl) {
		return false
	}
	if !n.cooldown.AllowKey(toastKey, now, n.interval) {
		return false
	}
	note := Build(ev, n.score)
	for _, s := range n.sinks {
		s.Notify(note)
	}
	return true
}

func Build(ev model.Event, score aggregate.Score) model.Notification {
	p := aggregate.AnomalyScore(ev.Value, score)
	severity := model.SeverityWarning
	if p >= 0.8 {
		severity = model.SeverityCritical
	}
	return model.Notification{
		Title:       "Anomaly detected",
		Description: fmt.Sprintf("%s reported %.2f (probability %.0f%%)", ev.SensorID, ev.Value, p*100),
		Severity:    severity,
		EventID:     ev.ID,
		SensorID:    ev.SensorID,
		At:          ev.ObservedAt,
	}
}

type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(n model.Notification) {
	if s.Logger == nil {
		return
	}
	s.Logger.Warn("anomaly notification",
		"title", n.Title,
		"sensor_id", n.SensorID,
		"event_id", n.EventID,
		"severity", n.Severity,
		"description", n.Description,
	)
}
