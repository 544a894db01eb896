package aggregate

import (
	"fmt"
	"time"

	"factorywatch/internal/model"
)

var weekdayLabels = [7]string{"Mon", "Tue", "Wed", "Thu", "Fri", "Sat", "Sun"}

// HourlyRates buckets events by hour of day in loc. Rates are percentages.
func HourlyRates(events []model.Event, loc *time.Location) []model.BucketRate {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]model.BucketRate, 24)
	for h := range out {
		out[h] = model.BucketRate{Bucket: h, Label: fmt.Sprintf("%02d", h)}
	}
	for _, ev := range events {
		h := ev.ObservedAt.In(loc).Hour()
		out[h].Total++
		if ev.IsAnomalous {
			out[h].Anomalous++
		}
	}
	return finish(out)
}

// WeeklyRates buckets events by whole weeks before now; bucket 0 is the
// trailing week. Events older than weeks are ignored, future events land in 0.
func WeeklyRates(events []model.Event, now time.Time, weeks int) []model.BucketRate {
	if weeks <= 0 {
		return []model.BucketRate{}
	}
	const week = 7 * 24 * time.Hour
	out := make([]model.BucketRate, weeks)
	for i := range out {
		out[i] = model.BucketRate{Bucket: i, Label: fmt.Sprintf("W-%d", i)}
	}
	for _, ev := range events {
		age := now.Sub(ev.ObservedAt)
		idx := 0
		if age > 0 {
			idx = int(age / week)
		}
		if idx >= weeks {
			continue
		}
		out[idx].Total++
		if ev.IsAnomalous {
			out[idx].Anomalous++
		}
	}
	return finish(out)
}

// WeekdayRates buckets events Monday through Sunday in loc.
func WeekdayRates(events []model.Event, loc *time.Location) []model.BucketRate {
	if loc == nil {
		loc = time.UTC
	}
	out := make([]model.BucketRate, 7)
	for i := range out {
		out[i] = model.BucketRate{Bucket: i, Label: weekdayLabels[i]}
	}
	for _, ev := range events {
		idx := (int(ev.ObservedAt.In(loc).Weekday()) + 6) % 7
		out[idx].Total++
		if ev.IsAnomalous {
			out[idx].Anomalous++
		}
	}
	return finish(out)
}

func finish(buckets []model.BucketRate) []model.BucketRate {
	for i := range buckets {
		buckets[i].Rate = rate(buckets[i].Anomalous, buckets[i].Total)
	}
	return buckets
}
