package aggregate

import (
	"fmt"
	"time"

	"factorywatch/internal/model"
)

// WindowCount counts anomalous events with now-observedAt < w. Events stamped
// in the future count as inside every window.
func WindowCount(events []model.Event, now time.Time, w time.Duration) int {
	if w <= 0 {
		return 0
	}
	count := 0
	for _, ev := range events {
		if !ev.IsAnomalous {
			continue
		}
		if now.Sub(ev.ObservedAt) < w {
			count++
		}
	}
	return count
}

func WindowCounts(events []model.Event, now time.Time, windows []time.Duration) []model.WindowCount {
	out := make([]model.WindowCount, 0, len(windows))
	for _, w := range windows {
		out = append(out, model.WindowCount{
			Window: WindowLabel(w),
			Length: w,
			Count:  WindowCount(events, now, w),
		})
	}
	return out
}

func WindowLabel(d time.Duration) string {
	const day = 24 * time.Hour
	const week = 7 * day
	switch {
	case d <= 0:
		return d.String()
	case d%week == 0:
		return fmt.Sprintf("%dw", d/week)
	case d >= 2*day && d%day == 0:
		return fmt.Sprintf("%dd", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	}
	return d.String()
}
