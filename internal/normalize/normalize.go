package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
)

var (
	sensorKeys    = []string{"sensor_id", "sensorId", "sensor", "device"}
	timestampKeys = []string{"timestamp", "ts", "time", "observed_at"}
	valueKeys     = []string{"sensor_value", "value"}
	labelKeys     = []string{"target_value", "label", "is_anomalous"}
)

type Options struct {
	DefaultSensorID string
	Location        *time.Location
	Now             func() time.Time
}

func OptionsFrom(cfg *config.Config) Options {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return Options{
		DefaultSensorID: cfg.Ingest.DefaultSensorID,
		Location:        cfg.Ingest.Location(),
	}
}

// Record coerces one raw document into an Event. It never fails: missing or
// unreadable fields fall back to the configured sensor id, the current time,
// a zero value and a normal label.
func Record(rec model.RawRecord, opts Options) model.Event {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	sensor := ""
	if v, ok := lookup(rec.Fields, sensorKeys...); ok && v != nil {
		sensor = strings.TrimSpace(fmt.Sprint(v))
	}
	if sensor == "" {
		sensor = opts.DefaultSensorID
	}

	ts, ok := Time(first(rec.Fields, timestampKeys...), loc)
	if !ok {
		ts = now()
	}
	value, _ := Float(first(rec.Fields, valueKeys...))

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		if v, ok := lookup(rec.Fields, "id"); ok && v != nil {
			id = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	if id == "" {
		id = sensor + "@" + fingerprint(rec.Fields)
	}

	return model.Event{
		ID:          id,
		SensorID:    sensor,
		ObservedAt:  ts.UTC(),
		Value:       value,
		IsAnomalous: Flag(first(rec.Fields, labelKeys...)),
	}
}

// Timestamp reads the observation time from a field bag using the same aliases
// as Record.
func Timestamp(fields map[string]any, loc *time.Location) (time.Time, bool) {
	return Time(first(fields, timestampKeys...), loc)
}

func Label(fields map[string]any) bool {
	return Flag(first(fields, labelKeys...))
}

// fingerprint derives a stable id from the document content. JSON encoding
// sorts map keys, so equal documents hash alike.
func fingerprint(fields map[string]any) string {
	raw, err := json.Marshal(fields)
	if err != nil {
		raw = []byte(fmt.Sprint(fields))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

func first(fields map[string]any, keys ...string) any {
	v, _ := lookup(fields, keys...)
	return v
}

func lookup(fields map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v, true
		}
	}
	for _, k := range keys {
		for fk, v := range fields {
			if strings.EqualFold(fk, k) {
				return v, true
			}
		}
	}
	return nil, false
}

// Float reads a finite number from JSON, SQL or spreadsheet values.
func Float(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case []byte:
		return Float(string(n))
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Flag is true only for an explicit positive label: 1, true, "1" or "true".
func Flag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s == "1" || s == "true"
	case []byte:
		return Flag(string(b))
	case nil:
		return false
	}
	f, ok := Float(v)
	return ok && f == 1
}

func Time(v any, loc *time.Location) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false
		}
		return t, true
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := ParseTimestamp(t, loc)
		return parsed, err == nil
	case []byte:
		return Time(string(t), loc)
	case map[string]any:
		return exportedTimestamp(t)
	}
	f, ok := Float(v)
	if !ok || f <= 0 {
		return time.Time{}, false
	}
	return unixNumber(f), true
}

// exportedTimestamp accepts {"seconds":..,"nanoseconds":..} objects as written by
// document-store exports, with or without the leading underscore.
func exportedTimestamp(m map[string]any) (time.Time, bool) {
	secRaw, ok := lookup(m, "_seconds", "seconds")
	if !ok {
		return time.Time{}, false
	}
	sec, ok := Float(secRaw)
	if !ok {
		return time.Time{}, false
	}
	nanos := 0.0
	if raw, ok := lookup(m, "_nanoseconds", "nanoseconds", "nanos"); ok {
		nanos, _ = Float(raw)
	}
	return time.Unix(int64(sec), int64(nanos)).UTC(), true
}

func unixNumber(f float64) time.Time {
	if f >= 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05.000000",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05.000000",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
	"2006-01-02 15:04:05-07:00",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if loc == nil {
		loc = time.UTC
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if hasZone(layout) {
			if t, err := time.Parse(layout, value); err == nil {
				return t, nil
			}
			continue
		}
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func hasZone(layout string) bool {
	return strings.Contains(layout, "Z07") || strings.Contains(layout, "-07")
}

func isNumeric(value string) bool {
	dot := false
	for _, ch := range value {
		if ch == '.' && !dot {
			dot = true
			continue
		}
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0 && value != "."
}

func parseUnix(value string) (time.Time, error) {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return time.Time{}, err
		}
		return unixNumber(f), nil
	}
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.Unix(0, ms*int64(time.Millisecond)).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
