package seed

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"factorywatch/internal/ingest"
	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
)

// Generator yields the next document to write; false ends the run.
type Generator interface {
	Next() (model.RawRecord, bool)
}

// Simulator emits readings for a fixed sensor line in round-robin order.
// Normal readings fall in 70..80; a defect adds 20..30.
type Simulator struct {
	sensors []string
	rate    float64
	limit   int
	rnd     *rand.Rand
	now     func() time.Time
	n       int
}

func NewSimulator(sensors []string, defectRate float64, limit int, seed int64) *Simulator {
	if len(sensors) == 0 {
		sensors = []string{"SENSOR_001"}
	}
	return &Simulator{
		sensors: sensors,
		rate:    defectRate,
		limit:   limit,
		rnd:     rand.New(rand.NewSource(seed)),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Simulator) Next() (model.RawRecord, bool) {
	if s.limit > 0 && s.n >= s.limit {
		return model.RawRecord{}, false
	}
	sensor := s.sensors[s.n%len(s.sensors)]
	s.n++
	value := 70 + s.rnd.Float64()*10
	label := 0
	if s.rnd.Float64() < s.rate {
		value += 20 + s.rnd.Float64()*10
		label = 1
	}
	return model.RawRecord{
		ID: uuid.NewString(),
		Fields: map[string]any{
			"timestamp":    s.now().Format(time.RFC3339Nano),
			"sensor_id":    sensor,
			"sensor_value": math.Round(value*100) / 100,
			"target_value": label,
		},
		Change: model.ChangeAdded,
	}, true
}

// Replay walks a dataset in timestamp order, restamping every document with
// the current time.
type Replay struct {
	records []model.RawRecord
	limit   int
	now     func() time.Time
	i       int
}

func NewReplay(records []model.RawRecord, limit int) *Replay {
	sorted := make([]model.RawRecord, len(records))
	copy(sorted, records)
	stamp := func(r model.RawRecord) time.Time {
		ts, _ := normalize.Timestamp(r.Fields, time.UTC)
		return ts
	}
	sort.SliceStable(sorted, func(a, b int) bool {
		return stamp(sorted[a]).Before(stamp(sorted[b]))
	})
	return &Replay{records: sorted, limit: limit, now: func() time.Time { return time.Now().UTC() }}
}

// LoadDataset reads a CSV, JSON or XLSX dataset through the upload parser.
func LoadDataset(path string, opts normalize.Options, limit int) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	up, err := ingest.ParseUpload(path, f, opts)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", path, err)
	}
	return NewReplay(up.Records, limit), nil
}

func (r *Replay) Len() int {
	return len(r.records)
}

func (r *Replay) Next() (model.RawRecord, bool) {
	if r.i >= len(r.records) || (r.limit > 0 && r.i >= r.limit) {
		return model.RawRecord{}, false
	}
	src := r.records[r.i]
	r.i++
	fields := make(map[string]any, len(src.Fields))
	for k, v := range src.Fields {
		if k == "id" {
			continue
		}
		fields[k] = v
	}
	fields["timestamp"] = r.now().Format(time.RFC3339Nano)
	return model.RawRecord{ID: uuid.NewString(), Fields: fields, Change: model.ChangeAdded}, true
}

type Stats struct {
	Written int
	Failed  int
}

// Run writes one document per interval until the generator is exhausted or
// ctx ends. Write failures are logged and counted, never fatal.
func Run(ctx context.Context, gen Generator, sink Sink, interval time.Duration, logger *slog.Logger) Stats {
	var st Stats
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, ok := gen.Next()
		if !ok {
			break
		}
		if err := sink.Write(ctx, rec); err != nil {
			st.Failed++
			if logger != nil {
				logger.Warn("seed write failed", "id", rec.ID, "err", err)
			}
		} else {
			st.Written++
			if logger != nil {
				logger.Debug("seed write", "id", rec.ID, "sensor_id", rec.Fields["sensor_id"])
			}
		}
		select {
		case <-ctx.Done():
			return st
		case <-ticker.C:
		}
	}
	if logger != nil {
		logger.Info("seed finished", "written", st.Written, "failed", st.Failed)
	}
	return st
}
