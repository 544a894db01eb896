package seed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
	"factorywatch/internal/source"
	"factorywatch/internal/storage"
)

type memorySink struct {
	mu   sync.Mutex
	recs []model.RawRecord
}

func (m *memorySink) Write(_ context.Context, rec model.RawRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, rec)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) Close() error { return nil }

func TestSimulatorRoundRobinAndRanges(t *testing.T) {
	sensors := []string{"SENSOR_001", "SENSOR_002", "SENSOR_003"}

	normal := NewSimulator(sensors, 0, 6, 1)
	for i := 0; i < 6; i++ {
		rec, ok := normal.Next()
		require.True(t, ok)
		assert.Equal(t, sensors[i%3], rec.Fields["sensor_id"])
		v := rec.Fields["sensor_value"].(float64)
		assert.True(t, v >= 70 && v <= 80, "normal value %v", v)
		assert.Equal(t, 0, rec.Fields["target_value"])
		assert.NotEmpty(t, rec.ID)
	}
	_, ok := normal.Next()
	assert.False(t, ok, "limit reached")

	defective := NewSimulator(sensors, 1, 0, 1)
	for i := 0; i < 20; i++ {
		rec, _ := defective.Next()
		v := rec.Fields["sensor_value"].(float64)
		assert.True(t, v >= 90 && v <= 110, "defect value %v", v)
		assert.Equal(t, 1, rec.Fields["target_value"])
	}
}

func TestReplayOrdersAndRestamps(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	r := NewReplay([]model.RawRecord{
		{ID: "b", Fields: map[string]any{"id": "b", "timestamp": "2024-01-02 00:00:00", "sensor_id": "S2"}},
		{ID: "a", Fields: map[string]any{"timestamp": "2024-01-01 00:00:00", "sensor_id": "S1"}},
	}, 0)
	r.now = func() time.Time { return now }

	first, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, "S1", first.Fields["sensor_id"])
	assert.Equal(t, now.Format(time.RFC3339Nano), first.Fields["timestamp"])

	second, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, "S2", second.Fields["sensor_id"])
	_, hasID := second.Fields["id"]
	assert.False(t, hasID)

	_, ok = r.Next()
	assert.False(t, ok)
}

func TestLoadDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dataset.csv")
	csv := "timestamp,sensor_id,sensor_value,target_value\n2024-01-01 00:00:02,SENSOR_002,95,1\n2024-01-01 00:00:01,SENSOR_001,71,0\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o644))

	r, err := LoadDataset(path, normalize.Options{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
	rec, _ := r.Next()
	assert.Equal(t, "SENSOR_001", rec.Fields["sensor_id"])

	_, err = LoadDataset(filepath.Join(t.TempDir(), "missing.csv"), normalize.Options{}, 0)
	assert.Error(t, err)
}

func TestRunStopsWhenExhausted(t *testing.T) {
	sink := &memorySink{}
	st := Run(context.Background(), NewSimulator([]string{"SENSOR_001"}, 0.5, 5, 7), sink, time.Millisecond, nil)
	assert.Equal(t, Stats{Written: 5}, st)
	assert.Len(t, sink.recs, 5)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &memorySink{}
	st := Run(ctx, NewSimulator([]string{"SENSOR_001"}, 0, 0, 7), sink, time.Hour, nil)
	assert.Equal(t, 1, st.Written)
}

func TestHTTPSink(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL)
	defer sink.Close()
	err := sink.Write(context.Background(), model.RawRecord{ID: "doc-1", Fields: map[string]any{"sensor_id": "SENSOR_001"}})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got["id"])
	assert.Equal(t, "SENSOR_001", got["sensor_id"])

	failing := NewHTTPSink(srv.URL + "/missing")
	assert.Error(t, failing.Write(context.Background(), model.RawRecord{ID: "x", Fields: map[string]any{}}))
}

func TestSQLSink(t *testing.T) {
	store, err := storage.NewSQLite("file::memory:", "factory_log")
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	sink := &SQLSink{store: store}
	defer sink.Close()

	rec, _ := NewSimulator([]string{"SENSOR_001"}, 1, 0, 3).Next()
	require.NoError(t, sink.Write(context.Background(), rec))
	rows, err := store.Query(context.Background(), source.Query{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, rec.ID, rows[0].ID)
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := &RedisSink{client: client, stream: "factory_log"}
	defer sink.Close()

	require.NoError(t, sink.Write(context.Background(), model.RawRecord{ID: "r1", Fields: map[string]any{"sensor_id": "SENSOR_009"}}))
	entries, err := client.XRange(context.Background(), "factory_log", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	msg, err := source.DecodeChange([]byte(entries[0].Values["data"].(string)))
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.ID)
	assert.Equal(t, source.OpUpsert, msg.Op)
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	require.NoError(t, sink.Write(context.Background(), model.RawRecord{ID: "k1", Fields: map[string]any{"sensor_id": "SENSOR_004"}}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "k1", string(w.msgs[0].Key))
	msg, err := source.DecodeChange(w.msgs[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "SENSOR_004", msg.Doc["sensor_id"])
}

func TestNewSinkRejectsUnknown(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Seed.Sink = "carrier-pigeon"
	_, err := NewSink(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownSink)
}
