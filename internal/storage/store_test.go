package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorywatch/internal/config"
	"factorywatch/internal/model"
	"factorywatch/internal/normalize"
	"factorywatch/internal/source"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newMemorySQLite(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite("file::memory:", "factory_log")
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func raw(id, sensor string, ts time.Time, value float64, label int) model.RawRecord {
	return model.RawRecord{ID: id, Fields: map[string]any{
		"sensor_id":    sensor,
		"timestamp":    ts,
		"sensor_value": value,
		"target_value": label,
	}}
}

func TestNewStoreRejectsUnknownDriver(t *testing.T) {
	_, err := NewStore(config.SQLConfig{Driver: "oracle"}, "factory_log")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
	_, err = NewStore(config.SQLConfig{Driver: "sqlite"}, "factory_log; DROP TABLE x")
	assert.ErrorIs(t, err, ErrInvalidTable)
}

func TestSQLiteInsertQuery(t *testing.T) {
	store := newMemorySQLite(t)
	ctx := context.Background()
	require.NoError(t, store.Insert(ctx,
		raw("a", "S1", base, 75, 0),
		raw("b", "S2", base.Add(2*time.Second), 104, 1),
		raw("c", "S3", base.Add(time.Second), 99, 1),
	))

	all, err := store.Query(ctx, source.Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID)
	assert.Equal(t, "a", all[2].ID)

	alerts, err := store.Query(ctx, source.Query{Collection: "factory_log", Anomalous: source.Bool(true), After: base, Limit: 1})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	ev := normalize.Record(alerts[0], normalize.Options{})
	assert.Equal(t, "S2", ev.SensorID)
	assert.True(t, ev.IsAnomalous)
	assert.Equal(t, 104.0, ev.Value)
	assert.True(t, ev.ObservedAt.Equal(base.Add(2*time.Second)))

	require.NoError(t, store.Insert(ctx, raw("b", "S2", base.Add(2*time.Second), 72, 0)))
	require.NoError(t, store.Delete(ctx, "c"))
	alerts, err = store.Query(ctx, source.Query{Anomalous: source.Bool(true)})
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = store.Query(ctx, source.Query{Collection: "other"})
	assert.ErrorIs(t, err, source.ErrUnknownCollection)
}

func TestPollerEmitsOnChange(t *testing.T) {
	store := newMemorySQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps := make(chan model.Snapshot, 16)
	poller := NewPoller(store, 20*time.Millisecond, nil)
	sub, err := poller.Subscribe(ctx, source.Query{Anomalous: source.Bool(true)}, source.Handler{
		OnSnapshot: func(s model.Snapshot) { snaps <- s },
	})
	require.NoError(t, err)
	defer sub.Close()

	first := <-snaps
	assert.Empty(t, first.Records)

	require.NoError(t, store.Insert(ctx, raw("x", "S9", base, 110, 1)))
	select {
	case s := <-snaps:
		require.Len(t, s.Records, 1)
		require.Len(t, s.Changes, 1)
		assert.Equal(t, model.ChangeAdded, s.Changes[0].Kind)
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot after insert")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, store.Insert(ctx, raw("y", "S9", base.Add(time.Second), 110, 1)))
	select {
	case <-snaps:
		t.Fatalf("snapshot delivered after close")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPostgresQueryDialect(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newPostgresStore(db, "factory_log")

	rows := sqlmock.NewRows([]string{"id", "sensor_id", "ts", "sensor_value", "target_value"}).
		AddRow("p1", "SENSOR_001", base, 101.0, int64(1))
	mock.ExpectQuery(`SELECT id, sensor_id, ts, sensor_value, target_value FROM factory_log WHERE target_value = \$1 ORDER BY ts DESC, seq DESC LIMIT \$2`).
		WithArgs(1, 1000).
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), source.Query{Anomalous: source.Bool(true), Limit: 1000})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, base, got[0].Fields["timestamp"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPollerReportsErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := newPostgresStore(db, "factory_log")
	mock.ExpectQuery(`SELECT id`).WillReturnError(errors.New("connection refused"))

	errs := make(chan error, 1)
	poller := NewPoller(store, time.Hour, nil)
	sub, err := poller.Subscribe(context.Background(), source.Query{}, source.Handler{
		OnError: func(err error) {
			select {
			case errs <- err:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer sub.Close()
	select {
	case err := <-errs:
		assert.EqualError(t, err, "connection refused")
	case <-time.After(2 * time.Second):
		t.Fatalf("expected poll error")
	}
}
