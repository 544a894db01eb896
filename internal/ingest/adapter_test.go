package ingest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorywatch/internal/model"
)

func rec(id, sensor string, label int) model.RawRecord {
	return model.RawRecord{ID: id, Fields: map[string]any{
		"sensor_id":    sensor,
		"timestamp":    "2026-02-23T12:00:00Z",
		"sensor_value": 90.0,
		"target_value": float64(label),
	}}
}

func TestAdapterLastSnapshotWins(t *testing.T) {
	a := NewAdapter(testOpts(), nil)
	assert.Equal(t, model.Connecting, a.State().Status)

	a.Apply(model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 1), rec("2", "S2", 0)}})
	a.Apply(model.Snapshot{Records: []model.RawRecord{rec("3", "S3", 1)}})
	events := a.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "3", events[0].ID)
	assert.Equal(t, model.Connected, a.State().Status)
}

func TestAdapterIdempotent(t *testing.T) {
	a := NewAdapter(testOpts(), nil)
	snap := model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 1), rec("2", "S2", 0)}}
	first := a.Apply(snap)
	second := a.Apply(snap)
	assert.Equal(t, first, second)
}

func TestAdapterDuplicateIDKeepsLast(t *testing.T) {
	a := NewAdapter(testOpts(), nil)
	out := a.Apply(model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 0), rec("2", "S2", 0), rec("1", "S9", 1)}})
	require.Len(t, out, 2)
	assert.Equal(t, "1", out[0].ID)
	assert.Equal(t, "S9", out[0].SensorID)
	assert.True(t, out[0].IsAnomalous)
}

func TestAdapterFailKeepsEvents(t *testing.T) {
	a := NewAdapter(testOpts(), nil)
	a.Apply(model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 1)}})
	a.Fail(errors.New("permission denied"))
	st := a.State()
	assert.Equal(t, model.Disconnected, st.Status)
	assert.Equal(t, "permission denied", st.LastError)
	assert.Len(t, a.Events(), 1, "events survive a failure")

	a.Fail(nil)
	a.Apply(model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 1)}})
	assert.Equal(t, model.Connected, a.State().Status)
	assert.Empty(t, a.State().LastError)
}

func TestAdapterEventsIsCopy(t *testing.T) {
	a := NewAdapter(testOpts(), nil)
	a.Apply(model.Snapshot{Records: []model.RawRecord{rec("1", "S1", 1)}})
	events := a.Events()
	events[0].SensorID = "mutated"
	assert.Equal(t, "S1", a.Events()[0].SensorID)
}
