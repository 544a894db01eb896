package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factorywatch/internal/aggregate"
	"factorywatch/internal/alerts"
	"factorywatch/internal/config"
	"factorywatch/internal/metrics"
	"factorywatch/internal/model"
	"factorywatch/internal/monitor"
	"factorywatch/internal/source"
)

type fakeMonitor struct {
	dashboard model.Dashboard
	events    []model.Event
	acks      *alerts.MemoryStore
}

func newFakeMonitor() *fakeMonitor {
	now := time.Now().UTC()
	events := []model.Event{
		{ID: "e1", SensorID: "SENSOR_001", ObservedAt: now.Add(-2 * time.Second), Value: 110, IsAnomalous: true},
		{ID: "e2", SensorID: "SENSOR_002", ObservedAt: now.Add(-20 * time.Second), Value: 72},
		{ID: "e3", SensorID: "SENSOR_003", ObservedAt: now.Add(-time.Minute), Value: 90, IsAnomalous: true},
	}
	s := aggregate.DefaultSettings()
	agg := aggregate.Compute(aggregate.Input{Events: events, Known: []string{"SENSOR_001", "SENSOR_002", "SENSOR_003", "SENSOR_004"}}, now, s)
	return &fakeMonitor{
		dashboard: model.Dashboard{Version: 3, Connection: model.ConnectionState{Status: model.Connected}, Aggregation: agg},
		events:    events,
		acks:      alerts.NewMemoryStore(10),
	}
}

func (f *fakeMonitor) Dashboard() model.Dashboard { return f.dashboard }

func (f *fakeMonitor) Events() []model.Event { return f.events }

func (f *fakeMonitor) Alerts(fl alerts.Filter) []model.AlertEntry {
	return fl.Apply(alerts.Merge(f.events, f.acks, f.Settings().Score))
}

func (f *fakeMonitor) Ack(id, note string) (model.Acknowledgement, error) {
	for _, ev := range f.events {
		if ev.ID == id && ev.IsAnomalous {
			return f.acks.SetAck(id, note), nil
		}
	}
	return model.Acknowledgement{}, fmt.Errorf("%w: %s", monitor.ErrUnknownEvent, id)
}

func (f *fakeMonitor) AckHistory(limit int) []alerts.Action { return f.acks.History(limit) }

func (f *fakeMonitor) Settings() aggregate.Settings { return aggregate.DefaultSettings() }

func newTestServer(sink EventSink) (*fakeMonitor, http.Handler) {
	mon := newFakeMonitor()
	reg := prometheus.NewRegistry()
	deps := Deps{Monitor: mon, Metrics: metrics.NewWith("fw", reg, reg)}
	if sink != nil {
		deps.Sink = sink
	}
	srv := NewServer(config.NewStaticManager(config.DefaultConfig()), deps, nil, "test")
	return mon, srv.Routes()
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, contentType string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndRequestID(t *testing.T) {
	_, h := newTestServer(nil)
	rec, body := do(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStatusReportsSource(t *testing.T) {
	_, h := newTestServer(nil)
	rec, body := do(t, h, http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	src := body["source"].(map[string]any)
	assert.Equal(t, "memory", src["driver"])
	assert.Equal(t, false, src["push"])
	assert.Equal(t, []any{"5m", "24h", "1w"}, body["windows"])
}

func TestRankingsAndRates(t *testing.T) {
	_, h := newTestServer(nil)

	rec, body := do(t, h, http.MethodGet, "/api/rankings?period=24h", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "24h", body["period"])
	assert.Len(t, body["rankings"], 2)

	rec, _ = do(t, h, http.MethodGet, "/api/rankings?period=1year", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = do(t, h, http.MethodGet, "/api/rates/weekday", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["rates"], 7)

	rec, _ = do(t, h, http.MethodGet, "/api/rates/monthly", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSensorsFilter(t *testing.T) {
	_, h := newTestServer(nil)
	rec, body := do(t, h, http.MethodGet, "/api/sensors?status=online", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = do(t, h, http.MethodGet, "/api/sensors?status=offline", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, _ = do(t, h, http.MethodGet, "/api/sensors?status=sleepy", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAlertsAndAck(t *testing.T) {
	_, h := newTestServer(nil)

	rec, _ := do(t, h, http.MethodPost, "/api/alerts/e2/ack", []byte(`{"note":"x"}`), "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/alerts/e1/ack", []byte(`{"note`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := do(t, h, http.MethodPost, "/api/alerts/e1/ack", []byte(`{"note":"replaced filter"}`), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	ack := body["ack"].(map[string]any)
	assert.Equal(t, "ACK", ack["status"])

	rec, body = do(t, h, http.MethodGet, "/api/alerts?status=ack", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 2, summary["total"])
	assert.EqualValues(t, 1, summary["unacked"])

	rec, body = do(t, h, http.MethodGet, "/api/alerts?search=sensor_003", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = do(t, h, http.MethodGet, "/api/alerts?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAckHistory(t *testing.T) {
	_, h := newTestServer(nil)
	do(t, h, http.MethodPost, "/api/alerts/e1/ack", []byte(`{"note":"first"}`), "application/json")
	do(t, h, http.MethodPost, "/api/alerts/e3/ack", []byte(`{"note":"second"}`), "application/json")

	rec, body := do(t, h, http.MethodGet, "/api/alerts/history", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])
	actions := body["actions"].([]any)
	assert.Equal(t, "e1", actions[0].(map[string]any)["event_id"])

	rec, body = do(t, h, http.MethodGet, "/api/alerts/history?limit=1", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	actions = body["actions"].([]any)
	require.Len(t, actions, 1)
	last := actions[0].(map[string]any)
	assert.Equal(t, "e3", last["event_id"])
	assert.Equal(t, "second", last["ack"].(map[string]any)["action_note"])

	rec, _ = do(t, h, http.MethodGet, "/api/alerts/history?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents(t *testing.T) {
	_, h := newTestServer(nil)
	rec, body := do(t, h, http.MethodGet, "/api/events", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["count"])

	rec, body = do(t, h, http.MethodGet, "/api/events?sensor=sensor_002", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].(map[string]any)["id"])

	rec, body = do(t, h, http.MethodGet, "/api/events?limit=2", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, _ = do(t, h, http.MethodGet, "/api/events?limit=x", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPushEvents(t *testing.T) {
	_, h := newTestServer(nil)
	rec, _ := do(t, h, http.MethodPost, "/api/events", []byte(`{"sensor_id":"SENSOR_001"}`), "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code)

	feed := source.NewMemoryFeed("factory_log", 10)
	_, h = newTestServer(feed)
	payload := `[{"id":"x1","sensor_id":"SENSOR_001","sensor_value":75,"target_value":0},{"sensor_id":"SENSOR_002","sensor_value":99,"target_value":1}]`
	rec, body := do(t, h, http.MethodPost, "/api/events", []byte(payload), "application/json")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 2, body["accepted"])
	assert.EqualValues(t, 2, body["buffered"])
	assert.Equal(t, 2, feed.Len())

	rec, body = do(t, h, http.MethodGet, "/api/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	src := body["source"].(map[string]any)
	assert.Equal(t, true, src["push"])
	assert.EqualValues(t, 2, src["documents"])

	rec, _ = do(t, h, http.MethodPost, "/api/events", nil, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpload(t *testing.T) {
	_, h := newTestServer(nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "batch.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("timestamp,sensor_id,sensor_value,target_value\n2026-03-04 10:00:00,SENSOR_001,71.5,0\n2026-03-04 10:00:01,SENSOR_002,101,1\n"))
	require.NoError(t, mw.Close())

	rec, body := do(t, h, http.MethodPost, "/api/upload", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "csv", body["format"])
	assert.EqualValues(t, 2, body["events"])
	agg := body["aggregation"].(map[string]any)
	totals := agg["totals"].(map[string]any)
	assert.EqualValues(t, 1, totals["anomalous"])

	rec, _ = do(t, h, http.MethodPost, "/api/upload?name=report.pdf", []byte("%PDF-1.4"), "application/pdf")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/upload?name=empty.csv", []byte("  "), "text/csv")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestServer(nil)
	do(t, h, http.MethodGet, "/api/dashboard", nil, "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `fw_http_requests_total{method="GET",route="/api/dashboard",status="200"} 1`)
}
